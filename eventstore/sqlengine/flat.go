package sqlengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/sqlengine/internal/adapters"
)

const (
	colID                 = "id"
	colStreamID           = "streamId"
	colAggregateID        = "aggregateId"
	colAggregate          = "aggregate"
	colContext            = "context"
	colCommitID           = "commitId"
	colPayload            = "payload"
	colPosition           = "position"
	colCommitSequence     = "commitSequence"
	colCommitStamp        = "commitStamp"
	colRestInCommitStream = "restInCommitStream"
	colDispatched         = "dispatched"
	colRevision           = "revision"
	colVersion            = "version"
	colData               = "data"
)

var eventColumns = []any{
	colID, colStreamID, colAggregateID, colAggregate, colContext, colCommitID, colPayload,
	colCommitSequence, colCommitStamp, colRestInCommitStream, colDispatched,
}

var snapshotColumns = []any{
	colID, colAggregateID, colAggregate, colContext, colRevision, colVersion, colCommitStamp, colData,
}

// flatStorage keeps one column per attribute in the events and snapshots tables.
type flatStorage struct {
	runner
	eventsTable    string
	snapshotsTable string
}

func (s flatStorage) tables() []string {
	return []string{s.eventsTable, s.snapshotsTable}
}

func (s flatStorage) bootstrap(ctx context.Context) (eventstore.BootstrapReport, error) {
	d := s.dialect

	events := tableDefinition{
		name:   s.eventsTable,
		create: fmt.Sprintf(`CREATE TABLE "%s" (
	"id" %s PRIMARY KEY,
	"streamId" %s,
	"aggregateId" %s,
	"aggregate" %s NOT NULL,
	"context" %s,
	"commitId" %s NOT NULL,
	"payload" %s,
	"position" %s,
	"commitSequence" %s DEFAULT 0,
	"commitStamp" %s DEFAULT CURRENT_TIMESTAMP,
	"restInCommitStream" %s DEFAULT 0,
	"dispatched" %s DEFAULT 0
)`,
			s.eventsTable, d.textType(64), d.textType(255), d.textType(255), d.textType(255), d.textType(255),
			d.textType(255), d.jsonType(), d.bigintType(), d.bigintType(), d.timestampType(),
			d.smallintType(), d.smallintType()),
		indexes: []string{
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "%s_stream_revision_idx" ON "%s" ("aggregateId", "commitSequence")`,
				s.eventsTable, s.eventsTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_commit_id_idx" ON "%s" ("commitId")`, s.eventsTable, s.eventsTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_commit_stamp_idx" ON "%s" ("commitStamp")`, s.eventsTable, s.eventsTable),
		},
	}

	snapshots := tableDefinition{
		name:   s.snapshotsTable,
		create: fmt.Sprintf(`CREATE TABLE "%s" (
	"id" %s PRIMARY KEY,
	"aggregateId" %s,
	"aggregate" %s NOT NULL,
	"context" %s,
	"revision" %s DEFAULT 0,
	"version" %s DEFAULT 0,
	"commitStamp" %s DEFAULT CURRENT_TIMESTAMP,
	"data" %s
)`,
			s.snapshotsTable, d.textType(64), d.textType(255), d.textType(255), d.textType(255),
			d.bigintType(), d.bigintType(), d.timestampType(), d.jsonType()),
		indexes: []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_aggregate_revision_idx" ON "%s" ("aggregateId", "revision")`,
				s.snapshotsTable, s.snapshotsTable),
		},
	}

	return s.createTablesIfNotExist(ctx, events, snapshots)
}

// insertEvent assigns commitSequence = MAX(commitSequence)+1 of the stream within the INSERT itself.
// With an expected revision the HAVING guard turns a mismatch into zero affected rows.
func (s flatStorage) insertEvent(ctx context.Context, record eventRecord, expected eventstore.ExpectedRevision) error {
	d := s.dialect
	maxSequence := goqu.L("COALESCE(MAX(?), 0)", goqu.C(colCommitSequence))

	selectStmt := d.builder().
		From(s.eventsTable).
		Select(
			d.param(record.ID, "text"),
			d.param(record.StreamID, "text"),
			d.param(record.AggregateID, "text"),
			d.param(record.Aggregate, "text"),
			d.param(record.Context, "text"),
			d.param(record.CommitID, "text"),
			d.param(string(record.Payload), "jsonb"),
			goqu.L("? + 1", maxSequence),
			d.param(record.CommitStamp, "timestamptz"),
			d.param(record.RestInCommitStream, "smallint"),
			d.param(record.Dispatched, "smallint"),
		).
		Where(goqu.C(colAggregateID).Eq(record.AggregateID))

	if !expected.IsAny() {
		selectStmt = selectStmt.Having(maxSequence.Eq(int64(expected)))
	}

	insertStmt := d.builder().
		Insert(s.eventsTable).
		Cols(eventColumns...).
		FromQuery(selectStmt).
		Prepared(true)

	rowsAffected, err := s.exec(ctx, "append", insertStmt)
	if err != nil {
		if adapters.IsUniqueViolation(err) {
			return eventstore.ErrConcurrencyConflict
		}

		return errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	if rowsAffected < 1 {
		return eventstore.ErrConcurrencyConflict
	}

	return nil
}

func (s flatStorage) selectEventsWhere(ctx context.Context, where []exp.Expression, order []exp.OrderedExpression, skip, limit int) ([]eventRecord, error) {
	selectStmt := s.dialect.builder().
		From(s.eventsTable).
		Select(eventColumns...).
		Where(where...).
		Order(order...)

	if limit > 0 {
		selectStmt = selectStmt.Limit(uint(limit))
	}

	if skip > 0 {
		selectStmt = selectStmt.Offset(uint(skip))
	}

	rows, err := s.query(ctx, "query", selectStmt.Prepared(true))
	if err != nil {
		return nil, err
	}

	records := make([]eventRecord, 0)
	scanErr := s.scanAll(ctx, rows, func(row adapters.DBRows) error {
		var record eventRecord
		if err := row.Scan(
			&record.ID, &record.StreamID, &record.AggregateID, &record.Aggregate, &record.Context, &record.CommitID,
			&record.Payload, &record.CommitSequence, &record.CommitStamp, &record.RestInCommitStream, &record.Dispatched,
		); err != nil {
			return err
		}

		records = append(records, record)

		return nil
	})

	return records, scanErr
}

func (s flatStorage) selectEvents(ctx context.Context, aggregateID string, revisions eventstore.RevisionRange) ([]eventRecord, error) {
	where := []exp.Expression{
		goqu.C(colAggregateID).Eq(aggregateID),
		goqu.C(colCommitSequence).Gte(int64(revisions.Min)),
	}

	if revisions.Max > 0 {
		where = append(where, goqu.C(colCommitSequence).Lte(int64(revisions.Max)))
	}

	return s.selectEventsWhere(ctx, where, []exp.OrderedExpression{goqu.C(colCommitSequence).Asc()}, 0, 0)
}

func (s flatStorage) selectEvent(ctx context.Context, id string) (*eventRecord, error) {
	where := []exp.Expression{goqu.Or(goqu.C(colID).Eq(id), goqu.C(colCommitID).Eq(id))}

	records, err := s.selectEventsWhere(ctx, where, []exp.OrderedExpression{goqu.C(colCommitStamp).Asc()}, 0, 1)
	if err != nil || len(records) == 0 {
		return nil, err
	}

	return &records[0], nil
}

func (s flatStorage) selectEventsSince(ctx context.Context, since time.Time, skip, limit int) ([]eventRecord, error) {
	where := []exp.Expression{goqu.C(colCommitStamp).Gte(since.UTC())}
	order := []exp.OrderedExpression{goqu.C(colCommitStamp).Asc(), goqu.C(colAggregateID).Asc(), goqu.C(colCommitSequence).Asc()}

	return s.selectEventsWhere(ctx, where, order, skip, limit)
}

func (s flatStorage) selectLatestSnapshot(ctx context.Context, aggregateID string) (*snapshotRecord, error) {
	selectStmt := s.dialect.builder().
		From(s.snapshotsTable).
		Select(snapshotColumns...).
		Where(goqu.C(colAggregateID).Eq(aggregateID)).
		Order(goqu.C(colRevision).Desc(), goqu.C(colCommitStamp).Desc()).
		Limit(1).
		Prepared(true)

	rows, err := s.query(ctx, "snapshot load", selectStmt)
	if err != nil {
		return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	var found *snapshotRecord
	scanErr := s.scanAll(ctx, rows, func(row adapters.DBRows) error {
		var record snapshotRecord
		if err := row.Scan(
			&record.ID, &record.AggregateID, &record.Aggregate, &record.Context,
			&record.Revision, &record.Version, &record.CommitStamp, &record.Data,
		); err != nil {
			return err
		}

		found = &record

		return nil
	})

	if scanErr != nil {
		return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, scanErr)
	}

	return found, nil
}

func (s flatStorage) insertSnapshot(ctx context.Context, record snapshotRecord) error {
	d := s.dialect

	insertStmt := d.builder().
		Insert(s.snapshotsTable).
		Cols(snapshotColumns...).
		Vals(goqu.Vals{
			d.param(record.ID, "text"),
			d.param(record.AggregateID, "text"),
			d.param(record.Aggregate, "text"),
			d.param(record.Context, "text"),
			d.param(record.Revision, "bigint"),
			d.param(record.Version, "bigint"),
			d.param(record.CommitStamp, "timestamptz"),
			d.param(nullableJSON(record.Data), "jsonb"),
		}).
		Prepared(true)

	if _, err := s.exec(ctx, "snapshot save", insertStmt); err != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, err)
	}

	return nil
}
