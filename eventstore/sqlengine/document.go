package sqlengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/sqlengine/internal/adapters"
)

const (
	colDocID           = "id"
	colDocCreatedOn    = "created_on"
	colDocLastModified = "last_modified"
	colDocVersion      = "version"
	colDocJSON         = "json_document"
)

type eventDocument struct {
	ID                 string          `json:"id"`
	StreamID           string          `json:"streamId"`
	AggregateID        string          `json:"aggregateId"`
	Aggregate          string          `json:"aggregate"`
	Context            string          `json:"context,omitempty"`
	CommitID           string          `json:"commitId"`
	Payload            json.RawMessage `json:"payload"`
	CommitSequence     int64           `json:"commitSequence"`
	CommitStamp        time.Time       `json:"commitStamp"`
	RestInCommitStream int64           `json:"restInCommitStream"`
	Dispatched         int64           `json:"dispatched"`
}

type snapshotDocument struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregateId"`
	Aggregate   string          `json:"aggregate"`
	Context     string          `json:"context,omitempty"`
	Revision    int64           `json:"revision"`
	Version     int64           `json:"version"`
	CommitStamp time.Time       `json:"commitStamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// documentStorage keeps events and snapshots as JSON documents in generic document tables
// (key, creation time, modification time, version, document) and filters on JSON paths.
type documentStorage struct {
	runner
	eventsTable    string
	snapshotsTable string
}

func (s documentStorage) tables() []string {
	return []string{s.eventsTable, s.snapshotsTable}
}

func (s documentStorage) collectionDDL(table string) string {
	d := s.dialect

	return fmt.Sprintf(`CREATE TABLE "%s" (
	"id" %s PRIMARY KEY,
	"created_on" %s NOT NULL,
	"last_modified" %s NOT NULL,
	"version" %s NOT NULL,
	"json_document" %s NOT NULL
)`, table, d.textType(255), d.timestampType(), d.timestampType(), d.textType(255), d.jsonType())
}

func (s documentStorage) bootstrap(ctx context.Context) (eventstore.BootstrapReport, error) {
	d := s.dialect

	events := tableDefinition{
		name:   s.eventsTable,
		create: s.collectionDDL(s.eventsTable),
		indexes: []string{
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS "%s_stream_revision_idx" ON "%s" ((%s), (%s))`,
				s.eventsTable, s.eventsTable,
				d.jsonTextSQL(colDocJSON, colAggregateID), d.jsonNumberSQL(colDocJSON, colCommitSequence)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_created_on_idx" ON "%s" ("created_on")`, s.eventsTable, s.eventsTable),
		},
	}

	snapshots := tableDefinition{
		name:   s.snapshotsTable,
		create: s.collectionDDL(s.snapshotsTable),
		indexes: []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "%s_aggregate_idx" ON "%s" ((%s))`,
				s.snapshotsTable, s.snapshotsTable, d.jsonTextSQL(colDocJSON, colAggregateID)),
		},
	}

	return s.createTablesIfNotExist(ctx, events, snapshots)
}

// insertOne stores a document under the given key.
func (s documentStorage) insertOne(ctx context.Context, action, table, key string, createdOn time.Time, document any) error {
	content, err := jsoniter.ConfigFastest.Marshal(document)
	if err != nil {
		return err
	}

	d := s.dialect
	insertStmt := d.builder().
		Insert(table).
		Cols(colDocID, colDocCreatedOn, colDocLastModified, colDocVersion, colDocJSON).
		Vals(goqu.Vals{
			d.param(key, "text"),
			d.param(createdOn, "timestamptz"),
			d.param(createdOn, "timestamptz"),
			d.param(uuid.NewString(), "text"),
			d.param(string(content), "jsonb"),
		}).
		Prepared(true)

	_, err = s.exec(ctx, action, insertStmt)

	return err
}

// find returns the raw documents matching the filter in the given order.
func (s documentStorage) find(
	ctx context.Context,
	action string,
	table string,
	filter []exp.Expression,
	order []exp.OrderedExpression,
	skip, limit int,
) ([][]byte, error) {

	selectStmt := s.dialect.builder().
		From(table).
		Select(colDocJSON).
		Where(filter...).
		Order(order...)

	if limit > 0 {
		selectStmt = selectStmt.Limit(uint(limit))
	}

	if skip > 0 {
		selectStmt = selectStmt.Offset(uint(skip))
	}

	rows, err := s.query(ctx, action, selectStmt.Prepared(true))
	if err != nil {
		return nil, err
	}

	documents := make([][]byte, 0)
	scanErr := s.scanAll(ctx, rows, func(row adapters.DBRows) error {
		var document []byte
		if err := row.Scan(&document); err != nil {
			return err
		}

		documents = append(documents, document)

		return nil
	})

	return documents, scanErr
}

func (s documentStorage) headRevision(ctx context.Context, aggregateID string) (int64, error) {
	selectStmt := s.dialect.builder().
		From(s.eventsTable).
		Select(goqu.COALESCE(goqu.MAX(s.dialect.jsonNumber(colDocJSON, colCommitSequence)), 0)).
		Where(s.dialect.jsonText(colDocJSON, colAggregateID).Eq(aggregateID)).
		Prepared(true)

	rows, err := s.query(ctx, "head revision", selectStmt)
	if err != nil {
		return 0, err
	}

	var head int64
	scanErr := s.scanAll(ctx, rows, func(row adapters.DBRows) error {
		return row.Scan(&head)
	})

	return head, scanErr
}

// insertEvent reads the stream head and inserts the document with the next revision.
// A concurrent writer that took the same revision trips the unique index.
func (s documentStorage) insertEvent(ctx context.Context, record eventRecord, expected eventstore.ExpectedRevision) error {
	head, err := s.headRevision(ctx, record.AggregateID)
	if err != nil {
		return errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	if !expected.IsAny() && head != int64(expected) {
		return eventstore.ErrConcurrencyConflict
	}

	record.CommitSequence = head + 1

	err = s.insertOne(ctx, "append", s.eventsTable, record.ID, record.CommitStamp, eventDocument{
		ID:                 record.ID,
		StreamID:           record.StreamID,
		AggregateID:        record.AggregateID,
		Aggregate:          record.Aggregate,
		Context:            record.Context,
		CommitID:           record.CommitID,
		Payload:            record.Payload,
		CommitSequence:     record.CommitSequence,
		CommitStamp:        record.CommitStamp,
		RestInCommitStream: record.RestInCommitStream,
		Dispatched:         record.Dispatched,
	})
	if err != nil {
		if adapters.IsUniqueViolation(err) {
			return eventstore.ErrConcurrencyConflict
		}

		return errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	return nil
}

func (s documentStorage) decodeEvents(documents [][]byte) ([]eventRecord, error) {
	records := make([]eventRecord, 0, len(documents))

	for _, raw := range documents {
		var document eventDocument
		if err := jsoniter.ConfigFastest.Unmarshal(raw, &document); err != nil {
			return nil, errors.Join(eventstore.ErrDecodingStoredEventFailed, err)
		}

		records = append(records, eventRecord{
			ID:                 document.ID,
			StreamID:           document.StreamID,
			AggregateID:        document.AggregateID,
			Aggregate:          document.Aggregate,
			Context:            document.Context,
			CommitID:           document.CommitID,
			Payload:            document.Payload,
			CommitSequence:     document.CommitSequence,
			CommitStamp:        document.CommitStamp,
			RestInCommitStream: document.RestInCommitStream,
			Dispatched:         document.Dispatched,
		})
	}

	return records, nil
}

func (s documentStorage) selectEvents(ctx context.Context, aggregateID string, revisions eventstore.RevisionRange) ([]eventRecord, error) {
	d := s.dialect
	revision := d.jsonNumber(colDocJSON, colCommitSequence)

	filter := []exp.Expression{
		d.jsonText(colDocJSON, colAggregateID).Eq(aggregateID),
		revision.Gte(int64(revisions.Min)),
	}

	if revisions.Max > 0 {
		filter = append(filter, revision.Lte(int64(revisions.Max)))
	}

	documents, err := s.find(ctx, "query", s.eventsTable, filter, []exp.OrderedExpression{revision.Asc()}, 0, 0)
	if err != nil {
		return nil, err
	}

	return s.decodeEvents(documents)
}

func (s documentStorage) selectEvent(ctx context.Context, id string) (*eventRecord, error) {
	filter := []exp.Expression{
		goqu.Or(goqu.C(colDocID).Eq(id), s.dialect.jsonText(colDocJSON, colCommitID).Eq(id)),
	}

	documents, err := s.find(ctx, "query", s.eventsTable, filter, []exp.OrderedExpression{goqu.C(colDocCreatedOn).Asc()}, 0, 1)
	if err != nil {
		return nil, err
	}

	records, err := s.decodeEvents(documents)
	if err != nil || len(records) == 0 {
		return nil, err
	}

	return &records[0], nil
}

func (s documentStorage) selectEventsSince(ctx context.Context, since time.Time, skip, limit int) ([]eventRecord, error) {
	d := s.dialect
	filter := []exp.Expression{goqu.C(colDocCreatedOn).Gte(since.UTC())}
	order := []exp.OrderedExpression{
		goqu.C(colDocCreatedOn).Asc(),
		d.jsonText(colDocJSON, colAggregateID).Asc(),
		d.jsonNumber(colDocJSON, colCommitSequence).Asc(),
	}

	documents, err := s.find(ctx, "query", s.eventsTable, filter, order, skip, limit)
	if err != nil {
		return nil, err
	}

	return s.decodeEvents(documents)
}

func (s documentStorage) selectLatestSnapshot(ctx context.Context, aggregateID string) (*snapshotRecord, error) {
	d := s.dialect
	filter := []exp.Expression{d.jsonText(colDocJSON, colAggregateID).Eq(aggregateID)}
	order := []exp.OrderedExpression{
		d.jsonNumber(colDocJSON, colRevision).Desc(),
		goqu.C(colDocCreatedOn).Desc(),
	}

	documents, err := s.find(ctx, "snapshot load", s.snapshotsTable, filter, order, 0, 1)
	if err != nil {
		return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	if len(documents) == 0 {
		return nil, nil
	}

	var document snapshotDocument
	if err = jsoniter.ConfigFastest.Unmarshal(documents[0], &document); err != nil {
		return nil, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	return &snapshotRecord{
		ID:          document.ID,
		AggregateID: document.AggregateID,
		Aggregate:   document.Aggregate,
		Context:     document.Context,
		Revision:    document.Revision,
		Version:     document.Version,
		CommitStamp: document.CommitStamp,
		Data:        document.Data,
	}, nil
}

func (s documentStorage) insertSnapshot(ctx context.Context, record snapshotRecord) error {
	err := s.insertOne(ctx, "snapshot save", s.snapshotsTable, record.ID, record.CommitStamp, snapshotDocument{
		ID:          record.ID,
		AggregateID: record.AggregateID,
		Aggregate:   record.Aggregate,
		Context:     record.Context,
		Revision:    record.Revision,
		Version:     record.Version,
		CommitStamp: record.CommitStamp,
		Data:        record.Data,
	})
	if err != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, err)
	}

	return nil
}
