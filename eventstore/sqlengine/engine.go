package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/internal/observe"
	"github.com/appknit/eventsourcing/eventstore/sqlengine/internal/adapters"
)

const (
	defaultEventsTableName    = "events"
	defaultSnapshotsTableName = "snapshots"

	logAttrExpectedRevision = "expected_revision"
	logAttrCommittedID      = "committed_id"
	logAttrCreated          = "created"
	logAttrAlreadyExisted   = "already_existed"

	errTypeQuery     = "query_failed"
	errTypeAppend    = "append_failed"
	errTypeDecode    = "decode_failed"
	errTypeSnapshot  = "snapshot_failed"
	errTypeBootstrap = "bootstrap_failed"
)

var ErrUnsupportedMode = errors.New("unsupported storage mode")

// Engine is the relational eventstore.Backend. It speaks PostgreSQL or SQLite and stores
// events either in flat tables or as JSON documents; both choices are made once at construction.
type Engine struct {
	db             adapters.DBAdapter
	dialect        Dialect
	mode           Mode
	eventsTable    string
	snapshotsTable string
	storage        storage
	observer       *observe.Observer
	closer         func() error
	clock          func() time.Time
	bootstrapMu    sync.Mutex
}

// NewFromPGXPool creates a new Engine using a pgx Pool with optional configuration.
func NewFromPGXPool(db *pgxpool.Pool, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewPGXAdapter(db), options...)
}

// NewFromPGXPoolWithReplica creates a new Engine that writes to the primary. Reads go to the replica only
// when their context is marked with eventstore.WithEventualConsistency; everything else, including the
// head-revision check of an append, reads from the primary.
func NewFromPGXPoolWithReplica(db *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*Engine, error) {
	if db == nil || replica == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewPGXAdapterWithReplica(db, replica), options...)
}

// NewFromSQLDB creates a new Engine using a sql.DB with optional configuration.
func NewFromSQLDB(db *sql.DB, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLAdapter(db), options...)
}

// NewFromSQLX creates a new Engine using a sqlx.DB with optional configuration.
func NewFromSQLX(db *sqlx.DB, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLXAdapter(db), options...)
}

func newEngine(db adapters.DBAdapter, options ...Option) (*Engine, error) {
	e := &Engine{
		db:             db,
		dialect:        DialectPostgres,
		mode:           ModeFlat,
		eventsTable:    defaultEventsTableName,
		snapshotsTable: defaultSnapshotsTableName,
		observer:       &observe.Observer{},
		clock:          time.Now,
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	e.observer.Backend = fmt.Sprintf("sql/%s/%s", e.dialect, e.mode)
	r := runner{db: e.db, dialect: e.dialect, observer: e.observer}

	switch e.mode {
	case ModeFlat:
		e.storage = flatStorage{runner: r, eventsTable: e.eventsTable, snapshotsTable: e.snapshotsTable}
	case ModeDocument:
		e.storage = documentStorage{runner: r, eventsTable: e.eventsTable, snapshotsTable: e.snapshotsTable}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, e.mode)
	}

	return e, nil
}

// Dialect returns the SQL dialect the engine was built for.
func (e *Engine) Dialect() Dialect {
	return e.dialect
}

// Mode returns the table layout the engine was built for.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Connect pings the database and bootstraps the schema.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.db.Ping(ctx); err != nil {
		return errors.Join(eventstore.ErrConnectingToBackendFailed, err)
	}

	_, err := e.Bootstrap(ctx)

	return err
}

// Bootstrap creates the events and snapshots tables unless they exist. It is idempotent.
func (e *Engine) Bootstrap(ctx context.Context) (eventstore.BootstrapReport, error) {
	e.bootstrapMu.Lock()
	defer e.bootstrapMu.Unlock()

	op, ctx := e.observer.Start(ctx, observe.OperationBootstrap, nil)

	report, err := e.storage.bootstrap(ctx)
	if err != nil {
		op.Failure(err, errTypeBootstrap)
		return report, err
	}

	op.Success(0, logAttrCreated, report.Created, logAttrAlreadyExisted, report.AlreadyExisted)

	return report, nil
}

// Close calls the closer handed over with WithCloser, if any.
func (e *Engine) Close(_ context.Context) error {
	if e.closer == nil {
		return nil
	}

	return e.closer()
}

// AppendEvent stores the event with a fresh committed id and the next revision of its stream.
func (e *Engine) AppendEvent(ctx context.Context, event eventstore.StorableEvent, expected eventstore.ExpectedRevision) (string, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationAppend, map[string]string{
		observe.SpanAttrStreamID: event.Stream(),
		observe.SpanAttrExpected: fmt.Sprintf("%d", expected),
	})

	id, err := uuid.NewV7()
	if err != nil {
		op.Failure(err, errTypeAppend)
		return "", errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	record, err := newEventRecord(id.String(), event, e.now())
	if err != nil {
		op.Failure(err, errTypeAppend)
		return "", err
	}

	if err = e.storage.insertEvent(eventstore.WithStrongConsistency(ctx), record, expected); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			op.Conflict(observe.LogAttrStreamID, record.AggregateID, logAttrExpectedRevision, int64(expected))
			return "", err
		}

		op.Failure(err, errTypeAppend, observe.LogAttrStreamID, record.AggregateID)

		return "", err
	}

	op.Success(1, observe.LogAttrStreamID, record.AggregateID, logAttrCommittedID, record.ID)

	return record.ID, nil
}

// ReadEvents returns the events of a stream within the revision range.
func (e *Engine) ReadEvents(ctx context.Context, streamID string, revisions eventstore.RevisionRange) (eventstore.StorableEvents, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationQuery, map[string]string{observe.SpanAttrStreamID: streamID})

	records, err := e.storage.selectEvents(ctx, streamID, revisions)
	if err != nil {
		op.Failure(err, errTypeQuery, observe.LogAttrStreamID, streamID)
		return nil, err
	}

	events, err := e.toStorableEvents(records)
	if err != nil {
		op.Failure(err, errTypeDecode, observe.LogAttrStreamID, streamID)
		return nil, err
	}

	op.Success(len(events), observe.LogAttrStreamID, streamID)

	return events, nil
}

// ReadEvent looks up an event by committed id or by producer event id.
func (e *Engine) ReadEvent(ctx context.Context, id string) (*eventstore.StorableEvent, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationQuery, nil)

	record, err := e.storage.selectEvent(ctx, id)
	if err != nil {
		op.Failure(err, errTypeQuery)
		return nil, err
	}

	if record == nil {
		op.Success(0)
		return nil, nil
	}

	event, err := record.toStorableEvent()
	if err != nil {
		op.Failure(err, errTypeDecode)
		return nil, err
	}

	op.Success(1)

	return &event, nil
}

// ReadEventsSince pages through the events committed at or after since.
func (e *Engine) ReadEventsSince(ctx context.Context, since time.Time, skip int, limit int) (eventstore.StorableEvents, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationQuery, nil)

	records, err := e.storage.selectEventsSince(ctx, since, skip, limit)
	if err != nil {
		op.Failure(err, errTypeQuery)
		return nil, err
	}

	events, err := e.toStorableEvents(records)
	if err != nil {
		op.Failure(err, errTypeDecode)
		return nil, err
	}

	op.Success(len(events))

	return events, nil
}

// LatestSnapshot returns the snapshot with the highest revision of the stream, or nil.
func (e *Engine) LatestSnapshot(ctx context.Context, streamID string) (*eventstore.Snapshot, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationSnapshotLoad, map[string]string{observe.SpanAttrStreamID: streamID})

	record, err := e.storage.selectLatestSnapshot(ctx, streamID)
	if err != nil {
		op.Failure(err, errTypeSnapshot, observe.LogAttrStreamID, streamID)
		return nil, err
	}

	op.Success(0, observe.LogAttrStreamID, streamID)

	if record == nil {
		return nil, nil
	}

	snapshot := record.toSnapshot()

	return &snapshot, nil
}

// SaveSnapshot persists the snapshot.
func (e *Engine) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	op, ctx := e.observer.Start(ctx, observe.OperationSnapshotSave, map[string]string{observe.SpanAttrStreamID: snapshot.AggregateID})

	if snapshot.SnapshotID == "" {
		snapshot.SnapshotID = uuid.NewString()
	}

	if snapshot.CommitStamp.IsZero() {
		snapshot.CommitStamp = e.now()
	}

	snapshot.CommitStamp = snapshot.CommitStamp.UTC().Truncate(time.Microsecond)

	if err := e.storage.insertSnapshot(ctx, newSnapshotRecord(snapshot)); err != nil {
		op.Failure(err, errTypeSnapshot, observe.LogAttrStreamID, snapshot.AggregateID)
		return err
	}

	op.Success(0, observe.LogAttrStreamID, snapshot.AggregateID)

	return nil
}

// TruncateTables deletes all events and snapshots. Meant for tests and local tooling.
func (e *Engine) TruncateTables(ctx context.Context) error {
	for _, table := range e.storage.tables() {
		if _, err := e.runner().exec(ctx, "truncate", e.dialect.builder().Delete(table).Prepared(true)); err != nil {
			return err
		}
	}

	return nil
}

// DropTables drops the events and snapshots tables if they exist. Meant for tests and local tooling.
func (e *Engine) DropTables(ctx context.Context) error {
	for _, table := range e.storage.tables() {
		if _, err := e.runner().execRaw(ctx, "drop table", fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, table)); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) runner() runner {
	return runner{db: e.db, dialect: e.dialect, observer: e.observer}
}

// now returns the commit stamp, truncated to the precision every supported database keeps.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

func (e *Engine) toStorableEvents(records []eventRecord) (eventstore.StorableEvents, error) {
	events := make(eventstore.StorableEvents, 0, len(records))

	for _, record := range records {
		event, err := record.toStorableEvent()
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, nil
}

var _ eventstore.Backend = (*Engine)(nil)
