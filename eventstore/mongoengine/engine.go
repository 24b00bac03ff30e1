// Package mongoengine implements eventstore.Backend on MongoDB.
//
// Events are documents in an events collection, one document per event, with the stream revision in
// streamRevision. A unique index on (aggregateId, streamRevision) makes two writers racing for the same
// revision fail with ErrConcurrencyConflict instead of forking the stream.
//
// MongoDB keeps timestamps with millisecond precision, so commit stamps are truncated to milliseconds.
package mongoengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/internal/observe"
)

const (
	defaultEventsCollection    = "events"
	defaultSnapshotsCollection = "snapshots"

	backendName = "mongodb"

	logAttrExpectedRevision = "expected_revision"
	logAttrCommittedID      = "committed_id"
	logAttrCollection       = "collection"
	logMsgCollectionCreated = "collection created"
	logMsgCommandFailed     = "mongodb command failed"
	logMsgCloseCursorFailed = "failed to close cursor"

	errTypeQuery     = "query_failed"
	errTypeAppend    = "append_failed"
	errTypeDecode    = "decode_failed"
	errTypeSnapshot  = "snapshot_failed"
	errTypeBootstrap = "bootstrap_failed"
)

var ErrEmptyDatabaseName = errors.New("database name must not be empty")

// Engine is the document eventstore.Backend.
type Engine struct {
	client        *mongo.Client
	ownsClient    bool
	eventsName    string
	snapshotsName string
	events        collection
	snapshots     collection
	observer      *observe.Observer
	clock         func() time.Time
}

// NewFromClient creates an Engine on the given database of a connected client.
// The client stays owned by the caller; Close does not disconnect it.
func NewFromClient(client *mongo.Client, database string, options ...Option) (*Engine, error) {
	if client == nil {
		return nil, eventstore.ErrNilDatabaseConnection
	}

	if database == "" {
		return nil, ErrEmptyDatabaseName
	}

	e, err := newEngine(options...)
	if err != nil {
		return nil, err
	}

	db := client.Database(database)
	e.client = client
	e.events = mongoCollection{coll: db.Collection(e.eventsName)}
	e.snapshots = mongoCollection{coll: db.Collection(e.snapshotsName)}

	return e, nil
}

// NewFromURI connects a new client to uri and creates an Engine that owns it; Close disconnects it.
func NewFromURI(ctx context.Context, uri string, database string, timeout time.Duration, opts ...Option) (*Engine, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, errors.Join(eventstore.ErrConnectingToBackendFailed, err)
	}

	e, err := NewFromClient(client, database, opts...)
	if err != nil {
		_ = client.Disconnect(ctx) // ignore error
		return nil, err
	}

	e.ownsClient = true

	return e, nil
}

func newEngine(options ...Option) (*Engine, error) {
	e := &Engine{
		eventsName:    defaultEventsCollection,
		snapshotsName: defaultSnapshotsCollection,
		observer:      &observe.Observer{Backend: backendName},
		clock:         time.Now,
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Connect pings the primary and ensures collections and indexes.
func (e *Engine) Connect(ctx context.Context) error {
	if e.client != nil {
		if err := e.client.Ping(ctx, readpref.Primary()); err != nil {
			return errors.Join(eventstore.ErrConnectingToBackendFailed, err)
		}
	}

	_, err := e.Bootstrap(ctx)

	return err
}

// Bootstrap creates the indexes of both collections, which creates missing collections on the way.
// It is idempotent.
func (e *Engine) Bootstrap(ctx context.Context) (eventstore.BootstrapReport, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationBootstrap, nil)

	var report eventstore.BootstrapReport

	definitions := []struct {
		coll    collection
		indexes []mongo.IndexModel
	}{
		{coll: e.events, indexes: eventIndexes()},
		{coll: e.snapshots, indexes: snapshotIndexes()},
	}

	for _, definition := range definitions {
		exists, err := definition.coll.Exists(ctx)
		if err != nil {
			err = errors.Join(eventstore.ErrSchemaBootstrapFailed, err)
			op.Failure(err, errTypeBootstrap)

			return report, err
		}

		if err = definition.coll.CreateIndexes(ctx, definition.indexes); err != nil {
			err = errors.Join(eventstore.ErrSchemaBootstrapFailed, err)
			op.Failure(err, errTypeBootstrap, logAttrCollection, definition.coll.Name())

			return report, err
		}

		if exists {
			report.AlreadyExisted = append(report.AlreadyExisted, definition.coll.Name())
			continue
		}

		e.observer.LogOperation(ctx, logMsgCollectionCreated, logAttrCollection, definition.coll.Name())
		report.Created = append(report.Created, definition.coll.Name())
	}

	op.Success(0)

	return report, nil
}

func eventIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: fieldAggregateID, Value: 1}, {Key: fieldStreamRevision, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("stream_revision_idx"),
		},
		{
			Keys:    bson.D{{Key: fieldCommitID, Value: 1}},
			Options: options.Index().SetName("commit_id_idx"),
		},
		{
			Keys:    bson.D{{Key: fieldCommitStamp, Value: 1}},
			Options: options.Index().SetName("commit_stamp_idx"),
		},
	}
}

func snapshotIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: fieldAggregateID, Value: 1}, {Key: fieldRevision, Value: -1}},
			Options: options.Index().SetName("aggregate_revision_idx"),
		},
	}
}

// Close disconnects the client if the Engine created it.
func (e *Engine) Close(ctx context.Context) error {
	if !e.ownsClient || e.client == nil {
		return nil
	}

	return e.client.Disconnect(ctx)
}

// AppendEvent reads the stream head and inserts the event with the next revision.
func (e *Engine) AppendEvent(ctx context.Context, event eventstore.StorableEvent, expected eventstore.ExpectedRevision) (string, error) {
	streamID := event.Stream()
	op, ctx := e.observer.Start(ctx, observe.OperationAppend, map[string]string{
		observe.SpanAttrStreamID: streamID,
		observe.SpanAttrExpected: fmt.Sprintf("%d", expected),
	})

	head, err := e.headRevision(ctx, streamID)
	if err != nil {
		err = errors.Join(eventstore.ErrAppendingEventFailed, err)
		op.Failure(err, errTypeAppend, observe.LogAttrStreamID, streamID)

		return "", err
	}

	if !expected.IsAny() && head != int64(expected) {
		op.Conflict(observe.LogAttrStreamID, streamID, logAttrExpectedRevision, int64(expected))
		return "", eventstore.ErrConcurrencyConflict
	}

	id, err := uuid.NewV7()
	if err != nil {
		op.Failure(err, errTypeAppend, observe.LogAttrStreamID, streamID)
		return "", errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	document, err := newEventDocument(id.String(), event, head+1, e.now())
	if err != nil {
		op.Failure(err, errTypeAppend, observe.LogAttrStreamID, streamID)
		return "", err
	}

	if err = e.insert(ctx, e.events, document); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			op.Conflict(observe.LogAttrStreamID, streamID, logAttrExpectedRevision, int64(expected))
			return "", eventstore.ErrConcurrencyConflict
		}

		err = errors.Join(eventstore.ErrAppendingEventFailed, err)
		op.Failure(err, errTypeAppend, observe.LogAttrStreamID, streamID)

		return "", err
	}

	op.Success(1, observe.LogAttrStreamID, streamID, logAttrCommittedID, document.ID)

	return document.ID, nil
}

func (e *Engine) headRevision(ctx context.Context, streamID string) (int64, error) {
	documents, err := e.findEvents(ctx, "head revision",
		bson.D{{Key: fieldAggregateID, Value: streamID}},
		findOptions{sort: bson.D{{Key: fieldStreamRevision, Value: -1}}, limit: 1},
	)
	if err != nil || len(documents) == 0 {
		return 0, err
	}

	return documents[0].StreamRevision, nil
}

// ReadEvents returns the events of a stream within the revision range.
func (e *Engine) ReadEvents(ctx context.Context, streamID string, revisions eventstore.RevisionRange) (eventstore.StorableEvents, error) {
	op, ctx := e.observer.Start(ctx, observe.OperationQuery, map[string]string{observe.SpanAttrStreamID: streamID})

	revisionFilter := bson.D{{Key: "$gte", Value: int64(revisions.Min)}}
	if revisions.Max > 0 {
		revisionFilter = append(revisionFilter, bson.E{Key: "$lte", Value: int64(revisions.Max)})
	}

	documents, err := e.findEvents(ctx, "query",
		bson.D{{Key: fieldAggregateID, Value: streamID}, {Key: fieldStreamRevision, Value: revisionFilter}},
		findOptions{sort: bson.D{{Key: fieldStreamRevision, Value: 1}}},
	)
	if err != nil {
		op.Failure(err, errTypeQuery, observe.LogAttrStreamID, streamID)
		return nil, err
	}

	events, err := toStorableEvents(documents)
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

	documents, err := e.findEvents(ctx, "query",
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: fieldID, Value: id}},
			bson.D{{Key: fieldCommitID, Value: id}},
		}}},
		findOptions{sort: bson.D{{Key: fieldCommitStamp, Value: 1}}, limit: 1},
	)
	if err != nil {
		op.Failure(err, errTypeQuery)
		return nil, err
	}

	if len(documents) == 0 {
		op.Success(0)
		return nil, nil
	}

	event, err := documents[0].toStorableEvent()
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

	documents, err := e.findEvents(ctx, "query",
		bson.D{{Key: fieldCommitStamp, Value: bson.D{{Key: "$gte", Value: since.UTC()}}}},
		findOptions{
			sort: bson.D{
				{Key: fieldCommitStamp, Value: 1},
				{Key: fieldAggregateID, Value: 1},
				{Key: fieldStreamRevision, Value: 1},
			},
			skip:  int64(skip),
			limit: int64(limit),
		},
	)
	if err != nil {
		op.Failure(err, errTypeQuery)
		return nil, err
	}

	events, err := toStorableEvents(documents)
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

	filter := bson.D{{Key: fieldAggregateID, Value: streamID}}
	opts := findOptions{
		sort:  bson.D{{Key: fieldRevision, Value: -1}, {Key: fieldCommitStamp, Value: -1}},
		limit: 1,
	}

	var documents []snapshotDocument
	if err := e.find(ctx, "snapshot load", e.snapshots, filter, opts, &documents); err != nil {
		err = errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
		op.Failure(err, errTypeSnapshot, observe.LogAttrStreamID, streamID)

		return nil, err
	}

	op.Success(0, observe.LogAttrStreamID, streamID)

	if len(documents) == 0 {
		return nil, nil
	}

	snapshot, err := documents[0].toSnapshot()
	if err != nil {
		return nil, err
	}

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

	snapshot.CommitStamp = snapshot.CommitStamp.UTC().Truncate(time.Millisecond)

	document, err := newSnapshotDocument(snapshot)
	if err == nil {
		err = e.insert(ctx, e.snapshots, document)
	}

	if err != nil {
		err = errors.Join(eventstore.ErrSavingSnapshotFailed, err)
		op.Failure(err, errTypeSnapshot, observe.LogAttrStreamID, snapshot.AggregateID)

		return err
	}

	op.Success(0, observe.LogAttrStreamID, snapshot.AggregateID)

	return nil
}

func (e *Engine) insert(ctx context.Context, coll collection, document any) error {
	start := time.Now()
	err := coll.InsertOne(ctx, document)
	e.observer.LogStatement(ctx, "insert "+coll.Name(), "insert", time.Since(start))

	if err != nil {
		e.observer.LogError(ctx, logMsgCommandFailed, err, logAttrCollection, coll.Name())
	}

	return err
}

func (e *Engine) findEvents(ctx context.Context, action string, filter bson.D, opts findOptions) ([]eventDocument, error) {
	var documents []eventDocument
	if err := e.find(ctx, action, e.events, filter, opts, &documents); err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return documents, nil
}

func (e *Engine) find(ctx context.Context, action string, coll collection, filter bson.D, opts findOptions, results any) error {
	start := time.Now()
	cursor, err := coll.Find(ctx, filter, opts)
	e.observer.LogStatement(ctx, renderFind(coll.Name(), filter, opts), action, time.Since(start))

	if err != nil {
		e.observer.LogError(ctx, logMsgCommandFailed, err, logAttrCollection, coll.Name())
		return err
	}

	defer func() {
		if closeErr := cursor.Close(ctx); closeErr != nil {
			e.observer.LogWarn(ctx, logMsgCloseCursorFailed, closeErr)
		}
	}()

	return cursor.All(ctx, results)
}

func renderFind(collectionName string, filter bson.D, opts findOptions) string {
	rendered, err := bson.MarshalExtJSON(filter, false, false)
	if err != nil {
		rendered = []byte(fmt.Sprint(filter))
	}

	return fmt.Sprintf("find %s %s skip=%d limit=%d", collectionName, rendered, opts.skip, opts.limit)
}

// now returns the commit stamp, truncated to the precision MongoDB keeps.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

func toStorableEvents(documents []eventDocument) (eventstore.StorableEvents, error) {
	events := make(eventstore.StorableEvents, 0, len(documents))

	for _, document := range documents {
		event, err := document.toStorableEvent()
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, nil
}

var _ eventstore.Backend = (*Engine)(nil)
