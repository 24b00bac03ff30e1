package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	opLaunch          = "launch"
	opClose           = "close"
	opGetEvents       = "get events"
	opGetEvent        = "get event"
	opGetFromSnapshot = "get from snapshot"
	opCreateSnapshot  = "create snapshot"
	opStoreEvent      = "store event"
	opGetEventsSince  = "get events since"

	logMsgLaunched         = "event store launched"
	logMsgLaunchFailed     = "event store launch failed"
	logMsgClosed           = "event store closed"
	logMsgEventStored      = "event stored"
	logMsgSnapshotCreated  = "snapshot created"
	logMsgValidationFailed = "event rejected by validation"
	logAttrError           = "error"
	logAttrStreamID        = "stream_id"
	logAttrEventID         = "event_id"
	logAttrCommittedID     = "committed_id"
	logAttrRevision        = "revision"
)

// ErrSnapshotAheadOfStream is returned when a snapshot names a revision the stream has not reached.
var ErrSnapshotAheadOfStream = errors.New("snapshot revision is ahead of the stream")

// EventStore is the façade the application talks to.
// It owns exactly one Backend, chosen at construction time, and gates every storage operation on a
// successful Launch.
type EventStore struct {
	backend          Backend
	launched         atomic.Bool
	launchMu         sync.Mutex
	logger           Logger
	contextualLogger ContextualLogger
	contextName      string
	clock            func() time.Time
}

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore) error

// WithLogger sets the logger for the EventStore.
// Info level: launch, close, stored events and snapshots
// Warn level: events rejected by validation
// Error level: failed launches.
func WithLogger(logger Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the EventStore.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(es *EventStore) error {
		es.contextualLogger = logger
		return nil
	}
}

// WithContextName sets the bounded-context name stamped on events and snapshots that do not carry one.
func WithContextName(name string) Option {
	return func(es *EventStore) error {
		es.contextName = name
		return nil
	}
}

// WithClock replaces the time source used for snapshot commit stamps.
func WithClock(clock func() time.Time) Option {
	return func(es *EventStore) error {
		es.clock = clock
		return nil
	}
}

// New creates an EventStore on top of the given Backend. The store is not initiated until Launch succeeded.
func New(backend Backend, options ...Option) (*EventStore, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	es := &EventStore{
		backend: backend,
		clock:   func() time.Time { return time.Now().UTC() },
	}

	for _, option := range options {
		if err := option(es); err != nil {
			return nil, err
		}
	}

	return es, nil
}

// Launch connects the backend and bootstraps its schema. Calling it on a launched store is a no-op.
func (es *EventStore) Launch(ctx context.Context) error {
	es.launchMu.Lock()
	defer es.launchMu.Unlock()

	if es.launched.Load() {
		return nil
	}

	if err := es.backend.Connect(ctx); err != nil {
		es.logError(ctx, logMsgLaunchFailed, err)
		return wrapOperationError(opLaunch, "", "", err)
	}

	es.launched.Store(true)
	es.logInfo(ctx, logMsgLaunched)

	return nil
}

// IsInitiated is true only after Launch completed successfully and until Close.
func (es *EventStore) IsInitiated() bool {
	return es.launched.Load()
}

// Close disconnects the backend. The store is not initiated afterward.
func (es *EventStore) Close(ctx context.Context) error {
	es.launchMu.Lock()
	defer es.launchMu.Unlock()

	if !es.launched.Swap(false) {
		return nil
	}

	if err := es.backend.Close(ctx); err != nil {
		return wrapOperationError(opClose, "", "", errors.Join(ErrDisconnectingBackendFailed, err))
	}

	es.logInfo(ctx, logMsgClosed)

	return nil
}

// GetEvents returns the full history of an aggregate instance in ascending revision order.
func (es *EventStore) GetEvents(ctx context.Context, aggregateType string, instanceID string) (StorableEvents, error) {
	return es.GetEventsByRevision(ctx, aggregateType, instanceID, AllRevisions)
}

// GetEventsByRevision returns the events of an aggregate instance within the revision range.
func (es *EventStore) GetEventsByRevision(
	ctx context.Context,
	aggregateType string,
	instanceID string,
	revisions RevisionRange,
) (StorableEvents, error) {

	streamID := StreamID(aggregateType, instanceID)
	if !es.IsInitiated() {
		return nil, wrapOperationError(opGetEvents, streamID, "", ErrNotLaunched)
	}

	events, err := es.backend.ReadEvents(ctx, streamID, revisions)
	if err != nil {
		return nil, wrapOperationError(opGetEvents, streamID, "", err)
	}

	return events, nil
}

// GetEvent looks up a single event by its committed id or its producer event id.
// It returns nil without an error when no event matches.
func (es *EventStore) GetEvent(ctx context.Context, id string) (*StorableEvent, error) {
	if !es.IsInitiated() {
		return nil, wrapOperationError(opGetEvent, "", id, ErrNotLaunched)
	}

	event, err := es.backend.ReadEvent(ctx, id)
	if err != nil {
		return nil, wrapOperationError(opGetEvent, "", id, err)
	}

	return event, nil
}

// GetFromSnapshot returns the latest snapshot of an aggregate instance and the events committed after it.
// Without a snapshot the whole history is returned.
func (es *EventStore) GetFromSnapshot(ctx context.Context, aggregateType string, instanceID string) (SnapshotHistory, error) {
	streamID := StreamID(aggregateType, instanceID)
	if !es.IsInitiated() {
		return SnapshotHistory{}, wrapOperationError(opGetFromSnapshot, streamID, "", ErrNotLaunched)
	}

	snapshot, err := es.backend.LatestSnapshot(ctx, streamID)
	if err != nil {
		return SnapshotHistory{}, wrapOperationError(opGetFromSnapshot, streamID, "", err)
	}

	result := SnapshotHistory{Snapshot: snapshot}

	history, err := es.backend.ReadEvents(ctx, streamID, RevisionRange{Min: result.NextRevision()})
	if err != nil {
		return SnapshotHistory{}, wrapOperationError(opGetFromSnapshot, streamID, "", err)
	}

	result.History = history

	return result, nil
}

// CreateSnapshot persists the state of an aggregate instance as of the given revision.
// The revision must not be ahead of the stream; events are never deleted.
func (es *EventStore) CreateSnapshot(
	ctx context.Context,
	aggregateType string,
	instanceID string,
	data json.RawMessage,
	revision uint64,
	version int,
) (Snapshot, error) {

	streamID := StreamID(aggregateType, instanceID)
	if !es.IsInitiated() {
		return Snapshot{}, wrapOperationError(opCreateSnapshot, streamID, "", ErrNotLaunched)
	}

	snapshot, err := BuildSnapshot(uuid.NewString(), aggregateType, instanceID, data, revision, version)
	if err != nil {
		return Snapshot{}, wrapOperationError(opCreateSnapshot, streamID, "", err)
	}

	snapshot.Context = es.contextName
	snapshot.CommitStamp = es.clock()

	if revision > 0 {
		reached, readErr := es.backend.ReadEvents(ctx, streamID, RevisionRange{Min: revision, Max: revision})
		if readErr != nil {
			return Snapshot{}, wrapOperationError(opCreateSnapshot, streamID, "", readErr)
		}

		if len(reached) == 0 {
			return Snapshot{}, wrapOperationError(opCreateSnapshot, streamID, "", ErrSnapshotAheadOfStream)
		}
	}

	if err = es.backend.SaveSnapshot(ctx, snapshot); err != nil {
		return Snapshot{}, wrapOperationError(opCreateSnapshot, streamID, "", err)
	}

	es.logInfo(ctx, logMsgSnapshotCreated, logAttrStreamID, streamID, logAttrRevision, revision)

	return snapshot, nil
}

// StoreEvent appends the event onto its stream and returns the committed id.
//
// Two concurrent StoreEvent calls on the same stream are not coordinated beyond what the backend enforces;
// use StoreEventExpecting when the caller knows which revision it decided on.
func (es *EventStore) StoreEvent(ctx context.Context, event StorableEvent) (string, error) {
	return es.StoreEventExpecting(ctx, event, AnyRevision)
}

// StoreEventExpecting appends the event only if the stream is at the expected revision,
// otherwise it fails with ErrConcurrencyConflict.
func (es *EventStore) StoreEventExpecting(ctx context.Context, event StorableEvent, expected ExpectedRevision) (string, error) {
	if !es.IsInitiated() {
		return "", wrapOperationError(opStoreEvent, "", event.ID, ErrNotLaunched)
	}

	if err := event.Validate(); err != nil {
		es.logWarn(ctx, logMsgValidationFailed, logAttrEventID, event.ID, logAttrError, err.Error())
		return "", wrapOperationError(opStoreEvent, "", event.ID, err)
	}

	if event.Context == "" {
		event.Context = es.contextName
	}

	streamID := event.Stream()

	committedID, err := es.backend.AppendEvent(ctx, event, expected)
	if err != nil {
		return "", wrapOperationError(opStoreEvent, streamID, event.ID, err)
	}

	es.logInfo(ctx, logMsgEventStored, logAttrStreamID, streamID, logAttrEventID, event.ID, logAttrCommittedID, committedID)

	return committedID, nil
}

// GetEventsSince pages through all events committed at or after the given time, across streams.
// A limit of 0 means DefaultSinceLimit.
func (es *EventStore) GetEventsSince(ctx context.Context, since time.Time, skip int, limit int) (StorableEvents, error) {
	if !es.IsInitiated() {
		return nil, wrapOperationError(opGetEventsSince, "", "", ErrNotLaunched)
	}

	if limit <= 0 {
		limit = DefaultSinceLimit
	}

	if skip < 0 {
		skip = 0
	}

	events, err := es.backend.ReadEventsSince(ctx, since, skip, limit)
	if err != nil {
		return nil, wrapOperationError(opGetEventsSince, "", "", err)
	}

	return events, nil
}

func (es *EventStore) logInfo(ctx context.Context, msg string, args ...any) {
	if es.logger != nil {
		es.logger.Info(msg, args...)
	}

	if es.contextualLogger != nil {
		es.contextualLogger.InfoContext(ctx, msg, args...)
	}
}

func (es *EventStore) logWarn(ctx context.Context, msg string, args ...any) {
	if es.logger != nil {
		es.logger.Warn(msg, args...)
	}

	if es.contextualLogger != nil {
		es.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (es *EventStore) logError(ctx context.Context, msg string, err error) {
	if es.logger != nil {
		es.logger.Error(msg, logAttrError, err.Error())
	}

	if es.contextualLogger != nil {
		es.contextualLogger.ErrorContext(ctx, msg, logAttrError, err.Error())
	}
}
