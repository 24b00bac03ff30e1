package eventstore

import (
	"context"
	"time"
)

// Backend is the storage contract the EventStore façade delegates to.
// The relational (sqlengine) and document (mongoengine) engines implement it.
//
// Reads that find nothing return an empty slice or a nil pointer, never an error.
type Backend interface {
	// Connect verifies connectivity and bootstraps the schema. The EventStore is initiated only after it succeeded.
	Connect(ctx context.Context) error

	// Close releases resources the backend owns.
	Close(ctx context.Context) error

	// AppendEvent persists the event onto its stream with the next revision and returns the committed id.
	AppendEvent(ctx context.Context, event StorableEvent, expected ExpectedRevision) (string, error)

	// ReadEvents returns the events of a stream within the revision range in ascending revision order.
	ReadEvents(ctx context.Context, streamID string, revisions RevisionRange) (StorableEvents, error)

	// ReadEvent looks up a single event by committed id or by producer event id.
	ReadEvent(ctx context.Context, id string) (*StorableEvent, error)

	// ReadEventsSince pages through all events committed at or after the given time.
	ReadEventsSince(ctx context.Context, since time.Time, skip int, limit int) (StorableEvents, error)

	// LatestSnapshot returns the snapshot with the highest revision of a stream.
	LatestSnapshot(ctx context.Context, streamID string) (*Snapshot, error)

	// SaveSnapshot persists a snapshot. Events are never deleted or compacted.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}

// BootstrapReport tells which tables/collections a schema bootstrap created and which already existed.
type BootstrapReport struct {
	Created        []string
	AlreadyExisted []string
}

// TableCreated reports whether the bootstrap created the named table or collection.
func (r BootstrapReport) TableCreated(name string) bool {
	for _, created := range r.Created {
		if created == name {
			return true
		}
	}

	return false
}
