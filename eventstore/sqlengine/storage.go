package sqlengine

import (
	"context"
	"time"

	"github.com/appknit/eventsourcing/eventstore"
)

// Mode selects how events and snapshots are laid out in the database.
type Mode string

const (
	// ModeFlat stores one column per event attribute.
	ModeFlat Mode = "flat"

	// ModeDocument stores each event and snapshot as a JSON document in a generic document table.
	ModeDocument Mode = "document"
)

// storage is the table-layout strategy of the engine, chosen once at construction.
type storage interface {
	bootstrap(ctx context.Context) (eventstore.BootstrapReport, error)
	insertEvent(ctx context.Context, record eventRecord, expected eventstore.ExpectedRevision) error
	selectEvents(ctx context.Context, aggregateID string, revisions eventstore.RevisionRange) ([]eventRecord, error)
	selectEvent(ctx context.Context, id string) (*eventRecord, error)
	selectEventsSince(ctx context.Context, since time.Time, skip, limit int) ([]eventRecord, error)
	selectLatestSnapshot(ctx context.Context, aggregateID string) (*snapshotRecord, error)
	insertSnapshot(ctx context.Context, record snapshotRecord) error
	tables() []string
}
