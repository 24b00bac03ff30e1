package eventstore

import (
	"encoding/json"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrInvalidSnapshotJSON is returned when snapshot JSON data is malformed or invalid.
	ErrInvalidSnapshotJSON = errors.New("snapshot json is not valid")

	// ErrEmptySnapshotAggregate is returned when a snapshot does not name its aggregate type.
	ErrEmptySnapshotAggregate = errors.New("snapshot aggregate must not be empty")

	// ErrSavingSnapshotFailed is returned when the snapshot save operation fails.
	ErrSavingSnapshotFailed = errors.New("saving snapshot failed")

	// ErrLoadingSnapshotFailed is returned when the snapshot load operation fails.
	ErrLoadingSnapshotFailed = errors.New("loading snapshot failed")
)

// Snapshot is the serialized state of an aggregate instance at a given stream revision.
// Replay after a snapshot starts at Revision+1.
type Snapshot struct {
	SnapshotID  string
	AggregateID string // stream key, see StreamID
	Aggregate   string
	Context     string
	Revision    uint64
	Version     int
	CommitStamp time.Time
	Data        json.RawMessage // nil when the aggregate had no state to persist
}

// Validate ensures the snapshot has valid data for storage operations.
func (s Snapshot) Validate() error {
	if s.Aggregate == "" {
		return ErrEmptySnapshotAggregate
	}

	if len(s.Data) > 0 && !jsoniter.ConfigFastest.Valid(s.Data) {
		return ErrInvalidSnapshotJSON
	}

	return nil
}

// BuildSnapshot creates a new Snapshot with validation.
func BuildSnapshot(
	snapshotID string,
	aggregateType string,
	instanceID string,
	data json.RawMessage,
	revision uint64,
	version int,
) (Snapshot, error) {

	snapshot := Snapshot{
		SnapshotID:  snapshotID,
		AggregateID: StreamID(aggregateType, instanceID),
		Aggregate:   aggregateType,
		Revision:    revision,
		Version:     version,
		CommitStamp: time.Now().UTC(),
		Data:        data,
	}

	if err := snapshot.Validate(); err != nil {
		return Snapshot{}, err
	}

	return snapshot, nil
}

// SnapshotHistory is what GetFromSnapshot returns: the latest snapshot (nil if none)
// and the events committed after it in ascending revision order.
type SnapshotHistory struct {
	Snapshot *Snapshot
	History  StorableEvents
}

// NextRevision is the first revision the history replays.
func (h SnapshotHistory) NextRevision() uint64 {
	if h.Snapshot == nil {
		return 1
	}

	return h.Snapshot.Revision + 1
}
