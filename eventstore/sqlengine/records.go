package sqlengine

import (
	"errors"
	"time"

	"github.com/appknit/eventsourcing/eventstore"
)

// eventRecord is one persisted event, independent of the table layout that stores it.
type eventRecord struct {
	ID                 string    `json:"id"`
	StreamID           string    `json:"streamId"`
	AggregateID        string    `json:"aggregateId"`
	Aggregate          string    `json:"aggregate"`
	Context            string    `json:"context,omitempty"`
	CommitID           string    `json:"commitId"`
	Payload            []byte    `json:"-"`
	CommitSequence     int64     `json:"commitSequence"`
	CommitStamp        time.Time `json:"commitStamp"`
	RestInCommitStream int64     `json:"restInCommitStream"`
	Dispatched         int64     `json:"dispatched"`
}

// snapshotRecord is one persisted snapshot.
type snapshotRecord struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregateId"`
	Aggregate   string    `json:"aggregate"`
	Context     string    `json:"context,omitempty"`
	Revision    int64     `json:"revision"`
	Version     int64     `json:"version"`
	CommitStamp time.Time `json:"commitStamp"`
	Data        []byte    `json:"-"`
}

func newEventRecord(id string, event eventstore.StorableEvent, commitStamp time.Time) (eventRecord, error) {
	payload, err := eventstore.EncodePayload(event)
	if err != nil {
		return eventRecord{}, errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	return eventRecord{
		ID:          id,
		StreamID:    event.Stream(),
		AggregateID: event.Stream(),
		Aggregate:   event.EventAggregate,
		Context:     event.Context,
		CommitID:    event.ID,
		Payload:     payload,
		CommitStamp: commitStamp,
	}, nil
}

func (r eventRecord) toStorableEvent() (eventstore.StorableEvent, error) {
	event := eventstore.StorableEvent{
		ID:                 r.CommitID,
		EventAggregate:     r.Aggregate,
		CommittedID:        r.ID,
		StreamID:           r.StreamID,
		AggregateID:        r.AggregateID,
		Context:            r.Context,
		Revision:           uint64(r.CommitSequence),
		CommitStamp:        r.CommitStamp.UTC(),
		Dispatched:         r.Dispatched != 0,
		RestInCommitStream: r.RestInCommitStream != 0,
	}

	if err := eventstore.DecodePayload(r.Payload, &event); err != nil {
		return eventstore.StorableEvent{}, errors.Join(eventstore.ErrDecodingStoredEventFailed, err)
	}

	return event, nil
}

func newSnapshotRecord(snapshot eventstore.Snapshot) snapshotRecord {
	return snapshotRecord{
		ID:          snapshot.SnapshotID,
		AggregateID: snapshot.AggregateID,
		Aggregate:   snapshot.Aggregate,
		Context:     snapshot.Context,
		Revision:    int64(snapshot.Revision),
		Version:     int64(snapshot.Version),
		CommitStamp: snapshot.CommitStamp.UTC(),
		Data:        snapshot.Data,
	}
}

func (r snapshotRecord) toSnapshot() eventstore.Snapshot {
	snapshot := eventstore.Snapshot{
		SnapshotID:  r.ID,
		AggregateID: r.AggregateID,
		Aggregate:   r.Aggregate,
		Context:     r.Context,
		Revision:    uint64(r.Revision),
		Version:     int(r.Version),
		CommitStamp: r.CommitStamp.UTC(),
	}

	if len(r.Data) > 0 {
		snapshot.Data = r.Data
	}

	return snapshot
}

// nullableJSON turns an empty JSON value into SQL NULL; drivers get JSON as text.
func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}

	return string(data)
}
