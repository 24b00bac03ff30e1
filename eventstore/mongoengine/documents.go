package mongoengine

import (
	"bytes"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/appknit/eventsourcing/eventstore"
)

const (
	fieldID             = "_id"
	fieldStreamID       = "streamId"
	fieldAggregateID    = "aggregateId"
	fieldCommitID       = "commitId"
	fieldStreamRevision = "streamRevision"
	fieldCommitStamp    = "commitStamp"
	fieldRevision       = "revision"
)

// eventDocument is the layout of one event in the events collection.
// Every event is its own commit, so commitSequence (the position inside the commit) is always 0.
type eventDocument struct {
	ID                 string          `bson:"_id"`
	StreamID           string          `bson:"streamId"`
	AggregateID        string          `bson:"aggregateId"`
	Aggregate          string          `bson:"aggregate"`
	Context            string          `bson:"context,omitempty"`
	CommitID           string          `bson:"commitId"`
	CommitSequence     int64           `bson:"commitSequence"`
	StreamRevision     int64           `bson:"streamRevision"`
	CommitStamp        time.Time       `bson:"commitStamp"`
	RestInCommitStream int64           `bson:"restInCommitStream"`
	Dispatched         bool            `bson:"dispatched"`
	Payload            payloadDocument `bson:"payload"`
}

type payloadDocument struct {
	EventName    string `bson:"eventName"`
	EventVersion int    `bson:"eventVersion"`
	InstanceID   string `bson:"instanceId,omitempty"`
	Data         bson.D `bson:"data,omitempty"`
	RawData      string `bson:"rawData,omitempty"`
}

type snapshotDocument struct {
	ID          string    `bson:"_id"`
	AggregateID string    `bson:"aggregateId"`
	Aggregate   string    `bson:"aggregate"`
	Context     string    `bson:"context,omitempty"`
	Revision    int64     `bson:"revision"`
	Version     int64     `bson:"version"`
	CommitStamp time.Time `bson:"commitStamp"`
	Data        bson.D    `bson:"data,omitempty"`
	RawData     string    `bson:"rawData,omitempty"`
}

// toBSONData stores JSON objects as BSON subdocuments, anything else verbatim.
func toBSONData(payload []byte) (bson.D, string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, "", nil
	}

	if trimmed[0] != '{' {
		return nil, string(trimmed), nil
	}

	var document bson.D
	if err := bson.UnmarshalExtJSON(trimmed, false, &document); err != nil {
		return nil, "", err
	}

	if len(document) == 0 {
		return nil, string(trimmed), nil
	}

	return document, "", nil
}

func fromBSONData(document bson.D, rawData string) ([]byte, error) {
	if len(document) == 0 {
		if rawData == "" {
			return nil, nil
		}

		return []byte(rawData), nil
	}

	return bson.MarshalExtJSON(document, false, false)
}

func newEventDocument(id string, event eventstore.StorableEvent, revision int64, commitStamp time.Time) (eventDocument, error) {
	data, rawData, err := toBSONData(event.Payload)
	if err != nil {
		return eventDocument{}, errors.Join(eventstore.ErrInvalidPayloadJSON, err)
	}

	return eventDocument{
		ID:             id,
		StreamID:       event.Stream(),
		AggregateID:    event.Stream(),
		Aggregate:      event.EventAggregate,
		Context:        event.Context,
		CommitID:       event.ID,
		StreamRevision: revision,
		CommitStamp:    commitStamp,
		Payload: payloadDocument{
			EventName:    event.EventName,
			EventVersion: event.EventVersion,
			InstanceID:   event.InstanceID,
			Data:         data,
			RawData:      rawData,
		},
	}, nil
}

func (d eventDocument) toStorableEvent() (eventstore.StorableEvent, error) {
	payload, err := fromBSONData(d.Payload.Data, d.Payload.RawData)
	if err != nil {
		return eventstore.StorableEvent{}, errors.Join(eventstore.ErrDecodingStoredEventFailed, err)
	}

	if payload == nil {
		payload = []byte("{}")
	}

	return eventstore.StorableEvent{
		ID:                 d.CommitID,
		EventAggregate:     d.Aggregate,
		InstanceID:         d.Payload.InstanceID,
		EventVersion:       d.Payload.EventVersion,
		EventName:          d.Payload.EventName,
		Payload:            payload,
		CommittedID:        d.ID,
		StreamID:           d.StreamID,
		AggregateID:        d.AggregateID,
		Context:            d.Context,
		Revision:           uint64(d.StreamRevision),
		CommitStamp:        d.CommitStamp.UTC(),
		Dispatched:         d.Dispatched,
		RestInCommitStream: d.RestInCommitStream != 0,
	}, nil
}

func newSnapshotDocument(snapshot eventstore.Snapshot) (snapshotDocument, error) {
	data, rawData, err := toBSONData(snapshot.Data)
	if err != nil {
		return snapshotDocument{}, errors.Join(eventstore.ErrInvalidSnapshotJSON, err)
	}

	return snapshotDocument{
		ID:          snapshot.SnapshotID,
		AggregateID: snapshot.AggregateID,
		Aggregate:   snapshot.Aggregate,
		Context:     snapshot.Context,
		Revision:    int64(snapshot.Revision),
		Version:     int64(snapshot.Version),
		CommitStamp: snapshot.CommitStamp,
		Data:        data,
		RawData:     rawData,
	}, nil
}

func (d snapshotDocument) toSnapshot() (eventstore.Snapshot, error) {
	data, err := fromBSONData(d.Data, d.RawData)
	if err != nil {
		return eventstore.Snapshot{}, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	return eventstore.Snapshot{
		SnapshotID:  d.ID,
		AggregateID: d.AggregateID,
		Aggregate:   d.Aggregate,
		Context:     d.Context,
		Revision:    uint64(d.Revision),
		Version:     int(d.Version),
		CommitStamp: d.CommitStamp.UTC(),
		Data:        data,
	}, nil
}
