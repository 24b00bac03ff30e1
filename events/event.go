// Package events defines the contract domain events fulfill to be stored, replayed and published.
//
// A domain event embeds Meta and adds its own fields and an EventName method:
//
//	type OrderCreated struct {
//		events.Meta
//		CustomerID string `json:"customerId"`
//	}
//
//	func (OrderCreated) EventName() string { return "OrderCreated" }
//
// Only the event's own fields end up in the stored payload; Meta travels in the StorableEvent envelope.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/appknit/eventsourcing/eventstore"
)

// ErrEncodingEventFailed is returned when the payload of an event cannot be serialized.
var ErrEncodingEventFailed = errors.New("encoding the event payload failed")

// Event is a domain event that can be stored and replayed.
type Event interface {
	EventID() string
	EventAggregate() string
	EventVersion() int
	AggregateInstanceID() string

	// EventName is the type tag. It must not depend on the event's fields.
	EventName() string
}

type Events = []Event

// Meta carries the envelope fields of an event. Embed it into domain events.
type Meta struct {
	ID          string    `json:"-"`
	Aggregate   string    `json:"-"`
	Version     int       `json:"-"`
	InstanceID  string    `json:"-"`
	Context     string    `json:"-"`
	Revision    uint64    `json:"-"`
	CommittedID string    `json:"-"`
	CommitStamp time.Time `json:"-"`
}

// NewMeta creates the envelope of a new event with a fresh id.
func NewMeta(aggregate string, instanceID string, version int) Meta {
	return Meta{
		ID:         uuid.NewString(),
		Aggregate:  aggregate,
		Version:    version,
		InstanceID: instanceID,
	}
}

// MetaFrom copies the envelope of a stored event.
func MetaFrom(stored eventstore.StorableEvent) Meta {
	return Meta{
		ID:          stored.ID,
		Aggregate:   stored.EventAggregate,
		Version:     stored.EventVersion,
		InstanceID:  stored.InstanceID,
		Context:     stored.Context,
		Revision:    stored.Revision,
		CommittedID: stored.CommittedID,
		CommitStamp: stored.CommitStamp,
	}
}

func (m Meta) EventID() string             { return m.ID }
func (m Meta) EventAggregate() string      { return m.Aggregate }
func (m Meta) EventVersion() int           { return m.Version }
func (m Meta) AggregateInstanceID() string { return m.InstanceID }

// EventRevision is the stream revision of a stored event, 0 for an event that was not stored yet.
func (m Meta) EventRevision() uint64 { return m.Revision }

// EventContext is the bounded context the event was stored under.
func (m Meta) EventContext() string { return m.Context }

// SetMeta replaces the envelope. Decoders use it to attach the stored envelope.
func (m *Meta) SetMeta(meta Meta) { *m = meta }

type metaSetter interface {
	SetMeta(meta Meta)
}

// ToStorable converts a domain event into the envelope the event store persists.
// Events without id, aggregate or version fail with eventstore.ErrInvalidEvent.
func ToStorable(event Event) (eventstore.StorableEvent, error) {
	payload, err := jsoniter.ConfigFastest.Marshal(event)
	if err != nil {
		return eventstore.StorableEvent{}, errors.Join(ErrEncodingEventFailed, err)
	}

	stored, err := eventstore.BuildStorableEvent(
		event.EventID(),
		event.EventAggregate(),
		event.AggregateInstanceID(),
		event.EventName(),
		event.EventVersion(),
		payload,
	)
	if err != nil {
		return eventstore.StorableEvent{}, err
	}

	if withContext, ok := event.(interface{ EventContext() string }); ok {
		stored.Context = withContext.EventContext()
	}

	return stored, nil
}
