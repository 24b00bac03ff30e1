package eventstore

import (
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var (
	// ErrInvalidEvent is returned when an event does not carry the fields every stored event must have.
	ErrInvalidEvent = errors.New("events must carry id, eventAggregate and eventVersion")

	ErrMissingEventID        = errors.New("event id is missing")
	ErrMissingEventAggregate = errors.New("event aggregate is missing")
	ErrMissingEventVersion   = errors.New("event version is missing")
	ErrInvalidPayloadJSON    = errors.New("payload json is not valid")
)

// StorableEvents is an alias type for a slice of StorableEvent
type StorableEvents = []StorableEvent

// StorableEvent is a DTO (data transfer object) used by the EventStore to append events and read them back.
//
// It is built on scalars to be completely agnostic of the implementation of Domain Events in the client code.
// The fields from CommittedID downwards are populated by the backend when events are read.
//
// While its properties are exported, it should only be constructed with BuildStorableEvent.
type StorableEvent struct {
	ID             string
	EventAggregate string
	InstanceID     string
	EventVersion   int
	EventName      string
	Payload        []byte

	CommittedID        string
	StreamID           string
	AggregateID        string
	Context            string
	Revision           uint64
	CommitStamp        time.Time
	Dispatched         bool
	RestInCommitStream bool
}

// BuildStorableEvent is a factory method for StorableEvent.
//
// An empty payload is stored as an empty JSON object.
// Returns ErrInvalidEvent (joined with the missing field) or ErrInvalidPayloadJSON.
func BuildStorableEvent(
	id string,
	eventAggregate string,
	instanceID string,
	eventName string,
	eventVersion int,
	payload []byte,
) (StorableEvent, error) {

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	event := StorableEvent{
		ID:             id,
		EventAggregate: eventAggregate,
		InstanceID:     instanceID,
		EventName:      eventName,
		EventVersion:   eventVersion,
		Payload:        payload,
	}

	if err := event.Validate(); err != nil {
		return StorableEvent{}, err
	}

	return event, nil
}

// Validate checks the fields every stored event must carry.
// EventVersion 0 counts as absent, so schema versions start at 1.
func (e StorableEvent) Validate() error {
	switch {
	case e.ID == "":
		return errors.Join(ErrInvalidEvent, ErrMissingEventID)
	case e.EventAggregate == "":
		return errors.Join(ErrInvalidEvent, ErrMissingEventAggregate)
	case e.EventVersion == 0:
		return errors.Join(ErrInvalidEvent, ErrMissingEventVersion)
	}

	if len(e.Payload) > 0 && !jsoniter.ConfigFastest.Valid(e.Payload) {
		return ErrInvalidPayloadJSON
	}

	return nil
}

// Instance returns the aggregate instance the event belongs to.
// Events without an explicit instance id are keyed by their own id.
func (e StorableEvent) Instance() string {
	if e.InstanceID != "" {
		return e.InstanceID
	}

	return e.ID
}

// Stream returns the stream key the event is appended to.
func (e StorableEvent) Stream() string {
	return StreamID(e.EventAggregate, e.Instance())
}
