package eventstore

import (
	"encoding/json"
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// StreamID derives the stream key of an aggregate instance.
// The same pair always yields the same key; streams exist implicitly once an event was appended.
func StreamID(aggregateType string, instanceID string) string {
	return aggregateType + "-" + instanceID
}

// ExpectedRevision is the stream revision an append expects to find.
// AnyRevision disables the check, 0 expects an empty stream.
type ExpectedRevision int64

const AnyRevision ExpectedRevision = -1

// ExpectRevision is a convenience constructor for a concrete expected revision.
func ExpectRevision(revision uint64) ExpectedRevision {
	return ExpectedRevision(revision)
}

// IsAny reports whether the append is unconditional.
func (r ExpectedRevision) IsAny() bool {
	return r < 0
}

// RevisionRange selects events of a stream by revision, both bounds inclusive.
// Max 0 means unbounded.
type RevisionRange struct {
	Min uint64
	Max uint64
}

// AllRevisions selects the whole stream.
var AllRevisions = RevisionRange{Min: 1}

// Contains reports whether the revision falls into the range.
func (r RevisionRange) Contains(revision uint64) bool {
	if revision < r.Min {
		return false
	}

	return r.Max == 0 || revision <= r.Max
}

// DefaultSinceLimit is the page size of GetEventsSince when the caller passes no limit.
const DefaultSinceLimit = 1000

var ErrInvalidStoredPayload = errors.New("stored payload document is not valid")

// StoredPayload is the document persisted in the payload column/field.
// It holds everything of the event except the fields that have their own columns.
type StoredPayload struct {
	EventName    string          `json:"eventName"`
	EventVersion int             `json:"eventVersion"`
	InstanceID   string          `json:"instanceId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// EncodePayload serializes the payload document of an event.
func EncodePayload(event StorableEvent) ([]byte, error) {
	data := event.Payload
	if len(data) == 0 {
		data = []byte("{}")
	}

	return jsoniter.ConfigFastest.Marshal(StoredPayload{
		EventName:    event.EventName,
		EventVersion: event.EventVersion,
		InstanceID:   event.InstanceID,
		Data:         data,
	})
}

// DecodePayload fills the payload-derived fields of an event read back from storage.
func DecodePayload(raw []byte, event *StorableEvent) error {
	var payload StoredPayload
	if err := jsoniter.ConfigFastest.Unmarshal(raw, &payload); err != nil {
		return errors.Join(ErrInvalidStoredPayload, err)
	}

	event.EventName = payload.EventName
	event.EventVersion = payload.EventVersion
	event.InstanceID = payload.InstanceID
	event.Payload = []byte(payload.Data)

	return nil
}
