package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/appknit/eventsourcing/eventstore"
)

var (
	// ErrDuplicateEventName is returned when a type tag is registered twice.
	ErrDuplicateEventName = errors.New("event name is already registered")

	// ErrEmptyEventName is returned when an event type has no type tag.
	ErrEmptyEventName = errors.New("event name must not be empty")

	// ErrDecodingEventFailed is returned when a stored payload does not fit the registered event type.
	ErrDecodingEventFailed = errors.New("decoding the stored event failed")
)

// Decoder turns a stored event back into a domain event.
type Decoder func(stored eventstore.StorableEvent) (Event, error)

// Registry maps type tags onto decoders. The zero value is not usable, use NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register binds the type tag of T to a decoder that unmarshals the payload into a T
// and attaches the stored envelope. It returns the type tag.
//
// T may be a value or a pointer type. Register[OrderShipped] decodes into OrderShipped values,
// Register[*OrderShipped] into pointers. Either way the decoded event carries the stored Meta,
// including its revision.
func Register[T Event](registry *Registry) (string, error) {
	name := NameOf[T]()

	decoder := func(stored eventstore.StorableEvent) (Event, error) {
		event := newEvent[T]()

		target := any(&event)
		if isPointer[T]() {
			target = any(event)
		}

		if err := jsoniter.ConfigFastest.Unmarshal(stored.Payload, target); err != nil {
			return nil, errors.Join(ErrDecodingEventFailed, fmt.Errorf("%s: %w", name, err))
		}

		if setter, ok := target.(metaSetter); ok {
			setter.SetMeta(MetaFrom(stored))
		}

		return event, nil
	}

	return name, registry.RegisterDecoder(name, decoder)
}

// NameOf returns the type tag of T, for value and pointer types alike.
func NameOf[T Event]() string {
	return newEvent[T]().EventName()
}

// newEvent returns the zero T, or a pointer to a fresh zero value when T is a pointer type.
func newEvent[T Event]() T {
	var event T
	if isPointer[T]() {
		event = reflect.New(reflect.TypeFor[T]().Elem()).Interface().(T)
	}

	return event
}

func isPointer[T any]() bool {
	return reflect.TypeFor[T]().Kind() == reflect.Pointer
}

// RegisterDecoder binds a type tag to a hand-written decoder.
func (r *Registry) RegisterDecoder(name string, decoder Decoder) error {
	if name == "" {
		return ErrEmptyEventName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateEventName, name)
	}

	r.decoders[name] = decoder

	return nil
}

// Names returns the registered type tags in alphabetical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Decode turns a stored event into its domain event.
// Type tags nobody registered decode into Unknown so that old readers survive new event types.
func (r *Registry) Decode(stored eventstore.StorableEvent) (Event, error) {
	r.mu.RLock()
	decoder, ok := r.decoders[stored.EventName]
	r.mu.RUnlock()

	if !ok {
		return Unknown{Meta: MetaFrom(stored), Name: stored.EventName, Payload: json.RawMessage(stored.Payload)}, nil
	}

	return decoder(stored)
}

// DecodeAll decodes a history, keeping its order.
func (r *Registry) DecodeAll(stored eventstore.StorableEvents) (Events, error) {
	decoded := make(Events, 0, len(stored))

	for _, event := range stored {
		domainEvent, err := r.Decode(event)
		if err != nil {
			return nil, err
		}

		decoded = append(decoded, domainEvent)
	}

	return decoded, nil
}

// Unknown is an event whose type tag has no decoder.
type Unknown struct {
	Meta
	Name    string
	Payload json.RawMessage
}

func (u Unknown) EventName() string { return u.Name }
