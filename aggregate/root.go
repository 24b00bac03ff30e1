// Package aggregate rebuilds domain aggregates from their history and buffers the events they raise
// until they are committed.
//
// A domain aggregate embeds Root and registers one handler per event type when it is constructed:
//
//	type Order struct {
//		aggregate.Root
//		Status string `json:"status"`
//	}
//
//	func NewOrder() *Order {
//		o := &Order{}
//		aggregate.On(&o.Root, func(e OrderShipped) { o.Status = "shipped" })
//		return o
//	}
//
// Root is not safe for concurrent use.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/appknit/eventsourcing/events"
	"github.com/appknit/eventsourcing/eventstore"
)

// ErrDecodingSnapshotFailed is returned when snapshot data does not fit the aggregate state.
var ErrDecodingSnapshotFailed = errors.New("decoding the snapshot data failed")

// Aggregate is implemented by every type that embeds Root.
type Aggregate interface {
	AggregateRoot() *Root
}

// Publisher receives the events an aggregate commits.
type Publisher interface {
	Publish(ctx context.Context, event events.Event, root Aggregate) error
}

// Root is the replay and commit machinery of an aggregate.
type Root struct {
	handlers    map[string]func(events.Event)
	uncommitted events.Events
	autoCommit  bool
	revision    uint64
	publisher   Publisher
	owner       Aggregate
}

// AggregateRoot returns the root itself, so that embedding types implement Aggregate.
func (r *Root) AggregateRoot() *Root {
	return r
}

// On registers the handler for events of type T, keyed by T's type tag.
// A later registration for the same type replaces the earlier one.
func On[T events.Event](r *Root, handler func(T)) {
	if r.handlers == nil {
		r.handlers = make(map[string]func(events.Event))
	}

	r.handlers[events.NameOf[T]()] = func(event events.Event) {
		switch typed := event.(type) {
		case T:
			handler(typed)
		case *T:
			handler(*typed)
		}
	}
}

// Bind routes published events of the aggregate to the publisher. Without a binding, publishing discards events.
func Bind(aggregate Aggregate, publisher Publisher) {
	root := aggregate.AggregateRoot()
	root.publisher = publisher
	root.owner = aggregate
}

// AutoCommit reports whether applied events are published right away instead of being buffered.
func (r *Root) AutoCommit() bool {
	return r.autoCommit
}

// SetAutoCommit switches between buffering and immediate publication.
//
// With auto commit enabled, LoadFromHistory and LoadFromSnapshot publish every replayed event again.
// Enable it only after the aggregate was rebuilt.
func (r *Root) SetAutoCommit(enabled bool) {
	r.autoCommit = enabled
}

// Revision is the stream revision of the last applied event that carried one.
func (r *Root) Revision() uint64 {
	return r.revision
}

// Apply records a new event: buffered, or published right away with auto commit, and then handed
// to its handler. Events without a handler are accepted.
// A failed immediate publication returns the error and leaves the state untouched.
func (r *Root) Apply(ctx context.Context, event events.Event) error {
	return r.apply(ctx, event, false)
}

func (r *Root) apply(ctx context.Context, event events.Event, fromHistory bool) error {
	if !fromHistory && !r.autoCommit {
		r.uncommitted = append(r.uncommitted, event)
	}

	if r.autoCommit {
		if err := r.publish(ctx, event); err != nil {
			return &PublishError{Failures: []PublishFailure{{EventID: event.EventID(), Err: err}}}
		}
	}

	if handler, ok := r.handlers[event.EventName()]; ok {
		handler(event)
	}

	if revisioned, ok := event.(interface{ EventRevision() uint64 }); ok && revisioned.EventRevision() > 0 {
		r.revision = revisioned.EventRevision()
	}

	return nil
}

func (r *Root) publish(ctx context.Context, event events.Event) error {
	if r.publisher == nil {
		return nil
	}

	return r.publisher.Publish(ctx, event, r.owner)
}

// Commit publishes the buffered events in order and clears the buffer.
// When a publication fails, that event and the ones after it stay buffered.
func (r *Root) Commit(ctx context.Context) error {
	for i, event := range r.uncommitted {
		if err := r.publish(ctx, event); err != nil {
			r.uncommitted = r.uncommitted[i:]
			return &PublishError{Failures: []PublishFailure{{EventID: event.EventID(), Err: err}}}
		}
	}

	r.uncommitted = nil

	return nil
}

// CommitAsync publishes all buffered events concurrently and waits for all of them.
// The buffer is cleared only if every publication succeeded; otherwise it is left intact and the
// returned PublishError names every failed event. Events that were published before the failure
// will be published again by the next commit.
func (r *Root) CommitAsync(ctx context.Context) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failures []PublishFailure
	)

	for _, event := range r.uncommitted {
		g.Go(func() error {
			if err := r.publish(ctx, event); err != nil {
				mu.Lock()
				failures = append(failures, PublishFailure{EventID: event.EventID(), Err: err})
				mu.Unlock()

				return err
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &PublishError{Failures: failures}
	}

	r.uncommitted = nil

	return nil
}

// Uncommit drops the buffered events.
func (r *Root) Uncommit() {
	r.uncommitted = nil
}

// UncommittedEvents returns a copy of the buffered events.
func (r *Root) UncommittedEvents() events.Events {
	return append(events.Events(nil), r.uncommitted...)
}

// LoadFromHistory replays past events through the handlers without buffering them.
func (r *Root) LoadFromHistory(ctx context.Context, history events.Events) error {
	for _, event := range history {
		if err := r.apply(ctx, event, true); err != nil {
			return err
		}
	}

	return nil
}

// LoadFromSnapshot overlays the snapshot data onto state, which is usually a pointer to the aggregate itself,
// and then replays the events committed after the snapshot.
//
// The overlay is shallow: every top-level field the snapshot names is replaced as a whole, so a map or a
// nested struct holds exactly what the snapshot holds afterwards. Fields the snapshot does not name keep
// their value.
func (r *Root) LoadFromSnapshot(ctx context.Context, history eventstore.SnapshotHistory, registry *events.Registry, state any) error {
	if history.Snapshot != nil {
		if len(history.Snapshot.Data) > 0 {
			if err := overlay(history.Snapshot.Data, state); err != nil {
				return errors.Join(ErrDecodingSnapshotFailed, err)
			}
		}

		r.revision = history.Snapshot.Revision
	}

	replay, err := registry.DecodeAll(history.History)
	if err != nil {
		return err
	}

	return r.LoadFromHistory(ctx, replay)
}

// PublishFailure is one event that could not be published.
type PublishFailure struct {
	EventID string
	Err     error
}

// PublishError reports the events a commit could not publish.
type PublishError struct {
	Failures []PublishFailure
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, fmt.Sprintf("event %s: %v", failure.EventID, failure.Err))
	}

	return "publishing events failed: " + strings.Join(parts, "; ")
}

func (e *PublishError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, failure := range e.Failures {
		errs = append(errs, failure.Err)
	}

	return errs
}
