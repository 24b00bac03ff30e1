// Package projection bridges committed aggregate events to storage, read-model updaters and downstream
// subscribers.
//
// The usual wiring is
//
//	views := projection.NewRegistry()
//	views.Add("OrderShipped", shippedOrdersView)
//	bus := projection.NewStoreEventBus(es, projection.NewViewEventBus(views, downstream))
//	projection.NewStoreEventPublisher(bus).MergeObjectContext(order)
//
// after which order.Commit stores every event, updates the views and notifies downstream.
package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/appknit/eventsourcing/aggregate"
	"github.com/appknit/eventsourcing/events"
)

// ViewUpdater keeps a read model up to date with one event type.
// root is the aggregate that raised the event, nil when the event was published without one.
type ViewUpdater interface {
	Handle(ctx context.Context, event events.Event, root aggregate.Aggregate) error
}

// ViewUpdaterFunc adapts a function to ViewUpdater.
type ViewUpdaterFunc func(ctx context.Context, event events.Event, root aggregate.Aggregate) error

func (f ViewUpdaterFunc) Handle(ctx context.Context, event events.Event, root aggregate.Aggregate) error {
	return f(ctx, event, root)
}

// Registry maps type tags onto view updaters. One updater per type tag; Add replaces.
type Registry struct {
	mu       sync.RWMutex
	updaters map[string]ViewUpdater
}

func NewRegistry() *Registry {
	return &Registry{updaters: make(map[string]ViewUpdater)}
}

func (r *Registry) Add(eventName string, updater ViewUpdater) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updaters[eventName] = updater
}

// AddFor registers the updater under the type tag of T.
func AddFor[T events.Event](registry *Registry, updater ViewUpdater) {
	registry.Add(events.NameOf[T](), updater)
}

func (r *Registry) Get(eventName string) (ViewUpdater, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	updater, ok := r.updaters[eventName]

	return updater, ok
}

// EventNames returns the type tags with an updater in alphabetical order.
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.updaters))
	for name := range r.updaters {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// EventBus delivers events to subscribers outside the aggregate, e.g. sagas.
type EventBus interface {
	Publish(ctx context.Context, event events.Event) error
}

// ViewEventBus runs the view updater of an event and then hands the event downstream.
type ViewEventBus struct {
	registry   *Registry
	downstream EventBus
}

// NewViewEventBus creates a ViewEventBus. downstream may be nil.
func NewViewEventBus(registry *Registry, downstream EventBus) *ViewEventBus {
	return &ViewEventBus{registry: registry, downstream: downstream}
}

// Publish runs the updater registered for the event's type tag, if any. An updater error stops the
// event from reaching downstream.
func (b *ViewEventBus) Publish(ctx context.Context, event events.Event, root aggregate.Aggregate) error {
	if updater, ok := b.registry.Get(event.EventName()); ok {
		if err := updater.Handle(ctx, event, root); err != nil {
			return err
		}
	}

	if b.downstream == nil {
		return nil
	}

	return b.downstream.Publish(ctx, event)
}

// PublishAll publishes the events in order and stops at the first error.
func (b *ViewEventBus) PublishAll(ctx context.Context, published events.Events, root aggregate.Aggregate) error {
	for _, event := range published {
		if err := b.Publish(ctx, event, root); err != nil {
			return err
		}
	}

	return nil
}

var _ aggregate.Publisher = (*ViewEventBus)(nil)
