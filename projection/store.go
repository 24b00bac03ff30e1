package projection

import (
	"context"

	"github.com/appknit/eventsourcing/aggregate"
	"github.com/appknit/eventsourcing/events"
	"github.com/appknit/eventsourcing/eventstore"
)

const (
	logMsgEventPublished = "event published"
	logMsgPublishFailed  = "publishing event failed"
	logAttrEventID       = "event_id"
	logAttrEventName     = "event_name"
	logAttrCommittedID   = "committed_id"
	logAttrError         = "error"
)

// EventStorer is the part of eventstore.EventStore the bus needs.
type EventStorer interface {
	StoreEvent(ctx context.Context, event eventstore.StorableEvent) (string, error)
}

// StoreEventBus stores every published event before the views see it.
type StoreEventBus struct {
	store  EventStorer
	views  *ViewEventBus
	logger eventstore.ContextualLogger
}

// StoreEventBusOption configures a StoreEventBus.
type StoreEventBusOption func(*StoreEventBus)

// WithLogger logs published events at debug level and failures at error level.
func WithLogger(logger eventstore.ContextualLogger) StoreEventBusOption {
	return func(b *StoreEventBus) { b.logger = logger }
}

func NewStoreEventBus(store EventStorer, views *ViewEventBus, options ...StoreEventBusOption) *StoreEventBus {
	bus := &StoreEventBus{store: store, views: views}
	for _, option := range options {
		option(bus)
	}

	return bus
}

// Publish validates and stores the event, then runs the views.
// Events without id, aggregate or version fail with eventstore.ErrInvalidEvent before anything is stored.
func (b *StoreEventBus) Publish(ctx context.Context, event events.Event, root aggregate.Aggregate) error {
	stored, err := events.ToStorable(event)
	if err != nil {
		b.logFailure(ctx, event, err)
		return err
	}

	committedID, err := b.store.StoreEvent(ctx, stored)
	if err != nil {
		b.logFailure(ctx, event, err)
		return err
	}

	if b.logger != nil {
		b.logger.DebugContext(ctx, logMsgEventPublished,
			logAttrEventID, event.EventID(), logAttrEventName, event.EventName(), logAttrCommittedID, committedID)
	}

	if b.views == nil {
		return nil
	}

	return b.views.Publish(ctx, event, root)
}

// PublishAll publishes the events in order and stops at the first error.
func (b *StoreEventBus) PublishAll(ctx context.Context, published events.Events, root aggregate.Aggregate) error {
	for _, event := range published {
		if err := b.Publish(ctx, event, root); err != nil {
			return err
		}
	}

	return nil
}

func (b *StoreEventBus) logFailure(ctx context.Context, event events.Event, err error) {
	if b.logger == nil {
		return
	}

	b.logger.ErrorContext(ctx, logMsgPublishFailed,
		logAttrEventID, event.EventID(), logAttrEventName, event.EventName(), logAttrError, err.Error())
}

// StoreEventPublisher binds aggregates to a StoreEventBus.
type StoreEventPublisher struct {
	bus *StoreEventBus
}

func NewStoreEventPublisher(bus *StoreEventBus) *StoreEventPublisher {
	return &StoreEventPublisher{bus: bus}
}

// MergeObjectContext makes the aggregate publish through the bus on Apply with auto commit,
// Commit and CommitAsync. It returns the aggregate for chaining.
func (p *StoreEventPublisher) MergeObjectContext(root aggregate.Aggregate) aggregate.Aggregate {
	aggregate.Bind(root, p.bus)
	return root
}

var _ aggregate.Publisher = (*StoreEventBus)(nil)
