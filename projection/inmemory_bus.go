package projection

import (
	"context"
	"errors"
	"sync"

	"github.com/appknit/eventsourcing/events"
)

// EventHandler reacts to a published event.
type EventHandler func(ctx context.Context, event events.Event) error

// InMemoryEventBus fans events out to in-process subscribers, synchronously and in subscription order.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]EventHandler
	catchAll    []EventHandler
}

func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for one type tag.
func (b *InMemoryEventBus) Subscribe(eventName string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventName] = append(b.subscribers[eventName], handler)
}

// SubscribeAll registers a handler for every event.
func (b *InMemoryEventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.catchAll = append(b.catchAll, handler)
}

// Publish runs every matching handler, even after one failed, and joins their errors.
func (b *InMemoryEventBus) Publish(ctx context.Context, event events.Event) error {
	b.mu.RLock()
	handlers := append(append([]EventHandler(nil), b.subscribers[event.EventName()]...), b.catchAll...)
	b.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

var _ EventBus = (*InMemoryEventBus)(nil)
