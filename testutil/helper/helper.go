package helper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/appknit/eventsourcing/eventstore"
)

const (
	OrderAggregate         = "Order"
	OrderCreatedEventName  = "OrderCreated"
	OrderItemAddedName     = "OrderItemAdded"
	OrderShippedEventName  = "OrderShipped"
	OrderEventVersion      = 1
	FixtureCustomerID      = "customer-7"
	FixtureShippingCarrier = "DHL"
)

func GivenUniqueID(t testing.TB) string {
	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return id.String()
}

// FixedClock returns a clock that starts at start and advances by one millisecond per call.
func FixedClock(start time.Time) func() time.Time {
	current := start.Add(-time.Millisecond)

	return func() time.Time {
		current = current.Add(time.Millisecond)
		return current
	}
}

func FixtureOrderCreated(t testing.TB, orderID string) eventstore.StorableEvent {
	payload := fmt.Sprintf(`{"orderId":%q,"customerId":%q}`, orderID, FixtureCustomerID)

	return ToStorable(t, OrderCreatedEventName, orderID, payload)
}

func FixtureOrderItemAdded(t testing.TB, orderID string, sku string, quantity int) eventstore.StorableEvent {
	payload := fmt.Sprintf(`{"orderId":%q,"sku":%q,"quantity":%d}`, orderID, sku, quantity)

	return ToStorable(t, OrderItemAddedName, orderID, payload)
}

func FixtureOrderShipped(t testing.TB, orderID string) eventstore.StorableEvent {
	payload := fmt.Sprintf(`{"orderId":%q,"carrier":%q}`, orderID, FixtureShippingCarrier)

	return ToStorable(t, OrderShippedEventName, orderID, payload)
}

func ToStorable(t testing.TB, eventName string, orderID string, payload string) eventstore.StorableEvent {
	event, err := eventstore.BuildStorableEvent(
		GivenUniqueID(t),
		OrderAggregate,
		orderID,
		eventName,
		OrderEventVersion,
		[]byte(payload),
	)
	assert.NoError(t, err, "error in arranging test data")

	return event
}

func GivenEventWasAppended(t testing.TB, ctx context.Context, backend eventstore.Backend, event eventstore.StorableEvent) string {
	committedID, err := backend.AppendEvent(ctx, event, eventstore.AnyRevision)
	assert.NoError(t, err, "error in arranging test data")

	return committedID
}

func GivenOrderHistoryWasAppended(t testing.TB, ctx context.Context, backend eventstore.Backend, orderID string) eventstore.StorableEvents {
	history := eventstore.StorableEvents{
		FixtureOrderCreated(t, orderID),
		FixtureOrderItemAdded(t, orderID, "sku-1", 2),
		FixtureOrderShipped(t, orderID),
	}

	for _, event := range history {
		GivenEventWasAppended(t, ctx, backend, event)
	}

	return history
}

func GivenLaunchedEventStore(t testing.TB, ctx context.Context, backend eventstore.Backend, options ...eventstore.Option) *eventstore.EventStore {
	es, err := eventstore.New(backend, options...)
	assert.NoError(t, err, "error in arranging test data")
	assert.NoError(t, es.Launch(ctx), "error in arranging test data")

	return es
}
