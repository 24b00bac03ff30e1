package projection_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appknit/eventsourcing/aggregate"
	"github.com/appknit/eventsourcing/events"
	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/config"
	"github.com/appknit/eventsourcing/eventstore/engine"
	"github.com/appknit/eventsourcing/projection"
	. "github.com/appknit/eventsourcing/testutil/helper" //nolint:revive
)

type orderCreated struct {
	events.Meta
	CustomerID string `json:"customerId"`
}

func (orderCreated) EventName() string { return OrderCreatedEventName }

type itemAdded struct {
	events.Meta
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (itemAdded) EventName() string { return OrderItemAddedName }

type orderShipped struct {
	events.Meta
	Carrier string `json:"carrier"`
}

func (orderShipped) EventName() string { return OrderShippedEventName }

type order struct {
	aggregate.Root
	ID         string `json:"id"`
	CustomerID string `json:"customerId"`
	Items      int    `json:"items"`
	Status     string `json:"status"`
}

func newOrder(id string) *order {
	o := &order{ID: id}
	aggregate.On(&o.Root, func(e orderCreated) {
		o.CustomerID = e.CustomerID
		o.Status = "open"
	})
	aggregate.On(&o.Root, func(e itemAdded) { o.Items += e.Quantity })
	aggregate.On(&o.Root, func(orderShipped) { o.Status = "shipped" })

	return o
}

func (o *order) meta() events.Meta {
	return events.NewMeta(OrderAggregate, o.ID, OrderEventVersion)
}

type storeSpy struct {
	mu      sync.Mutex
	stored  eventstore.StorableEvents
	failFor string
}

func (s *storeSpy) StoreEvent(_ context.Context, event eventstore.StorableEvent) (string, error) {
	if event.EventName == s.failFor {
		return "", errors.New("backend unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, event)

	return "c-" + event.ID, nil
}

type shippedOrders struct {
	mu     sync.Mutex
	orders []string
	roots  []aggregate.Aggregate
}

func (v *shippedOrders) Handle(_ context.Context, event events.Event, root aggregate.Aggregate) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = append(v.orders, event.AggregateInstanceID())
	v.roots = append(v.roots, root)

	return nil
}

func Test_Registry_AddForUsesTheTypeTag(t *testing.T) {
	// arrange
	registry := projection.NewRegistry()
	projection.AddFor[orderShipped](registry, &shippedOrders{})
	registry.Add(OrderCreatedEventName, projection.ViewUpdaterFunc(
		func(context.Context, events.Event, aggregate.Aggregate) error { return nil },
	))

	// act
	_, found := registry.Get(OrderShippedEventName)
	_, missing := registry.Get(OrderItemAddedName)

	// assert
	assert.True(t, found)
	assert.False(t, missing)
	assert.Equal(t, []string{OrderCreatedEventName, OrderShippedEventName}, registry.EventNames())
}

func Test_ViewEventBus_RunsTheUpdaterAndThenDownstream(t *testing.T) {
	// setup
	ctx := context.Background()
	view := &shippedOrders{}
	registry := projection.NewRegistry()
	projection.AddFor[orderShipped](registry, view)

	var delivered []string
	downstream := projection.NewInMemoryEventBus()
	downstream.SubscribeAll(func(_ context.Context, event events.Event) error {
		delivered = append(delivered, event.EventName())
		return nil
	})

	bus := projection.NewViewEventBus(registry, downstream)
	o := newOrder("42")

	// act
	err := bus.PublishAll(ctx, events.Events{
		orderCreated{Meta: o.meta(), CustomerID: FixtureCustomerID},
		orderShipped{Meta: o.meta(), Carrier: FixtureShippingCarrier},
	}, o)

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, view.orders)
	assert.Same(t, o, view.roots[0])
	assert.Equal(t, []string{OrderCreatedEventName, OrderShippedEventName}, delivered)
}

func Test_ViewEventBus_UpdaterFailureStopsDownstream(t *testing.T) {
	// setup
	ctx := context.Background()
	registry := projection.NewRegistry()
	registry.Add(OrderShippedEventName, projection.ViewUpdaterFunc(
		func(context.Context, events.Event, aggregate.Aggregate) error { return errors.New("view store down") },
	))

	called := false
	downstream := projection.NewInMemoryEventBus()
	downstream.SubscribeAll(func(context.Context, events.Event) error {
		called = true
		return nil
	})

	bus := projection.NewViewEventBus(registry, downstream)

	// act
	err := bus.Publish(ctx, orderShipped{Meta: events.NewMeta(OrderAggregate, "42", 1)}, nil)

	// assert
	assert.EqualError(t, err, "view store down")
	assert.False(t, called)
}

func Test_ViewEventBus_WithoutDownstream(t *testing.T) {
	// arrange
	bus := projection.NewViewEventBus(projection.NewRegistry(), nil)

	// act
	err := bus.Publish(context.Background(), orderShipped{Meta: events.NewMeta(OrderAggregate, "42", 1)}, nil)

	// assert
	assert.NoError(t, err)
}

func Test_InMemoryEventBus_DeliversToEverySubscriberAndJoinsErrors(t *testing.T) {
	// setup
	ctx := context.Background()
	bus := projection.NewInMemoryEventBus()

	var calls []string
	bus.Subscribe(OrderShippedEventName, func(context.Context, events.Event) error {
		calls = append(calls, "first")
		return errors.New("first failed")
	})
	bus.Subscribe(OrderShippedEventName, func(context.Context, events.Event) error {
		calls = append(calls, "second")
		return nil
	})
	bus.Subscribe(OrderCreatedEventName, func(context.Context, events.Event) error {
		calls = append(calls, "created")
		return nil
	})
	bus.SubscribeAll(func(context.Context, events.Event) error {
		calls = append(calls, "all")
		return errors.New("all failed")
	})

	// act
	err := bus.Publish(ctx, orderShipped{Meta: events.NewMeta(OrderAggregate, "42", 1)})

	// assert
	assert.Equal(t, []string{"first", "second", "all"}, calls)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failed")
	assert.Contains(t, err.Error(), "all failed")
}

func Test_StoreEventBus_StoresBeforeTheViewsRun(t *testing.T) {
	// setup
	ctx := context.Background()
	store := &storeSpy{}
	view := &shippedOrders{}
	registry := projection.NewRegistry()
	projection.AddFor[orderShipped](registry, projection.ViewUpdaterFunc(
		func(ctx context.Context, event events.Event, root aggregate.Aggregate) error {
			assert.Len(t, store.stored, 2, "the event must be stored before the view sees it")
			return view.Handle(ctx, event, root)
		},
	))

	logHandler := NewLogHandlerSpy(false)
	bus := projection.NewStoreEventBus(
		store,
		projection.NewViewEventBus(registry, nil),
		projection.WithLogger(slog.New(logHandler)),
	)
	o := newOrder("42")
	projection.NewStoreEventPublisher(bus).MergeObjectContext(o)

	// arrange
	require.NoError(t, o.Apply(ctx, orderCreated{Meta: o.meta(), CustomerID: FixtureCustomerID}))
	require.NoError(t, o.Apply(ctx, orderShipped{Meta: o.meta(), Carrier: FixtureShippingCarrier}))

	// act
	err := o.Commit(ctx)

	// assert
	require.NoError(t, err)
	require.Len(t, store.stored, 2)
	assert.Equal(t, OrderCreatedEventName, store.stored[0].EventName)
	assert.Equal(t, "Order-42", store.stored[0].Stream())
	assert.JSONEq(t, `{"carrier":"DHL"}`, string(store.stored[1].Payload))
	assert.Equal(t, []string{"42"}, view.orders)
	assert.Same(t, o, view.roots[0])
	assert.Empty(t, o.UncommittedEvents())
	assert.True(t, logHandler.HasDebugLogWithMessage("event published").WithAttribute("committed_id").Assert())
}

func Test_StoreEventBus_RejectsInvalidEventsBeforeStoring(t *testing.T) {
	// setup
	ctx := context.Background()
	store := &storeSpy{}
	logHandler := NewLogHandlerSpy(false)
	bus := projection.NewStoreEventBus(store, nil, projection.WithLogger(slog.New(logHandler)))

	// act
	err := bus.Publish(ctx, orderCreated{Meta: events.Meta{Aggregate: OrderAggregate, InstanceID: "42"}}, nil)

	// assert
	assert.ErrorIs(t, err, eventstore.ErrInvalidEvent)
	assert.ErrorIs(t, err, eventstore.ErrMissingEventID)
	assert.Empty(t, store.stored)
	assert.True(t, logHandler.HasErrorLogWithMessage("publishing event failed").Assert())
}

func Test_StoreEventBus_StoreFailureKeepsTheEventBuffered(t *testing.T) {
	// setup
	ctx := context.Background()
	store := &storeSpy{failFor: OrderShippedEventName}
	view := &shippedOrders{}
	registry := projection.NewRegistry()
	projection.AddFor[orderShipped](registry, view)

	bus := projection.NewStoreEventBus(store, projection.NewViewEventBus(registry, nil))
	o := newOrder("42")
	projection.NewStoreEventPublisher(bus).MergeObjectContext(o)

	require.NoError(t, o.Apply(ctx, orderCreated{Meta: o.meta(), CustomerID: FixtureCustomerID}))
	require.NoError(t, o.Apply(ctx, orderShipped{Meta: o.meta(), Carrier: FixtureShippingCarrier}))

	// act
	err := o.Commit(ctx)

	// assert
	var publishErr *aggregate.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Len(t, publishErr.Failures, 1)
	assert.Len(t, store.stored, 1)
	assert.Empty(t, view.orders)
	require.Len(t, o.UncommittedEvents(), 1)
	assert.Equal(t, OrderShippedEventName, o.UncommittedEvents()[0].EventName())
}

func Test_StoreEventBus_AutoCommitPublishesOnApply(t *testing.T) {
	// setup
	ctx := context.Background()
	store := &storeSpy{}
	bus := projection.NewStoreEventBus(store, nil)
	o := newOrder("42")
	projection.NewStoreEventPublisher(bus).MergeObjectContext(o)
	o.SetAutoCommit(true)

	// act
	err := o.Apply(ctx, orderCreated{Meta: o.meta(), CustomerID: FixtureCustomerID})

	// assert
	require.NoError(t, err)
	assert.Len(t, store.stored, 1)
	assert.Equal(t, "open", o.Status)
	assert.Empty(t, o.UncommittedEvents())
}

func Test_EndToEnd_CommitStoreReplayOnSQLite(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	es, err := engine.Open(ctxWithTimeout, config.Config{
		Dialect:            config.DialectSQLite,
		Database:           ":memory:",
		SQLClient:          config.SQLClientSQLX,
		EventsTableName:    "events",
		SnapshotsTableName: "snapshots",
		ConnectTimeout:     time.Second,
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, es.Close(context.Background())) }()

	view := &shippedOrders{}
	registry := projection.NewRegistry()
	projection.AddFor[orderShipped](registry, view)

	var downstream []string
	sagas := projection.NewInMemoryEventBus()
	sagas.Subscribe(OrderShippedEventName, func(_ context.Context, event events.Event) error {
		downstream = append(downstream, event.AggregateInstanceID())
		return nil
	})

	publisher := projection.NewStoreEventPublisher(
		projection.NewStoreEventBus(es, projection.NewViewEventBus(registry, sagas)),
	)

	orderID := GivenUniqueID(t)
	o := newOrder(orderID)
	publisher.MergeObjectContext(o)

	// arrange
	require.NoError(t, o.Apply(ctxWithTimeout, orderCreated{Meta: o.meta(), CustomerID: FixtureCustomerID}))
	require.NoError(t, o.Apply(ctxWithTimeout, itemAdded{Meta: o.meta(), SKU: "sku-1", Quantity: 2}))
	require.NoError(t, o.Apply(ctxWithTimeout, orderShipped{Meta: o.meta(), Carrier: FixtureShippingCarrier}))

	// act
	require.NoError(t, o.Commit(ctxWithTimeout))

	stored, err := es.GetEvents(ctxWithTimeout, OrderAggregate, orderID)
	require.NoError(t, err)

	decoders := events.NewRegistry()
	for _, register := range []func(*events.Registry) (string, error){
		events.Register[orderCreated],
		events.Register[itemAdded],
		events.Register[orderShipped],
	} {
		_, registerErr := register(decoders)
		require.NoError(t, registerErr)
	}

	history, err := decoders.DecodeAll(stored)
	require.NoError(t, err)

	replayed := newOrder(orderID)
	require.NoError(t, replayed.LoadFromHistory(ctxWithTimeout, history))

	// assert
	require.Len(t, stored, 3)
	for i, event := range stored {
		assert.Equal(t, uint64(i+1), event.Revision)
	}

	assert.Equal(t, []string{orderID}, view.orders)
	assert.Equal(t, []string{orderID}, downstream)
	assert.Equal(t, o.Status, replayed.Status)
	assert.Equal(t, o.Items, replayed.Items)
	assert.Equal(t, o.CustomerID, replayed.CustomerID)
	assert.Equal(t, uint64(3), replayed.Revision())
}
