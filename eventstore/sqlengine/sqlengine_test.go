package sqlengine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/sqlengine"
	. "github.com/appknit/eventsourcing/testutil/helper"            //nolint:revive
	. "github.com/appknit/eventsourcing/testutil/helper/sqlwrapper" //nolint:revive
)

var allModes = []sqlengine.Mode{sqlengine.ModeFlat, sqlengine.ModeDocument}

var fixtureStart = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func givenConnectedEngine(t *testing.T, mode sqlengine.Mode, options ...sqlengine.Option) *sqlengine.Engine {
	t.Helper()

	wrapper := CreateWrapperWithTestConfig(t, mode, options...)
	engine := wrapper.Engine()
	require.NoError(t, engine.Connect(context.Background()), "error connecting the engine in test setup")
	t.Cleanup(func() { CleanUp(t, wrapper) })

	return engine
}

func Test_Bootstrap_CreatesTables_ThenReportsThemAsExisting(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			wrapper := CreateWrapperWithTestConfig(t, mode)
			defer CleanUp(t, wrapper)
			engine := wrapper.Engine()

			// act
			first, firstErr := engine.Bootstrap(ctxWithTimeout)
			second, secondErr := engine.Bootstrap(ctxWithTimeout)

			// assert
			assert.NoError(t, firstErr)
			assert.NoError(t, secondErr)
			assert.Len(t, first.Created, 2, "the first bootstrap should create events and snapshots")
			assert.Empty(t, first.AlreadyExisted)
			assert.Empty(t, second.Created, "the second bootstrap should create nothing")
			assert.ElementsMatch(t, first.Created, second.AlreadyExisted)
		})
	}
}

func Test_AppendEvent_Then_ReadEvents_RoundTripsAllFields(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode, sqlengine.WithClock(FixedClock(fixtureStart)))

			// arrange
			orderID := GivenUniqueID(t)
			event := FixtureOrderCreated(t, orderID)
			event.Context = "sales"

			// act
			committedID, appendErr := engine.AppendEvent(ctxWithTimeout, event, eventstore.AnyRevision)
			events, readErr := engine.ReadEvents(ctxWithTimeout, eventstore.StreamID(OrderAggregate, orderID), eventstore.AllRevisions)

			// assert
			require.NoError(t, appendErr)
			require.NoError(t, readErr)
			require.Len(t, events, 1)

			stored := events[0]
			assert.NotEmpty(t, committedID)
			assert.Equal(t, committedID, stored.CommittedID)
			assert.Equal(t, event.ID, stored.ID)
			assert.Equal(t, OrderAggregate, stored.EventAggregate)
			assert.Equal(t, orderID, stored.InstanceID)
			assert.Equal(t, OrderCreatedEventName, stored.EventName)
			assert.Equal(t, OrderEventVersion, stored.EventVersion)
			assert.JSONEq(t, string(event.Payload), string(stored.Payload))
			assert.Equal(t, "Order-"+orderID, stored.StreamID)
			assert.Equal(t, "Order-"+orderID, stored.AggregateID)
			assert.Equal(t, "sales", stored.Context)
			assert.Equal(t, uint64(1), stored.Revision)
			assert.True(t, fixtureStart.Equal(stored.CommitStamp), "commit stamp should come from the engine clock")
			assert.False(t, stored.Dispatched)
		})
	}
}

func Test_ReadEvents_ReturnsAscendingGapFreeRevisions_PerStream(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			orderID := GivenUniqueID(t)
			otherOrderID := GivenUniqueID(t)
			history := GivenOrderHistoryWasAppended(t, ctxWithTimeout, engine, orderID)
			GivenOrderHistoryWasAppended(t, ctxWithTimeout, engine, otherOrderID)

			// act
			events, err := engine.ReadEvents(ctxWithTimeout, eventstore.StreamID(OrderAggregate, orderID), eventstore.AllRevisions)

			// assert
			require.NoError(t, err)
			require.Len(t, events, len(history), "events of other streams must not leak in")

			for i, event := range events {
				assert.Equal(t, uint64(i+1), event.Revision)
				assert.Equal(t, history[i].ID, event.ID, "events should come back in append order")
				assert.Equal(t, orderID, event.InstanceID)
			}
		})
	}
}

func Test_ReadEvents_WithinRevisionRange(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			orderID := GivenUniqueID(t)
			history := GivenOrderHistoryWasAppended(t, ctxWithTimeout, engine, orderID)
			streamID := eventstore.StreamID(OrderAggregate, orderID)

			// act
			bounded, boundedErr := engine.ReadEvents(ctxWithTimeout, streamID, eventstore.RevisionRange{Min: 2, Max: 2})
			open, openErr := engine.ReadEvents(ctxWithTimeout, streamID, eventstore.RevisionRange{Min: 2})
			beyond, beyondErr := engine.ReadEvents(ctxWithTimeout, streamID, eventstore.RevisionRange{Min: 4})

			// assert
			assert.NoError(t, boundedErr)
			assert.NoError(t, openErr)
			assert.NoError(t, beyondErr)
			require.Len(t, bounded, 1)
			assert.Equal(t, history[1].ID, bounded[0].ID)
			require.Len(t, open, 2)
			assert.Equal(t, uint64(2), open[0].Revision)
			assert.Equal(t, uint64(3), open[1].Revision)
			assert.Empty(t, beyond)
		})
	}
}

func Test_ReadEvents_ForUnknownStream_ReturnsEmpty(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// act
			events, err := engine.ReadEvents(ctxWithTimeout, eventstore.StreamID(OrderAggregate, GivenUniqueID(t)), eventstore.AllRevisions)

			// assert
			assert.NoError(t, err)
			assert.NotNil(t, events)
			assert.Empty(t, events)
		})
	}
}

func Test_ReadEvent_ByCommittedID_And_ByEventID(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			orderID := GivenUniqueID(t)
			event := FixtureOrderCreated(t, orderID)
			committedID := GivenEventWasAppended(t, ctxWithTimeout, engine, event)

			// act
			byCommittedID, err1 := engine.ReadEvent(ctxWithTimeout, committedID)
			byEventID, err2 := engine.ReadEvent(ctxWithTimeout, event.ID)
			missing, err3 := engine.ReadEvent(ctxWithTimeout, GivenUniqueID(t))

			// assert
			assert.NoError(t, err1)
			assert.NoError(t, err2)
			assert.NoError(t, err3)
			require.NotNil(t, byCommittedID)
			require.NotNil(t, byEventID)
			assert.Equal(t, event.ID, byCommittedID.ID)
			assert.Equal(t, committedID, byEventID.CommittedID)
			assert.Equal(t, uint64(1), byEventID.Revision)
			assert.Nil(t, missing, "an unknown id is not an error")
		})
	}
}

func Test_AppendEvent_WithExpectedRevision(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			orderID := GivenUniqueID(t)

			// act
			_, onEmptyErr := engine.AppendEvent(ctxWithTimeout, FixtureOrderCreated(t, orderID), eventstore.ExpectRevision(0))
			_, matchingErr := engine.AppendEvent(ctxWithTimeout, FixtureOrderItemAdded(t, orderID, "sku-1", 1), eventstore.ExpectRevision(1))
			_, staleErr := engine.AppendEvent(ctxWithTimeout, FixtureOrderShipped(t, orderID), eventstore.ExpectRevision(1))

			// assert
			assert.NoError(t, onEmptyErr)
			assert.NoError(t, matchingErr)
			assert.ErrorIs(t, staleErr, eventstore.ErrConcurrencyConflict)

			events, err := engine.ReadEvents(ctxWithTimeout, eventstore.StreamID(OrderAggregate, orderID), eventstore.AllRevisions)
			assert.NoError(t, err)
			assert.Len(t, events, 2, "the conflicting event must not be stored")
		})
	}
}

func Test_ReadEventsSince_PagesAcrossStreams_InCommitOrder(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode, sqlengine.WithClock(FixedClock(fixtureStart)))

			// arrange
			orderA := GivenUniqueID(t)
			orderB := GivenUniqueID(t)
			GivenEventWasAppended(t, ctxWithTimeout, engine, FixtureOrderCreated(t, orderA))
			GivenEventWasAppended(t, ctxWithTimeout, engine, FixtureOrderCreated(t, orderB))
			secondOfA := FixtureOrderItemAdded(t, orderA, "sku-1", 1)
			GivenEventWasAppended(t, ctxWithTimeout, engine, secondOfA)
			secondOfB := FixtureOrderItemAdded(t, orderB, "sku-2", 3)
			GivenEventWasAppended(t, ctxWithTimeout, engine, secondOfB)
			GivenEventWasAppended(t, ctxWithTimeout, engine, FixtureOrderShipped(t, orderA))

			// act
			page, err := engine.ReadEventsSince(ctxWithTimeout, fixtureStart.Add(time.Millisecond), 1, 2)
			all, allErr := engine.ReadEventsSince(ctxWithTimeout, fixtureStart, 0, eventstore.DefaultSinceLimit)

			// assert
			assert.NoError(t, err)
			assert.NoError(t, allErr)
			require.Len(t, page, 2)
			assert.Equal(t, secondOfA.ID, page[0].ID)
			assert.Equal(t, secondOfB.ID, page[1].ID)
			assert.Len(t, all, 5)
		})
	}
}

func Test_LatestSnapshot_PicksHighestRevision(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			orderID := GivenUniqueID(t)
			newer, err := eventstore.BuildSnapshot(GivenUniqueID(t), OrderAggregate, orderID, json.RawMessage(`{"items":2}`), 3, 1)
			require.NoError(t, err)
			older, err := eventstore.BuildSnapshot(GivenUniqueID(t), OrderAggregate, orderID, json.RawMessage(`{"items":1}`), 1, 1)
			require.NoError(t, err)
			older.CommitStamp = newer.CommitStamp.Add(time.Second)

			// act
			noneYet, noneErr := engine.LatestSnapshot(ctxWithTimeout, newer.AggregateID)
			require.NoError(t, engine.SaveSnapshot(ctxWithTimeout, newer))
			require.NoError(t, engine.SaveSnapshot(ctxWithTimeout, older))
			latest, latestErr := engine.LatestSnapshot(ctxWithTimeout, newer.AggregateID)

			// assert
			assert.NoError(t, noneErr)
			assert.Nil(t, noneYet)
			assert.NoError(t, latestErr)
			require.NotNil(t, latest)
			assert.Equal(t, newer.SnapshotID, latest.SnapshotID, "a lower revision must never shadow a higher one")
			assert.Equal(t, uint64(3), latest.Revision)
			assert.Equal(t, OrderAggregate, latest.Aggregate)
			assert.JSONEq(t, `{"items":2}`, string(latest.Data))
		})
	}
}

func Test_SaveSnapshot_WithoutData(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			snapshot, err := eventstore.BuildSnapshot(GivenUniqueID(t), OrderAggregate, GivenUniqueID(t), nil, 0, 1)
			require.NoError(t, err)

			// act
			saveErr := engine.SaveSnapshot(ctxWithTimeout, snapshot)
			latest, loadErr := engine.LatestSnapshot(ctxWithTimeout, snapshot.AggregateID)

			// assert
			assert.NoError(t, saveErr)
			assert.NoError(t, loadErr)
			require.NotNil(t, latest)
			assert.Empty(t, latest.Data)
		})
	}
}

func Test_TruncateTables_RemovesEventsAndSnapshots(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)

			// arrange
			orderID := GivenUniqueID(t)
			GivenOrderHistoryWasAppended(t, ctxWithTimeout, engine, orderID)
			snapshot, err := eventstore.BuildSnapshot(GivenUniqueID(t), OrderAggregate, orderID, nil, 3, 1)
			require.NoError(t, err)
			require.NoError(t, engine.SaveSnapshot(ctxWithTimeout, snapshot))

			// act
			truncateErr := engine.TruncateTables(ctxWithTimeout)

			// assert
			assert.NoError(t, truncateErr)
			events, err := engine.ReadEvents(ctxWithTimeout, snapshot.AggregateID, eventstore.AllRevisions)
			assert.NoError(t, err)
			assert.Empty(t, events)
			latest, err := engine.LatestSnapshot(ctxWithTimeout, snapshot.AggregateID)
			assert.NoError(t, err)
			assert.Nil(t, latest)
		})
	}
}

func Test_EventStore_OnEngine_ReplaysOrderFromSnapshot(t *testing.T) {
	for _, mode := range allModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			engine := givenConnectedEngine(t, mode)
			es := GivenLaunchedEventStore(t, ctxWithTimeout, engine)

			// arrange
			orderID := "42"
			history := GivenOrderHistoryWasAppended(t, ctxWithTimeout, engine, orderID)

			// act
			_, snapshotErr := es.CreateSnapshot(ctxWithTimeout, OrderAggregate, orderID, json.RawMessage(`{"status":"confirmed"}`), 2, 1)
			fromSnapshot, err := es.GetFromSnapshot(ctxWithTimeout, OrderAggregate, orderID)

			// assert
			assert.NoError(t, snapshotErr)
			assert.NoError(t, err)
			require.NotNil(t, fromSnapshot.Snapshot)
			assert.Equal(t, "Order-42", fromSnapshot.Snapshot.AggregateID)
			assert.Equal(t, uint64(2), fromSnapshot.Snapshot.Revision)
			require.Len(t, fromSnapshot.History, 1)
			assert.Equal(t, history[2].ID, fromSnapshot.History[0].ID)
			assert.Equal(t, uint64(3), fromSnapshot.History[0].Revision)
		})
	}
}
