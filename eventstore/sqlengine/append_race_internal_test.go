package sqlengine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/sqlengine/internal/adapters"
	. "github.com/appknit/eventsourcing/testutil/helper" //nolint:revive
)

func isEventInsert(statement string) bool {
	return strings.HasPrefix(statement, "INSERT INTO") && strings.Contains(statement, "events")
}

func givenConnectedEngineOn(t *testing.T, ctx context.Context, db adapters.DBAdapter, mode Mode) *Engine {
	t.Helper()

	engine := givenEngineOn(t, db, mode)
	require.NoError(t, engine.Connect(ctx), "error connecting the engine in test setup")

	return engine
}

func Test_AppendEvent_LosingARace_IsAConcurrencyConflict(t *testing.T) {
	uniqueViolations := map[string]error{
		"pgx":    &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"},
		"lib/pq": &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"},
	}

	for _, mode := range storageModes {
		for driver, uniqueViolation := range uniqueViolations {
			t.Run(string(mode)+"/"+driver, func(t *testing.T) {
				// setup
				ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				adapter := &hookedAdapter{DBAdapter: adapters.NewSQLXAdapter(givenSQLiteDB(t))}
				engine := givenConnectedEngineOn(t, ctxWithTimeout, adapter, mode)

				// arrange
				adapter.beforeExec = func(_ context.Context, statement string) error {
					if isEventInsert(statement) {
						return uniqueViolation
					}

					return nil
				}

				// act
				_, err := engine.AppendEvent(ctxWithTimeout, FixtureOrderCreated(t, GivenUniqueID(t)), eventstore.AnyRevision)

				// assert
				assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
				assert.NotErrorIs(t, err, eventstore.ErrAppendingEventFailed)
			})
		}
	}
}

func Test_AppendEvent_DocumentMode_LosingARaceOnSQLite_IsAConcurrencyConflict(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := givenSQLiteDB(t)
	adapter := &hookedAdapter{DBAdapter: adapters.NewSQLXAdapter(db)}
	engine := givenConnectedEngineOn(t, ctxWithTimeout, adapter, ModeDocument)
	competitor := givenEngineOn(t, adapters.NewSQLXAdapter(db), ModeDocument)

	// arrange
	orderID := GivenUniqueID(t)
	competingEvent := FixtureOrderCreated(t, orderID)

	var competitorErr error
	adapter.beforeExec = func(ctx context.Context, statement string) error {
		if !isEventInsert(statement) {
			return nil
		}

		// the competitor commits between our head read and our insert
		adapter.beforeExec = nil
		_, competitorErr = competitor.AppendEvent(ctx, competingEvent, eventstore.AnyRevision)

		return nil
	}

	// act
	_, err := engine.AppendEvent(ctxWithTimeout, FixtureOrderShipped(t, orderID), eventstore.AnyRevision)

	// assert
	require.NoError(t, competitorErr)
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	stored, readErr := engine.ReadEvents(ctxWithTimeout, eventstore.StreamID(OrderAggregate, orderID), eventstore.AllRevisions)
	require.NoError(t, readErr)
	require.Len(t, stored, 1, "the losing append must not be stored")
	assert.Equal(t, competingEvent.ID, stored[0].ID)
	assert.Equal(t, uint64(1), stored[0].Revision)
}

func Test_AppendEvent_FlatMode_TakesTheRevisionInsideTheInsert(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := givenSQLiteDB(t)
	adapter := &hookedAdapter{DBAdapter: adapters.NewSQLXAdapter(db)}
	engine := givenConnectedEngineOn(t, ctxWithTimeout, adapter, ModeFlat)
	competitor := givenEngineOn(t, adapters.NewSQLXAdapter(db), ModeFlat)

	// arrange
	orderID := GivenUniqueID(t)
	competingEvent := FixtureOrderCreated(t, orderID)
	event := FixtureOrderShipped(t, orderID)

	var competitorErr error
	adapter.beforeExec = func(ctx context.Context, statement string) error {
		if !isEventInsert(statement) {
			return nil
		}

		adapter.beforeExec = nil
		_, competitorErr = competitor.AppendEvent(ctx, competingEvent, eventstore.AnyRevision)

		return nil
	}

	// act
	_, err := engine.AppendEvent(ctxWithTimeout, event, eventstore.AnyRevision)

	// assert
	require.NoError(t, competitorErr)
	require.NoError(t, err)

	stored, readErr := engine.ReadEvents(ctxWithTimeout, eventstore.StreamID(OrderAggregate, orderID), eventstore.AllRevisions)
	require.NoError(t, readErr)
	require.Len(t, stored, 2)
	assert.Equal(t, competingEvent.ID, stored[0].ID)
	assert.Equal(t, event.ID, stored[1].ID)
	assert.Equal(t, uint64(2), stored[1].Revision)
}
