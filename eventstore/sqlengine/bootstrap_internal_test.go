package sqlengine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/sqlengine/internal/adapters"
)

var storageModes = []Mode{ModeFlat, ModeDocument}

// hookedAdapter runs beforeExec ahead of every Exec and fails the Exec when the hook fails.
type hookedAdapter struct {
	adapters.DBAdapter
	beforeExec func(ctx context.Context, statement string) error
}

func (a *hookedAdapter) Exec(ctx context.Context, statement string, args ...any) (adapters.DBResult, error) {
	if a.beforeExec != nil {
		if err := a.beforeExec(ctx, statement); err != nil {
			return nil, err
		}
	}

	return a.DBAdapter.Exec(ctx, statement, args...)
}

func givenSQLiteDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err, "error opening sqlite in test setup")
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func givenEngineOn(t *testing.T, db adapters.DBAdapter, mode Mode) *Engine {
	t.Helper()

	engine, err := newEngine(db, WithDialect(DialectSQLite), WithMode(mode))
	require.NoError(t, err, "error creating the engine in test setup")

	return engine
}

func indexExists(t *testing.T, db *sqlx.DB, name string) bool {
	t.Helper()

	var count int
	err := db.Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name)
	require.NoError(t, err)

	return count > 0
}

func Test_Bootstrap_AfterAFailedIndexStatement_CompletesTheSchema(t *testing.T) {
	for _, mode := range storageModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			db := givenSQLiteDB(t)

			// arrange
			failuresLeft := 1
			adapter := &hookedAdapter{
				DBAdapter: adapters.NewSQLXAdapter(db),
				beforeExec: func(_ context.Context, statement string) error {
					if failuresLeft > 0 && strings.Contains(statement, "_stream_revision_idx") {
						failuresLeft--
						return errors.New("disk I/O error")
					}

					return nil
				},
			}
			engine := givenEngineOn(t, adapter, mode)

			// act
			_, firstErr := engine.Bootstrap(ctxWithTimeout)
			indexAfterFailure := indexExists(t, db, "events_stream_revision_idx")
			report, secondErr := engine.Bootstrap(ctxWithTimeout)

			// assert
			assert.ErrorIs(t, firstErr, eventstore.ErrSchemaBootstrapFailed)
			assert.False(t, indexAfterFailure, "the failed bootstrap should have left the events table without its index")
			require.NoError(t, secondErr)
			assert.Equal(t, []string{"events"}, report.AlreadyExisted)
			assert.Equal(t, []string{"snapshots"}, report.Created)
			assert.True(t, indexExists(t, db, "events_stream_revision_idx"), "the second bootstrap should create the missing index")
		})
	}
}

func Test_Bootstrap_OnACompleteSchema_KeepsTheIndexes(t *testing.T) {
	for _, mode := range storageModes {
		t.Run(string(mode), func(t *testing.T) {
			// setup
			ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			db := givenSQLiteDB(t)
			engine := givenEngineOn(t, adapters.NewSQLXAdapter(db), mode)

			// act
			_, firstErr := engine.Bootstrap(ctxWithTimeout)
			report, secondErr := engine.Bootstrap(ctxWithTimeout)

			// assert
			require.NoError(t, firstErr)
			require.NoError(t, secondErr)
			assert.ElementsMatch(t, []string{"events", "snapshots"}, report.AlreadyExisted)
			assert.True(t, indexExists(t, db, "events_stream_revision_idx"))
		})
	}
}
