// Package sqlwrapper builds sqlengine.Engine instances for tests.
//
// SQLite in memory is the default. Setting EVENTSTORE_TEST_POSTGRES_DSN runs the same tests against PostgreSQL
// through the client chosen by EVENTSTORE_TEST_ADAPTER (pgxpool, sqldb or sqlx).
package sqlwrapper

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // database/sql driver "postgres"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"github.com/appknit/eventsourcing/eventstore/sqlengine"
)

const (
	EnvPostgresDSN = "EVENTSTORE_TEST_POSTGRES_DSN"
	EnvAdapterType = "EVENTSTORE_TEST_ADAPTER"

	typePGXPool = "pgxpool"
	typeSQLDB   = "sqldb"
	typeSQLX    = "sqlx"
)

// Wrapper abstracts over the different database clients an Engine can sit on.
type Wrapper interface {
	Engine() *sqlengine.Engine
	Close()
}

// SQLXWrapper wraps sqlx-based testing, on in-memory SQLite or on PostgreSQL.
type SQLXWrapper struct {
	db     *sqlx.DB
	engine *sqlengine.Engine
}

func (w *SQLXWrapper) Engine() *sqlengine.Engine {
	return w.engine
}

func (w *SQLXWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// PGXPoolWrapper wraps pgxpool-based testing.
type PGXPoolWrapper struct {
	pool   *pgxpool.Pool
	engine *sqlengine.Engine
}

func (w *PGXPoolWrapper) Engine() *sqlengine.Engine {
	return w.engine
}

func (w *PGXPoolWrapper) Close() {
	w.pool.Close()
}

// SQLDBWrapper wraps sql.DB-based testing.
type SQLDBWrapper struct {
	db     *sql.DB
	engine *sqlengine.Engine
}

func (w *SQLDBWrapper) Engine() *sqlengine.Engine {
	return w.engine
}

func (w *SQLDBWrapper) Close() {
	_ = w.db.Close() // ignore error
}

// OpenSQLiteDB opens a private in-memory SQLite database.
// One connection only, every further connection would see its own empty database.
func OpenSQLiteDB(t testing.TB) *sqlx.DB {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err, "error opening sqlite in test setup")
	db.SetMaxOpenConns(1)

	return db
}

// CreateWrapperWithTestConfig creates the wrapper selected by the environment, using the given storage mode.
// On PostgreSQL each wrapper works on its own uniquely named tables.
func CreateWrapperWithTestConfig(t testing.TB, mode sqlengine.Mode, options ...sqlengine.Option) Wrapper {
	dsn := os.Getenv(EnvPostgresDSN)
	if dsn == "" {
		db := OpenSQLiteDB(t)
		engine, err := sqlengine.NewFromSQLX(db, withDefaults(sqlengine.DialectSQLite, mode, "", options)...)
		require.NoError(t, err, "error creating the engine in test setup")

		return &SQLXWrapper{db: db, engine: engine}
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	adapterType := strings.ToLower(os.Getenv(EnvAdapterType))

	switch adapterType {
	case typePGXPool, "":
		pool, err := pgxpool.New(context.Background(), dsn)
		require.NoError(t, err, "error connecting to DB pool in test setup")
		engine, err := sqlengine.NewFromPGXPool(pool, withDefaults(sqlengine.DialectPostgres, mode, suffix, options)...)
		require.NoError(t, err, "error creating the engine in test setup")

		return &PGXPoolWrapper{pool: pool, engine: engine}

	case typeSQLDB:
		db, err := sql.Open("postgres", dsn)
		require.NoError(t, err, "error connecting to DB in test setup")
		engine, err := sqlengine.NewFromSQLDB(db, withDefaults(sqlengine.DialectPostgres, mode, suffix, options)...)
		require.NoError(t, err, "error creating the engine in test setup")

		return &SQLDBWrapper{db: db, engine: engine}

	case typeSQLX:
		db, err := sqlx.Open("postgres", dsn)
		require.NoError(t, err, "error connecting to DB in test setup")
		engine, err := sqlengine.NewFromSQLX(db, withDefaults(sqlengine.DialectPostgres, mode, suffix, options)...)
		require.NoError(t, err, "error creating the engine in test setup")

		return &SQLXWrapper{db: db, engine: engine}

	default: // neither one of the known types nor empty
		panic(fmt.Sprintf("unsupported wrapper type from env: %s", adapterType))
	}
}

// CleanUp drops the tables of the wrapped engine and closes the connection.
func CleanUp(t testing.TB, wrapper Wrapper) {
	err := wrapper.Engine().DropTables(context.Background())
	require.NoError(t, err, "error cleaning up the tables")

	wrapper.Close()
}

func withDefaults(dialect sqlengine.Dialect, mode sqlengine.Mode, suffix string, options []sqlengine.Option) []sqlengine.Option {
	defaults := []sqlengine.Option{sqlengine.WithDialect(dialect), sqlengine.WithMode(mode)}

	if suffix != "" {
		defaults = append(defaults,
			sqlengine.WithEventsTableName("events_"+suffix),
			sqlengine.WithSnapshotsTableName("snapshots_"+suffix),
		)
	}

	return append(defaults, options...)
}
