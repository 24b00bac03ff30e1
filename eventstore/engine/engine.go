// Package engine turns a config.Config into a launched event store.
//
// The backend is chosen once, from the configured dialect:
//
//	postgres  sqlengine on pgx (default), database/sql with lib/pq, or sqlx
//	sqlite    sqlengine on sqlx with modernc.org/sqlite
//	mongodb   mongoengine
//
// Connections opened here are owned by the backend and released by EventStore.Close.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/config"
	"github.com/appknit/eventsourcing/eventstore/mongoengine"
	"github.com/appknit/eventsourcing/eventstore/sqlengine"
)

const (
	defaultMaxConnections    = int32(50)
	defaultMinConnections    = int32(2)
	defaultMaxIdleConns      = 2
	defaultMaxConnLifetime   = time.Hour
	defaultMaxConnIdleTime   = time.Minute * 5
	defaultHealthCheckPeriod = time.Minute

	postgresDriver = "postgres"
	sqliteDriver   = "sqlite"
	sqliteMemory   = ":memory:"
)

// Backend is a storage backend that can also report what its schema bootstrap did.
type Backend interface {
	eventstore.Backend
	Bootstrap(ctx context.Context) (eventstore.BootstrapReport, error)
}

type settings struct {
	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metrics          eventstore.MetricsCollector
	tracing          eventstore.TracingCollector
	contextName      string
	clock            func() time.Time
}

// Option configures what Open hands to the backend and to the EventStore.
type Option func(*settings)

// WithLogger hands the logger to both the backend and the EventStore.
func WithLogger(logger eventstore.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(s *settings) { s.contextualLogger = logger }
}

func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(s *settings) { s.metrics = collector }
}

func WithTracing(collector eventstore.TracingCollector) Option {
	return func(s *settings) { s.tracing = collector }
}

// WithContextName sets the bounded context recorded on events and snapshots.
func WithContextName(name string) Option {
	return func(s *settings) { s.contextName = name }
}

// WithClock replaces the time source of the backend's commit stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// Open builds the configured backend, wraps it in an EventStore and launches it.
// On a failed launch the backend is closed again.
func Open(ctx context.Context, cfg config.Config, options ...Option) (*eventstore.EventStore, error) {
	s := collect(options)

	backend, err := NewBackend(ctx, cfg, options...)
	if err != nil {
		return nil, err
	}

	storeOptions := make([]eventstore.Option, 0, 3)
	if s.logger != nil {
		storeOptions = append(storeOptions, eventstore.WithLogger(s.logger))
	}

	if s.contextualLogger != nil {
		storeOptions = append(storeOptions, eventstore.WithContextualLogger(s.contextualLogger))
	}

	if s.contextName != "" {
		storeOptions = append(storeOptions, eventstore.WithContextName(s.contextName))
	}

	es, err := eventstore.New(backend, storeOptions...)
	if err != nil {
		return nil, errors.Join(err, backend.Close(ctx))
	}

	if err = es.Launch(ctx); err != nil {
		return nil, errors.Join(err, backend.Close(ctx))
	}

	return es, nil
}

// NewBackend opens the connection the configuration describes and builds the matching backend.
// The backend is not connected yet.
func NewBackend(ctx context.Context, cfg config.Config, options ...Option) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := collect(options)

	switch cfg.Dialect {
	case config.DialectMongoDB:
		return newMongoBackend(ctx, cfg, s)
	case config.DialectSQLite:
		return newSQLiteBackend(cfg, s)
	default:
		return newPostgresBackend(ctx, cfg, s)
	}
}

func collect(options []Option) settings {
	var s settings
	for _, option := range options {
		option(&s)
	}

	return s
}

func newPostgresBackend(ctx context.Context, cfg config.Config, s settings) (Backend, error) {
	dsn := cfg.PostgresDSN()
	sqlOptions := sqlOptionsFor(cfg, s, sqlengine.WithDialect(sqlengine.DialectPostgres))

	switch cfg.SQLClient {
	case config.SQLClientSQLDB:
		db, err := sql.Open(postgresDriver, dsn)
		if err != nil {
			return nil, errors.Join(eventstore.ErrConnectingToBackendFailed, err)
		}

		tuneSQLDB(db)

		engine, err := sqlengine.NewFromSQLDB(db, append(sqlOptions, sqlengine.WithCloser(db.Close))...)
		if err != nil {
			return nil, errors.Join(err, db.Close())
		}

		return engine, nil
	case config.SQLClientSQLX:
		db, err := sqlx.Open(postgresDriver, dsn)
		if err != nil {
			return nil, errors.Join(eventstore.ErrConnectingToBackendFailed, err)
		}

		tuneSQLDB(db.DB)

		engine, err := sqlengine.NewFromSQLX(db, append(sqlOptions, sqlengine.WithCloser(db.Close))...)
		if err != nil {
			return nil, errors.Join(err, db.Close())
		}

		return engine, nil
	default:
		pool, err := newPGXPool(ctx, dsn, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}

		if cfg.ReplicaDSN == "" {
			closePool := func() error {
				pool.Close()
				return nil
			}

			engine, err := sqlengine.NewFromPGXPool(pool, append(sqlOptions, sqlengine.WithCloser(closePool))...)
			if err != nil {
				pool.Close()
				return nil, err
			}

			return engine, nil
		}

		replica, err := newPGXPool(ctx, cfg.ReplicaDSN, cfg.ConnectTimeout)
		if err != nil {
			pool.Close()
			return nil, err
		}

		closePools := func() error {
			replica.Close()
			pool.Close()

			return nil
		}

		engine, err := sqlengine.NewFromPGXPoolWithReplica(pool, replica, append(sqlOptions, sqlengine.WithCloser(closePools))...)
		if err != nil {
			_ = closePools()
			return nil, err
		}

		return engine, nil
	}
}

func newPGXPool(ctx context.Context, dsn string, connectTimeout time.Duration) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Join(eventstore.ErrConnectingToBackendFailed, err)
	}

	poolConfig.MaxConns = defaultMaxConnections
	poolConfig.MinConns = defaultMinConnections
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdleTime
	poolConfig.HealthCheckPeriod = defaultHealthCheckPeriod
	poolConfig.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Join(eventstore.ErrConnectingToBackendFailed, err)
	}

	return pool, nil
}

func newSQLiteBackend(cfg config.Config, s settings) (Backend, error) {
	dsn := cfg.SQLiteDSN()

	db, err := sqlx.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, errors.Join(eventstore.ErrConnectingToBackendFailed, err)
	}

	if dsn == sqliteMemory {
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	}

	sqlOptions := sqlOptionsFor(cfg, s, sqlengine.WithDialect(sqlengine.DialectSQLite), sqlengine.WithCloser(db.Close))

	engine, err := sqlengine.NewFromSQLX(db, sqlOptions...)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return engine, nil
}

func newMongoBackend(ctx context.Context, cfg config.Config, s settings) (Backend, error) {
	options := []mongoengine.Option{
		mongoengine.WithEventsCollectionName(cfg.EventsTableName),
		mongoengine.WithSnapshotsCollectionName(cfg.SnapshotsTableName),
	}

	if s.logger != nil {
		options = append(options, mongoengine.WithLogger(s.logger))
	}

	if s.contextualLogger != nil {
		options = append(options, mongoengine.WithContextualLogger(s.contextualLogger))
	}

	if s.metrics != nil {
		options = append(options, mongoengine.WithMetrics(s.metrics))
	}

	if s.tracing != nil {
		options = append(options, mongoengine.WithTracing(s.tracing))
	}

	if s.clock != nil {
		options = append(options, mongoengine.WithClock(s.clock))
	}

	backend, err := mongoengine.NewFromURI(ctx, cfg.MongoDBURI(), cfg.DatabaseName(), cfg.ConnectTimeout, options...)
	if err != nil {
		return nil, err
	}

	return backend, nil
}

func sqlOptionsFor(cfg config.Config, s settings, extra ...sqlengine.Option) []sqlengine.Option {
	mode := sqlengine.ModeFlat
	if cfg.DocumentMode {
		mode = sqlengine.ModeDocument
	}

	options := append([]sqlengine.Option{
		sqlengine.WithMode(mode),
		sqlengine.WithEventsTableName(cfg.EventsTableName),
		sqlengine.WithSnapshotsTableName(cfg.SnapshotsTableName),
	}, extra...)

	if s.logger != nil {
		options = append(options, sqlengine.WithLogger(s.logger))
	}

	if s.contextualLogger != nil {
		options = append(options, sqlengine.WithContextualLogger(s.contextualLogger))
	}

	if s.metrics != nil {
		options = append(options, sqlengine.WithMetrics(s.metrics))
	}

	if s.tracing != nil {
		options = append(options, sqlengine.WithTracing(s.tracing))
	}

	if s.clock != nil {
		options = append(options, sqlengine.WithClock(s.clock))
	}

	return options
}

func tuneSQLDB(db *sql.DB) {
	db.SetMaxOpenConns(int(defaultMaxConnections))
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultMaxConnLifetime)
	db.SetConnMaxIdleTime(defaultMaxConnIdleTime)
}

var (
	_ Backend = (*sqlengine.Engine)(nil)
	_ Backend = (*mongoengine.Engine)(nil)
)
