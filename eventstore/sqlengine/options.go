package sqlengine

import (
	"time"

	"github.com/appknit/eventsourcing/eventstore"
)

// Option defines a functional option for configuring the Engine.
type Option func(*Engine) error

// WithDialect selects the SQL dialect. The default is DialectPostgres.
//
// The dialect decides placeholders, quoting, the JSON column type and how unique violations
// are recognized. It must match the driver behind the connection.
//
// Example usage:
//
//	backend, err := sqlengine.NewFromSQLX(db, sqlengine.WithDialect(sqlengine.DialectSQLite))
func WithDialect(dialect Dialect) Option {
	return func(e *Engine) error {
		if _, err := ParseDialect(string(dialect)); err != nil {
			return err
		}

		e.dialect = dialect

		return nil
	}
}

// WithMode selects the table layout. The default is ModeFlat.
//
// ModeFlat stores one column per event attribute and takes the next revision inside the insert.
// ModeDocument stores each event as a JSON document in a generic table and relies on the unique
// index over stream and revision to reject a concurrent append. Both report a lost race as
// eventstore.ErrConcurrencyConflict.
//
// Example usage:
//
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithMode(sqlengine.ModeDocument))
func WithMode(mode Mode) Option {
	return func(e *Engine) error {
		e.mode = mode
		return nil
	}
}

// WithEventsTableName sets the name of the events table. An empty name fails with eventstore.ErrEmptyTableName.
func WithEventsTableName(tableName string) Option {
	return func(e *Engine) error {
		if tableName == "" {
			return eventstore.ErrEmptyTableName
		}

		e.eventsTable = tableName

		return nil
	}
}

// WithSnapshotsTableName sets the name of the snapshots table.
func WithSnapshotsTableName(tableName string) Option {
	return func(e *Engine) error {
		if tableName == "" {
			return eventstore.ErrEmptyTableName
		}

		e.snapshotsTable = tableName

		return nil
	}
}

// WithLogger sets the logger for the Engine.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL statements with execution timing (development use)
// Info level: Event counts, durations, concurrency conflicts, created tables (production-safe)
// Warn level: Non-critical issues like cleanup failures
// Error level: Critical failures that cause operation failures.
func WithLogger(logger eventstore.Logger) Option {
	return func(e *Engine) error {
		e.observer.Logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the Engine.
// It receives the same messages as the Logger together with the context of the operation,
// so trace and span ids end up in the log when tracing is enabled.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(e *Engine) error {
		e.observer.ContextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Engine.
// It receives durations of reads, appends, snapshot operations and bootstrap as well as
// event counts, concurrency conflicts and database errors.
//
// Example usage:
//
//	collector := promadapters.NewMetricsCollector(prometheus.DefaultRegisterer)
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithMetrics(collector))
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(e *Engine) error {
		e.observer.Metrics = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the Engine.
// Every backend operation becomes a span carrying the operation and the backend.
// Concurrency conflicts and database errors set the span status.
//
// Example usage:
//
//	tracing := oteladapters.NewTracingCollector(otel.Tracer("eventstore"))
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithTracing(tracing))
func WithTracing(collector eventstore.TracingCollector) Option {
	return func(e *Engine) error {
		e.observer.Tracing = collector
		return nil
	}
}

// WithCloser hands ownership of the connection to the Engine. Close calls closer.
// Without it, closing the connection stays with the caller.
func WithCloser(closer func() error) Option {
	return func(e *Engine) error {
		e.closer = closer
		return nil
	}
}

// WithClock replaces the time source used for commit stamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) error {
		e.clock = clock
		return nil
	}
}
