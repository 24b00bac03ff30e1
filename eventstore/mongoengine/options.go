package mongoengine

import (
	"time"

	"github.com/appknit/eventsourcing/eventstore"
)

// Option defines a functional option for configuring the Engine.
type Option func(*Engine) error

// WithEventsCollectionName sets the name of the events collection.
func WithEventsCollectionName(name string) Option {
	return func(e *Engine) error {
		if name == "" {
			return eventstore.ErrEmptyTableName
		}

		e.eventsName = name

		return nil
	}
}

// WithSnapshotsCollectionName sets the name of the snapshots collection.
func WithSnapshotsCollectionName(name string) Option {
	return func(e *Engine) error {
		if name == "" {
			return eventstore.ErrEmptyTableName
		}

		e.snapshotsName = name

		return nil
	}
}

// WithLogger sets the logger for the Engine. Debug level carries the commands sent to MongoDB.
func WithLogger(logger eventstore.Logger) Option {
	return func(e *Engine) error {
		e.observer.Logger = logger
		return nil
	}
}

func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(e *Engine) error {
		e.observer.ContextualLogger = logger
		return nil
	}
}

func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(e *Engine) error {
		e.observer.Metrics = collector
		return nil
	}
}

func WithTracing(collector eventstore.TracingCollector) Option {
	return func(e *Engine) error {
		e.observer.Tracing = collector
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
