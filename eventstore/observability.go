package eventstore

import (
	"context"
	"time"
)

// Logger receives the log output of the façade and the backends. *slog.Logger satisfies it.
//
// Backends log at these levels:
//
// Debug level: SQL statements and Mongo commands with their duration
// Info level: operation summaries such as event counts, created tables and concurrency conflicts
// Warn level: recoverable problems such as a failed cleanup
// Error level: failures that abort the operation.
//
// Example usage:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithLogger(logger))
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsCollector receives durations, counters and values of backend operations.
// Labels carry the operation and its status. The promadapters and oteladapters packages
// provide implementations.
//
// Example usage:
//
//	collector := promadapters.NewMetricsCollector(prometheus.DefaultRegisterer)
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithMetrics(collector))
type MetricsCollector interface {
	RecordDuration(metric string, duration time.Duration, labels map[string]string)
	IncrementCounter(metric string, labels map[string]string)
	RecordValue(metric string, value float64, labels map[string]string)
}

// ContextualMetricsCollector extends MetricsCollector with context-aware methods, so that
// measurements can be correlated with the active trace.
//
// Implementing it is optional. Backends call the context-aware methods when the collector
// has them and fall back to the plain MetricsCollector methods otherwise.
type ContextualMetricsCollector interface {
	MetricsCollector
	RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string)
	IncrementCounterContext(ctx context.Context, metric string, labels map[string]string)
	RecordValueContext(ctx context.Context, metric string, value float64, labels map[string]string)
}

// SpanContext represents an active tracing span that can be finished and updated with attributes.
type SpanContext interface {
	SetStatus(status string)
	AddAttribute(key, value string)
}

// TracingCollector creates and finishes spans around backend operations.
//
// It keeps the eventstore package free of a tracing dependency. The oteladapters package
// provides an OpenTelemetry implementation, other tracers can be bridged the same way.
//
// Example usage:
//
//	tracing := oteladapters.NewTracingCollector(otel.Tracer("eventstore"))
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithTracing(tracing))
type TracingCollector interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext)
	FinishSpan(spanCtx SpanContext, status string, attrs map[string]string)
}

// ContextualLogger receives log output together with the context of the operation,
// so implementations can add the trace and span ids of the active span. *slog.Logger
// satisfies it as well.
//
// When both loggers are configured, each of them receives every message.
//
// Example usage:
//
//	logger := oteladapters.NewSlogBridgeLogger("eventstore")
//	backend, err := sqlengine.NewFromPGXPool(pool, sqlengine.WithContextualLogger(logger))
type ContextualLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}
