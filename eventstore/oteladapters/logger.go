// Package oteladapters plugs OpenTelemetry into the eventstore observability hooks.
//
// The engines accept the adapters through their WithContextualLogger, WithMetrics and WithTracing options:
//
//	backend, err := sqlengine.NewFromPGXPool(pool,
//		sqlengine.WithContextualLogger(oteladapters.NewSlogBridgeLogger("eventstore")),
//		sqlengine.WithMetrics(oteladapters.NewMetricsCollector(meterProvider.Meter("eventstore"))),
//		sqlengine.WithTracing(oteladapters.NewTracingCollector(tracerProvider.Tracer("eventstore"))),
//	)
package oteladapters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"

	"github.com/appknit/eventsourcing/eventstore"
)

// SlogBridgeLogger writes through log/slog. Records carry the trace and span id of ctx when built
// with NewSlogBridgeLogger.
type SlogBridgeLogger struct {
	logger *slog.Logger
}

// NewSlogBridgeLogger logs to the global OpenTelemetry LoggerProvider under the given scope name.
func NewSlogBridgeLogger(name string) *SlogBridgeLogger {
	return &SlogBridgeLogger{logger: otelslog.NewLogger(name)}
}

// NewSlogBridgeLoggerWithHandler logs to handler as is, without trace correlation.
func NewSlogBridgeLoggerWithHandler(handler slog.Handler) *SlogBridgeLogger {
	return &SlogBridgeLogger{logger: slog.New(handler)}
}

func (l *SlogBridgeLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *SlogBridgeLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *SlogBridgeLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *SlogBridgeLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

var _ eventstore.ContextualLogger = (*SlogBridgeLogger)(nil)

// OTelLogger emits records on an OpenTelemetry log.Logger directly.
type OTelLogger struct {
	logger log.Logger
}

func NewOTelLogger(logger log.Logger) *OTelLogger {
	return &OTelLogger{logger: logger}
}

func (l *OTelLogger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityDebug, "DEBUG", msg, args)
}

func (l *OTelLogger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityInfo, "INFO", msg, args)
}

func (l *OTelLogger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityWarn, "WARN", msg, args)
}

func (l *OTelLogger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.emit(ctx, log.SeverityError, "ERROR", msg, args)
}

func (l *OTelLogger) emit(ctx context.Context, severity log.Severity, severityText string, msg string, args []any) {
	var record log.Record
	record.SetTimestamp(time.Now())
	record.SetSeverity(severity)
	record.SetSeverityText(severityText)
	record.SetBody(log.StringValue(msg))
	record.AddAttributes(keyValues(args)...)

	l.logger.Emit(ctx, record)
}

// keyValues reads args the way slog does: alternating keys and values, or slog.Attr.
// A trailing key without value is dropped.
func keyValues(args []any) []log.KeyValue {
	kvs := make([]log.KeyValue, 0, len(args)/2)

	for i := 0; i < len(args); i++ {
		if attr, ok := args[i].(slog.Attr); ok {
			kvs = append(kvs, log.KeyValue{Key: attr.Key, Value: logValue(attr.Value.Any())})
			continue
		}

		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			continue
		}

		kvs = append(kvs, log.KeyValue{Key: key, Value: logValue(args[i+1])})
		i++
	}

	return kvs
}

func logValue(v any) log.Value {
	switch typed := v.(type) {
	case string:
		return log.StringValue(typed)
	case int:
		return log.IntValue(typed)
	case int64:
		return log.Int64Value(typed)
	case uint64:
		return log.Int64Value(int64(typed)) //nolint:gosec
	case float64:
		return log.Float64Value(typed)
	case bool:
		return log.BoolValue(typed)
	case time.Duration:
		return log.Float64Value(float64(typed) / float64(time.Millisecond))
	case error:
		return log.StringValue(typed.Error())
	case fmt.Stringer:
		return log.StringValue(typed.String())
	default:
		return log.StringValue(slog.AnyValue(v).String())
	}
}

var _ eventstore.ContextualLogger = (*OTelLogger)(nil)
