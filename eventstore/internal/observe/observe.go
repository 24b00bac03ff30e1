// Package observe bundles the logging, metrics and tracing hooks the storage engines share.
// Every hook is optional; a zero Observer does nothing.
package observe

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/appknit/eventsourcing/eventstore"
)

const (
	OperationQuery        = "query"
	OperationAppend       = "append"
	OperationSnapshotLoad = "snapshot_load"
	OperationSnapshotSave = "snapshot_save"
	OperationBootstrap    = "bootstrap"

	MetricQueryDuration        = "eventstore_query_duration_seconds"
	MetricAppendDuration       = "eventstore_append_duration_seconds"
	MetricSnapshotLoadDuration = "eventstore_snapshot_load_duration_seconds"
	MetricSnapshotSaveDuration = "eventstore_snapshot_save_duration_seconds"
	MetricBootstrapDuration    = "eventstore_bootstrap_duration_seconds"
	MetricEventsQueried        = "eventstore_events_queried_total"
	MetricEventsAppended       = "eventstore_events_appended_total"
	MetricDatabaseErrors       = "eventstore_database_errors_total"
	MetricConcurrencyConflicts = "eventstore_concurrency_conflicts_total"

	SpanAttrOperation  = "operation"
	SpanAttrBackend    = "backend"
	SpanAttrStreamID   = "stream_id"
	SpanAttrEventCount = "event_count"
	SpanAttrErrorType  = "error_type"
	SpanAttrDurationMS = "duration_ms"
	SpanAttrExpected   = "expected_revision"

	StatusSuccess  = "success"
	StatusError    = "error"
	StatusConflict = "conflict"

	LabelStatus       = "status"
	LabelConflictType = "conflict_type"

	LogMsgStatementExecuted = "executed statement for: "
	LogMsgOperation         = "eventstore operation: "
	LogAttrError            = "error"
	LogAttrStatement        = "statement"
	LogAttrDurationMS       = "duration_ms"
	LogAttrEventCount       = "event_count"
	LogAttrStreamID         = "stream_id"
)

// Observer holds the optional observability collaborators of an engine.
type Observer struct {
	Backend          string
	Logger           eventstore.Logger
	ContextualLogger eventstore.ContextualLogger
	Metrics          eventstore.MetricsCollector
	Tracing          eventstore.TracingCollector
}

var durationMetrics = map[string]string{
	OperationQuery:        MetricQueryDuration,
	OperationAppend:       MetricAppendDuration,
	OperationSnapshotLoad: MetricSnapshotLoadDuration,
	OperationSnapshotSave: MetricSnapshotSaveDuration,
	OperationBootstrap:    MetricBootstrapDuration,
}

var countMetrics = map[string]string{
	OperationQuery:  MetricEventsQueried,
	OperationAppend: MetricEventsAppended,
}

// Operation tracks one backend operation from start to finish.
type Operation struct {
	observer *Observer
	ctx      context.Context
	name     string
	span     eventstore.SpanContext
	started  time.Time
}

// Start opens a span for the operation and returns the context carrying it.
func (o *Observer) Start(ctx context.Context, operation string, attrs map[string]string) (*Operation, context.Context) {
	op := &Operation{observer: o, ctx: ctx, name: operation, started: time.Now()}

	if o.Tracing != nil {
		spanAttrs := map[string]string{SpanAttrOperation: operation}
		if o.Backend != "" {
			spanAttrs[SpanAttrBackend] = o.Backend
		}

		for key, value := range attrs {
			spanAttrs[key] = value
		}

		op.ctx, op.span = o.Tracing.StartSpan(ctx, "eventstore."+operation, spanAttrs)
	}

	return op, op.ctx
}

// Elapsed is the time since the operation started.
func (op *Operation) Elapsed() time.Duration {
	return time.Since(op.started)
}

// Success records duration and event count and finishes the span.
// eventCount is ignored for operations that do not handle events.
func (op *Operation) Success(eventCount int, args ...any) {
	duration := op.Elapsed()
	o := op.observer

	o.recordDuration(op.ctx, durationMetrics[op.name], duration, op.name, StatusSuccess)

	if metric, ok := countMetrics[op.name]; ok {
		o.recordValue(op.ctx, metric, float64(eventCount), op.name, StatusSuccess)
	}

	attrs := map[string]string{
		SpanAttrEventCount: strconv.Itoa(eventCount),
		SpanAttrDurationMS: strconv.FormatFloat(ToMilliseconds(duration), 'f', 2, 64),
	}
	op.finishSpan(StatusSuccess, attrs)

	logArgs := append([]any{LogAttrEventCount, eventCount, LogAttrDurationMS, ToMilliseconds(duration)}, args...)
	o.LogOperation(op.ctx, op.name+" completed", logArgs...)
}

// Failure records the error and finishes the span.
func (op *Operation) Failure(err error, errorType string, args ...any) {
	duration := op.Elapsed()
	o := op.observer

	o.recordDuration(op.ctx, durationMetrics[op.name], duration, op.name, StatusError)
	o.recordError(op.ctx, op.name, errorType)

	op.finishSpan(StatusError, map[string]string{
		SpanAttrErrorType:  errorType,
		SpanAttrDurationMS: strconv.FormatFloat(ToMilliseconds(duration), 'f', 2, 64),
	})

	o.LogError(op.ctx, op.name+" failed", err, args...)
}

// Conflict records an optimistic concurrency conflict and finishes the span.
func (op *Operation) Conflict(args ...any) {
	o := op.observer

	o.recordDuration(op.ctx, durationMetrics[op.name], op.Elapsed(), op.name, StatusError)
	o.incrementCounter(op.ctx, MetricConcurrencyConflicts, map[string]string{
		SpanAttrOperation: op.name,
		LabelConflictType: "concurrency",
	})

	op.finishSpan(StatusConflict, map[string]string{SpanAttrErrorType: "concurrency_conflict"})
	o.LogOperation(op.ctx, "concurrency conflict detected", args...)
}

func (op *Operation) finishSpan(status string, attrs map[string]string) {
	if op.observer.Tracing == nil || op.span == nil {
		return
	}

	op.span.SetStatus(status)
	op.observer.Tracing.FinishSpan(op.span, status, attrs)
}

// LogStatement logs an executed statement with its duration at debug level.
func (o *Observer) LogStatement(ctx context.Context, statement string, action string, duration time.Duration) {
	if o.Logger != nil {
		o.Logger.Debug(LogMsgStatementExecuted+action, LogAttrDurationMS, ToMilliseconds(duration), LogAttrStatement, statement)
	}

	if o.ContextualLogger != nil {
		o.ContextualLogger.DebugContext(ctx, LogMsgStatementExecuted+action, LogAttrDurationMS, ToMilliseconds(duration), LogAttrStatement, statement)
	}
}

// LogOperation logs operational information at info level.
func (o *Observer) LogOperation(ctx context.Context, action string, args ...any) {
	if o.Logger != nil {
		o.Logger.Info(LogMsgOperation+action, args...)
	}

	if o.ContextualLogger != nil {
		o.ContextualLogger.InfoContext(ctx, LogMsgOperation+action, args...)
	}
}

// LogWarn logs non-critical issues like cleanup failures.
func (o *Observer) LogWarn(ctx context.Context, message string, err error, args ...any) {
	allArgs := append([]any{LogAttrError, err.Error()}, args...)

	if o.Logger != nil {
		o.Logger.Warn(message, allArgs...)
	}

	if o.ContextualLogger != nil {
		o.ContextualLogger.WarnContext(ctx, message, allArgs...)
	}
}

// LogError logs error information at the error level.
func (o *Observer) LogError(ctx context.Context, message string, err error, args ...any) {
	allArgs := append([]any{LogAttrError, err.Error()}, args...)

	if o.Logger != nil {
		o.Logger.Error(message, allArgs...)
	}

	if o.ContextualLogger != nil {
		o.ContextualLogger.ErrorContext(ctx, message, allArgs...)
	}
}

func (o *Observer) recordDuration(ctx context.Context, metric string, duration time.Duration, operation, status string) {
	if o.Metrics == nil || metric == "" {
		return
	}

	labels := map[string]string{SpanAttrOperation: operation, LabelStatus: status}

	if contextual, ok := o.Metrics.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordDurationContext(ctx, metric, duration, labels)
		return
	}

	o.Metrics.RecordDuration(metric, duration, labels)
}

func (o *Observer) recordValue(ctx context.Context, metric string, value float64, operation, status string) {
	if o.Metrics == nil {
		return
	}

	labels := map[string]string{SpanAttrOperation: operation, LabelStatus: status}

	if contextual, ok := o.Metrics.(eventstore.ContextualMetricsCollector); ok {
		contextual.RecordValueContext(ctx, metric, value, labels)
		return
	}

	o.Metrics.RecordValue(metric, value, labels)
}

func (o *Observer) recordError(ctx context.Context, operation, errorType string) {
	o.incrementCounter(ctx, MetricDatabaseErrors, map[string]string{
		SpanAttrOperation: operation,
		LabelStatus:       StatusError,
		SpanAttrErrorType: errorType,
	})
}

func (o *Observer) incrementCounter(ctx context.Context, metric string, labels map[string]string) {
	if o.Metrics == nil {
		return
	}

	if contextual, ok := o.Metrics.(eventstore.ContextualMetricsCollector); ok {
		contextual.IncrementCounterContext(ctx, metric, labels)
		return
	}

	o.Metrics.IncrementCounter(metric, labels)
}

// ToMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func ToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
