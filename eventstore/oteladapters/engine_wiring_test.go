package oteladapters_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/appknit/eventsourcing/eventstore/config"
	"github.com/appknit/eventsourcing/eventstore/engine"
	"github.com/appknit/eventsourcing/eventstore/oteladapters"
	. "github.com/appknit/eventsourcing/testutil/helper" //nolint:revive
)

func Test_Adapters_ObserveAnEngine(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	var logs bytes.Buffer
	logger := oteladapters.NewSlogBridgeLoggerWithHandler(
		slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)

	es, err := engine.Open(ctxWithTimeout,
		config.Config{
			Dialect:            config.DialectSQLite,
			Database:           ":memory:",
			SQLClient:          config.SQLClientSQLX,
			EventsTableName:    "events",
			SnapshotsTableName: "snapshots",
			ConnectTimeout:     time.Second,
		},
		engine.WithContextualLogger(logger),
		engine.WithMetrics(oteladapters.NewMetricsCollector(meterProvider.Meter("eventstore"))),
		engine.WithTracing(oteladapters.NewTracingCollector(tracerProvider.Tracer("eventstore"))),
	)
	require.NoError(t, err)
	defer func() { assert.NoError(t, es.Close(context.Background())) }()

	orderID := GivenUniqueID(t)

	// act
	_, err = es.StoreEvent(ctxWithTimeout, FixtureOrderCreated(t, orderID))
	require.NoError(t, err)
	_, err = es.GetEvents(ctxWithTimeout, OrderAggregate, orderID)
	require.NoError(t, err)

	// assert
	spansByName := make(map[string]tracetest.SpanStub)
	for _, span := range exporter.GetSpans() {
		spansByName[span.Name] = span
	}

	for _, name := range []string{"eventstore.bootstrap", "eventstore.append", "eventstore.query"} {
		span, found := spansByName[name]
		if assert.True(t, found, name) {
			assert.Equal(t, codes.Ok, span.Status.Code, name)
		}
	}

	metrics := collect(t, reader)
	assert.Contains(t, metrics, "eventstore_append_duration_seconds")
	assert.Contains(t, metrics, "eventstore_query_duration_seconds")
	assert.Contains(t, metrics, "eventstore_events_appended_total")

	assert.Contains(t, logs.String(), "eventstore operation: ")
}
