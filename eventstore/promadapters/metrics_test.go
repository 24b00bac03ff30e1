package promadapters_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appknit/eventsourcing/eventstore/config"
	"github.com/appknit/eventsourcing/eventstore/engine"
	"github.com/appknit/eventsourcing/eventstore/promadapters"
	. "github.com/appknit/eventsourcing/testutil/helper" //nolint:revive
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}

	return byName
}

func Test_MetricsCollector_RecordDuration(t *testing.T) {
	// arrange
	reg := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(reg, promadapters.WithConstLabels(prometheus.Labels{"service": "orders"}))

	// act
	collector.RecordDuration("eventstore_query_duration_seconds", 150*time.Millisecond,
		map[string]string{"operation": "query", "status": "success"})
	collector.RecordDuration("eventstore_query_duration_seconds", 50*time.Millisecond,
		map[string]string{"operation": "query", "status": "success"})

	// assert
	family := gather(t, reg)["eventstore_query_duration_seconds"]
	require.NotNil(t, family)
	require.Len(t, family.GetMetric(), 1)

	histogram := family.GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), histogram.GetSampleCount())
	assert.InDelta(t, 0.2, histogram.GetSampleSum(), 0.001)

	labels := make(map[string]string)
	for _, pair := range family.GetMetric()[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}

	assert.Equal(t, map[string]string{"operation": "query", "status": "success", "service": "orders"}, labels)
}

func Test_MetricsCollector_CountersAndTotals(t *testing.T) {
	// arrange
	reg := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(reg)
	labels := map[string]string{"operation": "append", "conflict_type": "concurrency"}

	// act
	collector.IncrementCounter("eventstore_concurrency_conflicts_total", labels)
	collector.IncrementCounter("eventstore_concurrency_conflicts_total", labels)
	collector.RecordValue("eventstore_events_queried_total", 3, map[string]string{"operation": "query", "status": "success"})
	collector.RecordValue("eventstore_events_queried_total", 0, map[string]string{"operation": "query", "status": "success"})
	collector.RecordValue("eventstore_events_queried_total", 4, map[string]string{"operation": "query", "status": "success"})

	// assert
	families := gather(t, reg)
	assert.InDelta(t, 2.0, families["eventstore_concurrency_conflicts_total"].GetMetric()[0].GetCounter().GetValue(), 0.0001)
	assert.InDelta(t, 7.0, families["eventstore_events_queried_total"].GetMetric()[0].GetCounter().GetValue(), 0.0001)
}

func Test_MetricsCollector_GaugesKeepTheLastValue(t *testing.T) {
	// arrange
	reg := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(reg)

	// act
	collector.RecordValue("eventstore_open_connections", 4, nil)
	collector.RecordValue("eventstore_open_connections", 2, nil)

	// assert
	family := gather(t, reg)["eventstore_open_connections"]
	require.NotNil(t, family)
	assert.Equal(t, dto.MetricType_GAUGE, family.GetType())
	assert.InDelta(t, 2.0, family.GetMetric()[0].GetGauge().GetValue(), 0.0001)
}

func Test_MetricsCollector_LabelsAreFixedByTheFirstCall(t *testing.T) {
	// arrange
	reg := prometheus.NewRegistry()
	collector := promadapters.NewMetricsCollector(reg)

	// act
	collector.IncrementCounter("eventstore_database_errors_total",
		map[string]string{"operation": "append", "error_type": "database_exec_error"})
	collector.IncrementCounter("eventstore_database_errors_total",
		map[string]string{"operation": "query", "status": "error"})

	// assert
	count, err := testutil.GatherAndCount(reg, "eventstore_database_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func Test_MetricsCollector_SharesARegistryBetweenCollectors(t *testing.T) {
	// arrange
	reg := prometheus.NewRegistry()
	first := promadapters.NewMetricsCollector(reg)
	second := promadapters.NewMetricsCollector(reg)
	labels := map[string]string{"operation": "append", "status": "success"}

	// act
	first.IncrementCounter("eventstore_events_appended_total", labels)
	second.IncrementCounter("eventstore_events_appended_total", labels)

	// assert
	family := gather(t, reg)["eventstore_events_appended_total"]
	require.NotNil(t, family)
	assert.InDelta(t, 2.0, family.GetMetric()[0].GetCounter().GetValue(), 0.0001)
}

func Test_MetricsCollector_ObservesAnEngine(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()

	es, err := engine.Open(ctxWithTimeout,
		config.Config{
			Dialect:            config.DialectSQLite,
			Database:           ":memory:",
			SQLClient:          config.SQLClientSQLX,
			EventsTableName:    "events",
			SnapshotsTableName: "snapshots",
			ConnectTimeout:     time.Second,
		},
		engine.WithMetrics(promadapters.NewMetricsCollector(reg)),
	)
	require.NoError(t, err)
	defer func() { assert.NoError(t, es.Close(context.Background())) }()

	orderID := GivenUniqueID(t)

	// act
	_, err = es.StoreEvent(ctxWithTimeout, FixtureOrderCreated(t, orderID))
	require.NoError(t, err)
	_, err = es.StoreEvent(ctxWithTimeout, FixtureOrderShipped(t, orderID))
	require.NoError(t, err)

	// assert
	families := gather(t, reg)
	require.Contains(t, families, "eventstore_append_duration_seconds")
	require.Contains(t, families, "eventstore_events_appended_total")
	assert.InDelta(t, 2.0, families["eventstore_events_appended_total"].GetMetric()[0].GetCounter().GetValue(), 0.0001)
}
