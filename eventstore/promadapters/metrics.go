// Package promadapters exposes eventstore metrics to Prometheus.
//
// Durations become histograms, IncrementCounter calls and "_total" values become counters and all
// other values become gauges. Every metric is created and registered on first use; its label names
// are the label keys of that first call.
package promadapters

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/appknit/eventsourcing/eventstore"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type vec struct {
	labels    []string
	histogram *prometheus.HistogramVec
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
}

// MetricsCollector implements eventstore.MetricsCollector on a prometheus.Registerer.
type MetricsCollector struct {
	reg         prometheus.Registerer
	buckets     []float64
	constLabels prometheus.Labels

	mu   sync.Mutex
	vecs map[string]*vec
}

// Option configures a MetricsCollector.
type Option func(*MetricsCollector)

// WithBuckets replaces the default latency buckets.
func WithBuckets(buckets []float64) Option {
	return func(m *MetricsCollector) { m.buckets = buckets }
}

// WithConstLabels adds fixed labels, e.g. the service name, to every metric.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(m *MetricsCollector) { m.constLabels = labels }
}

func NewMetricsCollector(reg prometheus.Registerer, options ...Option) *MetricsCollector {
	m := &MetricsCollector{
		reg:     reg,
		buckets: defaultBuckets,
		vecs:    make(map[string]*vec),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

func (m *MetricsCollector) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	v := m.vecFor(metric, labels, func(names []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        metric,
			Help:        "Eventstore operation latency in seconds",
			Buckets:     m.buckets,
			ConstLabels: m.constLabels,
		}, names)
	})
	if v == nil || v.histogram == nil {
		return
	}

	v.histogram.WithLabelValues(v.values(labels)...).Observe(duration.Seconds())
}

func (m *MetricsCollector) IncrementCounter(metric string, labels map[string]string) {
	m.add(metric, 1, labels)
}

func (m *MetricsCollector) RecordValue(metric string, value float64, labels map[string]string) {
	if strings.HasSuffix(metric, "_total") {
		if value > 0 {
			m.add(metric, value, labels)
		}

		return
	}

	v := m.vecFor(metric, labels, func(names []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        metric,
			Help:        "Current eventstore value",
			ConstLabels: m.constLabels,
		}, names)
	})
	if v == nil || v.gauge == nil {
		return
	}

	v.gauge.WithLabelValues(v.values(labels)...).Set(value)
}

func (m *MetricsCollector) add(metric string, value float64, labels map[string]string) {
	v := m.vecFor(metric, labels, func(names []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        metric,
			Help:        "Total of eventstore occurrences",
			ConstLabels: m.constLabels,
		}, names)
	})
	if v == nil || v.counter == nil {
		return
	}

	v.counter.WithLabelValues(v.values(labels)...).Add(value)
}

// vecFor returns the vector registered under metric, creating and registering it on first use.
// It returns nil if the registry rejects the metric.
func (m *MetricsCollector) vecFor(metric string, labels map[string]string, create func(names []string) prometheus.Collector) *vec {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.vecs[metric]; ok {
		return v
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}

	sort.Strings(names)

	collector := create(names)
	if err := m.reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil
		}

		collector = already.ExistingCollector
	}

	v := &vec{labels: names}
	switch typed := collector.(type) {
	case *prometheus.HistogramVec:
		v.histogram = typed
	case *prometheus.CounterVec:
		v.counter = typed
	case *prometheus.GaugeVec:
		v.gauge = typed
	}

	m.vecs[metric] = v

	return v
}

// values orders the label values like the vector's label names. Missing labels are empty, extra ones are dropped.
func (v *vec) values(labels map[string]string) []string {
	values := make([]string, len(v.labels))
	for i, name := range v.labels {
		values[i] = labels[name]
	}

	return values
}

var _ eventstore.MetricsCollector = (*MetricsCollector)(nil)
