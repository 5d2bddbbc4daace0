// Package metrics exposes Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portfoliodb"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	BatchesCreated     *prometheus.CounterVec
	BatchTransitions   *prometheus.CounterVec
	RowsStaged         *prometheus.CounterVec
	RowsPromoted       *prometheus.CounterVec
	ValidationFails    prometheus.Counter
	Merges             *prometheus.CounterVec
	InstrumentsRetired prometheus.Counter
	ResolverLookups    *prometheus.CounterVec
	ResolverLatency    *prometheus.HistogramVec
	BatchDuration      prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.BatchesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Batches opened, by batch type",
		},
		[]string{"type"},
	)

	m.BatchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_transitions_total",
			Help:      "Batch status transitions, by target status",
		},
		[]string{"status"},
	)

	m.RowsStaged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_staged_total",
			Help:      "Rows written to staging, by kind",
		},
		[]string{"kind"}, // "tx", "instrument", "identifier", "price"
	)

	m.RowsPromoted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_promoted_total",
			Help:      "Staged rows promoted to the ledger, by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: "promoted", "unmatched"
	)

	m.ValidationFails = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Batches failed by staging validation",
		},
	)

	m.Merges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge engine invocations, by outcome",
		},
		[]string{"outcome"}, // "none", "single", "merged", "error"
	)

	m.InstrumentsRetired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instruments_retired_total",
			Help:      "Duplicate instruments removed by merges",
		},
	)

	m.ResolverLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_lookups_total",
			Help:      "Identifier resolver calls, by resolver and outcome",
		},
		[]string{"resolver", "outcome"},
	)

	m.ResolverLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolver_duration_seconds",
			Help:      "Time spent in identifier resolvers",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"resolver"},
	)

	m.BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a full ingestion run",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	m.registry.MustRegister(
		m.BatchesCreated,
		m.BatchTransitions,
		m.RowsStaged,
		m.RowsPromoted,
		m.ValidationFails,
		m.Merges,
		m.InstrumentsRetired,
		m.ResolverLookups,
		m.ResolverLatency,
		m.BatchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BatchCreated(batchType string) {
	if m != nil {
		m.BatchesCreated.WithLabelValues(batchType).Inc()
	}
}

func (m *Metrics) BatchTransition(status string) {
	if m != nil {
		m.BatchTransitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Staged(kind string, n int) {
	if m != nil && n > 0 {
		m.RowsStaged.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) Promoted(kind string, promoted, unmatched int) {
	if m == nil {
		return
	}
	m.RowsPromoted.WithLabelValues(kind, "promoted").Add(float64(promoted))
	m.RowsPromoted.WithLabelValues(kind, "unmatched").Add(float64(unmatched))
}

func (m *Metrics) ValidationFailed() {
	if m != nil {
		m.ValidationFails.Inc()
	}
}

// Merge records one merge engine outcome and the number of instruments it
// retired.
func (m *Metrics) Merge(outcome string, retired int) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(outcome).Inc()
	if retired > 0 {
		m.InstrumentsRetired.Add(float64(retired))
	}
}

// ResolverCall records one resolver invocation.
func (m *Metrics) ResolverCall(resolver string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ResolverLookups.WithLabelValues(resolver, outcome).Inc()
	m.ResolverLatency.WithLabelValues(resolver).Observe(d.Seconds())
}

func (m *Metrics) BatchFinished(d time.Duration) {
	if m != nil {
		m.BatchDuration.Observe(d.Seconds())
	}
}
