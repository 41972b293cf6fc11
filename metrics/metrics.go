// Package metrics exposes the Prometheus collectors of a milkchain node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "milkchain"
	subsystem = "ledger"
)

// Step outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// Metrics groups the node collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	lotsCreated   *prometheus.CounterVec
	stepOutcomes  *prometheus.CounterVec
	txResults     *prometheus.CounterVec
	blockHeight   prometheus.Gauge
	blockDuration prometheus.Histogram
	projectionLag prometheus.Gauge
	resyncs       prometheus.Counter
	httpDuration  *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, alongside the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		lotsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lots_created_total",
			Help:      "Lots created, by variant",
		}, []string{"variant"}),
		stepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_outcomes_total",
			Help:      "Step operations, by step kind and outcome",
		}, []string{"kind", "outcome"}),
		txResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tx_results_total",
			Help:      "Finalized transactions, by result code name",
		}, []string{"code"}),
		blockHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "block_height",
			Help:      "Height of the last committed block",
		}),
		blockDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "finalize_block_seconds",
			Help:      "Time spent applying a block",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		projectionLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "pending_batches",
			Help:      "Committed blocks not yet written to the reporting database",
		}),
		resyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projection",
			Name:      "resyncs_total",
			Help:      "Full snapshots written after the projection queue overflowed",
		}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) LotsCreated(variant string, n int) {
	if m == nil {
		return
	}
	m.lotsCreated.WithLabelValues(variant).Add(float64(n))
}

// StepOutcome records a step operation; kind is "supervisor" or "sensor".
func (m *Metrics) StepOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) TxResult(code string) {
	if m == nil {
		return
	}
	m.txResults.WithLabelValues(code).Inc()
}

func (m *Metrics) BlockCommitted(height int64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
}

func (m *Metrics) ObserveBlock(d time.Duration) {
	if m == nil {
		return
	}
	m.blockDuration.Observe(d.Seconds())
}

func (m *Metrics) ProjectionPending(n int) {
	if m == nil {
		return
	}
	m.projectionLag.Set(float64(n))
}

func (m *Metrics) ProjectionResync() {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, http.StatusText(status)).Observe(d.Seconds())
}
