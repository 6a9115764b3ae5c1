package executor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-transform/pkg/domain"
)

// Metrics holds all Prometheus metrics for transform execution. A nil
// *Metrics records nothing.
type Metrics struct {
	executionsTotal *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	outputBytes     *prometheus.HistogramVec
	tamperEvents    *prometheus.CounterVec
	chainsTotal     *prometheus.CounterVec
	chainStages     prometheus.Histogram
	registryEntries prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_transform_executions_total",
				Help: "Total number of transform executions by terminal status",
			},
			[]string{"transform_id", "status", "executor"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_transform_duration_seconds",
				Help:    "Transform execution wall-clock time in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"executor", "status"},
		),

		outputBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_transform_output_bytes",
				Help:    "Serialized size of produced transform output",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"executor"},
		),

		tamperEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_transform_tamper_events_total",
				Help: "Integrity mismatches detected for registered transforms",
			},
			[]string{"transform_id"},
		),

		chainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_transform_chains_total",
				Help: "Total number of chains by the status of their last result",
			},
			[]string{"status"},
		),

		chainStages: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "polis_transform_chain_stages",
				Help:    "Number of stages that produced a result per chain",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
		),

		registryEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polis_transform_registered",
				Help: "Number of transforms currently registered",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.executionsTotal,
		m.duration,
		m.outputBytes,
		m.tamperEvents,
		m.chainsTotal,
		m.chainStages,
		m.registryEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(executor string, result domain.TransformResult) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(result.TransformID, string(result.Status), executor).Inc()
	m.duration.WithLabelValues(executor, string(result.Status)).Observe(float64(result.DurationMS) / 1000)
	if result.OutputBytes != nil {
		m.outputBytes.WithLabelValues(executor).Observe(float64(*result.OutputBytes))
	}
}

// ObserveChain records a finished chain.
func (m *Metrics) ObserveChain(results []domain.TransformResult) {
	if m == nil {
		return
	}
	status := "empty"
	if len(results) > 0 {
		status = string(results[len(results)-1].Status)
	}
	m.chainsTotal.WithLabelValues(status).Inc()
	m.chainStages.Observe(float64(len(results)))
}

// RecordTamper records an integrity mismatch for a registered transform.
func (m *Metrics) RecordTamper(transformID string) {
	if m == nil {
		return
	}
	m.tamperEvents.WithLabelValues(transformID).Inc()
}

// SetRegistered updates the registered-transform gauge.
func (m *Metrics) SetRegistered(count int) {
	if m == nil {
		return
	}
	m.registryEntries.Set(float64(count))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
