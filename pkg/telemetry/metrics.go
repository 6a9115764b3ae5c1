package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-transform/pkg/domain"
)

const meterName = "polis.transform"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	executionCounter     metric.Int64Counter
	deniedCounter        metric.Int64Counter
	timeoutCounter       metric.Int64Counter
	latencyHistogram     metric.Float64Histogram
	outputBytesHistogram metric.Int64Histogram
	chainCounter         metric.Int64Counter
)

// ExecutionMetrics captures the fields needed to record one transform execution.
type ExecutionMetrics struct {
	TransformID string
	Executor    string
	Status      domain.Status
	Duration    time.Duration
	OutputBytes *int
}

// ExecutionMetricsFrom derives the metric fields from a finished result.
func ExecutionMetricsFrom(executor string, result domain.TransformResult) ExecutionMetrics {
	return ExecutionMetrics{
		TransformID: result.TransformID,
		Executor:    executor,
		Status:      result.Status,
		Duration:    time.Duration(result.DurationMS) * time.Millisecond,
		OutputBytes: result.OutputBytes,
	}
}

// RecordExecution emits counters and histograms that describe one execution.
func RecordExecution(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transform.id", m.TransformID),
		attribute.String("transform.executor", m.Executor),
		attribute.String("transform.status", string(m.Status)),
	)

	executionCounter.Add(ctx, 1, attrs)

	if m.Duration > 0 {
		latencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.OutputBytes != nil {
		outputBytesHistogram.Record(ctx, int64(*m.OutputBytes), attrs)
	}

	switch m.Status {
	case domain.StatusDenied:
		deniedCounter.Add(ctx, 1, attrs)
	case domain.StatusTimeout:
		timeoutCounter.Add(ctx, 1, attrs)
	}
}

// RecordChain counts a finished chain by the status of its last result.
func RecordChain(ctx context.Context, results []domain.TransformResult) {
	if err := ensureMetrics(); err != nil {
		return
	}
	status := "empty"
	if len(results) > 0 {
		status = string(results[len(results)-1].Status)
	}
	chainCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("chain.status", status),
		attribute.Int("chain.stages", len(results)),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		executionCounter, metricsInitErr = meter.Int64Counter(
			"transform.executions_total",
			metric.WithDescription("Transform executions partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		deniedCounter, metricsInitErr = meter.Int64Counter(
			"transform.denied_total",
			metric.WithDescription("Executions refused by the gate, admission policy or integrity check"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		timeoutCounter, metricsInitErr = meter.Int64Counter(
			"transform.timeout_total",
			metric.WithDescription("Executions that exceeded the wall-clock budget"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		latencyHistogram, metricsInitErr = meter.Float64Histogram(
			"transform.duration_ms",
			metric.WithDescription("Observed transform execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		outputBytesHistogram, metricsInitErr = meter.Int64Histogram(
			"transform.output_bytes",
			metric.WithDescription("Serialized transform output size"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		chainCounter, metricsInitErr = meter.Int64Counter(
			"transform.chains_total",
			metric.WithDescription("Chains executed partitioned by final status"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, kind, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("security.kind", kind),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("security.reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
