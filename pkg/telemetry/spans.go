package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-transform/pkg/domain"
)

const tracerName = "github.com/polisai/polis-transform"

// Span names.
const (
	SpanExecute = "transform.execute"
	SpanChain   = "transform.chain"
)

// StartExecutionSpan opens the span covering one execution attempt.
func StartExecutionSpan(ctx context.Context, transformID, executor, traceID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, SpanExecute,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("transform.id", validUTF8(transformID)),
			attribute.String("transform.executor", executor),
			attribute.String("transform.trace_id", validUTF8(traceID)),
		),
	)
}

// EndExecutionSpan records the terminal status on the span and ends it.
// Error text is attached only as a status description; outputs never are.
func EndExecutionSpan(span trace.Span, result domain.TransformResult) {
	defer span.End()
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("transform.status", string(result.Status)),
		attribute.Int64("transform.duration_ms", result.DurationMS),
	)
	if result.OutputBytes != nil {
		span.SetAttributes(attribute.Int("transform.output_bytes", *result.OutputBytes))
	}

	switch result.Status {
	case domain.StatusSuccess:
		span.SetStatus(codes.Ok, "")
	case domain.StatusDenied:
		RecordSecurityEvent(span, "denied", validUTF8(result.Error))
		span.SetStatus(codes.Error, validUTF8(result.Error))
	default:
		span.SetStatus(codes.Error, validUTF8(result.Error))
	}
}

// StartChainSpan opens the parent span of a multi-stage chain.
func StartChainSpan(ctx context.Context, ids []string, traceID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, SpanChain,
		trace.WithAttributes(
			attribute.StringSlice("transform.chain.ids", validUTF8Slice(ids)),
			attribute.Int("transform.chain.length", len(ids)),
			attribute.String("transform.trace_id", validUTF8(traceID)),
		),
	)
}

// EndChainSpan records how far the chain got and ends the span.
func EndChainSpan(span trace.Span, results []domain.TransformResult) {
	defer span.End()
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.Int("transform.chain.completed", len(results)))
	if len(results) == 0 {
		span.SetStatus(codes.Ok, "")
		return
	}
	last := results[len(results)-1]
	span.SetAttributes(attribute.String("transform.chain.last_status", string(last.Status)))
	if last.Succeeded() {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, validUTF8(last.TransformID+": "+last.Error))
}

// validUTF8 keeps caller-supplied strings exportable; OTLP rejects invalid UTF-8.
func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func validUTF8Slice(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = validUTF8(v)
	}
	return out
}
