// Package telemetry wires OpenTelemetry tracing and metrics for transform
// executions.
//
// It centralises trace provider setup and offers helpers that open spans per
// execution and per chain, annotate them with admission decisions and
// security events, and record execution counters and latency histograms so
// operators can separate hostile or slow transforms from broken ones.
package telemetry
