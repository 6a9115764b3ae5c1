package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/policy"
	"github.com/polisai/polis-transform/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Executor names reported in audits and metrics.
const (
	NameProcess   = "process"
	NameInProcess = "inprocess"
)

// UnknownTransformLabel stands in for ids that are not registered in metric
// labels, keeping series cardinality bounded by the registry.
const UnknownTransformLabel = "_unknown"

// Executor runs one transform and always produces a result.
type Executor interface {
	Name() string
	Execute(ctx context.Context, id string, input map[string]any, traceID string) domain.TransformResult
}

// Gate is the system-wide feature switch, re-read on every call.
type Gate interface {
	Enabled() bool
}

// Catalog is the read side of the transform registry.
type Catalog interface {
	Get(id string) (domain.TrustedTransform, bool)
	ReadVerified(id string) (domain.TrustedTransform, []byte, error)
}

// Admission decides whether an execution may proceed.
type Admission interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

// Options carries the collaborators shared by both executor tiers.
type Options struct {
	Gate    Gate
	Catalog Catalog
	Limits  domain.Limits
	// Admission is optional; nil admits everything the gate lets through.
	Admission Admission
	Metrics   *Metrics
	Logger    *slog.Logger
}

// runFunc executes a verified module. It owns steps from input conversion to
// output measurement.
type runFunc func(ctx context.Context, entry domain.TrustedTransform, source []byte, input map[string]any, traceID string) domain.TransformResult

type core struct {
	name      string
	gate      Gate
	catalog   Catalog
	limits    domain.Limits
	admission Admission
	metrics   *Metrics
	logger    *slog.Logger
}

func newCore(name string, opts Options) (core, error) {
	if opts.Gate == nil {
		return core{}, errors.New("executor requires a feature gate")
	}
	if opts.Catalog == nil {
		return core{}, errors.New("executor requires a transform catalog")
	}

	limits := opts.Limits
	defaults := domain.DefaultLimits()
	if limits.Timeout <= 0 {
		limits.Timeout = defaults.Timeout
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = defaults.MaxOutputBytes
	}
	if limits.MaxTransformsPerChain <= 0 {
		limits.MaxTransformsPerChain = defaults.MaxTransformsPerChain
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return core{
		name:      name,
		gate:      opts.Gate,
		catalog:   opts.Catalog,
		limits:    limits,
		admission: opts.Admission,
		metrics:   opts.Metrics,
		logger:    logger.With("executor", name),
	}, nil
}

// Name reports the isolation tier.
func (c *core) Name() string {
	return c.name
}

// Limits returns the budget the executor enforces.
func (c *core) Limits() domain.Limits {
	return c.limits
}

func (c *core) execute(ctx context.Context, id string, input map[string]any, traceID string, run runFunc) domain.TransformResult {
	start := time.Now()
	ctx, span := telemetry.StartExecutionSpan(ctx, id, c.name, traceID)

	result, known := c.attempt(ctx, id, input, traceID, run)

	result.TransformID = id
	result.DurationMS = time.Since(start).Milliseconds()
	result.Audit.TraceID = traceID
	result.Audit.Executor = c.name

	// Metric labels only ever carry registered ids.
	observed := result
	if !known {
		observed.TransformID = UnknownTransformLabel
	}
	c.metrics.ObserveExecution(c.name, observed)
	telemetry.RecordExecution(ctx, telemetry.ExecutionMetricsFrom(c.name, observed))
	telemetry.EndExecutionSpan(span, result)
	c.log(result)

	return result
}

// attempt runs the preflight and the tier. known reports whether id named a
// registered transform when it was looked up.
func (c *core) attempt(ctx context.Context, id string, input map[string]any, traceID string, run runFunc) (domain.TransformResult, bool) {
	// The gate is checked before anything touches the registry.
	if !c.gate.Enabled() {
		return domain.Denied(id, "transforms are disabled", traceID), false
	}

	if !domain.ValidID(id) {
		return domain.Failed(id, "invalid transform id", traceID), false
	}

	entry, known := c.catalog.Get(id)

	if denied, ok := c.admit(ctx, id, entry.Label, traceID); !ok {
		return denied, known
	}

	if !known {
		return domain.Failed(id, "transform not found", traceID), false
	}

	entry, source, err := c.catalog.ReadVerified(id)
	if err != nil {
		if errors.Is(err, domain.ErrTransformNotFound) {
			return domain.Failed(id, "transform not found", traceID), known
		}
		c.metrics.RecordTamper(id)
		return domain.Denied(id, "integrity verification failed", traceID), known
	}

	cloned, err := cloneInput(input)
	if err != nil {
		return domain.Failed(id, "invalid input: "+err.Error(), traceID), known
	}

	return run(ctx, entry, source, cloned, traceID), known
}

func (c *core) admit(ctx context.Context, id, label, traceID string) (domain.TransformResult, bool) {
	if c.admission == nil {
		return domain.TransformResult{}, true
	}

	st := stageFrom(ctx)
	in := policy.Input{
		TransformID: id,
		Label:       label,
		TraceID:     traceID,
		Executor:    c.name,
		Stage:       st.index,
		ChainLength: st.length,
	}

	decision, err := c.admission.Evaluate(ctx, in)
	if err != nil {
		c.logger.Error("Admission policy failed; denying", "transform_id", id, "trace_id", traceID, "error", err)
		return domain.Denied(id, "admission policy unavailable", traceID), false
	}
	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), decision)
	if !decision.Allowed() {
		reason := decision.Reason
		if reason == "" {
			reason = "denied by admission policy"
		}
		return domain.Denied(id, reason, traceID), false
	}
	return domain.TransformResult{}, true
}

// settle measures output and enforces the size budget.
func (c *core) settle(id, traceID string, output map[string]any) domain.TransformResult {
	data, err := json.Marshal(output)
	if err != nil {
		return domain.Failed(id, "output not serializable: "+err.Error(), traceID)
	}

	size := len(data)
	if size > c.limits.MaxOutputBytes {
		result := domain.Failed(id, fmt.Sprintf("output of %d bytes exceeds limit of %d bytes", size, c.limits.MaxOutputBytes), traceID)
		result.OutputBytes = &size
		return result
	}

	return domain.TransformResult{
		TransformID: id,
		Status:      domain.StatusSuccess,
		Output:      output,
		OutputBytes: &size,
		Audit:       domain.Audit{TraceID: traceID},
	}
}

func (c *core) log(result domain.TransformResult) {
	attrs := []any{
		"transform_id", result.TransformID,
		"status", result.Status,
		"duration_ms", result.DurationMS,
		"trace_id", result.Audit.TraceID,
	}
	switch result.Status {
	case domain.StatusSuccess:
		c.logger.Debug("Transform executed", attrs...)
	case domain.StatusDenied:
		c.logger.Warn("Transform denied", append(attrs, "reason", result.Error)...)
	default:
		c.logger.Info("Transform failed", append(attrs, "error", truncate(result.Error, maxLoggedText))...)
	}
}

// cloneInput gives each execution a private copy so a stage can never mutate
// its caller's map. Numbers survive as json.Number.
func cloneInput(input map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out map[string]any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

type stage struct {
	index  int
	length int
}

type stageKey struct{}

func withStage(ctx context.Context, index, length int) context.Context {
	return context.WithValue(ctx, stageKey{}, stage{index: index, length: length})
}

func stageFrom(ctx context.Context) stage {
	if st, ok := ctx.Value(stageKey{}).(stage); ok {
		return st
	}
	return stage{index: 1, length: 1}
}
