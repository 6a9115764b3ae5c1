package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/telemetry"
)

// Chain runs transforms in order, piping each output into the next input.
type Chain struct {
	executor Executor
	maxLen   int
	metrics  *Metrics
	logger   *slog.Logger
}

// NewChain builds a chain orchestrator over executor. maxLen below one
// selects the default budget.
func NewChain(executor Executor, maxLen int, metrics *Metrics, logger *slog.Logger) *Chain {
	if maxLen <= 0 {
		maxLen = domain.DefaultMaxChain
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{executor: executor, maxLen: maxLen, metrics: metrics, logger: logger}
}

// Execute runs ids strictly in order and stops after the first result that is
// not a success, returning every result produced so far. A chain longer than
// the budget yields a single DENIED result for the synthetic id "chain".
func (c *Chain) Execute(ctx context.Context, ids []string, input map[string]any, traceID string) []domain.TransformResult {
	ctx, span := telemetry.StartChainSpan(ctx, ids, traceID)

	results := c.run(ctx, ids, input, traceID)

	c.metrics.ObserveChain(results)
	telemetry.RecordChain(ctx, results)
	telemetry.EndChainSpan(span, results)
	return results
}

func (c *Chain) run(ctx context.Context, ids []string, input map[string]any, traceID string) []domain.TransformResult {
	if len(ids) > c.maxLen {
		c.logger.Warn("Chain denied", "length", len(ids), "max", c.maxLen, "trace_id", traceID)
		result := domain.Denied(domain.ChainResultID,
			fmt.Sprintf("chain of %d transforms exceeds limit of %d", len(ids), c.maxLen), traceID)
		result.Audit.Executor = c.executor.Name()
		return []domain.TransformResult{result}
	}

	results := make([]domain.TransformResult, 0, len(ids))
	current := input
	for i, id := range ids {
		result := c.executor.Execute(withStage(ctx, i+1, len(ids)), id, current, traceID)
		results = append(results, result)
		if !result.Succeeded() {
			break
		}
		current = result.Output
	}
	return results
}
