package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/logging"
)

// scriptedExecutor returns a preset status per id and records every call.
type scriptedExecutor struct {
	statuses map[string]domain.Status
	calls    []string
	stages   [][2]int
}

func (s *scriptedExecutor) Name() string { return "scripted" }

func (s *scriptedExecutor) Execute(ctx context.Context, id string, input map[string]any, traceID string) domain.TransformResult {
	s.calls = append(s.calls, id)
	st := stageFrom(ctx)
	s.stages = append(s.stages, [2]int{st.index, st.length})

	status, ok := s.statuses[id]
	if !ok {
		status = domain.StatusSuccess
	}
	result := domain.TransformResult{TransformID: id, Status: status, Audit: domain.Audit{TraceID: traceID}}
	if status == domain.StatusSuccess {
		out := map[string]any{}
		for k, v := range input {
			out[k] = v
		}
		out[id] = true
		result.Output = out
	}
	return result
}

func TestChainDeniesOverlongChain(t *testing.T) {
	exec := &scriptedExecutor{}
	metrics := NewMetrics()
	chain := NewChain(exec, 2, metrics, logging.Discard())

	results := chain.Execute(context.Background(), []string{"a", "b", "c"}, map[string]any{}, "trace-1")

	require.Len(t, results, 1)
	assert.Equal(t, domain.ChainResultID, results[0].TransformID)
	assert.Equal(t, domain.StatusDenied, results[0].Status)
	assert.Equal(t, "trace-1", results[0].Audit.TraceID)
	assert.Empty(t, exec.calls, "no stage may run")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.chainsTotal.WithLabelValues("denied")))
}

func TestChainPipesOutputs(t *testing.T) {
	exec := &scriptedExecutor{}
	chain := NewChain(exec, 5, nil, logging.Discard())

	results := chain.Execute(context.Background(), []string{"a", "b", "c"}, map[string]any{"seed": 1}, "t")

	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, exec.calls)
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, exec.stages)
	assert.Equal(t, map[string]any{"seed": 1, "a": true, "b": true, "c": true}, results[2].Output)
}

func TestChainStopsAtFirstFailure(t *testing.T) {
	exec := &scriptedExecutor{statuses: map[string]domain.Status{"a": domain.StatusError}}
	chain := NewChain(exec, 5, nil, logging.Discard())

	results := chain.Execute(context.Background(), []string{"a", "b"}, map[string]any{}, "t")

	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].TransformID)
	assert.Equal(t, []string{"a"}, exec.calls)
}

func TestChainEmpty(t *testing.T) {
	chain := NewChain(&scriptedExecutor{}, 5, nil, logging.Discard())
	results := chain.Execute(context.Background(), nil, map[string]any{}, "t")
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestChainSingleStageMatchesExecute(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	exec := bounded(t, f, testLimits())
	chain := NewChain(exec, 5, nil, logging.Discard())
	input := map[string]any{"value": "hi"}

	direct := exec.Execute(context.Background(), "echo", input, "t")
	chained := chain.Execute(context.Background(), []string{"echo"}, input, "t")

	require.Len(t, chained, 1)
	direct.DurationMS, chained[0].DurationMS = 0, 0
	assert.Equal(t, direct, chained[0])
}

func TestChainRealStagesShortCircuit(t *testing.T) {
	f := newFixture(t)
	f.add(t, "upper", `function transform(input) return { value = string.upper(input.value) } end`)
	f.add(t, "fail", `function transform() error("nope") end`)
	f.add(t, "never", `function transform() error("must not run") end`)
	chain := NewChain(bounded(t, f, testLimits()), 5, nil, logging.Discard())

	results := chain.Execute(context.Background(), []string{"upper", "fail", "never"}, map[string]any{"value": "hi"}, "t")

	require.Len(t, results, 2)
	assert.Equal(t, map[string]any{"value": "HI"}, results[0].Output)
	assert.Equal(t, domain.StatusError, results[1].Status)
	assert.Contains(t, results[1].Error, "nope")
}

func TestPropertyChainShortCircuits(t *testing.T) {
	statuses := []domain.Status{domain.StatusSuccess, domain.StatusError, domain.StatusTimeout, domain.StatusDenied}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		ids := make([]string, n)
		plan := map[string]domain.Status{}
		for i := range ids {
			ids[i] = fmt.Sprintf("t%d", i)
			plan[ids[i]] = rapid.SampledFrom(statuses).Draw(t, ids[i])
		}
		maxLen := rapid.IntRange(1, 8).Draw(t, "max")

		exec := &scriptedExecutor{statuses: plan}
		results := NewChain(exec, maxLen, nil, logging.Discard()).Execute(context.Background(), ids, map[string]any{}, "t")

		if n > maxLen {
			if len(results) != 1 || results[0].TransformID != domain.ChainResultID || len(exec.calls) != 0 {
				t.Fatalf("overlong chain must be denied without running stages")
			}
			return
		}

		expected := n
		for i, id := range ids {
			if plan[id] != domain.StatusSuccess {
				expected = i + 1
				break
			}
		}
		if len(results) != expected || len(exec.calls) != expected {
			t.Fatalf("expected %d results and calls, got %d and %d", expected, len(results), len(exec.calls))
		}
		for i, result := range results {
			if result.TransformID != ids[i] {
				t.Fatalf("result %d is for %s, want %s", i, result.TransformID, ids[i])
			}
			if i < len(results)-1 && !result.Succeeded() {
				t.Fatalf("non-final result %d is not a success", i)
			}
		}
	})
}
