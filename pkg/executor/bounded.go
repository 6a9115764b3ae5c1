package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/script"
)

// BoundedExecutor runs modules on a goroutine inside the service process.
// At the deadline the caller gets TIMEOUT immediately; the VM observes the
// cancelled context at its next instruction batch and unwinds on its own.
// A module stuck inside a single long library call keeps its goroutine until
// that call returns.
type BoundedExecutor struct {
	core
}

// NewBoundedExecutor constructs the in-process tier.
func NewBoundedExecutor(opts Options) (*BoundedExecutor, error) {
	c, err := newCore(NameInProcess, opts)
	if err != nil {
		return nil, err
	}
	return &BoundedExecutor{core: c}, nil
}

// Execute runs the transform registered under id.
func (e *BoundedExecutor) Execute(ctx context.Context, id string, input map[string]any, traceID string) domain.TransformResult {
	return e.execute(ctx, id, input, traceID, e.run)
}

type invocationOutcome struct {
	output map[string]any
	err    error
}

func (e *BoundedExecutor) run(ctx context.Context, entry domain.TrustedTransform, source []byte, input map[string]any, traceID string) domain.TransformResult {
	runCtx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()

	// Buffered so an abandoned invocation can always deliver and exit.
	done := make(chan invocationOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocationOutcome{err: fmt.Errorf("transform panicked: %v", r)}
			}
		}()
		output, err := script.Invoke(runCtx, script.Invocation{
			Name:    entry.ID,
			Source:  source,
			Input:   input,
			TraceID: traceID,
		})
		done <- invocationOutcome{output: output, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			return e.classify(ctx, entry.ID, traceID, outcome.err)
		}
		return e.settle(entry.ID, traceID, outcome.output)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return domain.Failed(entry.ID, "execution cancelled: "+ctx.Err().Error(), traceID)
		}
		return domain.TimedOut(entry.ID, e.limits.Timeout, traceID)
	}
}

func (e *BoundedExecutor) classify(ctx context.Context, id, traceID string, err error) domain.TransformResult {
	var runtimeErr *script.RuntimeError
	switch {
	case ctx.Err() != nil:
		return domain.Failed(id, "execution cancelled: "+ctx.Err().Error(), traceID)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.TimedOut(id, e.limits.Timeout, traceID)
	case errors.As(err, &runtimeErr):
		result := domain.Failed(id, runtimeErr.Message, traceID)
		result.Audit.Traceback = runtimeErr.Error()
		return result
	default:
		// Missing entrypoint, non-object return and conversion faults.
		return domain.Failed(id, err.Error(), traceID)
	}
}
