package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shopify/go-lua"
)

// EntrypointName is the function every module must provide.
const EntrypointName = "transform"

const cancelMarker = "transform cancelled"

var (
	// ErrNoEntrypoint reports a module without a callable entrypoint.
	ErrNoEntrypoint = errors.New("module does not define a callable " + EntrypointName + " function")
	// ErrNotObject reports an entrypoint whose return value is not a key-value table.
	ErrNotObject = errors.New("transform must return an object")
)

// Invocation describes one call of a module's entrypoint.
type Invocation struct {
	// Name labels the chunk in Lua error messages.
	Name    string
	Source  []byte
	Input   map[string]any
	TraceID string
}

// RuntimeError is raised by the module itself, during loading or while the
// entrypoint runs.
type RuntimeError struct {
	Phase   string
	Message string
}

func (e *RuntimeError) Error() string {
	return e.Phase + ": " + e.Message
}

// Invoke loads the module on a fresh VM and calls its entrypoint once. It
// blocks until the module returns or the VM observes ctx expiry; callers that
// need a hard wall-clock bound should run it on its own goroutine.
func Invoke(ctx context.Context, inv Invocation) (map[string]any, error) {
	state := newState(ctx)

	name := inv.Name
	if name == "" {
		name = "transform"
	}

	// Text mode only: precompiled bytecode is never accepted.
	if err := lua.LoadBuffer(state, string(inv.Source), "="+name, "t"); err != nil {
		return nil, classify(ctx, "load", err)
	}
	if err := state.ProtectedCall(0, 1, 0); err != nil {
		return nil, classify(ctx, "load", err)
	}

	if !locateEntrypoint(state) {
		return nil, ErrNoEntrypoint
	}

	if err := pushValue(state, inv.Input, 0); err != nil {
		return nil, fmt.Errorf("convert input: %w", err)
	}
	state.CreateTable(0, 1)
	state.PushString(inv.TraceID)
	state.SetField(-2, "trace_id")

	if err := state.ProtectedCall(2, 1, 0); err != nil {
		return nil, classify(ctx, "transform", err)
	}

	if state.TypeOf(-1) != lua.TypeTable {
		return nil, ErrNotObject
	}
	value, err := toGo(state, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("convert output: %w", err)
	}
	out, ok := value.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return out, nil
}

// locateEntrypoint leaves the entrypoint function on top of the stack,
// preferring the returned module table over the global.
func locateEntrypoint(state *lua.State) bool {
	if state.TypeOf(-1) == lua.TypeTable {
		state.Field(-1, EntrypointName)
		if state.IsFunction(-1) {
			state.Remove(-2)
			return true
		}
		state.Pop(1)
	}
	state.Pop(1)

	state.Global(EntrypointName)
	if state.IsFunction(-1) {
		return true
	}
	state.Pop(1)
	return false
}

func classify(ctx context.Context, phase string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && strings.Contains(err.Error(), cancelMarker) {
		return ctxErr
	}
	msg := err.Error()
	msg = strings.TrimPrefix(msg, "runtime error: ")
	msg = strings.TrimPrefix(msg, "syntax error: ")
	return &RuntimeError{Phase: phase, Message: msg}
}
