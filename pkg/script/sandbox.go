package script

import (
	"context"
	"strings"

	"github.com/Shopify/go-lua"
)

// hookInstructionCount is how many VM instructions run between deadline checks.
const hookInstructionCount = 1000

// maxRepBytes caps string.rep so a single call cannot exhaust memory.
const maxRepBytes = 8 << 20

// removedGlobals are base library functions that load code from disk or
// bytecode, write to stdout, or tune the collector.
var removedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "print", "collectgarbage", "require", "module"}

var safeLibraries = []lua.RegistryFunction{
	{Name: "_G", Function: lua.BaseOpen},
	{Name: "string", Function: lua.StringOpen},
	{Name: "table", Function: lua.TableOpen},
	{Name: "math", Function: lua.MathOpen},
	{Name: "bit32", Function: lua.Bit32Open},
}

// newState builds a restricted VM bound to ctx.
func newState(ctx context.Context) *lua.State {
	state := lua.NewState()

	for _, lib := range safeLibraries {
		lua.Require(state, lib.Name, lib.Function, true)
		state.Pop(1)
	}

	for _, name := range removedGlobals {
		state.PushNil()
		state.SetGlobal(name)
	}

	state.Global("string")
	state.PushGoFunction(boundedRep)
	state.SetField(-2, "rep")
	state.Pop(1)

	// pcall and xpcall would otherwise swallow the deadline error raised by
	// the hook and keep the VM spinning after the caller gave up.
	state.PushGoFunction(guardedPCall(ctx))
	state.SetGlobal("pcall")
	state.PushGoFunction(guardedXPCall(ctx))
	state.SetGlobal("xpcall")

	lua.SetDebugHook(state, func(l *lua.State, _ lua.Debug) {
		raiseIfDone(ctx, l)
	}, lua.MaskCount, hookInstructionCount)

	return state
}

func raiseIfDone(ctx context.Context, l *lua.State) {
	if err := ctx.Err(); err != nil {
		lua.Errorf(l, "%s: %s", cancelMarker, err.Error())
	}
}

func guardedPCall(ctx context.Context) lua.Function {
	return func(l *lua.State) int {
		lua.CheckAny(l, 1)
		raiseIfDone(ctx, l)
		l.PushNil()
		l.Insert(1) // slot for the status
		err := l.ProtectedCall(l.Top()-2, lua.MultipleReturns, 0)
		return finishGuarded(ctx, l, err)
	}
}

func guardedXPCall(ctx context.Context) lua.Function {
	return func(l *lua.State) int {
		n := l.Top()
		lua.ArgumentCheck(l, n >= 2, 2, "value expected")
		raiseIfDone(ctx, l)
		// Swap function and handler so the handler sits below the call.
		l.PushValue(1)
		l.Copy(2, 1)
		l.Replace(2)
		err := l.ProtectedCall(n-2, lua.MultipleReturns, 1)
		return finishGuarded(ctx, l, err)
	}
}

// finishGuarded returns status plus results, or re-raises once ctx is done.
func finishGuarded(ctx context.Context, l *lua.State, err error) int {
	if err != nil {
		raiseIfDone(ctx, l)
	}
	l.PushBoolean(err == nil)
	l.Replace(1)
	return l.Top()
}

func boundedRep(l *lua.State) int {
	s := lua.CheckString(l, 1)
	n := lua.CheckInteger(l, 2)
	sep := lua.OptString(l, 3, "")
	if n <= 0 {
		l.PushString("")
		return 1
	}
	if unit := len(s) + len(sep); unit > 0 && n > maxRepBytes/unit+1 {
		lua.Errorf(l, "string.rep result too large")
		return 0
	}
	total := len(s)*n + len(sep)*(n-1)
	if total > maxRepBytes {
		lua.Errorf(l, "string.rep result too large")
		return 0
	}
	if sep == "" {
		l.PushString(strings.Repeat(s, n))
		return 1
	}
	var b strings.Builder
	b.Grow(total)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(sep)
		}
		b.WriteString(s)
	}
	l.PushString(b.String())
	return 1
}
