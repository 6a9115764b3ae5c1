package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/polisai/polis-transform/pkg/domain"
)

// Isolation modes accepted by Resolve.
const (
	ModeProcess   = "process"
	ModeInProcess = "inprocess"
)

// WorkerSubcommand is appended to the service binary when no explicit worker
// command is configured.
const WorkerSubcommand = "worker"

// ResolveOptions select and configure the executor tier.
type ResolveOptions struct {
	// Mode is ModeProcess (default) or ModeInProcess.
	Mode     string
	Executor Options
	Worker   WorkerOptions

	// Hooks for tests; default to os.Executable and exec.LookPath.
	Executable func() (string, error)
	LookPath   func(string) (string, error)
}

// Resolve builds the executor for the configured tier. It is meant to be
// called once at startup, with the result handed to every consumer. When the
// process tier is selected but cannot be built, Resolve returns an error
// wrapping domain.ErrExecutorUnavailable and never falls back to the
// in-process tier.
func Resolve(opts ResolveOptions) (Executor, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	if mode == "" {
		mode = ModeProcess
	}

	logger := opts.Executor.Logger

	switch mode {
	case ModeInProcess:
		bounded, err := NewBoundedExecutor(opts.Executor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrExecutorUnavailable, err)
		}
		if logger != nil {
			logger.Warn("In-process executor selected; transforms share the service process and are abandoned, not killed, on timeout")
		}
		return bounded, nil

	case ModeProcess:
		command, err := resolveWorkerCommand(opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrExecutorUnavailable, err)
		}
		wopts := opts.Worker
		wopts.Command = command
		runner, err := NewProcessRunner(opts.Executor, wopts)
		if err != nil {
			if errors.Is(err, domain.ErrExecutorUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrExecutorUnavailable, err)
		}
		if logger != nil {
			logger.Info("Process executor ready", "worker", command)
		}
		return runner, nil

	default:
		return nil, fmt.Errorf("%w: unknown executor mode %q", domain.ErrExecutorUnavailable, opts.Mode)
	}
}

func resolveWorkerCommand(opts ResolveOptions) ([]string, error) {
	if len(opts.Worker.Command) == 0 {
		executable := opts.Executable
		if executable == nil {
			executable = os.Executable
		}
		self, err := executable()
		if err != nil {
			return nil, fmt.Errorf("locate service binary: %w", err)
		}
		return []string{self, WorkerSubcommand}, nil
	}

	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	command := append([]string(nil), opts.Worker.Command...)
	path, err := lookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("worker %q: %w", command[0], err)
	}
	command[0] = path
	return command, nil
}
