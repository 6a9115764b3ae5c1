package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-transform/pkg/domain"
)

func TestResolveInProcess(t *testing.T) {
	f := newFixture(t)
	exec, err := Resolve(ResolveOptions{Mode: "inprocess", Executor: f.options(testLimits())})
	require.NoError(t, err)
	assert.IsType(t, &BoundedExecutor{}, exec)
	assert.Equal(t, NameInProcess, exec.Name())
}

func TestResolveProcessDefaultsToSelf(t *testing.T) {
	f := newFixture(t)
	exec, err := Resolve(ResolveOptions{
		Executor:   f.options(testLimits()),
		Executable: func() (string, error) { return "/opt/polis/polis-transform", nil },
	})
	require.NoError(t, err)

	runner, ok := exec.(*ProcessRunner)
	require.True(t, ok)
	assert.Equal(t, []string{"/opt/polis/polis-transform", WorkerSubcommand}, runner.Command())
}

func TestResolveProcessLooksUpWorker(t *testing.T) {
	f := newFixture(t)
	exec, err := Resolve(ResolveOptions{
		Mode:     "process",
		Executor: f.options(testLimits()),
		Worker:   WorkerOptions{Command: []string{"polis-transform-worker", "--quiet"}},
		LookPath: func(name string) (string, error) { return "/usr/local/bin/" + name, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/polis-transform-worker", "--quiet"}, exec.(*ProcessRunner).Command())
}

func TestResolveFailsClosed(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		opts ResolveOptions
	}{
		{
			name: "worker not found",
			opts: ResolveOptions{
				Mode:     ModeProcess,
				Worker:   WorkerOptions{Command: []string{"missing-worker"}},
				LookPath: func(string) (string, error) { return "", errors.New("not found") },
			},
		},
		{
			name: "executable unknown",
			opts: ResolveOptions{
				Executable: func() (string, error) { return "", errors.New("no proc") },
			},
		},
		{
			name: "unknown mode",
			opts: ResolveOptions{Mode: "thread"},
		},
		{
			name: "missing collaborators",
			opts: ResolveOptions{
				Mode:       ModeProcess,
				Executable: func() (string, error) { return "/bin/self", nil },
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			if opts.Executor.Gate == nil && tt.name != "missing collaborators" {
				opts.Executor = f.options(testLimits())
			}
			exec, err := Resolve(opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrExecutorUnavailable), err.Error())
			assert.Nil(t, exec, "must never fall back to another tier")
		})
	}
}
