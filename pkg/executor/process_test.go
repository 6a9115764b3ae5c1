package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/worker"
)

func TestProcessRunnerInvalidOutput(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	runner := processWithMode(t, f, testLimits(), "garbage")

	result := runner.Execute(context.Background(), "echo", nil, "t")

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, "invalid output", result.Error)
	assert.LessOrEqual(t, len(result.Audit.RawOutput), maxRawOutput)
	assert.True(t, strings.HasPrefix(result.Audit.RawOutput, "this is not json"))
	assert.NotContains(t, result.Audit.RawOutput, "hunter22")
}

func TestProcessRunnerNonZeroExitUsesStderr(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	runner := processWithMode(t, f, testLimits(), "crash")

	result := runner.Execute(context.Background(), "echo", nil, "t")

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Error, "boom")
	assert.NotContains(t, result.Error, "hunter22")
	require.NotNil(t, result.Audit.ExitCode)
	assert.Equal(t, 7, *result.Audit.ExitCode)
}

func TestProcessRunnerScrubsEnvironment(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	self, err := os.Executable()
	require.NoError(t, err)

	runner, err := NewProcessRunner(f.options(testLimits()), WorkerOptions{
		Command: []string{self},
		Environ: func() []string {
			return []string{
				"PATH=/usr/bin:/bin",
				"API_TOKEN=supersecret",
				"aws_secret_access_key=abc123456",
				"DB_PASSWORD=letmein",
				worker.EnvTimeout + "=1h",
				testWorkerEnv + "=env",
			}
		},
	})
	require.NoError(t, err)

	result := runner.Execute(context.Background(), "echo", nil, "t")
	require.Equal(t, domain.StatusSuccess, result.Status, result.Error)

	raw, ok := result.Output["env"].([]any)
	require.True(t, ok)
	env := make([]string, 0, len(raw))
	for _, item := range raw {
		env = append(env, item.(string))
	}

	assert.Contains(t, env, "PATH=/usr/bin:/bin")
	assert.NotContains(t, env, worker.EnvTimeout+"=1h")
	for _, kv := range env {
		assert.NotContains(t, kv, "supersecret")
		assert.NotContains(t, kv, "abc123456")
		assert.NotContains(t, kv, "letmein")
	}

	entry, ok := f.registry.Get("echo")
	require.True(t, ok)
	assert.Contains(t, env, worker.EnvExpectedSHA256+"="+entry.SHA256)
}

func TestProcessRunnerKillsHungWorker(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	limits := testLimits()
	limits.Timeout = 200 * time.Millisecond
	runner := processWithMode(t, f, limits, "hang")

	start := time.Now()
	result := runner.Execute(context.Background(), "echo", nil, "t")

	assert.Equal(t, domain.StatusTimeout, result.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessRunnerCapsStdout(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	limits := testLimits()
	limits.MaxOutputBytes = 16
	runner := processWithMode(t, f, limits, "flood")

	result := runner.Execute(context.Background(), "echo", nil, "t")

	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Error, "exceeds")
	require.NotNil(t, result.OutputBytes)
	assert.Greater(t, *result.OutputBytes, 2*16+stdoutSlack)
}

func TestProcessRunnerWorkerRechecksDigest(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)

	// The catalog vouches for a digest the file on disk does not have, so
	// only the worker's own check can catch it.
	entry, ok := f.registry.Get("echo")
	require.True(t, ok)
	entry.SHA256 = strings.Repeat("0", 64)
	opts := f.options(testLimits())
	opts.Catalog = &staticCatalog{entry: entry, source: []byte(echoModule)}

	self, err := os.Executable()
	require.NoError(t, err)
	runner, err := NewProcessRunner(opts, WorkerOptions{
		Command: []string{self},
		Environ: func() []string { return append(os.Environ(), testWorkerEnv+"=lua") },
	})
	require.NoError(t, err)

	result := runner.Execute(context.Background(), "echo", map[string]any{"value": "hi"}, "t")
	assert.Equal(t, domain.StatusDenied, result.Status)
	assert.Equal(t, "integrity verification failed", result.Error)
	assert.Nil(t, result.Output)
	require.NotNil(t, result.Audit.ExitCode)
	assert.Equal(t, worker.ExitIntegrity, *result.Audit.ExitCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.tamperEvents.WithLabelValues("echo")))
}

func TestProcessRunnerExceptionOnMissingBinary(t *testing.T) {
	f := newFixture(t)
	f.add(t, "echo", echoModule)
	runner, err := NewProcessRunner(f.options(testLimits()), WorkerOptions{
		Command: []string{filepath.Join(t.TempDir(), "no-such-worker")},
	})
	require.NoError(t, err)

	result := runner.Execute(context.Background(), "echo", nil, "t")
	assert.Equal(t, domain.StatusError, result.Status)
	assert.True(t, strings.HasPrefix(result.Error, "runner exception: "), result.Error)
}

func TestNewProcessRunnerRequiresCommand(t *testing.T) {
	f := newFixture(t)
	_, err := NewProcessRunner(f.options(testLimits()), WorkerOptions{})
	require.True(t, errors.Is(err, domain.ErrExecutorUnavailable))
}

func TestCappedBuffer(t *testing.T) {
	buf := newCappedBuffer(4)
	n, err := buf.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = buf.Write([]byte("gh"))

	assert.Equal(t, "abcd", buf.String())
	assert.Equal(t, 8, buf.Total())
	assert.True(t, buf.Truncated())
	assert.False(t, newCappedBuffer(4).Truncated())
}

func TestNormalizeNumbers(t *testing.T) {
	output, err := decodeOutput([]byte(`{"i":3,"f":2.5,"big":12345678901234567890,"list":[1,{"n":2}]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), output["i"])
	assert.Equal(t, 2.5, output["f"])
	assert.IsType(t, float64(0), output["big"])
	assert.Equal(t, []any{int64(1), map[string]any{"n": int64(2)}}, output["list"])

	_, err = decodeOutput([]byte(`[1,2]`))
	require.Error(t, err)
}

// staticCatalog serves one pinned entry regardless of disk contents.
type staticCatalog struct {
	entry  domain.TrustedTransform
	source []byte
}

func (c *staticCatalog) Get(id string) (domain.TrustedTransform, bool) {
	return c.entry, id == c.entry.ID
}

func (c *staticCatalog) ReadVerified(id string) (domain.TrustedTransform, []byte, error) {
	if id != c.entry.ID {
		return domain.TrustedTransform{}, nil, domain.ErrTransformNotFound
	}
	return c.entry, c.source, nil
}
