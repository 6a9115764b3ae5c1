package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/worker"
)

const (
	defaultMaxStderrBytes = 64 << 10
	// stdoutSlack covers the response envelope around the output object.
	stdoutSlack = 64 << 10
	// waitDelay bounds pipe draining after the child is killed.
	waitDelay = 500 * time.Millisecond
	// workerGrace lets the runner's deadline fire before the worker's own.
	workerGrace = time.Second
)

// WorkerOptions describe how the runner starts the worker program.
type WorkerOptions struct {
	// Command is the argv prefix; the module path is appended.
	Command []string
	// MaxStderrBytes caps captured standard error.
	MaxStderrBytes int
	// Environ supplies the parent environment before scrubbing. Defaults to
	// os.Environ.
	Environ func() []string
}

// ProcessRunner executes each transform in a fresh worker process.
type ProcessRunner struct {
	core
	command   []string
	maxStderr int
	maxStdout int
	environ   func() []string
	redactor  *Redactor
}

// NewProcessRunner constructs the isolated tier. The worker command must
// already be resolved; see Resolve.
func NewProcessRunner(opts Options, wopts WorkerOptions) (*ProcessRunner, error) {
	c, err := newCore(NameProcess, opts)
	if err != nil {
		return nil, err
	}
	if len(wopts.Command) == 0 || strings.TrimSpace(wopts.Command[0]) == "" {
		return nil, fmt.Errorf("%w: empty worker command", domain.ErrExecutorUnavailable)
	}

	environ := wopts.Environ
	if environ == nil {
		environ = os.Environ
	}
	maxStderr := wopts.MaxStderrBytes
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderrBytes
	}

	return &ProcessRunner{
		core:      c,
		command:   append([]string(nil), wopts.Command...),
		maxStderr: maxStderr,
		maxStdout: 2*c.limits.MaxOutputBytes + stdoutSlack,
		environ:   environ,
		redactor:  RedactorFromEnv(environ()),
	}, nil
}

// Command returns a copy of the worker argv prefix.
func (r *ProcessRunner) Command() []string {
	return append([]string(nil), r.command...)
}

// Execute runs the transform registered under id.
func (r *ProcessRunner) Execute(ctx context.Context, id string, input map[string]any, traceID string) domain.TransformResult {
	return r.execute(ctx, id, input, traceID, r.run)
}

func (r *ProcessRunner) run(ctx context.Context, entry domain.TrustedTransform, _ []byte, input map[string]any, traceID string) (result domain.TransformResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = domain.Failed(entry.ID, fmt.Sprintf("runner exception: %v", rec), traceID)
		}
	}()

	envelope, err := json.Marshal(worker.Envelope{Input: input, Context: worker.Context{TraceID: traceID}})
	if err != nil {
		return domain.Failed(entry.ID, "invalid input: "+err.Error(), traceID)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.limits.Timeout)
	defer cancel()

	argv := append(r.Command(), entry.ModulePath)
	//nolint:gosec // argv is the resolved worker command plus a registry-pinned path
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(entry.ModulePath)
	cmd.Env = append(ScrubEnv(r.environ()),
		worker.EnvExpectedSHA256+"="+entry.SHA256,
		worker.EnvTimeout+"="+(r.limits.Timeout+workerGrace).String(),
		worker.EnvMaxOutputBytes+"="+strconv.Itoa(r.limits.MaxOutputBytes),
	)
	cmd.Stdin = bytes.NewReader(envelope)
	stdout := newCappedBuffer(r.maxStdout)
	stderr := newCappedBuffer(r.maxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return domain.Failed(entry.ID, "execution cancelled: "+ctx.Err().Error(), traceID)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return domain.TimedOut(entry.ID, r.limits.Timeout, traceID)
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return domain.Failed(entry.ID, "runner exception: "+runErr.Error(), traceID)
	}

	exitCode := cmd.ProcessState.ExitCode()
	stderrText := truncate(r.redactor.Redact(stderr.String()), maxRawOutput)

	if stdout.Truncated() {
		// Everything past the cap is unseen, so this is a lower bound.
		size := stdout.Total()
		result := domain.Failed(entry.ID, fmt.Sprintf("worker output exceeds %d bytes", r.maxStdout), traceID)
		result.OutputBytes = &size
		result.Audit.ExitCode = &exitCode
		return result
	}

	resp, parseErr := decodeResponse(stdout.Bytes())

	// The module changed between ReadVerified and the worker reading it.
	if exitCode == worker.ExitIntegrity {
		r.metrics.RecordTamper(entry.ID)
		result := domain.Denied(entry.ID, "integrity verification failed", traceID)
		result.Audit.ExitCode = &exitCode
		return result
	}

	if exitCode != 0 {
		var msg string
		if parseErr == nil && resp.Error != "" {
			msg = r.redactor.Redact(resp.Error)
		} else if stderrText != "" {
			msg = stderrText
		} else {
			msg = fmt.Sprintf("worker exited with code %d", exitCode)
		}
		result := domain.Failed(entry.ID, msg, traceID)
		result.Audit.ExitCode = &exitCode
		result.Audit.Stderr = stderrText
		if parseErr == nil {
			result.Audit.Traceback = truncate(r.redactor.Redact(resp.Traceback), maxRawOutput)
			result.OutputBytes = resp.OutputBytes
		}
		return result
	}

	if parseErr != nil {
		result := domain.Failed(entry.ID, "invalid output", traceID)
		result.Audit.RawOutput = truncate(r.redactor.Redact(stdout.String()), maxRawOutput)
		result.Audit.Stderr = stderrText
		return result
	}

	switch resp.Status {
	case worker.StatusSuccess:
		output, err := decodeOutput(resp.Output)
		if err != nil {
			return domain.Failed(entry.ID, err.Error(), traceID)
		}
		return r.settle(entry.ID, traceID, output)
	case worker.StatusError:
		msg := resp.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		result := domain.Failed(entry.ID, r.redactor.Redact(msg), traceID)
		result.Audit.Traceback = truncate(r.redactor.Redact(resp.Traceback), maxRawOutput)
		result.Audit.Stderr = stderrText
		result.OutputBytes = resp.OutputBytes
		return result
	default:
		result := domain.Failed(entry.ID, "invalid output", traceID)
		result.Audit.RawOutput = truncate(r.redactor.Redact(stdout.String()), maxRawOutput)
		return result
	}
}

// decodeResponse accepts exactly one JSON document.
func decodeResponse(data []byte) (worker.Response, error) {
	var resp worker.Response
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&resp); err != nil {
		return worker.Response{}, err
	}
	if decoder.More() {
		return worker.Response{}, errors.New("trailing data after response")
	}
	return resp, nil
}

func decodeOutput(raw json.RawMessage) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, errors.New("invalid output")
	}
	output, ok := normalizeNumbers(value).(map[string]any)
	if !ok {
		return nil, errors.New("transform must return an object")
	}
	return output, nil
}

// normalizeNumbers turns json.Number into int64 when integral, else float64,
// matching what the in-process tier produces.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	default:
		return v
	}
}

// cappedBuffer keeps the first limit bytes and counts the rest, so a chatty
// child never blocks on a full pipe and never grows memory without bound.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
	total int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.total += len(p)
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte   { return b.buf.Bytes() }
func (b *cappedBuffer) String() string  { return b.buf.String() }
func (b *cappedBuffer) Total() int      { return b.total }
func (b *cappedBuffer) Truncated() bool { return b.total > b.limit }
