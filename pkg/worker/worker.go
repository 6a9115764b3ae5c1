package worker

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/script"
)

// maxEnvelopeBytes bounds what the worker accepts on standard input.
const maxEnvelopeBytes = 32 << 20

// refusal is an error that ends the worker before any module code runs.
type refusal struct {
	code int
	msg  string
}

func (r *refusal) Error() string { return r.msg }

// Main runs one transform and returns the process exit code.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "worker panic: %v\n%s", r, debug.Stack())
			code = respond(stdout, Response{Status: StatusError, Error: fmt.Sprintf("worker panic: %v", r)}, ExitFailed)
		}
	}()

	hardenProcess()

	if len(args) != 1 {
		return respond(stdout, Response{Status: StatusError, Error: "usage: worker <module_path>"}, ExitRefused)
	}

	source, err := loadModule(args[0])
	if err != nil {
		var ref *refusal
		if errors.As(err, &ref) {
			return respond(stdout, Response{Status: StatusError, Error: ref.msg}, ref.code)
		}
		return respond(stdout, Response{Status: StatusError, Error: err.Error()}, ExitRefused)
	}

	var envelope Envelope
	decoder := json.NewDecoder(io.LimitReader(stdin, maxEnvelopeBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return respond(stdout, Response{Status: StatusError, Error: "invalid envelope: " + err.Error()}, ExitRefused)
	}
	if envelope.Input == nil {
		envelope.Input = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), durationFromEnv(EnvTimeout, domain.DefaultTimeout))
	defer cancel()

	output, err := script.Invoke(ctx, script.Invocation{
		Name:    filepath.Base(args[0]),
		Source:  source,
		Input:   envelope.Input,
		TraceID: envelope.Context.TraceID,
	})
	if err != nil {
		return respond(stdout, failure(err), ExitFailed)
	}

	data, err := json.Marshal(output)
	if err != nil {
		return respond(stdout, Response{Status: StatusError, Error: "output not serializable: " + err.Error()}, ExitFailed)
	}
	if limit := intFromEnv(EnvMaxOutputBytes, 0); limit > 0 && len(data) > limit {
		size := len(data)
		return respond(stdout, Response{
			Status:      StatusError,
			Error:       fmt.Sprintf("output of %d bytes exceeds limit of %d bytes", size, limit),
			OutputBytes: &size,
		}, ExitFailed)
	}

	return respond(stdout, Response{Status: StatusSuccess, Output: data}, ExitOK)
}

// loadModule validates the path and digest before returning the source.
func loadModule(path string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		return nil, &refusal{code: ExitRefused, msg: "module path must be absolute"}
	}
	if !strings.EqualFold(filepath.Ext(path), domain.ModuleExtension) {
		return nil, &refusal{code: ExitRefused, msg: "module must be a " + domain.ModuleExtension + " file"}
	}

	//nolint:gosec // path is pinned by the registry and re-verified below
	file, err := os.Open(path)
	if err != nil {
		return nil, &refusal{code: ExitRefused, msg: "open module: " + err.Error()}
	}
	defer file.Close()

	source, err := io.ReadAll(io.LimitReader(file, domain.MaxModuleBytes+1))
	if err != nil {
		return nil, &refusal{code: ExitRefused, msg: "read module: " + err.Error()}
	}
	if len(source) > domain.MaxModuleBytes {
		return nil, &refusal{code: ExitRefused, msg: "module exceeds size ceiling"}
	}

	if expected := strings.TrimSpace(os.Getenv(EnvExpectedSHA256)); expected != "" {
		sum := sha256.Sum256(source)
		actual := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(actual), []byte(strings.ToLower(expected))) != 1 {
			return nil, &refusal{code: ExitIntegrity, msg: "integrity verification failed"}
		}
	}
	return source, nil
}

func failure(err error) Response {
	var runtimeErr *script.RuntimeError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Response{Status: StatusError, Error: "transform exceeded worker timeout"}
	case errors.As(err, &runtimeErr):
		return Response{Status: StatusError, Error: runtimeErr.Message, Traceback: runtimeErr.Error()}
	default:
		return Response{Status: StatusError, Error: err.Error()}
	}
}

func respond(w io.Writer, resp Response, code int) int {
	if err := json.NewEncoder(w).Encode(resp); err != nil && code == ExitOK {
		return ExitFailed
	}
	return code
}

func durationFromEnv(name string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(strings.TrimSpace(os.Getenv(name)))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func intFromEnv(name string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(os.Getenv(name)))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
