package domain

import (
	"regexp"
	"time"
)

// ChainResultID is the synthetic transform identifier used when a whole
// chain is refused before any stage runs.
const ChainResultID = "chain"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id can name a transform. The chain identifier is
// reserved.
func ValidID(id string) bool {
	return id != ChainResultID && idPattern.MatchString(id)
}

// TrustedTransform is a registered, hash-pinned transform unit.
type TrustedTransform struct {
	ID           string    `json:"id" yaml:"id"`
	Label        string    `json:"label" yaml:"label"`
	ModulePath   string    `json:"module_path" yaml:"module_path"`
	SHA256       string    `json:"sha256" yaml:"sha256"`
	RegisteredAt time.Time `json:"registered_at" yaml:"registered_at"`
}

// Status is the terminal classification of one execution attempt.
type Status string

const (
	// StatusSuccess indicates the entrypoint returned an object within budget.
	StatusSuccess Status = "success"
	// StatusError indicates a fault local to one transform execution.
	StatusError Status = "error"
	// StatusTimeout indicates the wall-clock budget was exceeded.
	StatusTimeout Status = "timeout"
	// StatusDenied indicates a policy refusal (feature off, tampered module,
	// chain too long, admission policy).
	StatusDenied Status = "denied"
)

// Audit carries correlation data attached to every result.
type Audit struct {
	TraceID   string `json:"trace_id,omitempty"`
	Executor  string `json:"executor,omitempty"`
	RawOutput string `json:"raw_output,omitempty"`
	Traceback string `json:"traceback,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// TransformResult is produced exactly once per execution attempt.
type TransformResult struct {
	TransformID string         `json:"transform_id"`
	Status      Status         `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	OutputBytes *int           `json:"output_bytes,omitempty"`
	Audit       Audit          `json:"audit"`
}

// Succeeded reports whether the result allows a chain to continue.
func (r TransformResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Denied builds a DENIED result.
func Denied(id, reason, traceID string) TransformResult {
	return TransformResult{
		TransformID: id,
		Status:      StatusDenied,
		Error:       reason,
		Audit:       Audit{TraceID: traceID},
	}
}

// Failed builds an ERROR result.
func Failed(id, message, traceID string) TransformResult {
	return TransformResult{
		TransformID: id,
		Status:      StatusError,
		Error:       message,
		Audit:       Audit{TraceID: traceID},
	}
}

// Execution budget defaults shared by config and executors.
const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxOutputBytes = 1 << 20
	DefaultMaxChain       = 5
	MaxModuleBytes        = 256 << 10
	ModuleExtension       = ".lua"
)

// Limits is the immutable execution budget shared read-only by executors.
type Limits struct {
	Timeout               time.Duration
	MaxOutputBytes        int
	MaxTransformsPerChain int
}

// DefaultLimits returns the built-in safe budget.
func DefaultLimits() Limits {
	return Limits{
		Timeout:               DefaultTimeout,
		MaxOutputBytes:        DefaultMaxOutputBytes,
		MaxTransformsPerChain: DefaultMaxChain,
	}
}

// TimedOut builds a TIMEOUT result for the given budget.
func TimedOut(id string, budget time.Duration, traceID string) TransformResult {
	return TransformResult{
		TransformID: id,
		Status:      StatusTimeout,
		Error:       "transform exceeded " + budget.String() + " timeout",
		Audit:       Audit{TraceID: traceID},
	}
}
