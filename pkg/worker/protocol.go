package worker

import "encoding/json"

// Environment variables set by the runner for the worker.
const (
	// EnvExpectedSHA256 carries the digest pinned at registration.
	EnvExpectedSHA256 = "POLIS_TRANSFORM_EXPECTED_SHA256"
	// EnvTimeout bounds the worker's own run time as a Go duration.
	EnvTimeout = "POLIS_TRANSFORM_WORKER_TIMEOUT"
	// EnvMaxOutputBytes caps the serialized output the worker will emit.
	EnvMaxOutputBytes = "POLIS_TRANSFORM_WORKER_MAX_OUTPUT"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailed    = 1
	ExitRefused   = 2
	ExitIntegrity = 3
)

// Context is the caller context handed to the entrypoint.
type Context struct {
	TraceID string `json:"trace_id"`
}

// Envelope is the single document read from standard input.
type Envelope struct {
	Input   map[string]any `json:"input"`
	Context Context        `json:"context"`
}

// Response is the single document written to standard output.
type Response struct {
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
	// OutputBytes is set when output was produced but withheld for size.
	OutputBytes *int `json:"output_bytes,omitempty"`
}
