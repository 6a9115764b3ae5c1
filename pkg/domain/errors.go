package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrTransformNotFound   = errors.New("transform not found")
	ErrUntrustedLocation   = errors.New("untrusted location")
	ErrWrongKind           = errors.New("wrong module kind")
	ErrTooLarge            = errors.New("module too large")
	ErrInvalidID           = errors.New("invalid transform id")
	ErrExecutorUnavailable = errors.New("executor unavailable")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrIntegrityMismatch   = errors.New("integrity verification failed")
)

// Registration error codes reported in DomainError.Code.
const (
	CodeUntrustedLocation = "UNTRUSTED_LOCATION"
	CodeWrongKind         = "WRONG_KIND"
	CodeTooLarge          = "TOO_LARGE"
	CodeInvalidID         = "INVALID_ID"
	CodeUnreadable        = "UNREADABLE"
	CodeIntegrityMismatch = "INTEGRITY_MISMATCH"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewRegistrationError builds a DomainError for a rejected registration.
func NewRegistrationError(err error, code, id, path string) *DomainError {
	return &DomainError{
		Err:     err,
		Code:    code,
		Message: fmt.Sprintf("register %q: %v (%s)", id, err, path),
		Details: map[string]any{"transform_id": id, "path": path},
	}
}

// ErrorResponse defines the JSON error model returned by the HTTP adapter.
// TraceID carries the caller supplied correlation identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
