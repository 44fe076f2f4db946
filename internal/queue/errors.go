package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrNotProcessing is returned when a transition expects a claimed job
	ErrNotProcessing = errors.New("job is not in processing status")
)

// Stable error codes recorded in last_error and surfaced by the operator
// API. The code decides retryability; the message is for humans.
const (
	CodeTransient         = "transient"
	CodeTimeout           = "timeout"
	CodeAdapterRejected   = "adapter_rejected"
	CodeInvariantViolated = "invariant_violated"
	CodeClassifier        = "classifier_failed"
	CodeForceFailed       = "force_failed"
	CodeStaleLock         = "stale_lock"
	CodeInternal          = "internal"
)

// TransientError wraps failures worth retrying: provider 5xx, network
// timeouts, lock contention.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// TerminalError wraps failures that must never be retried, such as
// data-invariant violations. The code is preserved into last_error.
type TerminalError struct {
	Code string
	Err  error
}

func (e *TerminalError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

func NewTerminalError(code string, err error) error {
	return &TerminalError{Code: code, Err: err}
}

// JobError is the JSON shape persisted in last_error.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e JobError) encode() string {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"code":%q,"message":"encode failed"}`, e.Code)
	}
	return string(raw)
}

// ClassifyError maps a processing error to its stable code and whether a
// retry may succeed.
func ClassifyError(err error) (code string, retryable bool) {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return terminal.Code, false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		if errors.Is(err, context.DeadlineExceeded) {
			return CodeTimeout, true
		}
		return CodeTransient, true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, true
	}

	// Unknown errors retry; if they keep failing the attempt cap turns
	// them terminal anyway.
	return CodeInternal, true
}
