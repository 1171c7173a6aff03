// Package dispatcherr defines the tagged error kind the orchestrator uses for
// its permanent-failure path, following the teacher's ProviderError pattern
// (runtime/agent/model.ProviderError) of attaching a small classification enum
// to a single error type instead of stringly-typed status fields.
package dispatcherr

import "fmt"

// Kind classifies a dispatch failure into the categories spec.md §7 assigns a
// distinct retry policy to.
type Kind string

const (
	// Transient covers CS unreachable, MRC network errors, GPU-lock contention.
	// Policy: local retry with bounded backoff; surfaced only once retries are
	// exhausted.
	Transient Kind = "transient"

	// Capacity covers the planner's insufficient_vram outcome. Policy: defer via
	// the admission retry loop; after MaxRetries, surfaces as
	// max_retries_exceeded.
	Capacity Kind = "capacity"

	// Permanent covers oversized models, unknown models, and malformed requests.
	// Policy: no retry.
	Permanent Kind = "permanent"

	// Unexpected covers any other orchestrator failure. Policy: log with detail,
	// publish best-effort, release resources, clear reservations.
	Unexpected Kind = "unexpected"
)

// Error is the tagged error type used throughout the dispatcher. Reason is a
// short machine-stable code (e.g. "max_retries_exceeded", "model_oversized")
// used both for logging and for the channel's `[ERROR: ...]` sentinel.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	cause   error
}

// New constructs an Error. message is the human-readable text surfaced on the
// channel; cause may be nil.
func New(kind Kind, reason, message string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the orchestrator should attempt this request
// again (Transient and Capacity kinds); Permanent and Unexpected are not.
func (e *Error) Retryable() bool {
	return e.Kind == Transient || e.Kind == Capacity
}
