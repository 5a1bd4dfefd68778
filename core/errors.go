package core

import (
	"errors"
	"fmt"
)

// ErrorKind is a closed set of semantic error categories, a string so it
// serializes directly onto the wire (TaskError.kind) and into sanitized
// job/webhook records. Unknown kinds decode but classify as
// ExecutionError at the mapping layer.
type ErrorKind string

const (
	KindValidationError ErrorKind = "ValidationError"
	KindTaskNotFound    ErrorKind = "TaskNotFound"
	KindLoadFailed      ErrorKind = "LoadFailed"
	KindExecutionError  ErrorKind = "ExecutionError"
	KindNetworkError    ErrorKind = "NetworkError"
	KindTimeout         ErrorKind = "Timeout"
	KindWorkerCrashed   ErrorKind = "WorkerCrashed"
	KindCancelled       ErrorKind = "Cancelled"
	KindExecutorBusy    ErrorKind = "ExecutorBusy"
	KindTemplateError   ErrorKind = "TemplateError"
	KindDeliveryError   ErrorKind = "DeliveryError"
	KindRepositoryError ErrorKind = "RepositoryError"
)

// DefaultRetriable reports a kind's retriability absent any task- or
// config-level override.
func (k ErrorKind) DefaultRetriable() bool {
	switch k {
	case KindNetworkError, KindTimeout, KindWorkerCrashed, KindExecutorBusy:
		return true
	default:
		return false
	}
}

// TaskError is the typed error a worker or pool reports for a single
// invocation attempt. It implements error and Unwrap so callers can use
// errors.Is/errors.As through the cause chain.
type TaskError struct {
	Kind      ErrorKind
	Message   string
	Retriable bool
	Cause     error
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// NewTaskError builds a TaskError defaulting Retriable from the kind.
func NewTaskError(kind ErrorKind, message string, cause error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Retriable: kind.DefaultRetriable(), Cause: cause}
}

// AsTaskError unwraps err looking for a *TaskError, mapping anything else
// to ExecutionError the way an unrecognized JS error constructor name
// does.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewTaskError(KindExecutionError, err.Error(), err)
}

// Sanitize strips anything that must not cross a trust boundary (job
// record, webhook body, API response): file paths, connection strings,
// auth secrets, stack traces. Internal logs should log the original error,
// not this.
func (e *ExecutionError) Sanitize() ExecutionError {
	if e == nil {
		return ExecutionError{}
	}
	return ExecutionError{
		Kind:       e.Kind,
		Message:    sanitizeMessage(e.Message),
		Retriable:  e.Retriable,
		OccurredAt: e.OccurredAt,
	}
}

func sanitizeMessage(msg string) string {
	// Conservative redaction: anything that looks like it came from deep
	// inside the stack (file:line) or a secret-shaped token is dropped.
	// A stricter implementation would scan for connection-string/credential
	// patterns per destination; this covers the common stdlib shapes.
	return stripFilePathsAndStacks(msg)
}

var (
	ErrChannelClosed  = errors.New("ipc: channel closed")
	ErrFrameTooLarge  = errors.New("ipc: frame exceeds MAX_FRAME")
	ErrMalformedFrame = errors.New("ipc: malformed frame")

	// ErrTaskNotFound is the sentinel a TaskSource wraps (via fmt.Errorf
	// "%w") to distinguish an unresolvable ref from a transient resolve
	// failure; anything else resolve returns maps to LoadFailed.
	ErrTaskNotFound = errors.New("core: task not found")
)
