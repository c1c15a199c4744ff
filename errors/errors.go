// Package errors provides the error taxonomy of the Agent Protocol server.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies an error category for caller-visible mapping.
type Code string

const (
	// CodeValidation marks a malformed or contradictory request.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeNotFound marks an unknown record or one owned by another identity.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict marks a request that conflicts with current run state.
	CodeConflict Code = "CONFLICT"
	// CodeEngineExecution marks an engine failure captured mid-run.
	CodeEngineExecution Code = "ENGINE_EXECUTION_ERROR"
	// CodeTransientLog marks an event log infrastructure hiccup.
	CodeTransientLog Code = "TRANSIENT_LOG_ERROR"
)

// ValidationError is raised for malformed or contradictory requests. It is
// always surfaced before any persistence side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidation creates a ValidationError.
func NewValidation(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFoundError is raised for unknown records or records owned by another
// identity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFound creates a NotFoundError for the given record kind and id.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound checks if an error is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ConflictError is raised when a request conflicts with the current state of
// a run or thread, such as deleting an active run or starting a new turn
// while one is in flight.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Message)
}

// NewConflict creates a ConflictError.
func NewConflict(format string, args ...interface{}) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsConflict checks if an error is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// EngineExecutionError wraps an error raised by the graph engine mid-run. It
// is never propagated raw to a streaming subscriber: the driver records it on
// the run, emits an error event, and finalizes the run as failed.
type EngineExecutionError struct {
	RunID string
	Cause error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine execution failed for run %s: %v", e.RunID, e.Cause)
}

func (e *EngineExecutionError) Unwrap() error {
	return e.Cause
}

// NewEngineExecution wraps an engine failure for the given run.
func NewEngineExecution(runID string, cause error) error {
	return &EngineExecutionError{RunID: runID, Cause: cause}
}

// IsEngineExecution checks if an error is an EngineExecutionError.
func IsEngineExecution(err error) bool {
	var ee *EngineExecutionError
	return errors.As(err, &ee)
}

// TransientLogError marks an event log append/read hiccup that may succeed on
// retry. The driver retries a bounded number of times before escalating to
// EngineExecutionError semantics for the run.
type TransientLogError struct {
	Op    string
	Cause error
}

func (e *TransientLogError) Error() string {
	return fmt.Sprintf("transient event log error during %s: %v", e.Op, e.Cause)
}

func (e *TransientLogError) Unwrap() error {
	return e.Cause
}

// NewTransientLog wraps an event log infrastructure error.
func NewTransientLog(op string, cause error) error {
	return &TransientLogError{Op: op, Cause: cause}
}

// IsTransientLog checks if an error is a TransientLogError.
func IsTransientLog(err error) bool {
	var tl *TransientLogError
	return errors.As(err, &tl)
}

// CodeOf extracts the error code from an error, or empty for uncategorized
// errors.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CodeValidation
	case IsNotFound(err):
		return CodeNotFound
	case IsConflict(err):
		return CodeConflict
	case IsEngineExecution(err):
		return CodeEngineExecution
	case IsTransientLog(err):
		return CodeTransientLog
	}
	return ""
}
