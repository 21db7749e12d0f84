// Package errors provides centralized error definitions and error handling utilities
// for madserve. It defines the worker bridge's failure taxonomy as sentinel errors,
// domain and semantic error types with context wrapping, and classification helpers
// used by the HTTP layer to choose a response status.
//
// # Error Types
//
// Domain-specific errors represent failures of the worker subsystem:
//   - WorkerError: spawning, handshake, crash or shutdown of the analysis worker
//   - RequestError: a failure the worker reported for one correlated request
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input (rejected uploads, bad config values)
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewWorkerError("worker script missing", errors.ErrScriptNotFound).
//		WithScript("/srv/python-workers/analyze_image.py")
//
//	if errors.Is(err, errors.ErrNotReady) { ... }
//
//	var reqErr *errors.RequestError
//	if errors.As(err, &reqErr) { ... }
//
// # Error Classification
//
//   - UserFacing: errors whose message is safe to return to an HTTP client.
//     WorkerError is not: it carries pids and filesystem paths.
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Worker lifecycle sentinel errors
var (
	// ErrWorkerSpawn indicates that the worker process could not be started.
	ErrWorkerSpawn = New("worker spawn failed")
	// ErrScriptNotFound indicates that the worker script does not exist.
	ErrScriptNotFound = New("worker script not found")
	// ErrHandshakeTimeout indicates that the worker did not report ready in time.
	ErrHandshakeTimeout = New("worker startup timed out")
	// ErrHandshakeRejected indicates that the worker reported a startup error.
	ErrHandshakeRejected = New("worker startup error")
	// ErrNotReady indicates that the worker is not accepting requests.
	ErrNotReady = New("worker is not ready")
	// ErrWorkerCrashed indicates that the worker process exited unexpectedly.
	ErrWorkerCrashed = New("worker process exited unexpectedly")
	// ErrWorkerStopped indicates that the worker was shut down deliberately.
	ErrWorkerStopped = New("worker stopped")
)

// Request sentinel errors
var (
	// ErrWorkerRequest indicates that the worker reported an error for a request.
	ErrWorkerRequest = New("worker request failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ServiceError is the base interface for all madserve errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ServiceError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// WorkerError represents failures of the analysis worker process.
//
// Example:
//
//	err := errors.NewWorkerError("worker exited", errors.ErrWorkerCrashed).
//		WithPID(4242).WithExit(1, "")
//	fmt.Println(err) // "worker error [pid=4242, exit=1]: worker exited: worker process exited unexpectedly"
type WorkerError struct {
	baseError
	PID         int
	Interpreter string
	Script      string
	ExitCode    int
	Signal      string
	exited      bool
}

// NewWorkerError creates a new WorkerError.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: false,
		},
	}
}

// WithPID adds the worker process id to the error context.
func (e *WorkerError) WithPID(pid int) *WorkerError {
	e.PID = pid
	return e
}

// WithInterpreter adds the interpreter path to the error context.
func (e *WorkerError) WithInterpreter(path string) *WorkerError {
	e.Interpreter = path
	return e
}

// WithScript adds the worker script path to the error context.
func (e *WorkerError) WithScript(path string) *WorkerError {
	e.Script = path
	return e
}

// WithExit records how the worker process terminated.
func (e *WorkerError) WithExit(code int, signal string) *WorkerError {
	e.ExitCode = code
	e.Signal = signal
	e.exited = true
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.Interpreter != "" {
		parts = append(parts, fmt.Sprintf("interpreter=%s", e.Interpreter))
	}
	if e.Script != "" {
		parts = append(parts, fmt.Sprintf("script=%s", e.Script))
	}
	if e.exited {
		if e.Signal != "" {
			parts = append(parts, fmt.Sprintf("signal=%s", e.Signal))
		} else {
			parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
		}
	}

	prefix := "worker error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("worker error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *WorkerError) Is(target error) bool {
	if _, ok := target.(*WorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RequestError is a failure reported by the worker for a single request,
// carried in the response envelope's "error" field.
//
// Example:
//
//	err := errors.NewRequestError("b", "decode failed")
//	fmt.Println(err) // "decode failed"
type RequestError struct {
	baseError
	RequestID string
}

// NewRequestError creates a new RequestError with the worker's message.
func NewRequestError(requestID, message string) *RequestError {
	return &RequestError{
		baseError: baseError{
			message:    message,
			cause:      ErrWorkerRequest,
			severity:   SeverityWarning,
			userFacing: true,
		},
		RequestID: requestID,
	}
}

// Message returns the message exactly as the worker reported it.
func (e *RequestError) Message() string {
	return e.message
}

// Error returns the worker's message unchanged so it can be passed through to clients.
func (e *RequestError) Error() string {
	return e.message
}

// Is checks if this error matches the target.
func (e *RequestError) Is(target error) bool {
	if _, ok := target.(*RequestError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("only image files are accepted")
//	err = err.WithField("image").WithValue("text/plain")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Message returns the validation message without field context.
func (e *ValidationError) Message() string {
	return e.message
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("analysis request c", 90*time.Second)
//	fmt.Println(err) // "timeout error: analysis request c (timeout: 1m30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsUserFacing returns true if the error message is safe to display to end users.
//
// Example:
//
//	if errors.IsUserFacing(err) {
//	    writeError(w, status, err.Error())
//	} else {
//	    writeError(w, status, "internal error")
//	    logger.Error("internal error", "error", err)
//	}
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var serviceErr ServiceError
	if As(err, &serviceErr) {
		return serviceErr.IsUserFacing()
	}

	// Worker lifecycle sentinels carry no internal detail.
	for _, sentinel := range []error{ErrNotReady, ErrWorkerCrashed, ErrWorkerStopped, ErrTimeout} {
		if Is(err, sentinel) {
			return true
		}
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ServiceError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var serviceErr ServiceError
	if As(err, &serviceErr) {
		return serviceErr.Severity()
	}

	return SeverityError
}

// IsWorkerUnavailable reports whether err means the worker cannot take
// requests right now: not yet ready, crashed, or stopped.
func IsWorkerUnavailable(err error) bool {
	return Is(err, ErrNotReady) || Is(err, ErrWorkerCrashed) || Is(err, ErrWorkerStopped)
}
