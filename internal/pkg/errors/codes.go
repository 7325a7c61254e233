package errors

import "fmt"

// Code represents an error code for categorization.
type Code string

// Generic codes.
const (
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeTimeout       Code = "TIMEOUT"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeCanceled      Code = "CANCELED"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
)

// Render orchestration codes.
const (
	// CodeBatchTimeout: one command batch exceeded its execution window.
	CodeBatchTimeout Code = "BATCH_TIMEOUT"
	// CodeCommandFailed: a remote command exited non-zero or was rejected.
	CodeCommandFailed Code = "COMMAND_FAILED"
	// CodeInconsistentState: a ledger lookup hit an unknown lease or frame.
	CodeInconsistentState Code = "INCONSISTENT_STATE"
	// CodeJobTimeout: the global job deadline was reached.
	CodeJobTimeout Code = "JOB_TIMEOUT"
	// CodeInvalidRange: the frame range is empty, reversed or too large.
	CodeInvalidRange Code = "INVALID_RANGE"
	// CodeWorkerLost: the lease went away for a reason other than a command.
	CodeWorkerLost Code = "WORKER_LOST"
)

// Sentinels for errors.Is. They match any *Error carrying the same code.
var (
	ErrBatchTimeout      = &Error{Code: CodeBatchTimeout}
	ErrCommandFailed     = &Error{Code: CodeCommandFailed}
	ErrInconsistentState = &Error{Code: CodeInconsistentState}
	ErrJobTimeout        = &Error{Code: CodeJobTimeout}
	ErrInvalidRange      = &Error{Code: CodeInvalidRange}
	ErrWorkerLost        = &Error{Code: CodeWorkerLost}
	ErrNotFound          = &Error{Code: CodeNotFound}
)

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeInvalidRange:
		return 400
	case CodeNotFound:
		return 404
	case CodeConflict, CodeAlreadyExists:
		return 409
	case CodeCanceled:
		return 499
	case CodeCommandFailed, CodeWorkerLost:
		return 502
	case CodeUnavailable:
		return 503
	case CodeTimeout, CodeBatchTimeout, CodeJobTimeout:
		return 504
	default:
		return 500
	}
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// NotFound creates a not found error.
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// ValidationField creates a validation error for a specific field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// Timeout creates a timeout error.
func Timeout(operation string) *Error {
	return New(CodeTimeout, fmt.Sprintf("operation timed out: %s", operation)).
		WithField("operation", operation)
}

// Unavailable creates an unavailable error.
func Unavailable(service string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("service unavailable: %s", service)).
		WithField("service", service)
}

// BatchTimeout reports a command batch that ran past its allowance.
func BatchTimeout(leaseID string, frame int, after fmt.Stringer) *Error {
	return New(CodeBatchTimeout, fmt.Sprintf("batch timed out after %s", after)).
		WithField("lease_id", leaseID).
		WithField("frame", frame)
}

// CommandFailed reports a remote command that exited non-zero.
func CommandFailed(leaseID string, command string, cause error) *Error {
	e := New(CodeCommandFailed, fmt.Sprintf("command failed: %s", command)).
		WithField("lease_id", leaseID)
	e.Err = cause
	return e
}

// Inconsistent reports a ledger lookup by a key the ledger never saw.
func Inconsistent(format string, args ...any) *Error {
	return Newf(CodeInconsistentState, format, args...)
}

// InvalidRange reports a malformed frame range.
func InvalidRange(start, end int) *Error {
	return Newf(CodeInvalidRange, "end frame %d must be greater than start frame %d", end, start).
		WithField("start_frame", start).
		WithField("end_frame", end)
}

// RangeTooLarge reports a frame range holding more than limit frames.
func RangeTooLarge(start, end, limit int) *Error {
	return Newf(CodeInvalidRange, "frame range [%d, %d) exceeds %d frames", start, end, limit).
		WithField("start_frame", start).
		WithField("end_frame", end).
		WithField("max_frames", limit)
}

// WorkerLost reports a lease that disappeared without a command failure.
func WorkerLost(leaseID string, cause error) *Error {
	e := New(CodeWorkerLost, "worker lost").WithField("lease_id", leaseID)
	e.Err = cause
	return e
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return IsCode(err, CodeValidation) || IsCode(err, CodeInvalidRange)
}

// IsCommandFailure reports whether err is a failure of the remote work
// itself (timeout or non-zero exit), as opposed to cancellation or loss.
func IsCommandFailure(err error) bool {
	return IsCode(err, CodeCommandFailed) || IsCode(err, CodeBatchTimeout)
}

// JobTimeout reports the global job deadline elapsing.
func JobTimeout(jobID string, after fmt.Stringer) *Error {
	return New(CodeJobTimeout, fmt.Sprintf("job timed out after %s", after)).
		WithField("job_id", jobID)
}
