package coord

import (
	"errors"
	"fmt"
)

// Error is the single error type returned by coordinators, executors and
// the aggregator for caller-visible failures.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the operation that failed (e.g. "advance_until_idle",
	// "executor io: run_current").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes coordination errors.
type ErrorCode string

const (
	// ErrCodeInvalidArgument indicates a negative delay or advance, or a
	// non-positive timeout or period.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// ErrCodeRejected indicates work was submitted after shutdown.
	ErrCodeRejected ErrorCode = "REJECTED_SUBMISSION"

	// ErrCodeFlushTimeout indicates a drain did not converge in time.
	ErrCodeFlushTimeout ErrorCode = "FLUSH_TIMEOUT"

	// ErrCodeInconsistency indicates internal bookkeeping disagreed with
	// itself, e.g. pending tasks with no next task time.
	ErrCodeInconsistency ErrorCode = "INTERNAL_INCONSISTENCY"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "" if there
// is none.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsInvalidArgument reports whether err is an INVALID_ARGUMENT error.
func IsInvalidArgument(err error) bool {
	return CodeOf(err) == ErrCodeInvalidArgument
}

// IsRejected reports whether err is a REJECTED_SUBMISSION error.
func IsRejected(err error) bool {
	return CodeOf(err) == ErrCodeRejected
}

// IsFlushTimeout reports whether err is a FLUSH_TIMEOUT error.
func IsFlushTimeout(err error) bool {
	return CodeOf(err) == ErrCodeFlushTimeout
}

// IsInconsistency reports whether err is an INTERNAL_INCONSISTENCY error.
func IsInconsistency(err error) bool {
	return CodeOf(err) == ErrCodeInconsistency
}

// NewInvalidArgument creates an INVALID_ARGUMENT error.
func NewInvalidArgument(op, format string, args ...any) *Error {
	return &Error{Code: ErrCodeInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewRejected creates a REJECTED_SUBMISSION error for the named executor.
func NewRejected(op, executor string) *Error {
	return &Error{
		Code:    ErrCodeRejected,
		Op:      op,
		Message: fmt.Sprintf("executor %q is shut down", executor),
	}
}

// NewFlushTimeout creates a FLUSH_TIMEOUT error naming the operation that
// failed to converge.
func NewFlushTimeout(op string, timeoutMillis int64) *Error {
	return &Error{
		Code:    ErrCodeFlushTimeout,
		Op:      op,
		Message: fmt.Sprintf("failed to finish flushing queue in %dms", timeoutMillis),
	}
}

// NewInconsistency creates an INTERNAL_INCONSISTENCY error.
func NewInconsistency(op, format string, args ...any) *Error {
	return &Error{Code: ErrCodeInconsistency, Op: op, Message: fmt.Sprintf(format, args...)}
}
