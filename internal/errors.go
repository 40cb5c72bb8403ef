package internal

import (
	"errors"
	"fmt"
)

// AppError is the JSON error shape returned by the API surface.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *AppError) Error() string { return e.Message }

func NewAppError(code int, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyEnrolled is returned when an active enrollment already exists
	// for a (sequence, client) pair. Non-fatal; the caller decides policy.
	ErrAlreadyEnrolled = errors.New("client already actively enrolled")

	// ErrStaleEnrollment is returned when an enrollment update loses the
	// version compare-and-swap.
	ErrStaleEnrollment = errors.New("enrollment modified concurrently")
)

// ValidationError rejects a bad sequence definition at save time.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid sequence: " + e.Reason }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// SchedulingConfigError marks a malformed send window on a message step. The
// runner pauses the enrollment on that step and surfaces the error to the
// sequence owner instead of guessing at intent.
type SchedulingConfigError struct {
	StepOrder int
	Reason    string
}

func (e *SchedulingConfigError) Error() string {
	return fmt.Sprintf("step %d: bad send window: %s", e.StepOrder, e.Reason)
}

// ConditionEvaluationError marks a malformed condition comparison. Evaluation
// fails closed to false; the error exists only so the caller can log it.
type ConditionEvaluationError struct {
	Field  string
	Reason string
}

func (e *ConditionEvaluationError) Error() string {
	return fmt.Sprintf("condition on %q: %s", e.Field, e.Reason)
}

// DispatchError wraps a failed send. Retryable on subsequent ticks.
type DispatchError struct {
	ClientID string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to client %s failed: %v", e.ClientID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
