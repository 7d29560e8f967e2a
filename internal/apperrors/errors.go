// Package apperrors provides the error taxonomy shared by every broker
// component. Every exported operation in the engine returns either nil or
// an error that is - or wraps - an *AppError carrying one of these codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Error codes, per the broker's error taxonomy.
const (
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodePermission = "PERMISSION"
	CodeTimeout    = "TIMEOUT"
	CodeInternal   = "INTERNAL"
)

// AppError represents a broker error with a taxonomy code and message.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a bad-input error.
func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Conflict creates a state-machine-violation / duplicate / reservation-mismatch error.
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// Permission creates an error for a rejected prompt or an unauthorized eviction.
func Permission(message string) *AppError {
	return &AppError{Code: CodePermission, Message: message}
}

// Timeout creates an error for a long-poll that expired without work.
// Per §7, neither wait_for_prompt nor wait_for_task surfaces an expiry as
// isError (the former returns IDLE, the latter the task's current state),
// so neither handler uses this constructor.
func Timeout(message string) *AppError {
	return &AppError{Code: CodeTimeout, Message: message}
}

// Internal wraps an unexpected persistence or invariant failure.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Wrap attaches additional context to err, preserving its code if it is
// already an AppError, or classifying it as INTERNAL otherwise.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{Code: appErr.Code, Message: fmt.Sprintf("%s: %s", message, appErr.Message), Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the taxonomy code of err, or CodeInternal if err is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
