// Package errors provides the error taxonomy shared by the sync core and the
// UI-facing facade.
package errors

import (
	stderrors "errors"
	"fmt"
	"slices"
	"strings"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrNetwork          ErrorCode = "NETWORK_ERROR"
	ErrConflict         ErrorCode = "CONFLICT"
	ErrExhaustedRetries ErrorCode = "EXHAUSTED_RETRIES"
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// Fields holds per-field validation failures, keyed by JSON field name.
	Fields map[string]string
	// Status is the HTTP status that produced the error, zero when local.
	Status int
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, formatFields(e.Fields))
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Network reports a failed or timed-out remote call.
func Network(message string, err error) *AppError {
	return Wrap(ErrNetwork, message, err)
}

// NotFound reports a missing local record or a 404 from the server.
func NotFound(message string) *AppError {
	return New(ErrNotFound, message)
}

// Validation reports a payload rejected by local or server validation.
func Validation(message string, fields map[string]string) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: message,
		Fields:  fields,
	}
}

// ExhaustedRetries reports a queue entry that hit its retry limit.
func ExhaustedRetries(entryID string, attempts int, err error) *AppError {
	return Wrap(ErrExhaustedRetries,
		fmt.Sprintf("entry %s failed after %d attempts", entryID, attempts), err)
}

// ConflictError is returned when the server rejects a write with 409.
// Current holds the raw server copy of the entity when the server sent one.
type ConflictError struct {
	Message string
	Current []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] %s", ErrConflict, e.Message)
}

// Conflict creates a ConflictError carrying the server's current entity.
func Conflict(message string, current []byte) *ConflictError {
	return &ConflictError{Message: message, Current: current}
}

// CodeOf returns the error code carried anywhere in err's chain.
// Errors outside the taxonomy report ErrInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var conflictErr *ConflictError
	if stderrors.As(err, &conflictErr) {
		return ErrConflict
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Retryable reports whether a failed remote call may succeed if repeated.
// Only transport failures and server-side errors qualify.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNetwork) {
		return true
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status >= 500
	}
	return false
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fields[k])
	}
	return strings.Join(parts, "; ")
}
