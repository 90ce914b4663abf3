package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // bad arguments, config or database
)

// ExitError carries the exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Invalid input maps to
// ExitCommandError, anything else to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if apperrors.Is(err, apperrors.ErrInvalid) {
		return ExitCommandError
	}
	return ExitFailure
}

// printer writes command results as JSON or text.
type printer struct {
	format string
	w      io.Writer
}

// print writes v as indented JSON, or calls text in text mode.
func (p printer) print(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}
