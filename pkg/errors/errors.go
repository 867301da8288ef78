// Package errors provides structured error types for sheetpress.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the CLI and the batch pipeline
//   - Machine-readable error codes for programmatic handling
//   - Identification of the sheet that triggered a failure
//   - Error wrapping with context preservation
//
// # Error Codes
//
// The batch taxonomy maps one code to each terminal failure of a print run:
//   - RULE_CREATION_FAILED: the host rejected a temporary override rule (fatal, before rendering)
//   - RENDER_SUBMISSION_FAILED: the renderer refused a job (fatal, remaining sheets are not attempted)
//   - RENDER_TIMED_OUT: the output file never appeared (fatal only under the strict timeout policy)
//   - MERGE_FAILED: the combined document could not be written
//
// The remaining codes cover input validation, missing resources, and lock contention.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeInvalidInput, "unknown sheet number: %s", num)
//	if errors.Is(err, errors.ErrCodeInvalidInput) {
//	    // Handle validation error
//	}
//
//	// Wrap existing errors and attach the sheet
//	err := errors.Wrap(errors.ErrCodeRenderSubmission, cause, "submit print job").WithPage("A101 - Level 1")
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Batch failures
	ErrCodeRuleCreation     Code = "RULE_CREATION_FAILED"
	ErrCodeRenderSubmission Code = "RENDER_SUBMISSION_FAILED"
	ErrCodeRenderTimedOut   Code = "RENDER_TIMED_OUT"
	ErrCodeMerge            Code = "MERGE_FAILED"

	// Input validation errors
	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeInvalidPath   Code = "INVALID_PATH"
	ErrCodeInvalidConfig Code = "INVALID_CONFIG"

	// Resource errors
	ErrCodeNotFound Code = "NOT_FOUND"
	ErrCodeLocked   Code = "LOCKED"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Page    string // Sheet that triggered the error (optional)
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Page != "" {
		msg = fmt.Sprintf("%s [sheet %s]", msg, e.Page)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithPage records the sheet that triggered the error and returns e.
func (e *Error) WithPage(page string) *Error {
	e.Page = page
	return e
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// PageOf returns the sheet recorded on the first *Error in the chain that has one.
func PageOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Page != "" {
			return e.Page
		}
		err = e.Cause
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Page != "" {
			return fmt.Sprintf("%s (sheet %s)", e.Message, e.Page)
		}
		return e.Message
	}
	return err.Error()
}
