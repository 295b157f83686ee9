// Package errors provides structured error types for the cellarman engine.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the CLI and the install pipeline
//   - Machine-readable error codes for programmatic handling
//   - User-friendly error messages
//   - Error wrapping with context preservation
//
// # Error Codes
//
// Error codes follow a hierarchical naming convention:
//   - INVALID_*: Input validation failures
//   - *_NOT_FOUND: Resource not found
//   - DEPENDENCY_*: Graph resolution failures
//   - DOWNLOAD/CHECKSUM/INSTALL: Pipeline stage failures
//
// # Usage
//
//	err := errors.New(errors.ErrCodeChecksumMismatch, "sha256 mismatch for %s", name)
//	if errors.Is(err, errors.ErrCodeChecksumMismatch) {
//	    // Handle integrity failure
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeDownload, origErr, "failed to fetch %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeInvalidName       Code = "INVALID_NAME"
	ErrCodeInvalidDefinition Code = "INVALID_DEFINITION"
	ErrCodeInvalidPath       Code = "INVALID_PATH"

	// Resource not found errors
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodePackageNotFound Code = "PACKAGE_NOT_FOUND"
	ErrCodeKegNotFound     Code = "KEG_NOT_FOUND"

	// Graph resolution errors
	ErrCodeDependencyCycle    Code = "DEPENDENCY_CYCLE"
	ErrCodeDependencyConflict Code = "DEPENDENCY_CONFLICT"

	// Pipeline stage errors
	ErrCodeDownload            Code = "DOWNLOAD_ERROR"
	ErrCodeChecksumMismatch    Code = "CHECKSUM_MISMATCH"
	ErrCodeInstall             Code = "INSTALL_ERROR"
	ErrCodeDependencyFailed    Code = "DEPENDENCY_FAILED"
	ErrCodeUnsupportedPlatform Code = "UNSUPPORTED_PLATFORM"
	ErrCodeBuildEnv            Code = "BUILD_ENV_ERROR"

	// Infrastructure errors
	ErrCodeIO       Code = "IO_ERROR"
	ErrCodeTimeout  Code = "TIMEOUT"
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
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

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
