package errors

import (
	stderrors "errors"
	"fmt"
)

// QuarryError is the structured error type for Quarry.
// It provides rich context for error handling, logging, and degradation
// decisions in the retrieval pipeline.
type QuarryError struct {
	// Code is the unique error code (e.g., "ERR_401_KB_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Provider, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *QuarryError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QuarryError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with QuarryError.
func (e *QuarryError) Is(target error) bool {
	if t, ok := target.(*QuarryError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *QuarryError) WithDetail(key, value string) *QuarryError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new QuarryError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *QuarryError {
	return &QuarryError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a QuarryError from an existing error.
// The error's message becomes the QuarryError message.
func Wrap(code string, err error) *QuarryError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// KBNotFound creates a knowledge-base-not-found error.
func KBNotFound(kbID string) *QuarryError {
	return New(ErrCodeKBNotFound, fmt.Sprintf("knowledge base %q not found", kbID), nil).
		WithDetail("kb_id", kbID)
}

// ProviderUnavailable creates a provider-unreachable error.
// Provider errors are retryable at the batch coordinator boundary.
func ProviderUnavailable(provider string, cause error) *QuarryError {
	return New(ErrCodeProviderUnavailable,
		fmt.Sprintf("%s provider unavailable", provider), cause).
		WithDetail("provider", provider)
}

// DimensionMismatch creates a fatal embedding dimension error.
func DimensionMismatch(expected, got int) *QuarryError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", expected, got), nil)
}

// IndexCorruption creates a fatal parity-violation error.
// Never repaired silently; the affected knowledge base requires a full reindex.
func IndexCorruption(kbID string, detail string) *QuarryError {
	return New(ErrCodeIndexCorruption,
		fmt.Sprintf("index parity violated for knowledge base %q: %s", kbID, detail), nil).
		WithDetail("kb_id", kbID)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var qe *QuarryError
	if stderrors.As(err, &qe) {
		return qe.Retryable
	}
	return false
}

// IsNotFound reports whether the error is a KB or chunk not-found error.
func IsNotFound(err error) bool {
	var qe *QuarryError
	if stderrors.As(err, &qe) {
		return qe.Code == ErrCodeKBNotFound || qe.Code == ErrCodeChunkNotFound
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var qe *QuarryError
	if stderrors.As(err, &qe) {
		return qe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a QuarryError.
// Returns empty string if not a QuarryError.
func GetCode(err error) string {
	var qe *QuarryError
	if stderrors.As(err, &qe) {
		return qe.Code
	}
	return ""
}
