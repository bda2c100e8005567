// Package errors provides structured error handling for Quarry.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (index files, disk)
//   - 3XX: Provider errors (embedding, rerank, LLM backends)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryProvider indicates model-provider and network errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeIndexIO      = "ERR_201_INDEX_IO"
	ErrCodeStoreIO      = "ERR_202_STORE_IO"
	ErrCodeLockHeld     = "ERR_203_LOCK_HELD"
	ErrCodeCorruptIndex = "ERR_204_CORRUPT_INDEX"

	// Provider errors (300-399)
	ErrCodeProviderUnavailable = "ERR_301_PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout     = "ERR_302_PROVIDER_TIMEOUT"
	ErrCodeProviderMalformed   = "ERR_303_PROVIDER_MALFORMED"

	// Validation errors (400-499)
	ErrCodeKBNotFound        = "ERR_401_KB_NOT_FOUND"
	ErrCodeChunkNotFound     = "ERR_402_CHUNK_NOT_FOUND"
	ErrCodeDimensionMismatch = "ERR_403_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery      = "ERR_404_INVALID_QUERY"
	ErrCodeInvalidInput      = "ERR_405_INVALID_INPUT"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeIndexCorruption = "ERR_502_INDEX_CORRUPTION"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeIngestFailed    = "ERR_504_INGEST_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from error code.
// Dimension mismatch and index corruption are fatal: they indicate
// misconfiguration or a broken parity invariant and require a reindex.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeDimensionMismatch, ErrCodeIndexCorruption, ErrCodeCorruptIndex:
		return SeverityFatal
	case ErrCodeProviderUnavailable, ErrCodeProviderTimeout:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code
// may be retried. Only transient provider failures are retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderUnavailable, ErrCodeProviderTimeout:
		return true
	default:
		return false
	}
}
