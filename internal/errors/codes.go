// Package errors provides structured error handling for lodestone.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk, index storage)
//   - 3XX: Transient errors (network, external API)
//   - 4XX: Validation errors
//   - 5XX: Consistency, corruption, and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryTransient indicates network and external API errors that may
	// succeed on retry.
	CategoryTransient Category = "TRANSIENT"
	// CategoryValidation indicates input validation errors; never retried.
	CategoryValidation Category = "VALIDATION"
	// CategoryConsistency indicates registry/backend divergence; non-fatal,
	// queued for maintenance repair.
	CategoryConsistency Category = "CONSISTENCY"
	// CategoryCorruption indicates a partial index write left a document
	// neither fully indexed nor cleanly absent.
	CategoryCorruption Category = "CORRUPTION"
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
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFileUnreadable = "ERR_202_FILE_UNREADABLE"
	ErrCodeDiskFull       = "ERR_203_DISK_FULL"
	ErrCodeIndexStorage   = "ERR_204_INDEX_STORAGE"

	// Transient errors (300-399)
	ErrCodeParseTimeout = "ERR_301_PARSE_TIMEOUT"
	ErrCodeEmbedFailed  = "ERR_302_EMBED_FAILED"
	ErrCodeBackendBusy  = "ERR_303_BACKEND_BUSY"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeUnsupportedSource = "ERR_402_UNSUPPORTED_SOURCE"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	ErrCodeInvalidWeights    = "ERR_404_INVALID_WEIGHTS"

	// Consistency/corruption/internal errors (500-599)
	ErrCodeInconsistent = "ERR_501_INCONSISTENT"
	ErrCodeCorrupted    = "ERR_502_CORRUPTED"
	ErrCodeInternal     = "ERR_503_INTERNAL"
	ErrCodeJobFailed    = "ERR_504_JOB_FAILED"
	ErrCodeShuttingDown = "ERR_505_SHUTTING_DOWN"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	switch code {
	case ErrCodeInconsistent:
		return CategoryConsistency
	case ErrCodeCorrupted:
		return CategoryCorruption
	}

	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract leading digit of the numeric portion (e.g. "1" from "ERR_101_...").
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryTransient
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeDiskFull:
		return SeverityFatal
	case ErrCodeInconsistent:
		// Divergence is repairable by maintenance, never aborts a run.
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Only transient (3XX) failures are retried; validation failures fail fast.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeParseTimeout, ErrCodeEmbedFailed, ErrCodeBackendBusy:
		return true
	default:
		return false
	}
}
