package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy of the pipeline.
var (
	// ErrRecoverableExternal marks timeouts and transient failures of external
	// services. Callers may retry with backoff.
	ErrRecoverableExternal = errors.New("recoverable external error")
	// ErrMalformedInput marks inconsistent geometry or unparseable markup.
	// Producers degrade locally instead of failing the file.
	ErrMalformedInput = errors.New("malformed input")
	// ErrFatalPipeline aborts processing of a single file.
	ErrFatalPipeline = errors.New("fatal pipeline error")
)

// Sentinel errors for validation failures.
var (
	ErrMissingField        = errors.New("missing field")
	ErrInvalidDocumentType = errors.New("invalid document type")
	ErrInvalidPageRange    = errors.New("invalid page range")
	ErrDuplicateDocumentID = errors.New("duplicate document id")
	ErrEmptyContent        = errors.New("empty content")
	ErrInvalidQuery        = errors.New("invalid query")
	ErrQueryTooLong        = errors.New("query too long")
	ErrUnsupportedURL      = errors.New("unsupported file url")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IndexingError reports a failed upsert batch. Batches before Batch stay
// committed; nothing is rolled back.
type IndexingError struct {
	Batch     int
	Committed int
	Err       error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("indexing: batch %d failed (%d points committed): %v", e.Batch, e.Committed, e.Err)
}

func (e *IndexingError) Unwrap() error { return e.Err }

// Recoverable marks err as a transient external failure.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRecoverableExternal, err)
}

// Fatal marks err as fatal for the current file.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalPipeline, err)
}

// Malformed marks err as a malformed-input failure.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMalformedInput, err)
}

// IsRecoverable reports whether err is worth retrying.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverableExternal)
}
