// Package errors provides structured error types for the catalog service.
// Every error carries a category, code, message, and retryable flag so the
// transports can map failures consistently.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryValidation   ErrorCategory = "VALIDATION"
	ErrCategoryNotFound     ErrorCategory = "NOT_FOUND"
	ErrCategoryPrecondition ErrorCategory = "PRECONDITION"
	ErrCategoryStorage      ErrorCategory = "STORAGE"
	ErrCategoryPersistence  ErrorCategory = "PERSISTENCE"
	ErrCategoryInternal     ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeRequiredField = "REQUIRED_FIELD"
	CodeInvalidValue  = "INVALID_VALUE"

	// Not found codes
	CodeFormatNotFound  = "FORMAT_NOT_FOUND"
	CodeStorageNotFound = "STORAGE_NOT_FOUND"
	CodeDataNotFound    = "DATA_NOT_FOUND"

	// Precondition codes
	CodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"

	// Storage codes
	CodeListFailed = "LIST_FAILED"

	// Persistence codes
	CodeWriteFailed   = "WRITE_FAILED"
	CodeWriteConflict = "WRITE_CONFLICT"

	// Internal codes
	CodeCancelled  = "CANCELLED"
	CodeUnexpected = "UNEXPECTED"
)

// CatalogError is the structured error type used throughout the service.
type CatalogError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CatalogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CatalogError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CatalogError) Is(target error) bool {
	var t *CatalogError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CatalogError.
func New(category ErrorCategory, code, message string) *CatalogError {
	return &CatalogError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CatalogError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CatalogError {
	return &CatalogError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CatalogError) WithDetails(details map[string]interface{}) *CatalogError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CatalogError.
func GetCategory(err error) ErrorCategory {
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CatalogError.
func GetCode(err error) string {
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable marks transient backend failures. Validation, lookup and
// precondition failures never succeed on retry.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeListFailed:
		return true
	case category == ErrCategoryPersistence && code == CodeWriteConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *CatalogError {
	return New(ErrCategoryValidation, code, message)
}

func NewNotFoundError(code, message string) *CatalogError {
	return New(ErrCategoryNotFound, code, message)
}

func NewPreconditionError(code, message string) *CatalogError {
	return New(ErrCategoryPrecondition, code, message)
}

func NewStorageError(code, message string, cause error) *CatalogError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewPersistenceError(code, message string, cause error) *CatalogError {
	return Wrap(ErrCategoryPersistence, code, message, cause)
}

func NewInternalError(message string, cause error) *CatalogError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
