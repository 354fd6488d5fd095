// Package errors provides a structured error system for the dataset cache
// with error codes, categories, and context.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache and fetch operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Cache storage errors. These are always recovered locally: a read
	// failure degrades to a miss and a write failure is logged and
	// swallowed, so none of them ever reaches a caller of Get.
	ErrCodeCacheRead    ErrorCode = "CACHE_READ"
	ErrCodeCacheWrite   ErrorCode = "CACHE_WRITE"
	ErrCodeCacheCorrupt ErrorCode = "CACHE_CORRUPT"

	// Fetch errors, surfaced to the caller only on a true miss or a
	// forced refresh.
	ErrCodeFetchNetwork  ErrorCode = "FETCH_NETWORK"
	ErrCodeFetchTimeout  ErrorCode = "FETCH_TIMEOUT"
	ErrCodeFetchRemote   ErrorCode = "FETCH_REMOTE"
	ErrCodeFetchCanceled ErrorCode = "FETCH_CANCELED"

	// State errors
	ErrCodeNotStarted ErrorCode = "NOT_STARTED"
	ErrCodeShutdown   ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCache         ErrorCategory = "cache"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// HTTPStatus carries the remote status for FETCH_REMOTE errors.
	HTTPStatus int `json:"http_status,omitempty"`

	// Retryable hints whether the operation may succeed if repeated.
	Retryable bool `json:"retryable"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error-wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// New creates a new structured error with default values for its code.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// WithCause sets the underlying cause.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithComponent sets the component for an error.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithHTTPStatus records the remote HTTP status.
func (e *CacheError) WithHTTPStatus(status int) *CacheError {
	e.HTTPStatus = status
	return e
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "FETCH_"):
		return CategoryFetch
	case strings.HasPrefix(codeStr, "NOT_STARTED") || strings.HasPrefix(codeStr, "SHUTDOWN_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Remote 4xx responses and cancellations never are; the fetch path decides
// 5xx case by case via WithHTTPStatus.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeFetchNetwork: true,
		ErrCodeFetchTimeout: true,
		ErrCodeCacheRead:    true,
		ErrCodeCacheWrite:   true,
	}
	return retryableCodes[code]
}

// As is a convenience re-export of the standard library errors.As so
// callers need not import both packages.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// CodeOf extracts the error code from err, or ErrCodeInternal when err is
// not a structured error.
func CodeOf(err error) ErrorCode {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Code
	}
	return ErrCodeInternal
}

// IsCanceled reports whether err represents a cancellation rather than a
// failure, so callers can distinguish "never happened" from "happened and
// failed".
func IsCanceled(err error) bool {
	return CodeOf(err) == ErrCodeFetchCanceled
}

// IsRetryable reports whether err carries a retryable hint.
func IsRetryable(err error) bool {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Retryable
	}
	return false
}
