package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`
	RetryAfter int    `json:"-"` // seconds, only set for rate_limited
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeDecryptionFailed = "decryption_failed"
	ErrCodePersistence      = "persistence_error"
	ErrCodeInternalError    = "internal_error"
)

// Predefined errors
//
// Authentication failures intentionally carry a generic message so the
// response body never distinguishes "wallet not found" from "bad signature".
// The fine-grained reason is recorded in the audit trail only.
var (
	ErrInvalidSignature = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Invalid signature",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidToken = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Invalid or expired token",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       ErrCodeForbidden,
		Message:    "Access denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrDecryptionFailed = &AppError{
		Code:       ErrCodeDecryptionFailed,
		Message:    "Key material could not be recovered",
		StatusCode: http.StatusInternalServerError,
	}
)

// New creates a new AppError
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// Validation creates a validation error for malformed input
func Validation(detail string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    "Invalid request parameters",
		Detail:     detail,
		StatusCode: http.StatusBadRequest,
	}
}

// RateLimited creates a rate limit error with a retry-after hint
func RateLimited(retryAfterSeconds int) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many attempts",
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfterSeconds,
	}
}

// Persistence creates an error for a transient store failure.
// Safe to retry at the caller.
func Persistence(err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistence,
		Message:    "Storage temporarily unavailable",
		Detail:     err.Error(),
		StatusCode: http.StatusServiceUnavailable,
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
