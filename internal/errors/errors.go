// Package errors defines the service error taxonomy for the access gate.
//
// Every asynchronous boundary in the core converts failures into one of
// these values; nothing propagates to callers as a panic.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category.
type Code string

const (
	// CodeUnauthorized covers session and profile fetch failures. The
	// caller is treated as unauthenticated.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeLicenseCheckFailed covers license RPC failures and timeouts.
	// The license is treated as invalid (fail-closed).
	CodeLicenseCheckFailed Code = "LICENSE_CHECK_FAILED"
	// CodePermissionDenied covers role/permission check failures.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeValidation covers malformed input, rejected locally.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeNotFound covers missing resources.
	CodeNotFound Code = "NOT_FOUND"
	// CodeRateLimited covers per-user request throttling.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeInternal covers everything else.
	CodeInternal Code = "INTERNAL_ERROR"
)

// ServiceError is the error type crossing package boundaries.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error {
	return e.cause
}

// WithDetails attaches a detail key/value pair and returns the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Unauthorized creates an authentication failure error.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InvalidToken creates an authentication failure for a bad token.
func InvalidToken(cause error) *ServiceError {
	return &ServiceError{
		Code:       CodeUnauthorized,
		Message:    "invalid token",
		HTTPStatus: http.StatusUnauthorized,
		cause:      cause,
	}
}

// LicenseCheckFailed creates a license validation failure error.
func LicenseCheckFailed(message string, cause error) *ServiceError {
	if message == "" {
		message = "license validation failed"
	}
	return &ServiceError{
		Code:       CodeLicenseCheckFailed,
		Message:    message,
		HTTPStatus: http.StatusPaymentRequired,
		cause:      cause,
	}
}

// RateLimited creates a throttling error.
func RateLimited() *ServiceError {
	return &ServiceError{
		Code:       CodeRateLimited,
		Message:    "too many requests",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// PermissionDenied creates a role/permission failure error.
func PermissionDenied(message string) *ServiceError {
	if message == "" {
		message = "insufficient permissions"
	}
	return &ServiceError{
		Code:       CodePermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// Validation creates an input validation error.
func Validation(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound creates a missing-resource error.
func NotFound(message string) *ServiceError {
	return &ServiceError{
		Code:       CodeNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// Internal creates an internal error wrapping a cause.
func Internal(message string, cause error) *ServiceError {
	if message == "" {
		message = "internal error"
	}
	return &ServiceError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      cause,
	}
}

// GetServiceError extracts a *ServiceError from err, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
