// Package errors provides the structured error taxonomy shared by the
// core and ws-delivery services, with a fixed mapping onto HTTP statuses.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeAuthentication  ErrorType = "authentication"
	ErrorTypeAuthorization   ErrorType = "authorization"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypePayloadTooLarge ErrorType = "payload_too_large"
	ErrorTypeStorage         ErrorType = "storage"
	ErrorTypeBus             ErrorType = "bus"
	ErrorTypeProtocol        ErrorType = "protocol"
	ErrorTypeInternal        ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Cause      error     `json:"-"` // Original error, not serialized
	HTTPStatus int       `json:"-"` // HTTP status code for API responses
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: getDefaultHTTPStatus(errorType),
	}
}

// NewAppErrorWithCause creates a new application error with an underlying cause
func NewAppErrorWithCause(errorType ErrorType, message string, cause error) *AppError {
	err := NewAppError(errorType, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// WithDetails adds additional details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithHTTPStatus sets a custom HTTP status code
func (e *AppError) WithHTTPStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrorTypeProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Common error constructors

// NewValidationError creates a validation error (422)
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, message)
}

// NewAuthenticationError creates an authentication error (401)
func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, message)
}

// NewAuthorizationError creates an authorization error (403)
func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, message)
}

// NewNotFoundError creates a not found error (404)
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewConflictError creates a conflict error (409)
func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, message)
}

// NewPayloadTooLargeError creates a payload too large error (413)
func NewPayloadTooLargeError(size, maxSize int) *AppError {
	return NewAppError(ErrorTypePayloadTooLarge,
		fmt.Sprintf("content size %d exceeds maximum %d", size, maxSize))
}

// NewProtocolError creates a malformed-input error (400)
func NewProtocolError(message string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeProtocol, message, cause)
}

// NewStorageError creates a storage error (500)
func NewStorageError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeStorage,
		fmt.Sprintf("storage operation failed: %s", operation), cause)
}

// NewBusError creates a message bus error (500)
func NewBusError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeBus,
		fmt.Sprintf("bus operation failed: %s", operation), cause)
}

// NewInternalError creates an internal server error (500)
func NewInternalError(message string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeInternal, message, cause)
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetErrorType returns the error type if it's an AppError
func GetErrorType(err error) (ErrorType, bool) {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type, true
	}
	return "", false
}
