// Package errors defines the error kinds surfaced by the account handlers.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInputInvalid is returned on malformed or missing form fields
	ErrInputInvalid = "input_invalid"

	// ErrCSRFRefused is returned when the safe-handler check refuses a POST
	ErrCSRFRefused = "csrf_refused"

	// ErrRateLimited is returned when the rate limiter advised a disconnect
	ErrRateLimited = "rate_limited"

	// ErrAuthWrongFlavor is returned when the action is not supported on the
	// detected auth type
	ErrAuthWrongFlavor = "auth_wrong_flavor"

	// ErrPreconditionFailed is returned on wrong current password, missing
	// peer sponsorship and similar action-specific refusals
	ErrPreconditionFailed = "precondition_failed"

	// ErrTokenInvalid is returned on expired or credential-mismatched tokens
	ErrTokenInvalid = "token_invalid"

	// ErrCacheUnavailable is returned when a file-mark read or write failed
	ErrCacheUnavailable = "cache_unavailable"

	// ErrDBUnavailable is returned when the user DB is unreadable or a write
	// failed
	ErrDBUnavailable = "db_unavailable"

	// ErrEmailSendFailed is returned when an outbound notification failed
	ErrEmailSendFailed = "email_send_failed"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given type, message, and cause
func NewError(errType, message string, cause error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// NewInputInvalidError creates a new input_invalid error
func NewInputInvalidError(message string, cause error) *Error {
	return NewError(ErrInputInvalid, message, cause)
}

// NewCSRFRefusedError creates a new csrf_refused error
func NewCSRFRefusedError(message string) *Error {
	return NewError(ErrCSRFRefused, message, nil)
}

// NewRateLimitedError creates a new rate_limited error
func NewRateLimitedError(message string) *Error {
	return NewError(ErrRateLimited, message, nil)
}

// NewAuthWrongFlavorError creates a new auth_wrong_flavor error
func NewAuthWrongFlavorError(message string) *Error {
	return NewError(ErrAuthWrongFlavor, message, nil)
}

// NewPreconditionFailedError creates a new precondition_failed error
func NewPreconditionFailedError(message string) *Error {
	return NewError(ErrPreconditionFailed, message, nil)
}

// NewTokenInvalidError creates a new token_invalid error
func NewTokenInvalidError(message string, cause error) *Error {
	return NewError(ErrTokenInvalid, message, cause)
}

// NewCacheUnavailableError creates a new cache_unavailable error
func NewCacheUnavailableError(message string, cause error) *Error {
	return NewError(ErrCacheUnavailable, message, cause)
}

// NewDBUnavailableError creates a new db_unavailable error
func NewDBUnavailableError(message string, cause error) *Error {
	return NewError(ErrDBUnavailable, message, cause)
}

// NewEmailSendFailedError creates a new email_send_failed error
func NewEmailSendFailedError(message string, cause error) *Error {
	return NewError(ErrEmailSendFailed, message, cause)
}

// IsType checks if the given error is an Error of the given type
func IsType(err error, errType string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errType
	}
	return false
}
