// Package errors provides structured error types with codes for the identity service.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors.
const (
	CodeInternal        = "internal_error"
	CodeInvalidInput    = "invalid_input"
	CodeUnauthorized    = "unauthorized"
	CodeSigning         = "signing_error"
	CodeCookieTampered  = "cookie_tampered"
	CodeCookieExpired   = "cookie_expired"
	CodeCookieMalformed = "cookie_malformed"
	CodeDigestMismatch  = "digest_mismatch"
	CodeKVDeserialize   = "kv_deserialize"
	CodeKVTransient     = "kv_transient"
	CodeKVPermanent     = "kv_permanent"
	CodeSessionMissing  = "session_missing"
)

// Error represents a structured error with a code and message.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Code returns the code of the outermost *Error in err's chain, or
// CodeInternal when err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCookieError reports whether err means the presented cookie cannot be
// trusted. Callers treat these as "no session" after logging.
func IsCookieError(err error) bool {
	switch Code(err) {
	case CodeCookieTampered, CodeCookieExpired, CodeCookieMalformed:
		return true
	}
	return false
}

// IsTransient reports whether the whole operation may be retried.
func IsTransient(err error) bool {
	return IsCode(err, CodeKVTransient)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// Signing creates a signing error.
func Signing(message string, err error) *Error {
	return &Error{
		Code:    CodeSigning,
		Message: message,
		Err:     err,
	}
}

// Transient creates a retryable KV backend error.
func Transient(message string, err error) *Error {
	return &Error{
		Code:    CodeKVTransient,
		Message: message,
		Err:     err,
	}
}

// Permanent creates a non-retryable KV backend error.
func Permanent(message string, err error) *Error {
	return &Error{
		Code:    CodeKVPermanent,
		Message: message,
		Err:     err,
	}
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}
