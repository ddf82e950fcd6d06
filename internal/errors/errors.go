// Package errors defines the typed application errors returned by the
// approval engine and its repositories. Every error carries a Code so the
// HTTP and gRPC layers can map it without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeInvalidState         Code = "INVALID_STATE"
	ErrCodeValidation           Code = "VALIDATION_ERROR"
	ErrCodeDelegationNotAllowed Code = "DELEGATION_NOT_ALLOWED"
	ErrCodeRollbackUnavailable  Code = "ROLLBACK_UNAVAILABLE"
	ErrCodeConflict             Code = "CONCURRENCY_CONFLICT"
	ErrCodeForbidden            Code = "FORBIDDEN"
	ErrCodeInternal             Code = "INTERNAL"
)

// AppError is the error type returned across package boundaries.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

// New creates an AppError with the given code.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports an unknown resource id.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a missing or malformed request field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Field: field, Message: message}
}

func InvalidState(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidState, Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

func DelegationNotAllowed(message string) *AppError {
	return &AppError{Code: ErrCodeDelegationNotAllowed, Message: message}
}

func RollbackUnavailable(message string) *AppError {
	return &AppError{Code: ErrCodeRollbackUnavailable, Message: message}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Actionable reports whether retrying the same request could still succeed.
// Stale-state codes mean the workflow has moved on.
func Actionable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidState, ErrCodeConflict, ErrCodeRollbackUnavailable:
		return false
	}
	return true
}
