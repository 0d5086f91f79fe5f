// Package errors provides the coded error type shared by every layer of the
// approvals service. Business-rule failures carry a Code that handlers map to
// HTTP statuses and gRPC codes without inspecting message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers.
type Code string

const (
	ErrCodeConfiguration  Code = "CONFIGURATION_ERROR"
	ErrCodeUnauthorized   Code = "UNAUTHORIZED"
	ErrCodeInvalidState   Code = "INVALID_STATE"
	ErrCodeDeadlinePassed Code = "DEADLINE_PASSED"
	ErrCodeNotFound       Code = "NOT_FOUND"
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeInternal       Code = "INTERNAL_ERROR"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Wrapping an *Error
// that already carries a non-internal code keeps that code.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if stderrors.As(err, &existing) && existing.Code != ErrCodeInternal && code == ErrCodeInternal {
		return existing
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// Configuration reports a matrix that cannot be evaluated or instantiated.
func Configuration(format string, args ...any) *Error {
	return Newf(ErrCodeConfiguration, format, args...)
}

// Unauthorized reports an actor that may not perform the action.
func Unauthorized(format string, args ...any) *Error {
	return Newf(ErrCodeUnauthorized, format, args...)
}

// InvalidState reports an action attempted against a resolved or inactive record.
func InvalidState(format string, args ...any) *Error {
	return Newf(ErrCodeInvalidState, format, args...)
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status handlers respond with. Business-rule
// violations are 422.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeConfiguration, ErrCodeUnauthorized, ErrCodeInvalidState, ErrCodeDeadlinePassed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
