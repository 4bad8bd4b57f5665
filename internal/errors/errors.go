// Package errors provides coded domain errors for the orchestration core and the API.
//
// Services return typed errors; handlers map them to HTTP statuses:
//
//	if errors.Is(err, errors.ErrAlreadyInFlight) {
//	    // 409, caller may retry later
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Code represents a machine-readable error code.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeValidation       Code = "VALIDATION"
	CodeAlreadyInFlight  Code = "ALREADY_IN_FLIGHT"
	CodeEmptyRange       Code = "EMPTY_RANGE"
	CodeTransportFailure Code = "TRANSPORT_FAILURE"
	CodeInvariant        Code = "INVARIANT"
	CodeInternal         Code = "INTERNAL"
)

// HTTPStatus returns the HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation, CodeEmptyRange:
		return http.StatusBadRequest
	case CodeAlreadyInFlight:
		return http.StatusConflict
	case CodeTransportFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// Sentinel errors for use with errors.Is().
var (
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation       = &Error{Code: CodeValidation, Message: "validation error"}
	ErrAlreadyInFlight  = &Error{Code: CodeAlreadyInFlight, Message: "job already in flight"}
	ErrEmptyRange       = &Error{Code: CodeEmptyRange, Message: "export range selects no chapters or dialogues"}
	ErrTransportFailure = &Error{Code: CodeTransportFailure, Message: "transport failure"}
	ErrInvariant        = &Error{Code: CodeInvariant, Message: "invariant violation"}
	ErrInternal         = &Error{Code: CodeInternal, Message: "internal error"}
)

func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with per-field details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

func AlreadyInFlightf(format string, args ...any) *Error {
	return &Error{Code: CodeAlreadyInFlight, Message: fmt.Sprintf(format, args...)}
}

// TransportFailure wraps a network, server or payload-shape error.
func TransportFailure(err error) *Error {
	return &Error{Code: CodeTransportFailure, Message: "transport failure", cause: err}
}

func TransportFailuref(format string, args ...any) *Error {
	return &Error{Code: CodeTransportFailure, Message: fmt.Sprintf(format, args...)}
}

func Invariantf(format string, args ...any) *Error {
	return &Error{Code: CodeInvariant, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
