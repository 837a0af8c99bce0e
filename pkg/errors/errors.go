// Package errors defines the coded error type shared by the quote service layers.
//
// Every error that crosses a layer boundary is an *Error carrying a stable Code.
// Handlers translate codes into HTTP status codes with HTTPStatus; services and
// tests branch on codes with HasCode.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	ErrCodeInternal     Code = "INTERNAL"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"

	ErrCodeInvalidTransition       Code = "INVALID_TRANSITION"
	ErrCodeConcurrentModification  Code = "CONCURRENT_MODIFICATION"
	ErrCodeApprovalRequired        Code = "APPROVAL_REQUIRED"
	ErrCodeApprovalAlreadyResolved Code = "APPROVAL_ALREADY_RESOLVED"
	ErrCodeInsufficientStock       Code = "INSUFFICIENT_STOCK"
	ErrCodeTokenExpired            Code = "TOKEN_EXPIRED"
	ErrCodeTokenNotFound           Code = "TOKEN_NOT_FOUND"
	ErrCodeAlreadyResolved         Code = "ALREADY_RESOLVED"
	ErrCodeDeliveryTransient       Code = "DELIVERY_TRANSIENT_FAILURE"
	ErrCodeDeliveryPermanent       Code = "DELIVERY_PERMANENT_FAILURE"
)

// Error is a coded error with optional field and structured details.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// InvalidInput reports a request field that failed validation.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// As exposes the standard library helper so callers need only one errors import.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is exposes the standard library helper.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// HTTPStatus maps an error onto the status code returned to API callers.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound, ErrCodeTokenNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeTokenExpired:
		return http.StatusGone
	case ErrCodeInvalidTransition, ErrCodeInsufficientStock:
		return http.StatusUnprocessableEntity
	case ErrCodeConflict, ErrCodeConcurrentModification, ErrCodeApprovalRequired,
		ErrCodeApprovalAlreadyResolved, ErrCodeAlreadyResolved:
		return http.StatusConflict
	case ErrCodeDeliveryTransient, ErrCodeDeliveryPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
