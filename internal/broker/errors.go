package broker

import (
	"errors"
	"fmt"
)

const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

type Error struct {
	Code      string
	Message   string
	Transient bool
	Status    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code so callers can test against the sentinels below
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeTimeout:
		return 408
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, transient bool) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: transient,
		Status:    statusForCode(code),
	}
}

// ErrNotConnected is returned by mutating operations while the broker is
// disconnected.
var ErrNotConnected = newError(CodeUnavailable, "broker not connected", true)

func NewValidationError(message string) error {
	return newError(CodeValidation, message, false)
}

func NewValidationJSONError(err error) error {
	return newError(CodeValidation, "invalid json: "+err.Error(), false)
}

func NewNotFoundError(message string) error {
	return newError(CodeNotFound, message, false)
}

func NewInternalError(message string) error {
	return newError(CodeInternal, message, true)
}

// HandlerPanicError wraps a value recovered from a panicking subscriber.
type HandlerPanicError struct {
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("subscriber panicked: %v", e.Value)
}
