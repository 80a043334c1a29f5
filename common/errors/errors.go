// Package errors provides the typed error taxonomy shared across the engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicates the error
	Message string `json:"message"`
	// Status is the HTTP status code the error maps to
	Status int `json:"-"`

	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message, Status: http.StatusInternalServerError}
}

func NewWithKind(kind string, status int) *Error {
	return &Error{Kind: kind, Status: status}
}

func Wrap(err error) *Error {
	return &Error{cause: err, Status: http.StatusInternalServerError}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap sets the error cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Is implements the needed interface for errors.Is.
// Two Errors are equal when their kinds match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// HTTPStatus returns the HTTP status code for an error, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Generic storage/transport errors
var (
	Invalid     = NewWithKind("Invalid", http.StatusBadRequest)
	NotFound    = NewWithKind("NotFound", http.StatusNotFound)
	Conflict    = NewWithKind("Conflict", http.StatusConflict)
	BadGateway  = NewWithKind("BadGateway", http.StatusBadGateway)
	Unavailable = NewWithKind("Unavailable", http.StatusServiceUnavailable)
)

// Engine error taxonomy.
//
// SlotNotBiddable, DuplicateActiveRequest and PaymentRequired are caller input
// errors rejected synchronously. GatewayCancelFailed is an external dependency
// failure recorded for manual reconciliation. ResolutionRace is the expected
// no-op outcome when a conditional status update loses a race; callers log it
// at debug level and never surface it.
var (
	SlotNotBiddable        = NewWithKind("SlotNotBiddable", http.StatusConflict)
	DuplicateActiveRequest = NewWithKind("DuplicateActiveRequest", http.StatusConflict)
	PaymentRequired        = NewWithKind("PaymentRequired", http.StatusPaymentRequired)
	GatewayCancelFailed    = NewWithKind("GatewayCancelFailed", http.StatusBadGateway)
	ResolutionRace         = NewWithKind("ResolutionRace", http.StatusConflict)
)
