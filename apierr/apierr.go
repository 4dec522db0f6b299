// Package apierr defines the service error model: stable numeric codes with
// their HTTP status mapping and default messages.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code pairs a stable numeric error code with its HTTP status.
type Code struct {
	Code    int
	Status  int
	Message string
}

var (
	MissingRequiredField = Code{Code: 1001, Status: http.StatusBadRequest, Message: "missing required field"}
	InvalidDataFormat    = Code{Code: 1002, Status: http.StatusUnsupportedMediaType, Message: "invalid data format"}
	InvalidData          = Code{Code: 1003, Status: http.StatusBadRequest, Message: "invalid data"}
	UnknownResource      = Code{Code: 1004, Status: http.StatusNotFound, Message: "unknown resource"}
	AlreadyInProgress    = Code{Code: 1005, Status: http.StatusBadRequest, Message: "operation already in progress"}
)

// Error is an API error carrying a Code and an optional cause.
type Error struct {
	Code   Code
	Detail string
	cause  error
}

func (e *Error) Error() string {
	msg := e.Code.Message
	if e.Detail != "" {
		msg = e.Detail
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// New returns an error for code with a specific detail message.
func New(code Code, detail string) error {
	return &Error{Code: code, Detail: detail}
}

// Newf formats the detail message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an API error.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, cause: err}
}

// From extracts the API error from err, if any.
func From(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
