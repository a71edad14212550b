// Package enginerr defines the error taxonomy shared by every component of
// the execution engine, so that callers across dockerx, containerpool,
// agentexec, session, and realtime can classify failures the same way.
package enginerr

import (
	"errors"
	"fmt"
)

// Code classifies a failure the way the realtime gateway and HTTP-adjacent
// callers need to react to it.
type Code string

const (
	AuthDenied            Code = "auth_denied"
	NotFound              Code = "not_found"
	InvalidArgument       Code = "invalid_argument"
	QuotaExceeded         Code = "quota_exceeded"
	ContainerUnavailable  Code = "container_unavailable"
	ExecutionFailed       Code = "execution_failed"
	Aborted               Code = "aborted"
	Timeout               Code = "timeout"
	BackpressureDrop      Code = "backpressure_drop"
	Internal              Code = "internal"
)

// Error is the concrete error type returned by engine components. Transient
// marks container_unavailable errors that are safe to retry once, as opposed
// to permanent unavailability (bad image, missing network) that is not.
type Error struct {
	Code      Code
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error carrying a wrapped cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WrapTransient constructs a container_unavailable-style Error marked
// retryable once by the caller.
func WrapTransient(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, Transient: true}
}

// CodeOf extracts the Code from err, defaulting to Internal when err does
// not carry one of ours.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsTransient reports whether err is a retryable container_unavailable error.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}
