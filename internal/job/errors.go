package job

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures across the engine.
type Kind string

const (
	// KindInput is a malformed target or an explicit rejection by the destination.
	KindInput Kind = "input"
	// KindTransient covers timeouts, transport failures and other retryable faults.
	KindTransient Kind = "transient"
	// KindResourceUnavailable means no browser session could be created.
	KindResourceUnavailable Kind = "resource_unavailable"
	// KindConflict is an internal compare-and-swap race.
	KindConflict Kind = "conflict"
	// KindNotification is a callback delivery failure.
	KindNotification Kind = "notification"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when the stored status does not match the expected one.
	ErrConflict = errors.New("job status conflict")
	// ErrInvalidTransition is returned for edges the status machine does not allow.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Error is a classified failure with a stable machine readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewInputError reports a non-retryable problem with the request or target.
func NewInputError(code, message string) *Error {
	return &Error{Kind: KindInput, Code: code, Message: message}
}

// NewTransientError reports a retryable worker failure.
func NewTransientError(code, message string, err error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, Err: err}
}

// NewUnavailableError reports that no session could be provided.
func NewUnavailableError(message string, err error) *Error {
	return &Error{Kind: KindResourceUnavailable, Code: "session_unavailable", Message: message, Err: err}
}

// NewNotificationError reports a failed callback delivery.
func NewNotificationError(message string, err error) *Error {
	return &Error{Kind: KindNotification, Code: "delivery_failed", Message: message, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var classified *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &classified):
		return classified.Kind
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindTransient
	}
}

// FailureFrom converts err into the human readable failure stored on a job.
func FailureFrom(err error) Failure {
	var classified *Error
	if errors.As(err, &classified) {
		return Failure{Kind: classified.Kind, Code: classified.Code, Message: classified.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure{Kind: KindTransient, Code: "timeout", Message: "attempt timed out"}
	}
	return Failure{Kind: KindOf(err), Code: "fetch_error", Message: err.Error()}
}
