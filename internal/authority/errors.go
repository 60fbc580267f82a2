package authority

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies authority failures
type ErrorKind string

const (
	// KindTransport covers TLS, timeouts, connection resets and cancelled calls
	KindTransport ErrorKind = "transport"

	// KindRejected is a business rejection by the authority; never retried
	KindRejected ErrorKind = "rejected"

	// KindTransient is an explicit temporary failure reported by the authority
	KindTransient ErrorKind = "transient"

	// KindProtocol is a response the client could not interpret
	KindProtocol ErrorKind = "protocol"
)

// Error wraps authority failures with a normalized kind
type Error struct {
	Kind      ErrorKind
	Operation string
	Code      string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("authority %s [%s]", e.Operation, e.Kind)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request may be sent again
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTransient || e.Kind == KindProtocol
}

func newError(kind ErrorKind, operation, code, message string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Code: code, Message: message, Cause: cause}
}

// transportError classifies a failed HTTP round trip
func transportError(operation string, err error) *Error {
	msg := "request failed"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "deadline exceeded"
	case errors.Is(err, context.Canceled):
		msg = "cancelled"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "timeout"
	}
	return newError(KindTransport, operation, "", msg, err)
}

// IsRetryable checks if an error is worth retrying with the same payload
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// IsRejected reports whether the authority refused the submission
func IsRejected(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindRejected
}

// Kind extracts the error kind, or "" for non-authority errors
func Kind(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
