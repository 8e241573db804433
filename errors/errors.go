// Package errors provides standardized error handling for fiberstream
// components. Errors crossing the transport boundary are classified so the
// reconnect policy can decide whether an automatic retry is allowed.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Class represents the classification of an error for retry purposes.
type Class int

const (
	// ClassUnknown is the default classification. Unknown errors are retryable.
	ClassUnknown Class = iota
	// ClassAuth covers 401/403 responses. Never retried automatically.
	ClassAuth
	// ClassProtocol covers malformed exchanges and 4xx responses other than
	// 408/429. Never retried automatically.
	ClassProtocol
	// ClassServer covers 5xx responses plus 408/429. Retryable.
	ClassServer
	// ClassNetwork covers dial failures, timeouts and dropped connections.
	// Retryable. Heartbeat timeouts are always classified as network errors.
	ClassNetwork
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassProtocol:
		return "protocol"
	case ClassServer:
		return "server"
	case ClassNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this class feed the automatic
// reconnect/backoff policy. Non-retryable classes stop automatic retries but
// leave a manual reconnect available.
func (c Class) Retryable() bool {
	switch c {
	case ClassAuth, ClassProtocol:
		return false
	default:
		return true
	}
}

// Standard error variables for common conditions.
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrClosed         = errors.New("component closed")

	// Connection errors
	ErrNoConnection     = errors.New("no connection available")
	ErrConnectionLost   = errors.New("connection lost")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrRetriesExhausted = errors.New("maximum retries exceeded")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Command channel errors
	ErrCommandTimeout    = errors.New("command timed out")
	ErrCommandSuperseded = errors.New("command superseded by duplicate id")
)

// ClassifiedError wraps an error with its transport classification.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapClass wraps an error with context and an explicit classification.
func WrapClass(class Class, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapAuth wraps an error as an authentication failure.
func WrapAuth(err error, component, method, action string) error {
	return WrapClass(ClassAuth, err, component, method, action)
}

// WrapProtocol wraps an error as a protocol failure.
func WrapProtocol(err error, component, method, action string) error {
	return WrapClass(ClassProtocol, err, component, method, action)
}

// WrapServer wraps an error as a retryable server-side failure.
func WrapServer(err error, component, method, action string) error {
	return WrapClass(ClassServer, err, component, method, action)
}

// WrapNetwork wraps an error as a retryable network failure.
func WrapNetwork(err error, component, method, action string) error {
	return WrapClass(ClassNetwork, err, component, method, action)
}

// ClassOf returns the classification of an error. Unwrapped errors default
// to ClassUnknown, which is retryable.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrHeartbeatTimeout) || errors.Is(err, ErrConnectionLost) {
		return ClassNetwork
	}
	return ClassUnknown
}

// Retryable reports whether the reconnect policy may act on this error.
func Retryable(err error) bool {
	return ClassOf(err).Retryable()
}

// ClassifyStatusCode maps an HTTP response status to an error class.
// 408 and 429 are grouped with server errors because they indicate a
// condition that may clear on its own.
func ClassifyStatusCode(code int) Class {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return ClassServer
	case code >= 400 && code < 500:
		return ClassProtocol
	case code >= 500:
		return ClassServer
	default:
		return ClassUnknown
	}
}
