package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies an upstream failure for retry policy decisions.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnavailable    ErrorKind = "provider_unavailable"
	KindUnknown        ErrorKind = "unknown"
)

// Error is the uniform failure shape every adapter returns. The router only
// ever inspects Kind; Status and Message exist for logs and error envelopes.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether the fallback controller may retry this failure.
// InvalidRequest is the caller's fault and never retried; Unknown gets a
// single conservative retry, enforced by the controller rather than here.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// NewError builds an adapter failure from an upstream HTTP status.
func NewError(providerName string, status int, message string) *Error {
	return &Error{
		Provider: providerName,
		Kind:     kindFromStatus(status),
		Status:   status,
		Message:  message,
	}
}

func kindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindUnavailable
	}
	return KindUnknown
}

// Classify wraps a transport-level error into the adapter failure shape.
// Context deadlines become Timeout so per-attempt timeouts feed the fallback
// controller like any other transient failure.
func Classify(providerName string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	kind := KindUnknown
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		kind = KindTimeout
	case errors.As(err, &nerr):
		kind = KindUnavailable
	}
	return &Error{Provider: providerName, Kind: kind, Message: err.Error()}
}
