package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind buckets provider failures for the router's recovery policy.
type ErrorKind string

const (
	// ErrorTransient covers timeouts, rate limits, 5xx, and connection
	// resets. Retried once, then the router advances the fallback chain.
	ErrorTransient ErrorKind = "transient"

	// ErrorAuth covers authentication and billing failures. Never retried.
	ErrorAuth ErrorKind = "auth"

	// ErrorInvalid covers malformed requests. Never retried.
	ErrorInvalid ErrorKind = "invalid"

	ErrorUnknown ErrorKind = "unknown"
)

// ErrNoProvider is returned when the router has no configured backend.
var ErrNoProvider = errors.New("no provider configured")

// AuthError is a hard provider failure that must not trigger fallback.
type AuthError struct {
	Provider string
	Cause    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s auth failure: %v", e.Provider, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// PermanentError marks a failure that must not be retried or failed over,
// regardless of the underlying cause.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }

func (e *PermanentError) Unwrap() error { return e.Cause }

// Classify buckets an error by inspecting wrapped sentinels and the
// message text reported by provider SDKs.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return ErrorAuth
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return ErrorInvalid
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "server error"):
		return ErrorTransient
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "billing"),
		strings.Contains(msg, "quota"):
		return ErrorAuth
	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "400"):
		return ErrorInvalid
	default:
		return ErrorUnknown
	}
}
