// Package pperrors provides the structured error taxonomy for the
// pipeline. The set of kinds is closed: every public contract lists
// which kinds it can return, and the surfaces (MCP, HTTP) map kinds to
// protocol-level codes.
package pperrors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error. The taxonomy is closed.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindAuth             Kind = "AUTH"
	KindConfig           Kind = "CONFIG"
	KindTimeout          Kind = "TIMEOUT"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindSourceAdapter    Kind = "SOURCE_ADAPTER"
	KindCache            Kind = "CACHE"
	KindEmbedFailure     Kind = "EMBED_FAILURE"
	KindNotFound         Kind = "NOT_FOUND"
	KindOversizedPayload Kind = "OVERSIZED_PAYLOAD"
	KindUnknown          Kind = "UNKNOWN"
)

// Severity levels for error reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the structured error type carried through every layer.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter time.Duration
	Details    map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors by kind so errors.Is works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Severity returns the severity associated with the error kind.
func (e *Error) Severity() Severity { return severityFor(e.Kind) }

// Retryable reports whether a retry can reasonably succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindSourceAdapter, KindCache, KindEmbedFailure, KindUnknown:
		return true
	}
	return false
}

// RetryAfterMS returns the retry hint in milliseconds: the explicit
// value when set, otherwise the default for the kind.
func (e *Error) RetryAfterMS() int64 {
	if e.RetryAfter > 0 {
		return e.RetryAfter.Milliseconds()
	}
	return defaultRetryAfter(e.Kind).Milliseconds()
}

// WithDetail attaches a key-value detail and returns the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter overrides the default retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

func severityFor(k Kind) Severity {
	switch k {
	case KindValidation, KindCache, KindNotFound, KindOversizedPayload:
		return SeverityLow
	case KindTimeout, KindRateLimit, KindEmbedFailure, KindUnknown:
		return SeverityMedium
	case KindAuth, KindSourceAdapter:
		return SeverityHigh
	case KindConfig:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

func defaultRetryAfter(k Kind) time.Duration {
	switch k {
	case KindTimeout:
		return 2 * time.Second
	case KindSourceAdapter:
		return 5 * time.Second
	case KindCache, KindEmbedFailure, KindUnknown:
		return time.Second
	default:
		return 0
	}
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an existing error with a kind and message. Returns
// nil when err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Validation is shorthand for a caller-input error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFound is shorthand for a missing-entity error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// KindOf extracts the kind from any error in the chain. Context
// deadline errors map to TIMEOUT; everything else unclassified maps
// to UNKNOWN.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isDeadline(err) {
		return KindTimeout
	}
	return KindUnknown
}

// AsError converts any error to a structured *Error, classifying
// unwrapped errors as UNKNOWN (or TIMEOUT for deadline expiry).
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isDeadline(err) {
		return Wrap(KindTimeout, "operation exceeded its deadline", err)
	}
	return Wrap(KindUnknown, "unexpected error", err)
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
