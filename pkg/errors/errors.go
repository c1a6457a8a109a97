package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a proxy error. The dispatcher uses the kind to decide
// between failover and short-circuit; the HTTP layer maps it to a status
// code and a stable wire-level error type.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindAuth              Kind = "authentication_error"
	KindRateLimit         Kind = "rate_limit_error"
	KindUpstreamTransient Kind = "upstream_unavailable"
	KindUpstreamClient    Kind = "backend_error"
	KindUpstreamProtocol  Kind = "backend_error_protocol"
	KindTranslation       Kind = "translation_error"
	KindLoopDetected      Kind = "loop_detected"
	KindCommand           Kind = "command_error"
	KindTimeout           Kind = "timeout_error"
	KindInternal          Kind = "internal_error"
)

// Error is the proxy-wide error value. Connector errors are tagged with
// backend, model and key name (never key material) so the dispatcher and
// logs can attribute failures without leaking secrets.
type Error struct {
	Kind       Kind
	Message    string
	Backend    string
	Model      string
	KeyName    string
	RetryAfter time.Duration // only meaningful for KindRateLimit / transient errors
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Backend != "" {
		msg += fmt.Sprintf(" (backend=%s", e.Backend)
		if e.Model != "" {
			msg += fmt.Sprintf(" model=%s", e.Model)
		}
		if e.KeyName != "" {
			msg += fmt.Sprintf(" key=%s", e.KeyName)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind with a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a request validation error.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// AuthFailed creates an upstream credential failure tagged with the backend
// and the failing key name. Triggers key rotation in the dispatcher.
func AuthFailed(backend, keyName, message string) *Error {
	return &Error{Kind: KindAuth, Message: message, Backend: backend, KeyName: keyName}
}

// RateLimited creates a throttle error. retryAfter of zero means unknown.
func RateLimited(backend, keyName string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    "rate limited",
		Backend:    backend,
		KeyName:    keyName,
		RetryAfter: retryAfter,
	}
}

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FailoverEligible reports whether the dispatcher may continue with the next
// attempt after this error. Client validation errors short-circuit the whole
// dispatch; only auth, throttle and transient upstream failures roll over.
func FailoverEligible(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindRateLimit, KindUpstreamTransient, KindUpstreamProtocol:
		return true
	default:
		return false
	}
}

// WireType returns the stable error type string used in HTTP error bodies.
func WireType(err error) string {
	switch KindOf(err) {
	case KindValidation, KindTranslation, KindNotFound:
		return "validation_error"
	case KindAuth:
		return "authentication_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindUpstreamClient, KindUpstreamProtocol:
		return "backend_error"
	case KindUpstreamTransient:
		return "upstream_unavailable"
	case KindLoopDetected:
		return "loop_detected"
	case KindCommand:
		return "command_error"
	case KindTimeout:
		return "timeout_error"
	default:
		return "internal_error"
	}
}
