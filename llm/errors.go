package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorKind is the category of a failure, used to decide retry behavior and
// to surface a meaningful remediation to the caller.
type ErrorKind string

const (
	KindNetwork           ErrorKind = "network"
	KindTimeout           ErrorKind = "timeout"
	KindRateLimited       ErrorKind = "rate_limited"
	KindAuthInvalid       ErrorKind = "auth_invalid"
	KindServerError       ErrorKind = "server_error"
	KindClientError       ErrorKind = "client_error"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindValidation        ErrorKind = "validation"
	KindIntegrity         ErrorKind = "integrity"
	KindCancelled         ErrorKind = "cancelled"
	KindUnknown           ErrorKind = "unknown"
)

// Error is the provider-neutral error carried across the transport boundary.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	RetryAfter *time.Duration // Server-supplied hint, rate-limit errors only
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from an error chain. Context cancellation is
// reported as KindCancelled so callers can distinguish it from failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// retryable reports whether a kind is transient enough to retry.
func retryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimited, KindServerError:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error is transient and worth retrying.
func IsRetryable(err error) bool {
	return retryable(KindOf(err))
}

// IsCancelled reports whether the error represents cancellation rather than
// a failure.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// RetryAfterHint extracts a server-supplied retry-after duration, if any.
func RetryAfterHint(err error) *time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return nil
}

// Classify maps a transport-level failure to an ErrorKind. Exactly one of
// status and transportErr is meaningful: status is the HTTP status code of a
// completed exchange (zero if none), transportErr is the error from the HTTP
// client when the exchange never completed.
func Classify(status int, transportErr error) ErrorKind {
	if transportErr != nil {
		if errors.Is(transportErr, context.Canceled) {
			return KindCancelled
		}
		if errors.Is(transportErr, context.DeadlineExceeded) {
			return KindTimeout
		}
		var netErr net.Error
		if errors.As(transportErr, &netErr) && netErr.Timeout() {
			return KindTimeout
		}
		if status == 0 {
			return KindNetwork
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthInvalid
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindClientError
	default:
		return KindUnknown
	}
}
