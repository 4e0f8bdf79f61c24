// Package mexc provides a resilient REST client for the MEXC exchange API
// with token-bucket rate limiting, classified retries, and request metrics.
package mexc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an API failure for retry and health decisions.
type ErrorKind string

const (
	// KindRateLimited maps HTTP 429. Retryable; marks the run degraded.
	KindRateLimited ErrorKind = "RateLimited"
	// KindWafLimited maps HTTP 403 (WAF throttling). Retryable; marks the run degraded.
	KindWafLimited ErrorKind = "WafLimited"
	// KindTransient maps 5xx, timeouts, connection errors and undecodable
	// success bodies. Retryable.
	KindTransient ErrorKind = "Transient"
	// KindFatal maps remaining 4xx and structurally invalid payloads. Not retryable.
	KindFatal ErrorKind = "Fatal"
)

// HTTPError is the typed error surfaced by the client once the retry budget
// for a request is exhausted (or immediately, for fatal outcomes).
type HTTPError struct {
	Kind         ErrorKind
	Message      string
	StatusCode   int    // 0 when no HTTP response was received
	ResponseText string // raw body, possibly truncated
}

func (e *HTTPError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s | status=%d", e.Message, e.StatusCode)
	}
	return e.Message
}

// TypeName returns the taxonomy label recorded in pipeline state.
func (e *HTTPError) TypeName() string {
	return string(e.Kind) + "HttpError"
}

func newHTTPError(kind ErrorKind, message string, status int, body string) *HTTPError {
	return &HTTPError{Kind: kind, Message: message, StatusCode: status, ResponseText: body}
}

// IsFatal reports whether err is a non-retryable API error.
func IsFatal(err error) bool { return hasKind(err, KindFatal) }

// IsRateLimited reports whether err is an HTTP 429 classification.
func IsRateLimited(err error) bool { return hasKind(err, KindRateLimited) }

// IsWafLimited reports whether err is an HTTP 403 classification.
func IsWafLimited(err error) bool { return hasKind(err, KindWafLimited) }

// IsTransient reports whether err is a retryable transport-level failure.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

func hasKind(err error, kind ErrorKind) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Kind == kind
	}
	return false
}
