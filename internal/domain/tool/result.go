package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies invocation failures. Codes are stable identifiers
// surfaced to callers; messages are advisory and never carry internals.
type ErrorCode string

const (
	ErrorInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrorToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	ErrorPolicyDenied        ErrorCode = "POLICY_DENIED"
	ErrorRateLimited         ErrorCode = "RATE_LIMITED"
	ErrorTimeout             ErrorCode = "TIMEOUT"
	ErrorCancelled           ErrorCode = "CANCELLED"
	ErrorUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrorUpstreamError       ErrorCode = "UPSTREAM_ERROR"
	ErrorParseError          ErrorCode = "PARSE_ERROR"
	ErrorInternal            ErrorCode = "INTERNAL_ERROR"
)

// Failure describes why an invocation did not produce content. Transient
// failures may succeed on retry; RetryAfterSec is a hint, zero when unknown.
type Failure struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	Transient     bool      `json:"transient,omitempty"`
	RetryAfterSec int64     `json:"retryAfterSec,omitempty"`
}

// Result is the outcome of a tool invocation: either content (text or JSON)
// or a Failure. Pipeline actions and dispatchers return failures as values;
// they never panic and never surface raw errors past the transport boundary.
type Result struct {
	Text    string          `json:"text,omitempty"`
	JSON    json.RawMessage `json:"json,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// TextResult wraps plain text content.
func TextResult(text string) Result {
	return Result{Text: text}
}

// JSONResult wraps structured JSON content.
func JSONResult(raw json.RawMessage) Result {
	return Result{JSON: raw}
}

// Fail builds a permanent failure result.
func Fail(code ErrorCode, format string, args ...any) Result {
	return Result{Failure: &Failure{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}}
}

// TransientFail builds a failure the caller may retry.
func TransientFail(code ErrorCode, format string, args ...any) Result {
	r := Fail(code, format, args...)
	r.Failure.Transient = true
	return r
}

// RateLimitedResult builds the RATE_LIMITED failure with a retry hint.
// retryAfter is rounded up to whole seconds, minimum one.
func RateLimitedResult(retryAfter time.Duration) Result {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return Result{Failure: &Failure{
		Code:          ErrorRateLimited,
		Message:       "rate limit exceeded",
		Transient:     true,
		RetryAfterSec: secs,
	}}
}

// Failed reports whether the result carries a failure.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// FromContextErr maps a context error to the matching failure result:
// deadline expiry becomes a transient TIMEOUT, cancellation becomes
// CANCELLED. Other errors map to INTERNAL_ERROR.
func FromContextErr(err error) Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TransientFail(ErrorTimeout, "execution timed out")
	case errors.Is(err, context.Canceled):
		return Fail(ErrorCancelled, "invocation cancelled")
	default:
		return Fail(ErrorInternal, "internal error")
	}
}
