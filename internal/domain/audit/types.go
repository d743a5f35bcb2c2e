// Package audit contains domain types for the tool call audit trail.
package audit

import (
	"strings"
	"time"
)

// Phase constants for audit records. Every tool call emits a start record
// before dispatch and an end record once the outcome is known.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// Outcome constants for end records.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Transport constants identify the surface a call arrived on.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Record represents a single auditable event from a tool call. Records
// serialize to JSON lines; omitempty keeps start records compact.
type Record struct {
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID ties the start and end records of one call together
	// and matches the request ID on the wire.
	CorrelationID string `json:"correlationId"`
	// TenantID and UserID identify the caller when one was resolved.
	TenantID string `json:"tenantId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	// ToolName is the published name of the tool being invoked.
	ToolName string `json:"toolName"`
	// Phase is "start" or "end".
	Phase string `json:"phase"`
	// Outcome is "ok" or "error"; only set on end records.
	Outcome string `json:"outcome,omitempty"`
	// ErrorCode carries the stable error code for failed calls.
	ErrorCode string `json:"errorCode,omitempty"`
	// DurationMs is the wall time of the call; only set on end records.
	DurationMs int64 `json:"durationMs,omitempty"`
	// Transport is the inbound surface ("http" or "stdio").
	Transport string `json:"transport,omitempty"`
	// Upstream names the upstream a gateway call was forwarded to.
	Upstream string `json:"upstream,omitempty"`
	// Arguments are the call arguments after redaction.
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive). Values are replaced with "***REDACTED***".
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = "***REDACTED***"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
