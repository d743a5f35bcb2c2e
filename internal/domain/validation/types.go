// Package validation rejects malformed tool invocations before they reach
// the pipeline: tool name shape, argument depth and property counts, and
// request size limits, each mapped to a deterministic JSON-RPC error code.
package validation

import "fmt"

// JSON-RPC 2.0 error codes used across the inbound surface.
// https://www.jsonrpc.org/specification#error_object
const (
	// ErrCodeParseError indicates invalid JSON was received.
	ErrCodeParseError = -32700

	// ErrCodeInvalidRequest indicates the JSON is not a valid Request object.
	ErrCodeInvalidRequest = -32600

	// ErrCodeMethodNotFound indicates the method does not exist.
	ErrCodeMethodNotFound = -32601

	// ErrCodeInvalidParams indicates invalid method parameters, including
	// every size/depth/count/name limit violation.
	ErrCodeInvalidParams = -32602

	// ErrCodeInternalError indicates an unexpected server-side failure.
	ErrCodeInternalError = -32603

	// ErrCodeServerError is the generic implementation-defined failure
	// (timeouts, upstream errors, parse failures past the boundary).
	ErrCodeServerError = -32000

	// ErrCodeUnavailable signals a retryable condition: rate limited or
	// upstream unavailable.
	ErrCodeUnavailable = -32001
)

// ValidationError is a validation failure carrying a JSON-RPC error code.
// Message is safe for clients: no internal details, paths, or stack traces.
type ValidationError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError with the given code and message.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}
