// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped enriched logger.
// The transports store a logger carrying request_id (and client address)
// fields; downstream code retrieves it without importing the transport.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request correlation id.
type RequestIDKey struct{}
