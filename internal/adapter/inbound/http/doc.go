// Package http provides the inbound HTTP transport for Contextify.
//
// The transport serves the MCP JSON-RPC surface over a single POST endpoint
// and drives everything through the inbound ToolAPI port, so the same code
// fronts both the local tool provider and the multi-upstream gateway.
//
// # Usage
//
// Create and start a transport:
//
//	transport := http.NewTransport(api,
//	    http.WithAddr(":8080"),
//	    http.WithLogger(logger),
//	    http.WithRateLimiter(limiter),
//	    http.WithHealthChecker(checker),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /mcp                                - JSON-RPC 2.0: initialize, tools/list, tools/call
//	GET  /.well-known/contextify/manifest    - discovery document / health probe target
//	GET  /contextify/gateway/diagnostics     - catalog age, checksum, upstream status
//	GET  /healthz                            - component health (503 when unhealthy)
//	GET  /metrics                            - Prometheus exposition
//	GET  /contextify/debug/catalog           - tool name dump (debug endpoints only)
//	GET  /contextify/debug/audit             - recent audit records (debug endpoints only)
//
// # Error Surface
//
// JSON-RPC errors ride HTTP 200 with the standard codes (-32700 parse,
// -32600 invalid request, -32601 method not found, -32602 invalid params,
// -32603 internal, -32000 server, -32001 retryable). Two conditions switch
// the HTTP status: an oversized body answers 413 and a rate-limit denial
// answers 429 with X-RateLimit-Limit, X-RateLimit-WindowMs, and Retry-After
// headers. Stable failure codes (POLICY_DENIED, RATE_LIMITED, ...) travel in
// the error data object, as does the short correlation id on internal
// errors when the deployment opts in.
//
// # Middleware Chain
//
// Requests to /mcp pass through middleware in this order:
//
//  1. MetricsMiddleware - request counts and durations
//  2. RequestIDMiddleware - correlation id + enriched logger in context
//  3. BodyLimitMiddleware - request body cap
//  4. IdentityMiddleware - API-key verification or trusted identity headers
//  5. RateLimiter.Middleware - per-scope quota enforcement on tools/call
//  6. mcpHandler - envelope validation and method dispatch
package http
