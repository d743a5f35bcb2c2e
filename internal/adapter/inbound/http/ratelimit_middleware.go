package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/contextify/contextify/internal/adapter/outbound/memory"
	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/validation"
	"github.com/contextify/contextify/pkg/mcp"
)

// acquireTimeout bounds how long a queued acquisition may hold the request.
// Queue-0 policies never wait at all.
const acquireTimeout = 5 * time.Second

// RateLimiter enforces quota policies on tools/call requests before they
// reach the dispatcher. The body is buffered once to learn the tool name and
// replayed for the handler; every other method passes through untouched.
type RateLimiter struct {
	selector *ratelimit.Selector
	cache    *memory.LimiterCache
	logger   *slog.Logger
	metrics  *Metrics // set when the transport assembles the chain
}

// NewRateLimiter builds the middleware state. The selector decides which
// policy (if any) applies to a tool name; the cache keeps one limiter per
// scope key alive between requests.
func NewRateLimiter(selector *ratelimit.Selector, cache *memory.LimiterCache, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{selector: selector, cache: cache, logger: logger}
}

// Middleware wraps next with quota enforcement.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeOversized(w)
				return
			}
			writeError(w, http.StatusOK, nil, validation.ErrCodeParseError, "failed to read request body", nil)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		// Malformed envelopes fall through; the handler owns their errors.
		var peek struct {
			Method string          `json:"method"`
			ID     json.RawMessage `json:"id"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		if err := json.Unmarshal(body, &peek); err != nil || peek.Method != mcp.MethodToolsCall {
			next.ServeHTTP(w, r)
			return
		}

		policy := rl.selector.Select(peek.Params.Name)
		if policy == nil {
			next.ServeHTTP(w, r)
			return
		}

		identity := IdentityFromContext(r.Context())
		key := ratelimit.Key(policy.Scope, ratelimit.Identity{
			TenantID: identity.TenantID,
			UserID:   identity.UserID,
		}, peek.Params.Name)
		limiter := rl.cache.Limiter(key, policy)

		var decision ratelimit.Decision
		if policy.QueueLimit > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), acquireTimeout)
			decision = limiter.Acquire(ctx)
			cancel()
		} else {
			decision = limiter.TryAcquire()
		}

		if !decision.Allowed {
			rl.deny(w, r, peek.ID, peek.Params.Name, policy, decision)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deny writes the 429 response: quota headers, the retry hint, and a
// JSON-RPC error body carrying the stable failure code.
func (rl *RateLimiter) deny(w http.ResponseWriter, r *http.Request, id json.RawMessage, toolName string, policy *ratelimit.QuotaPolicy, decision ratelimit.Decision) {
	res := tool.RateLimitedResult(decision.RetryAfter)
	retryAfterSec := res.Failure.RetryAfterSec

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.PermitLimit))
	if policy.WindowMs > 0 {
		w.Header().Set("X-RateLimit-WindowMs", strconv.FormatInt(policy.WindowMs, 10))
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))

	if rl.metrics != nil {
		rl.metrics.RateLimitedTotal.WithLabelValues(string(policy.Scope)).Inc()
	}
	LoggerFromContext(r.Context()).Warn("rate limit exceeded",
		"tool", toolName,
		"scope", string(policy.Scope),
		"retry_after_sec", retryAfterSec,
	)

	writeError(w, http.StatusTooManyRequests, id, validation.ErrCodeUnavailable, res.Failure.Message, &rpcErrorData{
		ErrorCode:     string(tool.ErrorRateLimited),
		RetryAfterSec: retryAfterSec,
	})
}
