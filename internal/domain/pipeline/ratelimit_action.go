package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/tool"
)

// maxPermitWait bounds queued permit acquisition so a saturated limiter
// cannot hold calls indefinitely.
const maxPermitWait = 5 * time.Second

// LimiterProvider resolves the limiter for a key and quota policy, creating
// it on first use. Implementations cache limiters with LRU and TTL
// eviction.
type LimiterProvider interface {
	Limiter(key string, quota *ratelimit.QuotaPolicy) ratelimit.Limiter
}

// RateLimitAction acquires one permit per invocation under the effective
// policy's quota. Denials become transient RATE_LIMITED failures with a
// retry hint when the limiter can estimate one.
type RateLimitAction struct {
	limiters LimiterProvider
	logger   *slog.Logger
}

// NewRateLimitAction creates the order-120 rate limit action.
func NewRateLimitAction(limiters LimiterProvider, logger *slog.Logger) *RateLimitAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitAction{limiters: limiters, logger: logger}
}

// Order implements Action.
func (a *RateLimitAction) Order() int { return OrderRateLimit }

// Applies implements Action.
func (a *RateLimitAction) Applies(inv *Invocation) bool {
	return a.limiters != nil && inv.Policy.RateLimit != nil
}

// Invoke implements Action.
func (a *RateLimitAction) Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result {
	if err := ctx.Err(); err != nil {
		return tool.FromContextErr(err)
	}

	quota := inv.Policy.RateLimit
	key := ratelimit.Key(quota.Scope, a.identityFor(inv, quota), inv.ToolName)
	limiter := a.limiters.Limiter(key, quota)

	var decision ratelimit.Decision
	if quota.QueueLimit > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, maxPermitWait)
		decision = limiter.Acquire(waitCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return tool.FromContextErr(err)
		}
	} else {
		decision = limiter.TryAcquire()
	}

	if !decision.Allowed {
		a.logger.Warn("rate limit exceeded",
			"tool", inv.ToolName,
			"key", key,
			"retry_after", decision.RetryAfter,
		)
		return tool.RateLimitedResult(decision.RetryAfter)
	}
	return next(ctx, inv)
}

// identityFor resolves the tenant/user identity used in limiter keys. When
// no authenticated identity is present, the tenant falls back to the
// argument named by segmentationKey (default "tenantId").
func (a *RateLimitAction) identityFor(inv *Invocation, quota *ratelimit.QuotaPolicy) ratelimit.Identity {
	id := inv.Identity
	if id.TenantID != "" {
		return id
	}
	field := quota.SegmentationKey
	if field == "" {
		field = "tenantId"
	}
	if v, ok := inv.Arguments[field].(string); ok && v != "" {
		id.TenantID = v
	}
	return id
}

var _ Action = (*RateLimitAction)(nil)
