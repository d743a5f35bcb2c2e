package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a permit acquisition attempt. RetryAfter is a
// hint for denied requests; zero means no estimate is available.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter grants permits for one key under one quota policy. Implementations
// serialize their own state; callers never hold locks around Acquire.
//
// TryAcquire never blocks. Acquire may wait for a queued permit until ctx is
// done; implementations bound the wait themselves when the policy allows
// queueing.
type Limiter interface {
	TryAcquire() Decision
	Acquire(ctx context.Context) Decision
}

// Factory builds a limiter for a quota policy. The memory adapter provides
// the canonical implementation; tests substitute their own.
type Factory func(policy *QuotaPolicy) Limiter
