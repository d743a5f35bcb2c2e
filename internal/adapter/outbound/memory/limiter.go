// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/contextify/contextify/internal/domain/ratelimit"
)

// minQueueWait floors the sleep between queued acquisition retries so a
// zero retry hint cannot spin the waiter.
const minQueueWait = 5 * time.Millisecond

// NewLimiterFactory returns the canonical in-memory limiter factory. The
// strategy on the quota policy selects the algorithm; policies reach the
// factory already validated.
func NewLimiterFactory() ratelimit.Factory {
	return func(policy *ratelimit.QuotaPolicy) ratelimit.Limiter {
		switch policy.Strategy {
		case ratelimit.StrategySlidingWindow:
			return newSlidingWindowLimiter(policy)
		case ratelimit.StrategyTokenBucket:
			return newTokenBucketLimiter(policy)
		default:
			return newFixedWindowLimiter(policy)
		}
	}
}

// acquireQueued retries try until a permit is granted, ctx is done, or the
// queue is already at capacity. The first denied decision is returned
// unchanged when queueing is not possible so the caller keeps the retry
// hint.
func acquireQueued(ctx context.Context, queueLimit int, waiters *atomic.Int32, try func() ratelimit.Decision) ratelimit.Decision {
	decision := try()
	if decision.Allowed || queueLimit <= 0 {
		return decision
	}

	if int(waiters.Add(1)) > queueLimit {
		waiters.Add(-1)
		return decision
	}
	defer waiters.Add(-1)

	for {
		wait := decision.RetryAfter
		if wait < minQueueWait {
			wait = minQueueWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return decision
		case <-timer.C:
		}
		decision = try()
		if decision.Allowed {
			return decision
		}
	}
}

// fixedWindowLimiter grants up to limit permits per window. The counter
// resets when the window rolls; denied requests learn the time until the
// next roll.
type fixedWindowLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int

	queueLimit int
	waiters    atomic.Int32
}

func newFixedWindowLimiter(policy *ratelimit.QuotaPolicy) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:      policy.PermitLimit,
		window:     policy.Window(),
		queueLimit: policy.QueueLimit,
	}
}

// TryAcquire implements ratelimit.Limiter.
func (l *fixedWindowLimiter) TryAcquire() ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}

	if l.count < l.limit {
		l.count++
		return ratelimit.Decision{Allowed: true}
	}
	return ratelimit.Decision{
		Allowed:    false,
		RetryAfter: l.windowStart.Add(l.window).Sub(now),
	}
}

// Acquire implements ratelimit.Limiter.
func (l *fixedWindowLimiter) Acquire(ctx context.Context) ratelimit.Decision {
	return acquireQueued(ctx, l.queueLimit, &l.waiters, l.TryAcquire)
}

// slidingWindowLimiter spreads the window over a fixed number of segments
// and counts permits across all of them. Rolling a segment forgets the
// oldest slice of history, which smooths the boundary burst a fixed window
// allows.
type slidingWindowLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	segment   time.Duration
	counts    [ratelimit.SegmentsPerWindow]int
	head      int
	headStart time.Time

	queueLimit int
	waiters    atomic.Int32
}

func newSlidingWindowLimiter(policy *ratelimit.QuotaPolicy) *slidingWindowLimiter {
	window := policy.Window()
	return &slidingWindowLimiter{
		limit:      policy.PermitLimit,
		window:     window,
		segment:    window / ratelimit.SegmentsPerWindow,
		queueLimit: policy.QueueLimit,
	}
}

// TryAcquire implements ratelimit.Limiter.
func (l *slidingWindowLimiter) TryAcquire() ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.advance(now)

	total := 0
	for _, c := range l.counts {
		total += c
	}
	if total < l.limit {
		l.counts[l.head]++
		return ratelimit.Decision{Allowed: true}
	}

	// Capacity frees no sooner than the next segment roll.
	retry := l.headStart.Add(l.segment).Sub(now)
	if retry < time.Millisecond {
		retry = time.Millisecond
	}
	return ratelimit.Decision{Allowed: false, RetryAfter: retry}
}

// advance rolls the ring forward to the segment containing now, zeroing
// every segment that slid out of the window. Must be called with the lock
// held.
func (l *slidingWindowLimiter) advance(now time.Time) {
	if l.headStart.IsZero() {
		l.headStart = now
		return
	}
	steps := int(now.Sub(l.headStart) / l.segment)
	if steps <= 0 {
		return
	}
	if steps >= len(l.counts) {
		for i := range l.counts {
			l.counts[i] = 0
		}
		l.head = 0
		l.headStart = now
		return
	}
	for i := 0; i < steps; i++ {
		l.head = (l.head + 1) % len(l.counts)
		l.counts[l.head] = 0
	}
	l.headStart = l.headStart.Add(time.Duration(steps) * l.segment)
}

// Acquire implements ratelimit.Limiter.
func (l *slidingWindowLimiter) Acquire(ctx context.Context) ratelimit.Decision {
	return acquireQueued(ctx, l.queueLimit, &l.waiters, l.TryAcquire)
}

// tokenBucketLimiter wraps x/time/rate. The bucket starts full at
// permitLimit and refills tokensPerPeriod every refill period.
type tokenBucketLimiter struct {
	limiter    *rate.Limiter
	queueLimit int
	waiters    atomic.Int32
}

func newTokenBucketLimiter(policy *ratelimit.QuotaPolicy) *tokenBucketLimiter {
	refill := rate.Limit(float64(policy.TokensPerPeriod) / policy.RefillPeriod().Seconds())
	return &tokenBucketLimiter{
		limiter:    rate.NewLimiter(refill, policy.PermitLimit),
		queueLimit: policy.QueueLimit,
	}
}

// TryAcquire implements ratelimit.Limiter.
func (l *tokenBucketLimiter) TryAcquire() ratelimit.Decision {
	res := l.limiter.Reserve()
	if !res.OK() {
		return ratelimit.Decision{Allowed: false}
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return ratelimit.Decision{Allowed: false, RetryAfter: delay}
	}
	return ratelimit.Decision{Allowed: true}
}

// Acquire implements ratelimit.Limiter.
func (l *tokenBucketLimiter) Acquire(ctx context.Context) ratelimit.Decision {
	if l.queueLimit <= 0 {
		return l.TryAcquire()
	}
	decision := l.TryAcquire()
	if decision.Allowed {
		return decision
	}
	if int(l.waiters.Add(1)) > l.queueLimit {
		l.waiters.Add(-1)
		return decision
	}
	defer l.waiters.Add(-1)

	if err := l.limiter.Wait(ctx); err != nil {
		return ratelimit.Decision{Allowed: false, RetryAfter: decision.RetryAfter}
	}
	return ratelimit.Decision{Allowed: true}
}

var (
	_ ratelimit.Limiter = (*fixedWindowLimiter)(nil)
	_ ratelimit.Limiter = (*slidingWindowLimiter)(nil)
	_ ratelimit.Limiter = (*tokenBucketLimiter)(nil)
)
