package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/contextify/contextify/internal/domain/ratelimit"
)

// Limiter cache bounds. Keys are unbounded in principle (per-user scopes
// compose caller identity into the key), so the cache caps entries and
// evicts idle ones.
const (
	defaultLimiterCacheSize = 10000
	defaultLimiterIdleTTL   = 10 * time.Minute
	limiterCleanupInterval  = 1 * time.Minute
)

// limiterEntry is a doubly-linked list node for the limiter LRU.
type limiterEntry struct {
	key      string
	quota    ratelimit.QuotaPolicy
	limiter  ratelimit.Limiter
	lastUsed time.Time
	prev     *limiterEntry
	next     *limiterEntry
}

// LimiterCache hands out limiters keyed by the composed rate limit key.
// Entries are built on first use via the factory, promoted on every hit,
// evicted LRU at capacity, and dropped by the background sweep once idle
// past the TTL. A changed quota policy replaces the cached limiter so a
// policy reload takes effect without a restart.
type LimiterCache struct {
	mu      sync.Mutex
	factory ratelimit.Factory
	entries map[string]*limiterEntry
	head    *limiterEntry // most recently used
	tail    *limiterEntry // least recently used
	maxSize int
	idleTTL time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
}

// NewLimiterCache creates a limiter cache with the default bounds.
func NewLimiterCache(factory ratelimit.Factory, logger *slog.Logger) *LimiterCache {
	return NewLimiterCacheWithConfig(factory, defaultLimiterCacheSize, defaultLimiterIdleTTL, logger)
}

// NewLimiterCacheWithConfig creates a limiter cache with explicit capacity
// and idle TTL. Used by tests to exercise eviction without 10k inserts.
func NewLimiterCacheWithConfig(factory ratelimit.Factory, maxSize int, idleTTL time.Duration, logger *slog.Logger) *LimiterCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LimiterCache{
		factory:  factory,
		entries:  make(map[string]*limiterEntry, maxSize),
		maxSize:  maxSize,
		idleTTL:  idleTTL,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Limiter implements pipeline.LimiterProvider.
func (c *LimiterCache) Limiter(key string, quota *ratelimit.QuotaPolicy) ratelimit.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		if e.quota == *quota {
			e.lastUsed = now
			c.moveToHeadLocked(e)
			return e.limiter
		}
		// Quota changed under this key: rebuild in place.
		e.quota = *quota
		e.limiter = c.factory(quota)
		e.lastUsed = now
		c.moveToHeadLocked(e)
		return e.limiter
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &limiterEntry{
		key:      key,
		quota:    *quota,
		limiter:  c.factory(quota),
		lastUsed: now,
	}
	c.entries[key] = e
	c.pushHeadLocked(e)
	return e.limiter
}

// Size returns the current number of cached limiters.
func (c *LimiterCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartCleanup starts the background sweep goroutine. It stops when ctx is
// cancelled or Stop is called.
func (c *LimiterCache) StartCleanup(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(limiterCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// sweep removes entries idle past the TTL.
func (c *LimiterCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.idleTTL)
	swept := 0
	for e := c.tail; e != nil; {
		prev := e.prev
		if e.lastUsed.Before(cutoff) {
			c.removeLocked(e)
			swept++
		}
		e = prev
	}
	if swept > 0 {
		c.logger.Debug("limiter cache sweep completed",
			"swept", swept,
			"remaining", len(c.entries))
	}
}

// Stop stops the sweep goroutine and waits for it to exit. Safe to call
// multiple times.
func (c *LimiterCache) Stop() {
	c.once.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

func (c *LimiterCache) moveToHeadLocked(e *limiterEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *LimiterCache) pushHeadLocked(e *limiterEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *LimiterCache) unlinkLocked(e *limiterEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *LimiterCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	c.removeLocked(c.tail)
}

func (c *LimiterCache) removeLocked(e *limiterEntry) {
	c.unlinkLocked(e)
	delete(c.entries, e.key)
}
