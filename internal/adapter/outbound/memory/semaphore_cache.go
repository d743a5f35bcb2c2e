package memory

import (
	"context"
	"sync"

	"github.com/contextify/contextify/internal/domain/pipeline"
)

// defaultSemaphoreCacheSize bounds the per-tool semaphore cache. Catalogs
// are far smaller in practice; the cap only guards against hostile tool
// name churn.
const defaultSemaphoreCacheSize = 1024

// chanSemaphore is a channel-backed counting semaphore. Holders that
// acquired before an eviction or a limit change release against the
// instance they acquired from, so replacement is safe at any time.
type chanSemaphore struct {
	slots chan struct{}
}

func newChanSemaphore(limit int) *chanSemaphore {
	return &chanSemaphore{slots: make(chan struct{}, limit)}
}

// Acquire implements pipeline.Semaphore.
func (s *chanSemaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release implements pipeline.Semaphore.
func (s *chanSemaphore) Release() {
	<-s.slots
}

// semaphoreEntry is a doubly-linked list node for the semaphore LRU.
type semaphoreEntry struct {
	toolName string
	limit    int
	sem      *chanSemaphore
	prev     *semaphoreEntry
	next     *semaphoreEntry
}

// SemaphoreCache hands out per-tool counting semaphores, rebuilt when the
// effective concurrency limit changes and evicted LRU at capacity.
type SemaphoreCache struct {
	mu      sync.Mutex
	entries map[string]*semaphoreEntry
	head    *semaphoreEntry
	tail    *semaphoreEntry
	maxSize int
}

// NewSemaphoreCache creates a semaphore cache with the default capacity.
func NewSemaphoreCache() *SemaphoreCache {
	return NewSemaphoreCacheWithSize(defaultSemaphoreCacheSize)
}

// NewSemaphoreCacheWithSize creates a semaphore cache with an explicit
// capacity, used by eviction tests.
func NewSemaphoreCacheWithSize(maxSize int) *SemaphoreCache {
	return &SemaphoreCache{
		entries: make(map[string]*semaphoreEntry, maxSize),
		maxSize: maxSize,
	}
}

// Semaphore implements pipeline.SemaphoreProvider.
func (c *SemaphoreCache) Semaphore(toolName string, limit int) pipeline.Semaphore {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[toolName]; ok {
		if e.limit != limit {
			e.limit = limit
			e.sem = newChanSemaphore(limit)
		}
		c.moveToHeadLocked(e)
		return e.sem
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &semaphoreEntry{
		toolName: toolName,
		limit:    limit,
		sem:      newChanSemaphore(limit),
	}
	c.entries[toolName] = e
	c.pushHeadLocked(e)
	return e.sem
}

// Size returns the current number of cached semaphores.
func (c *SemaphoreCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SemaphoreCache) moveToHeadLocked(e *semaphoreEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *SemaphoreCache) pushHeadLocked(e *semaphoreEntry) {
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

func (c *SemaphoreCache) unlinkLocked(e *semaphoreEntry) {
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

func (c *SemaphoreCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	evicted := c.tail
	c.unlinkLocked(evicted)
	delete(c.entries, evicted.toolName)
}

var _ pipeline.SemaphoreProvider = (*SemaphoreCache)(nil)
