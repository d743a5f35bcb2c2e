package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/contextify/contextify/internal/domain/tool"
)

// maxCapacityWait bounds how long a call may queue behind the global
// execution gate before giving up.
const maxCapacityWait = 30 * time.Second

// capacityGate is the server-wide execution limit, applied before the
// per-tool pipeline. Per-tool concurrency limits still apply inside it.
type capacityGate struct {
	slots    chan struct{}
	reject   bool
	maxQueue int64
	waiting  atomic.Int64
}

// newCapacityGate returns nil when maxConcurrent is zero, which disables
// the gate entirely.
func newCapacityGate(maxConcurrent, maxQueueDepth int, rejectWhenOver bool) *capacityGate {
	if maxConcurrent <= 0 {
		return nil
	}
	return &capacityGate{
		slots:    make(chan struct{}, maxConcurrent),
		reject:   rejectWhenOver,
		maxQueue: int64(maxQueueDepth),
	}
}

// acquire claims one execution slot. It returns a non-nil failure result
// when the server is at capacity and the call cannot (or may not) queue.
func (g *capacityGate) acquire(ctx context.Context) *tool.Result {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}

	if g.reject {
		res := tool.TransientFail(tool.ErrorRateLimited, "server is at capacity")
		return &res
	}
	if g.maxQueue > 0 && g.waiting.Load() >= g.maxQueue {
		res := tool.TransientFail(tool.ErrorRateLimited, "server queue is full")
		return &res
	}

	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	waitCtx, cancel := context.WithTimeout(ctx, maxCapacityWait)
	defer cancel()

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			res := tool.Fail(tool.ErrorCancelled, "request cancelled while queued")
			return &res
		}
		res := tool.TransientFail(tool.ErrorTimeout, "waiting for an execution slot timed out")
		return &res
	}
}

// release returns a slot claimed by a successful acquire.
func (g *capacityGate) release() {
	<-g.slots
}
