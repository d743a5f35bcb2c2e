package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/contextify/contextify/internal/domain/tool"
)

// maxSemaphoreWait bounds how long a call may queue behind a concurrency
// limit before giving up, independent of any per-tool timeout.
const maxSemaphoreWait = 5 * time.Minute

// Semaphore is a counting semaphore for one tool. Release must be called
// exactly once per successful Acquire.
type Semaphore interface {
	Acquire(ctx context.Context) error
	Release()
}

// SemaphoreProvider hands out per-tool semaphores. Implementations cache
// them with bounded capacity; the memory adapter is the production one.
type SemaphoreProvider interface {
	Semaphore(toolName string, limit int) Semaphore
}

// ConcurrencyAction serializes calls per tool when the effective policy
// caps concurrency.
type ConcurrencyAction struct {
	semaphores SemaphoreProvider
	logger     *slog.Logger
}

// NewConcurrencyAction creates the order-110 concurrency action.
func NewConcurrencyAction(semaphores SemaphoreProvider, logger *slog.Logger) *ConcurrencyAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcurrencyAction{semaphores: semaphores, logger: logger}
}

// Order implements Action.
func (a *ConcurrencyAction) Order() int { return OrderConcurrency }

// Applies implements Action.
func (a *ConcurrencyAction) Applies(inv *Invocation) bool {
	return a.semaphores != nil && inv.Policy.ConcurrencyLimit > 0
}

// Invoke implements Action.
func (a *ConcurrencyAction) Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result {
	if err := ctx.Err(); err != nil {
		return tool.FromContextErr(err)
	}

	sem := a.semaphores.Semaphore(inv.ToolName, inv.Policy.ConcurrencyLimit)

	waitCtx, cancel := context.WithTimeout(ctx, maxSemaphoreWait)
	err := sem.Acquire(waitCtx)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return tool.FromContextErr(ctx.Err())
		}
		a.logger.Warn("concurrency slot wait exceeded bound",
			"tool", inv.ToolName,
			"limit", inv.Policy.ConcurrencyLimit,
		)
		return tool.TransientFail(tool.ErrorTimeout, "waiting for a concurrency slot timed out")
	}
	defer sem.Release()

	return next(ctx, inv)
}

var _ Action = (*ConcurrencyAction)(nil)
