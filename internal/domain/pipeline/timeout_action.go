package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/contextify/contextify/internal/domain/tool"
)

// TimeoutAction applies the per-tool execution deadline from the effective
// policy. Expiry surfaces as a transient TIMEOUT failure, never as a raw
// context error.
type TimeoutAction struct {
	logger *slog.Logger
}

// NewTimeoutAction creates the order-100 timeout action.
func NewTimeoutAction(logger *slog.Logger) *TimeoutAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutAction{logger: logger}
}

// Order implements Action.
func (a *TimeoutAction) Order() int { return OrderTimeout }

// Applies implements Action.
func (a *TimeoutAction) Applies(inv *Invocation) bool {
	return inv.Policy.TimeoutMs > 0
}

// Invoke implements Action.
func (a *TimeoutAction) Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result {
	if err := ctx.Err(); err != nil {
		return tool.FromContextErr(err)
	}

	timeout := time.Duration(inv.Policy.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := next(ctx, inv)

	// Downstream stages may report expiry as CANCELLED when they only see
	// ctx.Err(); normalize to TIMEOUT when this deadline was the cause.
	if res.Failed() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if res.Failure.Code == tool.ErrorCancelled || res.Failure.Code == tool.ErrorTimeout {
			a.logger.Warn("tool execution timed out",
				"tool", inv.ToolName,
				"timeout_ms", inv.Policy.TimeoutMs,
			)
			return tool.TransientFail(tool.ErrorTimeout, "execution exceeded %dms", inv.Policy.TimeoutMs)
		}
	}
	return res
}

var _ Action = (*TimeoutAction)(nil)
