package pipeline

import (
	"context"
	"log/slog"

	"github.com/contextify/contextify/internal/domain/tool"
)

// GuardEvaluator evaluates argument guard expressions against an
// invocation. The CEL adapter provides the production implementation.
type GuardEvaluator interface {
	// EvaluateGuards returns false as soon as any expression evaluates to
	// false. A non-nil error means evaluation itself failed (compile
	// error, cost budget, timeout).
	EvaluateGuards(ctx context.Context, exprs []string, toolName string, args map[string]any) (bool, error)
}

// ArgumentGuardAction enforces per-tool argument guards at order 95, after
// auth validation and before the timeout wraps the call.
type ArgumentGuardAction struct {
	evaluator     GuardEvaluator
	denyOnFailure bool
	logger        *slog.Logger
}

// NewArgumentGuardAction creates the guard action. denyOnFailure controls
// whether an evaluation error blocks the call or lets it proceed.
func NewArgumentGuardAction(evaluator GuardEvaluator, denyOnFailure bool, logger *slog.Logger) *ArgumentGuardAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArgumentGuardAction{
		evaluator:     evaluator,
		denyOnFailure: denyOnFailure,
		logger:        logger,
	}
}

// Order implements Action.
func (a *ArgumentGuardAction) Order() int { return OrderArgumentGuard }

// Applies implements Action.
func (a *ArgumentGuardAction) Applies(inv *Invocation) bool {
	return a.evaluator != nil && len(inv.Policy.ArgumentGuards) > 0
}

// Invoke implements Action.
func (a *ArgumentGuardAction) Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result {
	if err := ctx.Err(); err != nil {
		return tool.FromContextErr(err)
	}

	allowed, err := a.evaluator.EvaluateGuards(ctx, inv.Policy.ArgumentGuards, inv.ToolName, inv.Arguments)
	if err != nil {
		a.logger.Warn("argument guard evaluation failed",
			"tool", inv.ToolName,
			"error", err,
		)
		if a.denyOnFailure {
			return tool.Fail(tool.ErrorPolicyDenied, "call blocked: argument guard could not be evaluated")
		}
		return next(ctx, inv)
	}
	if !allowed {
		a.logger.Info("argument guard denied call", "tool", inv.ToolName)
		return tool.Fail(tool.ErrorPolicyDenied, "call blocked by argument guard")
	}
	return next(ctx, inv)
}

var _ Action = (*ArgumentGuardAction)(nil)
