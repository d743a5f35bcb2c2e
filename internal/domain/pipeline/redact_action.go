package pipeline

import (
	"context"

	"github.com/contextify/contextify/internal/domain/redaction"
	"github.com/contextify/contextify/internal/domain/tool"
)

// RedactionAction sanitizes successful results after the terminal invoker
// returns. Failures pass through untouched; their messages are built from
// safe templates already.
type RedactionAction struct {
	engine *redaction.Engine
}

// NewRedactionAction creates the order-200 redaction action.
func NewRedactionAction(engine *redaction.Engine) *RedactionAction {
	return &RedactionAction{engine: engine}
}

// Order implements Action.
func (a *RedactionAction) Order() int { return OrderRedaction }

// Applies implements Action. The action is always applicable; a disabled
// engine short-circuits inside each redaction call.
func (a *RedactionAction) Applies(inv *Invocation) bool {
	return a.engine != nil
}

// Invoke implements Action.
func (a *RedactionAction) Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result {
	res := next(ctx, inv)
	if res.Failed() || !a.engine.Enabled() {
		return res
	}

	if len(res.JSON) > 0 {
		if out, changed := a.engine.RedactJSON(res.JSON); changed {
			res.JSON = out
		}
	}
	if res.Text != "" {
		if out, changed := a.engine.RedactText(res.Text); changed {
			res.Text = out
		}
	}
	return res
}

var _ Action = (*RedactionAction)(nil)
