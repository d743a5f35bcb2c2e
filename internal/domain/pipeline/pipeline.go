// Package pipeline implements the middleware chain every tool invocation
// passes through: ordered actions wrapping a terminal invoker that performs
// the actual dispatch. Actions convert their conditions into failure
// results; only context cancellation propagates.
package pipeline

import (
	"context"
	"sort"

	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/tool"
)

// Action order slots. Lower runs first (outermost).
const (
	OrderAuthPropagation = 90
	OrderArgumentGuard   = 95
	OrderTimeout         = 100
	OrderConcurrency     = 110
	OrderRateLimit       = 120
	OrderRedaction       = 200
)

// Invocation carries one tool call through the pipeline. The effective
// policy is resolved before the pipeline runs and never changes mid-flight.
type Invocation struct {
	ToolName      string
	Arguments     map[string]any
	Auth          *tool.AuthContext
	Policy        policy.Effective
	CorrelationID string
	Identity      ratelimit.Identity
}

// Invoker executes an invocation. The terminal invoker dispatches to the
// in-process executor or the gateway forwarder.
type Invoker func(ctx context.Context, inv *Invocation) tool.Result

// Action is one middleware stage. Applies is consulted per invocation;
// non-applicable actions are skipped entirely. Invoke must call next unless
// it short-circuits with a failure result.
type Action interface {
	Order() int
	Applies(inv *Invocation) bool
	Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result
}

// Pipeline is an immutable, order-sorted action chain. Construct once at
// composition time and share across goroutines.
type Pipeline struct {
	actions []Action
}

// New sorts the actions ascending by order and returns the pipeline. The
// input slice is not retained.
func New(actions ...Action) *Pipeline {
	sorted := make([]Action, len(actions))
	copy(sorted, actions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Pipeline{actions: sorted}
}

// Execute runs the invocation through every applicable action and finally
// the terminal invoker. Composition happens back to front so the lowest
// order runs outermost.
func (p *Pipeline) Execute(ctx context.Context, inv *Invocation, terminal Invoker) tool.Result {
	next := terminal
	for i := len(p.actions) - 1; i >= 0; i-- {
		action := p.actions[i]
		inner := next
		next = func(ctx context.Context, inv *Invocation) tool.Result {
			if !action.Applies(inv) {
				return inner(ctx, inv)
			}
			return action.Invoke(ctx, inv, inner)
		}
	}
	return next(ctx, inv)
}
