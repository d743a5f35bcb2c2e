// Package cel compiles and evaluates argument guard expressions against
// tool call arguments.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength is the maximum allowed length for guard expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single guard evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// maxCompiledPrograms bounds the compile cache. Policy documents carry far
// fewer guards in practice; hitting the cap flushes the map so a churning
// document cannot grow it without bound.
const maxCompiledPrograms = 1024

// defaultResultCacheSize bounds the evaluation result cache.
const defaultResultCacheSize = 4096

// Evaluator compiles and evaluates argument guard expressions. Programs are
// cached by expression text so a guard is compiled once and reused across
// calls and catalog rebuilds; evaluation outcomes are memoized in a bounded
// LRU keyed by a hash of the guard set, tool name, and arguments.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program

	results *resultCache
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithResultCacheSize overrides the evaluation result cache capacity.
// Zero or negative disables result memoization.
func WithResultCacheSize(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.results = newResultCache(n)
		} else {
			e.results = nil
		}
	}
}

// NewEvaluator creates an evaluator with the guard environment.
func NewEvaluator(opts ...Option) (*Evaluator, error) {
	env, err := NewGuardEnvironment()
	if err != nil {
		return nil, fmt.Errorf("creating guard environment: %w", err)
	}
	e := &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		results:  newResultCache(defaultResultCacheSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ValidateExpression checks that a guard expression is syntactically valid
// and within the safety limits (length, nesting depth, type-checks to bool).
// Valid expressions are left compiled in the program cache, so validating at
// catalog build time doubles as compilation.
func (e *Evaluator) ValidateExpression(expr string) error {
	_, err := e.program(expr)
	return err
}

// EvaluateGuards evaluates each expression against {tool, args} and returns
// false as soon as one evaluates to false. A non-nil error means evaluation
// itself failed (compile error, cost budget, timeout); errors are never
// cached.
func (e *Evaluator) EvaluateGuards(ctx context.Context, exprs []string, toolName string, args map[string]any) (bool, error) {
	if len(exprs) == 0 {
		return true, nil
	}

	key := guardCacheKey(exprs, toolName, args)
	if e.results != nil {
		if allowed, ok := e.results.get(key); ok {
			return allowed, nil
		}
	}

	activation := buildGuardActivation(toolName, args)
	for _, expr := range exprs {
		allowed, err := e.evaluate(ctx, expr, activation)
		if err != nil {
			return false, fmt.Errorf("guard %q: %w", truncateExpr(expr), err)
		}
		if !allowed {
			if e.results != nil {
				e.results.put(key, false)
			}
			return false, nil
		}
	}

	if e.results != nil {
		e.results.put(key, true)
	}
	return true, nil
}

// evaluate runs one expression with a bounded deadline derived from ctx.
func (e *Evaluator) evaluate(ctx context.Context, expr string, activation map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}

// program returns the compiled program for an expression, compiling and
// caching it on first use.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.programs) >= maxCompiledPrograms {
		e.programs = make(map[string]cel.Program)
	}
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// compile enforces the safety limits and parses, checks, and plans the
// expression.
func (e *Evaluator) compile(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// truncateExpr shortens an expression for error messages.
func truncateExpr(expr string) string {
	const max = 64
	if len(expr) <= max {
		return expr
	}
	return expr[:max] + "..."
}
