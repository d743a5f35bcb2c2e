package pipeline

import (
	"context"
	"log/slog"

	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/domain/tool"
)

// AuthPropagationAction validates that the credentials the effective policy
// wants forwarded are actually present. The executor performs the header
// injection; this action only fails fast on missing material.
type AuthPropagationAction struct {
	logger *slog.Logger
}

// NewAuthPropagationAction creates the order-90 auth validation action.
func NewAuthPropagationAction(logger *slog.Logger) *AuthPropagationAction {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthPropagationAction{logger: logger}
}

// Order implements Action.
func (a *AuthPropagationAction) Order() int { return OrderAuthPropagation }

// Applies implements Action.
func (a *AuthPropagationAction) Applies(inv *Invocation) bool {
	mode := inv.Policy.AuthPropagationMode
	return mode != "" && mode != policy.AuthPropagationNone
}

// Invoke implements Action.
func (a *AuthPropagationAction) Invoke(ctx context.Context, inv *Invocation, next Invoker) tool.Result {
	if err := ctx.Err(); err != nil {
		return tool.FromContextErr(err)
	}

	if missing := missingCredential(inv.Policy.AuthPropagationMode, inv.Auth); missing != "" {
		a.logger.Warn("auth propagation failed",
			"tool", inv.ToolName,
			"mode", inv.Policy.AuthPropagationMode,
			"missing", missing,
		)
		return tool.Fail(tool.ErrorInvalidArgument,
			"auth propagation requires %s but none was provided", missing)
	}
	return next(ctx, inv)
}

// missingCredential names the credential kind the mode needs but the
// context lacks; empty means the invocation may proceed.
func missingCredential(mode policy.AuthPropagationMode, auth *tool.AuthContext) string {
	switch mode {
	case policy.AuthPropagationBearer:
		if auth == nil || auth.BearerToken == "" {
			return "a bearer token"
		}
	case policy.AuthPropagationAPIKey:
		if auth == nil || auth.APIKey == "" {
			return "an API key"
		}
	case policy.AuthPropagationCookies:
		if auth == nil || len(auth.Cookies) == 0 {
			return "cookies"
		}
	case policy.AuthPropagationAdditionalHeaders:
		if auth == nil || len(auth.AdditionalHeaders) == 0 {
			return "additional headers"
		}
	case policy.AuthPropagationInfer:
		if auth.IsEmpty() {
			return "credentials"
		}
	}
	return ""
}

var _ Action = (*AuthPropagationAction)(nil)
