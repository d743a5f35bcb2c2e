// Package ratelimit provides rate limiting domain types: quota policies,
// limiter scopes, and the strategy-agnostic limiter contract.
package ratelimit

import (
	"fmt"
	"time"
)

// Strategy selects the limiter algorithm for a quota policy.
type Strategy string

const (
	StrategyFixedWindow   Strategy = "fixedWindow"
	StrategySlidingWindow Strategy = "slidingWindow"
	StrategyTokenBucket   Strategy = "tokenBucket"
)

// IsValid returns true if the strategy is one of the known algorithms.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyFixedWindow, StrategySlidingWindow, StrategyTokenBucket:
		return true
	default:
		return false
	}
}

// Scope determines how limiter keys are composed from the request identity
// and the tool name.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeTenant     Scope = "tenant"
	ScopeUser       Scope = "user"
	ScopeTool       Scope = "tool"
	ScopeTenantTool Scope = "tenantTool"
	ScopeUserTool   Scope = "userTool"
)

// IsValid returns true if the scope is a known key composition.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeTenant, ScopeUser, ScopeTool, ScopeTenantTool, ScopeUserTool:
		return true
	default:
		return false
	}
}

// SegmentsPerWindow is the fixed segment count for sliding-window limiters.
const SegmentsPerWindow = 10

// QuotaPolicy describes one rate limit. Field names match the policy
// document wire format; durations travel as integral milliseconds.
type QuotaPolicy struct {
	Strategy        Strategy `json:"strategy"`
	PermitLimit     int      `json:"permitLimit"`
	WindowMs        int64    `json:"windowMs,omitempty"`
	RefillPeriodMs  int64    `json:"refillPeriodMs,omitempty"`
	TokensPerPeriod int      `json:"tokensPerPeriod,omitempty"`
	QueueLimit      int      `json:"queueLimit,omitempty"`
	Scope           Scope    `json:"scope,omitempty"`
	SegmentationKey string   `json:"segmentationKey,omitempty"`
}

// Window returns the window length for window-based strategies.
func (q *QuotaPolicy) Window() time.Duration {
	return time.Duration(q.WindowMs) * time.Millisecond
}

// RefillPeriod returns the token refill cadence for the tokenBucket strategy.
func (q *QuotaPolicy) RefillPeriod() time.Duration {
	return time.Duration(q.RefillPeriodMs) * time.Millisecond
}

// Validate checks the policy invariants. Window strategies need a positive
// window; tokenBucket needs a refill period and at least one token per
// period.
func (q *QuotaPolicy) Validate() error {
	if !q.Strategy.IsValid() {
		return fmt.Errorf("unknown rate limit strategy %q", q.Strategy)
	}
	if q.PermitLimit < 1 {
		return fmt.Errorf("permitLimit must be >= 1, got %d", q.PermitLimit)
	}
	if q.QueueLimit < 0 {
		return fmt.Errorf("queueLimit must be >= 0, got %d", q.QueueLimit)
	}
	if q.Scope != "" && !q.Scope.IsValid() {
		return fmt.Errorf("unknown rate limit scope %q", q.Scope)
	}
	switch q.Strategy {
	case StrategyFixedWindow, StrategySlidingWindow:
		if q.WindowMs <= 0 {
			return fmt.Errorf("windowMs must be > 0, got %d", q.WindowMs)
		}
	case StrategyTokenBucket:
		if q.RefillPeriodMs <= 0 {
			return fmt.Errorf("refillPeriodMs must be > 0, got %d", q.RefillPeriodMs)
		}
		if q.TokensPerPeriod < 1 {
			return fmt.Errorf("tokensPerPeriod must be >= 1, got %d", q.TokensPerPeriod)
		}
	}
	return nil
}

// Identity is the caller identity a limiter key is composed from. Empty
// tenant or user fields are normalized to "anonymous" during key building.
type Identity struct {
	TenantID string
	UserID   string
}

// AnonymousSegment is substituted for missing tenant or user identifiers.
const AnonymousSegment = "anonymous"

func segment(v string) string {
	if v == "" {
		return AnonymousSegment
	}
	return v
}

// Key composes the limiter key for the given scope, identity, and tool
// name. An unset scope defaults to per-tool keying.
func Key(scope Scope, id Identity, toolName string) string {
	switch scope {
	case ScopeGlobal:
		return "global"
	case ScopeTenant:
		return "tenant:" + segment(id.TenantID)
	case ScopeUser:
		return "user:" + segment(id.TenantID) + ":" + segment(id.UserID)
	case ScopeTenantTool:
		return "tenant-tool:" + segment(id.TenantID) + ":" + toolName
	case ScopeUserTool:
		return "user-tool:" + segment(id.TenantID) + ":" + segment(id.UserID) + ":" + toolName
	default:
		return "tool:" + toolName
	}
}
