package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/tool"
)

// ErrInvalidDescriptor is returned when a descriptor carries none of the
// three identifying fields and therefore cannot be addressed by policy.
var ErrInvalidDescriptor = errors.New("endpoint descriptor has no identifying field")

// ResolutionSource records which part of the document produced a decision.
type ResolutionSource string

const (
	SourceAllow   ResolutionSource = "allow"
	SourceDeny    ResolutionSource = "deny"
	SourceDefault ResolutionSource = "default"
)

// Effective is the resolved per-tool policy attached to catalog entries and
// consulted by every pipeline action. Zero TimeoutMs or ConcurrencyLimit
// means the corresponding action does not apply.
type Effective struct {
	Enabled             bool
	TimeoutMs           int64
	ConcurrencyLimit    int
	AuthPropagationMode AuthPropagationMode
	RateLimit           *ratelimit.QuotaPolicy
	ArgumentGuards      []string
	Source              ResolutionSource
}

// Fingerprint returns a stable textual form of the policy used in snapshot
// checksums. Guard expressions participate verbatim.
func (e *Effective) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "enabled=%t;timeout=%d;conc=%d;auth=%s;src=%s",
		e.Enabled, e.TimeoutMs, e.ConcurrencyLimit, e.AuthPropagationMode, e.Source)
	if rl := e.RateLimit; rl != nil {
		fmt.Fprintf(&b, ";rl=%s,%d,%d,%d,%d,%d,%s,%s",
			rl.Strategy, rl.PermitLimit, rl.WindowMs, rl.RefillPeriodMs,
			rl.TokensPerPeriod, rl.QueueLimit, rl.Scope, rl.SegmentationKey)
	}
	for _, g := range e.ArgumentGuards {
		b.WriteString(";guard=")
		b.WriteString(g)
	}
	return b.String()
}

func methodMatches(entryMethod, descriptorMethod string) bool {
	return entryMethod == "" || strings.EqualFold(entryMethod, descriptorMethod)
}

// matchList scans entries in three passes honoring selector priority:
// operationId beats routeTemplate beats displayName, regardless of list
// position. Within one selector kind the first listed entry wins. Name
// comparison is case-sensitive; methods compare case-insensitively.
func matchList(entries []Entry, d *tool.EndpointDescriptor) *Entry {
	if d.OperationID != "" {
		for i := range entries {
			e := &entries[i]
			if e.OperationID == d.OperationID && methodMatches(e.Method, d.HTTPMethod) {
				return e
			}
		}
	}
	if d.RouteTemplate != "" {
		for i := range entries {
			e := &entries[i]
			if e.RouteTemplate != "" && e.RouteTemplate == d.RouteTemplate && methodMatches(e.Method, d.HTTPMethod) {
				return e
			}
		}
	}
	if d.DisplayName != "" {
		for i := range entries {
			e := &entries[i]
			if e.DisplayName != "" && e.DisplayName == d.DisplayName && methodMatches(e.Method, d.HTTPMethod) {
				return e
			}
		}
	}
	return nil
}

// Resolve determines the effective policy for one endpoint descriptor.
// Deny entries always win over allow entries; with no match the document
// default applies: enabled unless denyByDefault.
func Resolve(doc *Document, d *tool.EndpointDescriptor) (Effective, error) {
	if d == nil || !d.HasIdentifier() {
		return Effective{}, ErrInvalidDescriptor
	}

	if matchList(doc.Deny, d) != nil {
		return Effective{
			Enabled:             false,
			AuthPropagationMode: AuthPropagationNone,
			Source:              SourceDeny,
		}, nil
	}

	if e := matchList(doc.Allow, d); e != nil {
		mode := e.AuthPropagationMode
		if mode == "" {
			mode = AuthPropagationNone
		}
		return Effective{
			Enabled:             e.Enabled == nil || *e.Enabled,
			TimeoutMs:           e.TimeoutMs,
			ConcurrencyLimit:    e.ConcurrencyLimit,
			AuthPropagationMode: mode,
			RateLimit:           e.RateLimit,
			ArgumentGuards:      e.ArgumentGuards,
			Source:              SourceAllow,
		}, nil
	}

	return Effective{
		Enabled:             !doc.DenyByDefault,
		AuthPropagationMode: AuthPropagationNone,
		Source:              SourceDefault,
	}, nil
}
