package upstream

import "strings"

// globPattern matches tool names against a literal pattern where `*` spans
// any substring, including the empty one. Everything else compares
// case-sensitively. Patterns are compiled once when the policy is built.
type globPattern struct {
	raw      string
	segments []string
}

func compileGlob(raw string) globPattern {
	return globPattern{raw: raw, segments: strings.Split(raw, "*")}
}

func (p *globPattern) match(s string) bool {
	segs := p.segments
	if len(segs) == 1 {
		return s == segs[0]
	}

	if first := segs[0]; first != "" {
		if !strings.HasPrefix(s, first) {
			return false
		}
		s = s[len(first):]
	}
	if last := segs[len(segs)-1]; last != "" {
		if !strings.HasSuffix(s, last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}
	for _, mid := range segs[1 : len(segs)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}

// ToolPolicy filters external tool names with allow/deny glob patterns.
// Deny always wins; with denyByDefault set, a name must match an allow
// pattern to pass.
type ToolPolicy struct {
	allowed       []globPattern
	denied        []globPattern
	denyByDefault bool
}

// NewToolPolicy compiles the patterns once.
func NewToolPolicy(allowedPatterns, deniedPatterns []string, denyByDefault bool) *ToolPolicy {
	tp := &ToolPolicy{denyByDefault: denyByDefault}
	for _, p := range allowedPatterns {
		if p != "" {
			tp.allowed = append(tp.allowed, compileGlob(p))
		}
	}
	for _, p := range deniedPatterns {
		if p != "" {
			tp.denied = append(tp.denied, compileGlob(p))
		}
	}
	return tp
}

// IsActive reports whether the policy can affect anything. An inactive
// policy lets every name through without pattern evaluation.
func (tp *ToolPolicy) IsActive() bool {
	return tp.denyByDefault || len(tp.allowed) > 0 || len(tp.denied) > 0
}

// Allows decides whether the external tool name may be published and
// dispatched.
func (tp *ToolPolicy) Allows(externalName string) bool {
	if !tp.IsActive() {
		return true
	}
	for i := range tp.denied {
		if tp.denied[i].match(externalName) {
			return false
		}
	}
	if tp.denyByDefault {
		for i := range tp.allowed {
			if tp.allowed[i].match(externalName) {
				return true
			}
		}
		return false
	}
	return true
}
