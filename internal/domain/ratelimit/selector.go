package ratelimit

import (
	"sort"
	"strings"
)

// Selector resolves the quota policy for a tool name: an exact override
// wins, then the most specific matching wildcard override, then the default
// policy. A nil result means the call is not rate limited at all.
type Selector struct {
	def      *QuotaPolicy
	exact    map[string]*QuotaPolicy
	wildcard []wildcardOverride
}

type wildcardOverride struct {
	raw      string
	segments []string
	policy   *QuotaPolicy
}

// NewSelector compiles the override table once. Overrides whose key contains
// `*` become wildcard patterns; all others match the tool name literally.
// Wildcard overrides are ordered longest pattern first so the most specific
// one wins when several match; ties break lexicographically to keep
// selection deterministic across restarts.
func NewSelector(def *QuotaPolicy, overrides map[string]*QuotaPolicy) *Selector {
	s := &Selector{
		def:   def,
		exact: make(map[string]*QuotaPolicy),
	}
	for pattern, policy := range overrides {
		if pattern == "" || policy == nil {
			continue
		}
		if strings.Contains(pattern, "*") {
			s.wildcard = append(s.wildcard, wildcardOverride{
				raw:      pattern,
				segments: strings.Split(pattern, "*"),
				policy:   policy,
			})
			continue
		}
		s.exact[pattern] = policy
	}
	sort.Slice(s.wildcard, func(i, j int) bool {
		if len(s.wildcard[i].raw) != len(s.wildcard[j].raw) {
			return len(s.wildcard[i].raw) > len(s.wildcard[j].raw)
		}
		return s.wildcard[i].raw < s.wildcard[j].raw
	})
	return s
}

// Select returns the effective quota policy for the tool name, or nil when
// neither an override nor a default applies.
func (s *Selector) Select(toolName string) *QuotaPolicy {
	if s == nil {
		return nil
	}
	if p, ok := s.exact[toolName]; ok {
		return p
	}
	for i := range s.wildcard {
		if matchSegments(s.wildcard[i].segments, toolName) {
			return s.wildcard[i].policy
		}
	}
	return s.def
}

// matchSegments matches s against a pattern pre-split on `*`: each `*`
// spans any substring, everything else compares case-sensitively.
func matchSegments(segs []string, s string) bool {
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
