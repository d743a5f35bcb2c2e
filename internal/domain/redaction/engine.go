// Package redaction sanitizes tool results and audit payloads. Values are
// masked when their field name contains a sensitive keyword; free text is
// scrubbed with configured regular expressions.
package redaction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Mask replaces redacted values.
const Mask = "***REDACTED***"

// defaultKeywords are matched case-insensitively as substrings of field
// names.
var defaultKeywords = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"credential",
	"auth",
	"private_key",
	"privatekey",
}

// Engine applies field-name and pattern-based redaction. The zero-value
// Engine is not usable; construct with NewEngine.
type Engine struct {
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeywords replaces the default sensitive field-name keywords.
func WithKeywords(keywords []string) Option {
	return func(e *Engine) {
		e.keywords = e.keywords[:0]
		for _, k := range keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				e.keywords = append(e.keywords, k)
			}
		}
	}
}

// WithEnabled toggles redaction. A disabled engine passes content through
// untouched on a fast path.
func WithEnabled(enabled bool) Option {
	return func(e *Engine) { e.enabled = enabled }
}

// NewEngine builds an engine with the default keyword list, compiling the
// given text patterns. An invalid pattern fails construction.
func NewEngine(textPatterns []string, opts ...Option) (*Engine, error) {
	e := &Engine{
		enabled:  true,
		keywords: append([]string(nil), defaultKeywords...),
	}
	for _, p := range textPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enabled reports whether the engine redacts at all.
func (e *Engine) Enabled() bool {
	return e.enabled
}

func (e *Engine) sensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range e.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactValue walks a decoded JSON value, masking every value whose field
// name matches a sensitive keyword. The input is never mutated; the second
// return reports whether anything changed.
func (e *Engine) RedactValue(v any) (any, bool) {
	if !e.enabled {
		return v, false
	}
	switch val := v.(type) {
	case map[string]any:
		changed := false
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if e.sensitiveField(k) {
				out[k] = Mask
				changed = true
				continue
			}
			next, ch := e.RedactValue(inner)
			out[k] = next
			changed = changed || ch
		}
		if !changed {
			return v, false
		}
		return out, true
	case []any:
		changed := false
		out := make([]any, len(val))
		for i, inner := range val {
			next, ch := e.RedactValue(inner)
			out[i] = next
			changed = changed || ch
		}
		if !changed {
			return v, false
		}
		return out, true
	default:
		return v, false
	}
}

// RedactArgs masks sensitive fields in an argument map, returning the input
// unchanged when nothing matches.
func (e *Engine) RedactArgs(args map[string]any) map[string]any {
	if !e.enabled || len(args) == 0 {
		return args
	}
	out, changed := e.RedactValue(args)
	if !changed {
		return args
	}
	return out.(map[string]any)
}

// RedactJSON deserializes raw JSON once, applies field-name redaction, and
// re-marshals only when something changed. Unparseable input passes through
// untouched.
func (e *Engine) RedactJSON(raw json.RawMessage) (json.RawMessage, bool) {
	if !e.enabled || len(raw) == 0 {
		return raw, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw, false
	}
	out, changed := e.RedactValue(v)
	if !changed {
		return raw, false
	}
	enc, err := json.Marshal(out)
	if err != nil {
		return raw, false
	}
	return enc, true
}

// RedactText applies the configured patterns to free text, replacing each
// match with the mask.
func (e *Engine) RedactText(text string) (string, bool) {
	if !e.enabled || text == "" || len(e.patterns) == 0 {
		return text, false
	}
	changed := false
	for _, re := range e.patterns {
		if re.MatchString(text) {
			text = re.ReplaceAllString(text, Mask)
			changed = true
		}
	}
	return text, changed
}
