// Package policy contains the tool policy document model and the resolver
// that turns a document plus an endpoint descriptor into an effective
// per-tool policy.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/contextify/contextify/internal/domain/ratelimit"
)

// AuthPropagationMode selects which inbound credentials the executor
// forwards to the backend.
type AuthPropagationMode string

const (
	AuthPropagationNone              AuthPropagationMode = "none"
	AuthPropagationInfer             AuthPropagationMode = "infer"
	AuthPropagationBearer            AuthPropagationMode = "bearer"
	AuthPropagationAPIKey            AuthPropagationMode = "apiKey"
	AuthPropagationCookies           AuthPropagationMode = "cookies"
	AuthPropagationAdditionalHeaders AuthPropagationMode = "additionalHeaders"
)

// IsValid returns true for a known propagation mode.
func (m AuthPropagationMode) IsValid() bool {
	switch m {
	case AuthPropagationNone, AuthPropagationInfer, AuthPropagationBearer,
		AuthPropagationAPIKey, AuthPropagationCookies, AuthPropagationAdditionalHeaders:
		return true
	default:
		return false
	}
}

// Entry is one allow or deny rule: a selector (any of the three identifying
// fields, optionally narrowed by HTTP method) plus optional per-tool
// settings. Settings only take effect on allow entries.
type Entry struct {
	OperationID   string `json:"operationId,omitempty"`
	RouteTemplate string `json:"routeTemplate,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`

	// Method narrows the selector to one HTTP verb, compared
	// case-insensitively. Empty matches any method.
	Method string `json:"method,omitempty"`

	// Enabled lets an allow entry be kept in the document but switched
	// off. Absent means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	// TimeoutMs and ConcurrencyLimit use zero for "not set"; negative
	// values are invalid.
	TimeoutMs           int64                  `json:"timeoutMs,omitempty"`
	ConcurrencyLimit    int                    `json:"concurrencyLimit,omitempty"`
	AuthPropagationMode AuthPropagationMode    `json:"authPropagationMode,omitempty"`
	RateLimit           *ratelimit.QuotaPolicy `json:"rateLimit,omitempty"`

	// ArgumentGuards are boolean CEL expressions over {tool, args}; any
	// guard evaluating to false denies the call.
	ArgumentGuards []string `json:"argumentGuards,omitempty"`
}

// HasSelector reports whether the entry can match anything at all.
func (e *Entry) HasSelector() bool {
	return e.OperationID != "" || e.RouteTemplate != "" || e.DisplayName != ""
}

func (e *Entry) describe() string {
	switch {
	case e.OperationID != "":
		return "operationId=" + e.OperationID
	case e.RouteTemplate != "":
		return "routeTemplate=" + e.RouteTemplate
	case e.DisplayName != "":
		return "displayName=" + e.DisplayName
	default:
		return "(no selector)"
	}
}

// validate checks entry setting invariants.
func (e *Entry) validate() error {
	if e.TimeoutMs < 0 {
		return fmt.Errorf("entry %s: timeoutMs must be >= 0", e.describe())
	}
	if e.ConcurrencyLimit < 0 {
		return fmt.Errorf("entry %s: concurrencyLimit must be > 0 when set", e.describe())
	}
	if e.AuthPropagationMode != "" && !e.AuthPropagationMode.IsValid() {
		return fmt.Errorf("entry %s: unknown authPropagationMode %q", e.describe(), e.AuthPropagationMode)
	}
	if e.RateLimit != nil {
		if err := e.RateLimit.Validate(); err != nil {
			return fmt.Errorf("entry %s: %w", e.describe(), err)
		}
	}
	return nil
}

// Document is an immutable policy snapshot. Allow and deny lists are
// position-ordered: within a selector kind, the first matching entry wins.
type Document struct {
	SchemaVersion int     `json:"schemaVersion"`
	DenyByDefault bool    `json:"denyByDefault"`
	Allow         []Entry `json:"allow,omitempty"`
	Deny          []Entry `json:"deny,omitempty"`

	// SourceVersion is the change token of the backing source (file
	// modification stamp, etag, revision). It travels into catalog
	// snapshots for diagnostics.
	SourceVersion string `json:"sourceVersion,omitempty"`
}

// ParseDocument decodes and validates a policy document. Hard invariant
// violations return an error; harmless oddities come back as warnings the
// caller is expected to log.
func ParseDocument(raw []byte) (*Document, []string, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding policy document: %w", err)
	}
	warnings, err := doc.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &doc, warnings, nil
}

// Validate enforces the document invariants: schemaVersion >= 1, positive
// limits, known enum values. Entries without any selector are reported as
// warnings since they can never match.
func (d *Document) Validate() ([]string, error) {
	var warnings []string

	if d.SchemaVersion < 1 {
		return warnings, fmt.Errorf("schemaVersion must be >= 1, got %d", d.SchemaVersion)
	}

	for i := range d.Allow {
		e := &d.Allow[i]
		if !e.HasSelector() {
			warnings = append(warnings, fmt.Sprintf("allow[%d] has no selector and never matches", i))
			continue
		}
		if err := e.validate(); err != nil {
			return warnings, fmt.Errorf("allow[%d]: %w", i, err)
		}
	}
	for i := range d.Deny {
		e := &d.Deny[i]
		if !e.HasSelector() {
			warnings = append(warnings, fmt.Sprintf("deny[%d] has no selector and never matches", i))
		}
	}
	return warnings, nil
}
