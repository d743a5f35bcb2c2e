// Package tool contains the core domain types shared by the catalog,
// pipeline, and dispatch layers: endpoint descriptors, auth propagation
// context, and the invocation result taxonomy.
package tool

import (
	"encoding/json"
	"strings"
)

// EndpointDescriptor describes a backend HTTP operation that can be
// published as a tool. At least one of OperationID, RouteTemplate, or
// DisplayName must be set for the descriptor to be addressable by policy.
type EndpointDescriptor struct {
	// OperationID is the stable operation identifier (e.g. "getUserById").
	OperationID string `json:"operationId,omitempty"`

	// RouteTemplate is the HTTP route with {param} placeholders
	// (e.g. "api/users/{id}").
	RouteTemplate string `json:"routeTemplate,omitempty"`

	// DisplayName is a human-readable operation name.
	DisplayName string `json:"displayName,omitempty"`

	// HTTPMethod is the verb used when executing the endpoint (GET, POST, ...).
	HTTPMethod string `json:"httpMethod,omitempty"`

	// Produces and Consumes list supported media types.
	Produces []string `json:"produces,omitempty"`
	Consumes []string `json:"consumes,omitempty"`

	// RequiresAuth marks endpoints that need credentials propagated.
	RequiresAuth bool `json:"requiresAuth,omitempty"`

	// AcceptableAuthSchemes lists the schemes the endpoint accepts
	// (e.g. "bearer", "apiKey"). Used by the infer propagation mode.
	AcceptableAuthSchemes []string `json:"acceptableAuthSchemes,omitempty"`

	// Description and InputSchema are carried through to the published
	// tool descriptor when present.
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// HasIdentifier reports whether the descriptor carries at least one of the
// three identifying fields policy selectors can match on.
func (d *EndpointDescriptor) HasIdentifier() bool {
	return d.OperationID != "" || d.RouteTemplate != "" || d.DisplayName != ""
}

// Identity returns the strongest identifier for log messages, preferring
// operationId over routeTemplate over displayName.
func (d *EndpointDescriptor) Identity() string {
	switch {
	case d.OperationID != "":
		return d.OperationID
	case d.RouteTemplate != "":
		return strings.ToUpper(d.HTTPMethod) + " " + d.RouteTemplate
	default:
		return d.DisplayName
	}
}

// AuthContext carries inbound credentials that may be propagated to the
// backend endpoint or upstream, according to the tool's effective policy.
type AuthContext struct {
	BearerToken       string
	APIKey            string
	APIKeyHeaderName  string
	Cookies           map[string]string
	AdditionalHeaders map[string]string
}

// IsEmpty reports whether no credential material is present at all.
func (a *AuthContext) IsEmpty() bool {
	if a == nil {
		return true
	}
	return a.BearerToken == "" && a.APIKey == "" &&
		len(a.Cookies) == 0 && len(a.AdditionalHeaders) == 0
}
