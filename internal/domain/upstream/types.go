// Package upstream contains the gateway domain: upstream definitions, tool
// routes, aggregated snapshots, and the pattern-based gateway tool policy.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

const nameMaxLength = 100

// namePattern restricts upstream names to safe identifier characters.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// prefixPattern restricts namespace prefixes to characters that remain
// valid inside external tool names.
var prefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Upstream describes one remote MCP server the gateway aggregates.
type Upstream struct {
	// Name uniquely identifies the upstream in configuration, logs, and
	// diagnostics.
	Name string `json:"upstreamName" yaml:"upstreamName" mapstructure:"upstreamName"`

	// NamespacePrefix is prepended (with the separator) to every tool the
	// upstream publishes.
	NamespacePrefix string `json:"namespacePrefix" yaml:"namespacePrefix" mapstructure:"namespacePrefix"`

	// Endpoint is the upstream's MCP HTTP endpoint URL.
	Endpoint string `json:"mcpHttpEndpoint" yaml:"mcpHttpEndpoint" mapstructure:"mcpHttpEndpoint"`

	// Enabled upstreams participate in aggregation; disabled ones are
	// skipped entirely.
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// RequestTimeout bounds every call to this upstream. Zero selects the
	// gateway default.
	RequestTimeout time.Duration `json:"requestTimeout" yaml:"requestTimeout" mapstructure:"requestTimeout"`

	// DefaultHeaders are attached to every forwarded request.
	DefaultHeaders map[string]string `json:"defaultHeaders" yaml:"defaultHeaders" mapstructure:"defaultHeaders"`
}

// Validate checks the upstream definition for configuration errors.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("upstream name is required")
	}
	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("upstream name exceeds %d characters", nameMaxLength)
	}
	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("upstream name %q contains invalid characters", u.Name)
	}
	if u.NamespacePrefix == "" {
		return fmt.Errorf("upstream %q: namespacePrefix is required", u.Name)
	}
	if !prefixPattern.MatchString(u.NamespacePrefix) {
		return fmt.Errorf("upstream %q: namespacePrefix %q contains invalid characters", u.Name, u.NamespacePrefix)
	}
	if u.Endpoint == "" {
		return fmt.Errorf("upstream %q: mcpHttpEndpoint is required", u.Name)
	}
	parsed, err := url.Parse(u.Endpoint)
	if err != nil {
		return fmt.Errorf("upstream %q: invalid endpoint URL: %w", u.Name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upstream %q: endpoint scheme must be http or https", u.Name)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream %q: endpoint URL has no host", u.Name)
	}
	if u.RequestTimeout < 0 {
		return fmt.Errorf("upstream %q: requestTimeout must be >= 0", u.Name)
	}
	return nil
}

// Status is the last observed health of one upstream, published in gateway
// snapshots and diagnostics.
type Status struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	LastProbeUTC time.Time `json:"lastProbeUtc"`
	LatencyMs    int64     `json:"latencyMs,omitempty"`
	ToolCount    int       `json:"toolCount,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// ToolRoute maps an externally published tool name back to its upstream and
// original name.
type ToolRoute struct {
	ExternalName     string
	UpstreamName     string
	UpstreamToolName string
	Description      string
	InputSchema      []byte
}

// ExternalName composes the published name for an upstream tool.
func ExternalName(prefix, separator, toolName string) string {
	return prefix + separator + toolName
}
