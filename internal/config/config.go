// Package config provides the Contextify configuration schema: typed
// groups for the core server, the local tool catalog, the gateway, rate
// limiting, inbound auth, auditing, redaction, and observability.
//
// Configuration is loaded from a YAML file with CONTEXTIFY_ environment
// overrides. Durations travel as strings ("500ms", "30s") and are parsed
// into time.Duration by the accessor methods so a typo fails validation
// instead of silently becoming zero.
package config

import (
	"time"

	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/upstream"
)

// Config is the top-level Contextify configuration.
type Config struct {
	// Core configures the server identity and transports.
	Core CoreConfig `yaml:"core" mapstructure:"core"`

	// Policy configures the local tool catalog: the policy document, the
	// endpoint descriptors, and rebuild cadence.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Backend configures the HTTP backend local tools execute against.
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Actions configures pipeline-wide execution limits and retry.
	Actions ActionsConfig `yaml:"actions" mapstructure:"actions"`

	// Gateway configures multi-upstream aggregation. When enabled, the
	// gateway serves the aggregated catalog instead of the local one.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// RateLimit configures transport-level quota enforcement.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Transport configures request validation limits.
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`

	// Auth configures inbound API-key authentication.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures the dispatch audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Redaction configures result sanitization.
	Redaction RedactionConfig `yaml:"redaction" mapstructure:"redaction"`

	// Observability configures tracing and debug telemetry.
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// CoreConfig identifies the server and selects its transports.
type CoreConfig struct {
	// TransportMode selects the inbound surface: "http", "stdio", "both",
	// or "auto" (stdio when stdin is piped, http otherwise).
	TransportMode string `yaml:"transport_mode" mapstructure:"transport_mode" validate:"omitempty,oneof=auto http stdio both"`

	// ApplicationName and ApplicationVersion are reported by initialize
	// and the manifest endpoint.
	ApplicationName    string `yaml:"application_name" mapstructure:"application_name"`
	ApplicationVersion string `yaml:"application_version" mapstructure:"application_version"`

	// HTTPAddr is the listen address for the HTTP transport.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// EnableDebugEndpoints registers the catalog and audit debug routes.
	EnableDebugEndpoints bool `yaml:"enable_debug_endpoints" mapstructure:"enable_debug_endpoints"`
}

// PolicyConfig configures the local catalog sources and rebuild cadence.
// When PolicyFile is empty a document is synthesized from DenyByDefault,
// AllowedTools, and DeniedTools so simple deployments need no extra file.
type PolicyConfig struct {
	// PolicyFile is the path to the policy document (JSON).
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`

	// EndpointsFile is the path to the endpoint descriptors (JSON or YAML).
	EndpointsFile string `yaml:"endpoints_file" mapstructure:"endpoints_file"`

	// DenyByDefault, AllowedTools, and DeniedTools form the synthesized
	// document when no policy file is configured. Tool names match the
	// operationId or display name exactly.
	DenyByDefault bool     `yaml:"deny_by_default" mapstructure:"deny_by_default"`
	AllowedTools  []string `yaml:"allowed_tools" mapstructure:"allowed_tools"`
	DeniedTools   []string `yaml:"denied_tools" mapstructure:"denied_tools"`

	// AllowedNamespaces restricts the gateway catalog to the named
	// namespace prefixes. Empty allows every namespace.
	AllowedNamespaces []string `yaml:"allowed_namespaces" mapstructure:"allowed_namespaces"`

	// DenyOnPolicyEvaluationFailure blocks a call when an argument guard
	// fails to evaluate, instead of letting it proceed.
	DenyOnPolicyEvaluationFailure bool `yaml:"deny_on_policy_evaluation_failure" mapstructure:"deny_on_policy_evaluation_failure"`

	// MinReloadInterval throttles rebuilds triggered by source changes.
	MinReloadInterval string `yaml:"min_reload_interval" mapstructure:"min_reload_interval" validate:"omitempty,duration"`

	// RefreshInterval bounds snapshot staleness.
	RefreshInterval string `yaml:"refresh_interval" mapstructure:"refresh_interval" validate:"omitempty,duration"`

	// WatchInterval is how often the source change tokens are polled.
	WatchInterval string `yaml:"watch_interval" mapstructure:"watch_interval" validate:"omitempty,duration"`
}

// BackendConfig configures the HTTP backend the executor dispatches to.
type BackendConfig struct {
	// BaseURL is prepended to every endpoint route template.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`

	// RequestTimeout bounds one backend call (e.g. "30s"). Per-tool
	// policy timeouts still apply on top through the pipeline.
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`
}

// ActionsConfig configures execution limits shared by all tool calls.
type ActionsConfig struct {
	// DefaultExecutionTimeoutSeconds applies when a tool's policy sets no
	// timeout of its own. Zero disables the default deadline.
	DefaultExecutionTimeoutSeconds int `yaml:"default_execution_timeout_seconds" mapstructure:"default_execution_timeout_seconds" validate:"omitempty,min=0"`

	// MaxConcurrentActions caps simultaneous executions across all tools.
	// Zero disables the global gate; per-tool concurrency limits from
	// policy still apply.
	MaxConcurrentActions int `yaml:"max_concurrent_actions" mapstructure:"max_concurrent_actions" validate:"omitempty,min=0"`

	// RejectWhenOverCapacity fails immediately when the global gate is
	// full instead of queueing.
	RejectWhenOverCapacity bool `yaml:"reject_when_over_capacity" mapstructure:"reject_when_over_capacity"`

	// MaxQueueDepth caps how many calls may wait on the global gate.
	MaxQueueDepth int `yaml:"max_queue_depth" mapstructure:"max_queue_depth" validate:"omitempty,min=0"`

	// EnableRetry turns on fixed-delay retry of transient upstream
	// failures on the gateway forward path.
	EnableRetry            bool `yaml:"enable_retry" mapstructure:"enable_retry"`
	MaxRetryAttempts       int  `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts" validate:"omitempty,min=0"`
	RetryDelayMilliseconds int  `yaml:"retry_delay_milliseconds" mapstructure:"retry_delay_milliseconds" validate:"omitempty,min=0"`
}

// GatewayConfig configures multi-upstream aggregation.
type GatewayConfig struct {
	// Enabled switches the server into gateway mode.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Upstreams are the MCP servers to aggregate. At least one is
	// required when the gateway is enabled.
	Upstreams []UpstreamConfig `yaml:"upstreams" mapstructure:"upstreams" validate:"omitempty,dive"`

	// ToolNameSeparator joins the namespace prefix and the upstream tool
	// name. Default ".".
	ToolNameSeparator string `yaml:"tool_name_separator" mapstructure:"tool_name_separator"`

	// AllowedToolPatterns and DeniedToolPatterns filter external tool
	// names with `*` wildcards. Deny always wins.
	AllowedToolPatterns []string `yaml:"allowed_tool_patterns" mapstructure:"allowed_tool_patterns"`
	DeniedToolPatterns  []string `yaml:"denied_tool_patterns" mapstructure:"denied_tool_patterns"`

	// DenyByDefault drops external names no allowed pattern matches.
	DenyByDefault bool `yaml:"deny_by_default" mapstructure:"deny_by_default"`

	// CatalogRefreshInterval bounds aggregated snapshot staleness.
	CatalogRefreshInterval string `yaml:"catalog_refresh_interval" mapstructure:"catalog_refresh_interval" validate:"omitempty,duration"`

	// ProbeInterval is the health monitor cycle length.
	ProbeInterval string `yaml:"probe_interval" mapstructure:"probe_interval" validate:"omitempty,duration"`

	// RequestTimeout is the default per-upstream call timeout, applied
	// when an upstream sets none of its own.
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`
}

// UpstreamConfig describes one aggregated MCP server.
type UpstreamConfig struct {
	Name            string            `yaml:"name" mapstructure:"name" validate:"required"`
	NamespacePrefix string            `yaml:"namespace_prefix" mapstructure:"namespace_prefix" validate:"required"`
	MCPHTTPEndpoint string            `yaml:"mcp_http_endpoint" mapstructure:"mcp_http_endpoint" validate:"required,url"`
	Enabled         *bool             `yaml:"enabled" mapstructure:"enabled"`
	RequestTimeout  string            `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`
	DefaultHeaders  map[string]string `yaml:"default_headers" mapstructure:"default_headers"`
}

// ToUpstream converts the config entry to the domain type. Enabled
// defaults to true when unset.
func (u *UpstreamConfig) ToUpstream() upstream.Upstream {
	enabled := true
	if u.Enabled != nil {
		enabled = *u.Enabled
	}
	return upstream.Upstream{
		Name:            u.Name,
		NamespacePrefix: u.NamespacePrefix,
		Endpoint:        u.MCPHTTPEndpoint,
		Enabled:         enabled,
		RequestTimeout:  parseDuration(u.RequestTimeout, 0),
		DefaultHeaders:  u.DefaultHeaders,
	}
}

// RateLimitConfig configures the transport rate-limit middleware.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// DefaultQuotaPolicy applies to every tools/call without a more
	// specific override. Nil disables default limiting.
	DefaultQuotaPolicy *QuotaPolicyConfig `yaml:"default_quota_policy" mapstructure:"default_quota_policy"`

	// Overrides map tool-name patterns (exact or `*` wildcards) to quota
	// policies. The most specific match wins.
	Overrides map[string]QuotaPolicyConfig `yaml:"overrides" mapstructure:"overrides" validate:"omitempty,dive"`

	// MaxCacheSize caps the per-key limiter cache; least recently used
	// entries are evicted beyond it.
	MaxCacheSize int `yaml:"max_cache_size" mapstructure:"max_cache_size" validate:"omitempty,min=1"`

	// CleanupInterval and EntryExpiration drive idle-entry sweeping.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
	EntryExpiration string `yaml:"entry_expiration" mapstructure:"entry_expiration" validate:"omitempty,duration"`

	// TenantHeader and UserHeader name the identity headers consulted
	// when inbound auth is disabled.
	TenantHeader string `yaml:"tenant_header" mapstructure:"tenant_header"`
	UserHeader   string `yaml:"user_header" mapstructure:"user_header"`
}

// QuotaPolicyConfig is the wire form of a quota policy.
type QuotaPolicyConfig struct {
	Strategy        string `yaml:"strategy" mapstructure:"strategy" validate:"required,oneof=fixedWindow slidingWindow tokenBucket"`
	PermitLimit     int    `yaml:"permit_limit" mapstructure:"permit_limit" validate:"min=1"`
	WindowMs        int64  `yaml:"window_ms" mapstructure:"window_ms" validate:"omitempty,min=1"`
	RefillPeriodMs  int64  `yaml:"refill_period_ms" mapstructure:"refill_period_ms" validate:"omitempty,min=1"`
	TokensPerPeriod int    `yaml:"tokens_per_period" mapstructure:"tokens_per_period" validate:"omitempty,min=1"`
	QueueLimit      int    `yaml:"queue_limit" mapstructure:"queue_limit" validate:"omitempty,min=0"`
	Scope           string `yaml:"scope" mapstructure:"scope" validate:"omitempty,oneof=global tenant user tool tenantTool userTool"`
}

// ToQuota converts the config entry to the domain policy.
func (q *QuotaPolicyConfig) ToQuota() *ratelimit.QuotaPolicy {
	return &ratelimit.QuotaPolicy{
		Strategy:        ratelimit.Strategy(q.Strategy),
		PermitLimit:     q.PermitLimit,
		WindowMs:        q.WindowMs,
		RefillPeriodMs:  q.RefillPeriodMs,
		TokensPerPeriod: q.TokensPerPeriod,
		QueueLimit:      q.QueueLimit,
		Scope:           ratelimit.Scope(q.Scope),
	}
}

// TransportConfig configures request validation limits shared by the HTTP
// and stdio transports.
type TransportConfig struct {
	MaxRequestBodyBytes       int64 `yaml:"max_request_body_bytes" mapstructure:"max_request_body_bytes" validate:"omitempty,min=1"`
	MaxArgumentsJSONDepth     int   `yaml:"max_arguments_json_depth" mapstructure:"max_arguments_json_depth" validate:"omitempty,min=1"`
	MaxArgumentsPropertyCount int   `yaml:"max_arguments_property_count" mapstructure:"max_arguments_property_count" validate:"omitempty,min=1"`

	// IncludeCorrelationIDInErrors attaches the short request id to
	// internal error responses.
	IncludeCorrelationIDInErrors bool `yaml:"include_correlation_id_in_errors" mapstructure:"include_correlation_id_in_errors"`
}

// AuthConfig configures inbound API-key authentication. Disabled keeps the
// header-trusting identity resolution.
type AuthConfig struct {
	Enabled bool        `yaml:"enabled" mapstructure:"enabled"`
	Keys    []KeyConfig `yaml:"keys" mapstructure:"keys" validate:"omitempty,dive"`
}

// KeyConfig maps one stored key hash to an identity.
type KeyConfig struct {
	// KeyHash is "sha256:<hex>" or an argon2id PHC string. Generate with
	// `contextify hash-key`.
	KeyHash  string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
	TenantID string `yaml:"tenant_id" mapstructure:"tenant_id"`
	UserID   string `yaml:"user_id" mapstructure:"user_id"`
	Label    string `yaml:"label" mapstructure:"label"`
}

// AuditConfig configures the async dispatch audit trail.
type AuditConfig struct {
	// Output selects the store: "stdout", "file://<dir>", or
	// "sqlite://<path>". Empty disables auditing entirely.
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`

	ChannelSize      int    `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	FlushInterval    string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
	SendTimeout      string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
	WarningThreshold int    `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`

	// File-store settings, used with the file:// output.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	CacheSize     int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// RedactionConfig configures result sanitization.
type RedactionConfig struct {
	// Enabled defaults to true; the action fast-paths when disabled.
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`

	// Keywords replaces the default sensitive field-name list when set.
	Keywords []string `yaml:"keywords" mapstructure:"keywords"`

	// TextPatterns are regexes applied to text content.
	TextPatterns []string `yaml:"text_patterns" mapstructure:"text_patterns"`
}

// ObservabilityConfig configures tracing and debug telemetry.
type ObservabilityConfig struct {
	// TracingEnabled turns on the stdout trace exporter.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`

	// MetricsEnabled turns on the periodic stdout metric reader.
	MetricsEnabled bool `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// SampleRatio is the trace sampling ratio in (0, 1]. Zero selects 1.0.
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"omitempty,min=0,max=1"`
}

// SetDefaults fills unset optional fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Core.TransportMode == "" {
		c.Core.TransportMode = "auto"
	}
	if c.Core.ApplicationName == "" {
		c.Core.ApplicationName = "contextify"
	}
	// Bind to localhost only; network exposure is an explicit choice.
	if c.Core.HTTPAddr == "" {
		c.Core.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Core.LogLevel == "" {
		c.Core.LogLevel = "info"
	}

	if c.Policy.MinReloadInterval == "" {
		c.Policy.MinReloadInterval = "500ms"
	}
	if c.Policy.RefreshInterval == "" {
		c.Policy.RefreshInterval = "30s"
	}
	if c.Policy.WatchInterval == "" {
		c.Policy.WatchInterval = "2s"
	}

	if c.Backend.RequestTimeout == "" {
		c.Backend.RequestTimeout = "30s"
	}

	if c.Actions.EnableRetry {
		if c.Actions.MaxRetryAttempts == 0 {
			c.Actions.MaxRetryAttempts = 2
		}
		if c.Actions.RetryDelayMilliseconds == 0 {
			c.Actions.RetryDelayMilliseconds = 200
		}
	}

	if c.Gateway.ToolNameSeparator == "" {
		c.Gateway.ToolNameSeparator = "."
	}
	if c.Gateway.CatalogRefreshInterval == "" {
		c.Gateway.CatalogRefreshInterval = "30s"
	}
	if c.Gateway.ProbeInterval == "" {
		c.Gateway.ProbeInterval = "30s"
	}
	if c.Gateway.RequestTimeout == "" {
		c.Gateway.RequestTimeout = "10s"
	}

	if c.RateLimit.MaxCacheSize == 0 {
		c.RateLimit.MaxCacheSize = 10000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "1m"
	}
	if c.RateLimit.EntryExpiration == "" {
		c.RateLimit.EntryExpiration = "10m"
	}

	if c.Transport.MaxRequestBodyBytes == 0 {
		c.Transport.MaxRequestBodyBytes = 1 << 20
	}
	if c.Transport.MaxArgumentsJSONDepth == 0 {
		c.Transport.MaxArgumentsJSONDepth = 32
	}
	if c.Transport.MaxArgumentsPropertyCount == 0 {
		c.Transport.MaxArgumentsPropertyCount = 1000
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
	if c.Audit.CacheSize == 0 {
		c.Audit.CacheSize = 1000
	}

	if c.Observability.SampleRatio == 0 {
		c.Observability.SampleRatio = 1.0
	}
}

// Duration accessors. Validation guarantees the strings parse, so the
// fallback only covers programmatic construction that skipped validation.

func (c *PolicyConfig) MinReload() time.Duration { return parseDuration(c.MinReloadInterval, 500*time.Millisecond) }

// Refresh returns the catalog staleness bound.
func (c *PolicyConfig) Refresh() time.Duration { return parseDuration(c.RefreshInterval, 30*time.Second) }

// Watch returns the source polling cadence.
func (c *PolicyConfig) Watch() time.Duration { return parseDuration(c.WatchInterval, 2*time.Second) }

// Timeout returns the backend request timeout.
func (c *BackendConfig) Timeout() time.Duration { return parseDuration(c.RequestTimeout, 30*time.Second) }

// DefaultTimeout returns the pipeline-wide execution deadline, zero when
// disabled.
func (c *ActionsConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultExecutionTimeoutSeconds) * time.Second
}

// RetryDelay returns the fixed delay between retry attempts.
func (c *ActionsConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMilliseconds) * time.Millisecond
}

// CatalogRefresh returns the aggregated snapshot staleness bound.
func (c *GatewayConfig) CatalogRefresh() time.Duration {
	return parseDuration(c.CatalogRefreshInterval, 30*time.Second)
}

// Probe returns the health monitor cycle length.
func (c *GatewayConfig) Probe() time.Duration { return parseDuration(c.ProbeInterval, 30*time.Second) }

// Timeout returns the default per-upstream call timeout.
func (c *GatewayConfig) Timeout() time.Duration { return parseDuration(c.RequestTimeout, 10*time.Second) }

// Cleanup returns the limiter cache sweep cadence.
func (c *RateLimitConfig) Cleanup() time.Duration { return parseDuration(c.CleanupInterval, time.Minute) }

// Expiration returns the limiter idle TTL.
func (c *RateLimitConfig) Expiration() time.Duration { return parseDuration(c.EntryExpiration, 10*time.Minute) }

// Flush returns the audit flush cadence.
func (c *AuditConfig) Flush() time.Duration { return parseDuration(c.FlushInterval, time.Second) }

// Send returns the audit backpressure timeout.
func (c *AuditConfig) Send() time.Duration { return parseDuration(c.SendTimeout, 100*time.Millisecond) }

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
