package config

import (
	"strings"
	"testing"
)

// minimalLocalConfig returns a minimal valid local-mode Config.
func minimalLocalConfig() *Config {
	cfg := &Config{
		Policy:  PolicyConfig{EndpointsFile: "endpoints.yaml"},
		Backend: BackendConfig{BaseURL: "http://localhost:9000"},
	}
	cfg.SetDefaults()
	return cfg
}

// minimalGatewayConfig returns a minimal valid gateway-mode Config.
func minimalGatewayConfig() *Config {
	cfg := &Config{
		Gateway: GatewayConfig{
			Enabled: true,
			Upstreams: []UpstreamConfig{
				{Name: "github", NamespacePrefix: "gh", MCPHTTPEndpoint: "http://localhost:3001/mcp"},
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidLocalConfig(t *testing.T) {
	t.Parallel()

	if err := minimalLocalConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ValidGatewayConfig(t *testing.T) {
	t.Parallel()

	if err := minimalGatewayConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_LocalModeRequiresEndpoints(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.Policy.EndpointsFile = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "endpoints_file") {
		t.Errorf("error = %q, want to mention endpoints_file", err.Error())
	}
}

func TestValidate_LocalModeRequiresBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.Backend.BaseURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "base_url") {
		t.Errorf("error = %q, want to mention base_url", err.Error())
	}
}

func TestValidate_GatewayRequiresUpstreams(t *testing.T) {
	t.Parallel()

	cfg := minimalGatewayConfig()
	cfg.Gateway.Upstreams = nil

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "no upstreams") {
		t.Errorf("error = %q, want to contain 'no upstreams'", err.Error())
	}
}

func TestValidate_GatewayRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	cfg := minimalGatewayConfig()
	cfg.Gateway.Upstreams = append(cfg.Gateway.Upstreams, UpstreamConfig{
		Name:            "github",
		NamespacePrefix: "gh2",
		MCPHTTPEndpoint: "http://localhost:3002/mcp",
	})

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate name") {
		t.Errorf("error = %q, want duplicate name", err.Error())
	}
}

func TestValidate_GatewayAllowsSharedPrefix(t *testing.T) {
	t.Parallel()

	// Two upstreams may share a prefix; colliding tool names are resolved
	// during aggregation, not at config time.
	cfg := minimalGatewayConfig()
	cfg.Gateway.Upstreams = append(cfg.Gateway.Upstreams, UpstreamConfig{
		Name:            "github-enterprise",
		NamespacePrefix: "gh",
		MCPHTTPEndpoint: "http://localhost:3002/mcp",
	})

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_GatewayAllUpstreamsDisabled(t *testing.T) {
	t.Parallel()

	cfg := minimalGatewayConfig()
	disabled := false
	cfg.Gateway.Upstreams[0].Enabled = &disabled

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("error = %q, want to mention disabled upstreams", err.Error())
	}
}

func TestValidate_InvalidTransportMode(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.Core.TransportMode = "carrier-pigeon"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "TransportMode") {
		t.Errorf("error = %q, want to contain 'TransportMode'", err.Error())
	}
}

func TestValidate_InvalidDuration(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.Policy.RefreshInterval = "thirty seconds"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "valid duration") {
		t.Errorf("error = %q, want duration hint", err.Error())
	}
}

func TestValidate_AuditOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		valid  bool
	}{
		{"stdout", "stdout", true},
		{"absolute file dir", "file:///var/log/contextify", true},
		{"relative file dir", "file://logs", false},
		{"sqlite path", "sqlite:///var/lib/contextify/audit.db", true},
		{"empty sqlite", "sqlite://", false},
		{"garbage", "syslog", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalLocalConfig()
			cfg.Audit.Output = tt.output
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Validate() expected error for %q", tt.output)
			}
		})
	}
}

func TestValidate_AuthKeys(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.Auth.Enabled = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error with no keys, got nil")
	}
	if !strings.Contains(err.Error(), "no keys") {
		t.Errorf("error = %q, want 'no keys'", err.Error())
	}

	cfg.Auth.Keys = []KeyConfig{{
		KeyHash:  "sha256:" + strings.Repeat("ab", 32),
		TenantID: "acme",
	}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with sha256 key unexpected error: %v", err)
	}

	cfg.Auth.Keys[0].KeyHash = "$argon2id$v=19$m=65536,t=1,p=2$c29tZXNhbHQ$aGFzaA"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with argon2id key unexpected error: %v", err)
	}

	cfg.Auth.Keys[0].KeyHash = "sha256:tooshort"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for malformed sha256 hash")
	}

	cfg.Auth.Keys[0].KeyHash = "plaintext-key"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error for raw key material")
	}
}

func TestValidate_QuotaPolicyStrategyFields(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.DefaultQuotaPolicy = &QuotaPolicyConfig{
		Strategy:    "fixedWindow",
		PermitLimit: 10,
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for fixedWindow without window_ms")
	}
	if !strings.Contains(err.Error(), "window_ms") {
		t.Errorf("error = %q, want window_ms", err.Error())
	}

	cfg.RateLimit.DefaultQuotaPolicy.WindowMs = 1000
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	cfg.RateLimit.Overrides = map[string]QuotaPolicyConfig{
		"admin.*": {Strategy: "tokenBucket", PermitLimit: 5},
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for tokenBucket without refill fields")
	}
	if !strings.Contains(err.Error(), "refill_period_ms") {
		t.Errorf("error = %q, want refill_period_ms", err.Error())
	}
}

func TestValidate_InvalidQuotaStrategy(t *testing.T) {
	t.Parallel()

	cfg := minimalLocalConfig()
	cfg.RateLimit.DefaultQuotaPolicy = &QuotaPolicyConfig{
		Strategy:    "leakyBucket",
		PermitLimit: 5,
		WindowMs:    1000,
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "must be one of") {
		t.Errorf("error = %q, want oneof hint", err.Error())
	}
}
