package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, contextify.yaml/.yml is searched in the
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers treat as env-vars-only mode.
		viper.SetConfigName("contextify")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CONTEXTIFY_CORE_HTTP_ADDR
	viper.SetEnvPrefix("CONTEXTIFY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a contextify config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".contextify"),
		"/etc/contextify",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first contextify.yaml or .yml found in
// the given directories, or empty string when none exists.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "contextify"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Example: CONTEXTIFY_CORE_HTTP_ADDR overrides core.http_addr.
func bindNestedEnvKeys() {
	// Core
	_ = viper.BindEnv("core.transport_mode")
	_ = viper.BindEnv("core.application_name")
	_ = viper.BindEnv("core.application_version")
	_ = viper.BindEnv("core.http_addr")
	_ = viper.BindEnv("core.log_level")
	_ = viper.BindEnv("core.enable_debug_endpoints")

	// Policy sources
	_ = viper.BindEnv("policy.policy_file")
	_ = viper.BindEnv("policy.endpoints_file")
	_ = viper.BindEnv("policy.deny_by_default")
	_ = viper.BindEnv("policy.deny_on_policy_evaluation_failure")
	_ = viper.BindEnv("policy.min_reload_interval")
	_ = viper.BindEnv("policy.refresh_interval")
	_ = viper.BindEnv("policy.watch_interval")
	// Note: allowed_tools / denied_tools / allowed_namespaces are arrays;
	// use the config file for those.

	// Backend
	_ = viper.BindEnv("backend.base_url")
	_ = viper.BindEnv("backend.request_timeout")

	// Actions
	_ = viper.BindEnv("actions.default_execution_timeout_seconds")
	_ = viper.BindEnv("actions.max_concurrent_actions")
	_ = viper.BindEnv("actions.reject_when_over_capacity")
	_ = viper.BindEnv("actions.max_queue_depth")
	_ = viper.BindEnv("actions.enable_retry")
	_ = viper.BindEnv("actions.max_retry_attempts")
	_ = viper.BindEnv("actions.retry_delay_milliseconds")

	// Gateway (upstreams are an array; use the config file)
	_ = viper.BindEnv("gateway.enabled")
	_ = viper.BindEnv("gateway.tool_name_separator")
	_ = viper.BindEnv("gateway.deny_by_default")
	_ = viper.BindEnv("gateway.catalog_refresh_interval")
	_ = viper.BindEnv("gateway.probe_interval")
	_ = viper.BindEnv("gateway.request_timeout")

	// Rate limit (quota policies are nested maps; use the config file)
	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.max_cache_size")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.entry_expiration")
	_ = viper.BindEnv("rate_limit.tenant_header")
	_ = viper.BindEnv("rate_limit.user_header")

	// Transport
	_ = viper.BindEnv("transport.max_request_body_bytes")
	_ = viper.BindEnv("transport.max_arguments_json_depth")
	_ = viper.BindEnv("transport.max_arguments_property_count")
	_ = viper.BindEnv("transport.include_correlation_id_in_errors")

	// Auth (keys are an array; use the config file)
	_ = viper.BindEnv("auth.enabled")

	// Audit
	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")
	_ = viper.BindEnv("audit.retention_days")

	// Redaction (keywords and patterns are arrays; use the config file)
	_ = viper.BindEnv("redaction.enabled")

	// Observability
	_ = viper.BindEnv("observability.tracing_enabled")
	_ = viper.BindEnv("observability.metrics_enabled")
	_ = viper.BindEnv("observability.sample_ratio")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT validate. Use this when CLI flags may override fields before
// validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or empty
// string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
