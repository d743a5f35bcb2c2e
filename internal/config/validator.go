package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the Contextify validation rules. Must
// be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	if err := v.RegisterValidation("key_hash", validateKeyHash); err != nil {
		return fmt.Errorf("failed to register key_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts anything time.ParseDuration does ("500ms", "2s").
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout", "file://<absolute-path>", "sqlite://<path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stdout" {
		return true
	}
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}
	if strings.HasPrefix(output, "sqlite://") {
		return strings.TrimPrefix(output, "sqlite://") != ""
	}
	return false
}

// validateKeyHash validates a stored API key hash: "sha256:<64 hex chars>"
// or an argon2id PHC string.
func validateKeyHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()

	if strings.HasPrefix(hash, "sha256:") {
		digest := strings.TrimPrefix(hash, "sha256:")
		if len(digest) != 64 {
			return false
		}
		for _, c := range digest {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				return false
			}
		}
		return true
	}
	return strings.HasPrefix(hash, "$argon2id$")
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateMode(); err != nil {
		return err
	}
	if err := c.validateGatewayUpstreams(); err != nil {
		return err
	}
	if err := c.validateQuotaPolicies(); err != nil {
		return err
	}
	if c.Auth.Enabled && len(c.Auth.Keys) == 0 {
		return errors.New("auth: enabled but no keys configured")
	}
	return nil
}

// validateMode checks the mode-specific required fields: local mode needs an
// endpoint source and a backend to execute against.
func (c *Config) validateMode() error {
	if c.Gateway.Enabled {
		return nil
	}
	if c.Policy.EndpointsFile == "" {
		return errors.New("policy.endpoints_file is required when the gateway is disabled")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.base_url is required when the gateway is disabled")
	}
	return nil
}

// validateGatewayUpstreams requires at least one enabled upstream in gateway
// mode and rejects duplicate names. Namespace prefixes may repeat; colliding
// external tool names resolve last-write-wins during aggregation.
func (c *Config) validateGatewayUpstreams() error {
	if !c.Gateway.Enabled {
		return nil
	}
	if len(c.Gateway.Upstreams) == 0 {
		return errors.New("gateway: enabled but no upstreams configured")
	}

	names := make(map[string]struct{}, len(c.Gateway.Upstreams))
	enabled := 0
	for i, u := range c.Gateway.Upstreams {
		up := u.ToUpstream()
		if err := up.Validate(); err != nil {
			return fmt.Errorf("gateway.upstreams[%d]: %w", i, err)
		}
		if _, dup := names[u.Name]; dup {
			return fmt.Errorf("gateway.upstreams[%d]: duplicate name: %s", i, u.Name)
		}
		names[u.Name] = struct{}{}
		if up.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("gateway: all upstreams are disabled")
	}
	return nil
}

// validateQuotaPolicies enforces the strategy-dependent required fields the
// struct tags cannot express.
func (c *Config) validateQuotaPolicies() error {
	if c.RateLimit.DefaultQuotaPolicy != nil {
		if err := validateQuotaPolicy(c.RateLimit.DefaultQuotaPolicy); err != nil {
			return fmt.Errorf("rate_limit.default_quota_policy: %w", err)
		}
	}
	for pattern, qp := range c.RateLimit.Overrides {
		if err := validateQuotaPolicy(&qp); err != nil {
			return fmt.Errorf("rate_limit.overrides[%s]: %w", pattern, err)
		}
	}
	return nil
}

func validateQuotaPolicy(q *QuotaPolicyConfig) error {
	switch q.Strategy {
	case "fixedWindow", "slidingWindow":
		if q.WindowMs <= 0 {
			return errors.New("window_ms is required for window strategies")
		}
	case "tokenBucket":
		if q.RefillPeriodMs <= 0 {
			return errors.New("refill_period_ms is required for tokenBucket")
		}
		if q.TokensPerPeriod <= 0 {
			return errors.New("tokens_per_period is required for tokenBucket")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for one
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a valid duration (e.g. \"500ms\", \"30s\")", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'file://<absolute-path>', or 'sqlite://<path>'", field)
	case "key_hash":
		return fmt.Sprintf("%s must be 'sha256:<hex>' or an argon2id hash (use 'contextify hash-key')", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
