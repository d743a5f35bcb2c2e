package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/contextify/contextify/internal/adapter/outbound/filesource"
	"github.com/contextify/contextify/internal/config"
	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/port/outbound"
)

// buildPolicySource returns the configured policy file source, or a
// synthesized document when no policy file is set so simple deployments
// can express allow/deny lists directly in contextify.yaml.
func buildPolicySource(cfg *config.Config) (outbound.PolicySource, error) {
	if cfg.Policy.PolicyFile != "" {
		return filesource.NewPolicyFile(cfg.Policy.PolicyFile), nil
	}
	return newSynthesizedPolicy(&cfg.Policy)
}

// synthesizedPolicy serves a policy document built from the inline
// allowed/denied tool lists. The document is immutable for the process
// lifetime, so the version token never changes after construction.
type synthesizedPolicy struct {
	raw     []byte
	version string
}

func newSynthesizedPolicy(cfg *config.PolicyConfig) (*synthesizedPolicy, error) {
	doc := policy.Document{
		SchemaVersion: 1,
		DenyByDefault: cfg.DenyByDefault,
	}
	// Inline tool names match either the operationId or the display name,
	// so each name produces a selector of both kinds.
	for _, name := range cfg.AllowedTools {
		doc.Allow = append(doc.Allow,
			policy.Entry{OperationID: name},
			policy.Entry{DisplayName: name},
		)
	}
	for _, name := range cfg.DeniedTools {
		doc.Deny = append(doc.Deny,
			policy.Entry{OperationID: name},
			policy.Entry{DisplayName: name},
		)
	}

	raw, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("encoding synthesized policy: %w", err)
	}
	return &synthesizedPolicy{
		raw:     raw,
		version: fmt.Sprintf("inline-%016x", xxhash.Sum64(raw)),
	}, nil
}

func (s *synthesizedPolicy) Load(_ context.Context) ([]byte, string, error) {
	return s.raw, s.version, nil
}

func (s *synthesizedPolicy) Version(_ context.Context) (string, error) {
	return s.version, nil
}

var _ outbound.PolicySource = (*synthesizedPolicy)(nil)
