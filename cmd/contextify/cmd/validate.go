package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/contextify/contextify/internal/adapter/outbound/cel"
	"github.com/contextify/contextify/internal/adapter/outbound/filesource"
	"github.com/contextify/contextify/internal/config"
	"github.com/contextify/contextify/internal/domain/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and catalog sources",
	Long: `Validate the configuration file, then dry-run the catalog sources:
the policy document is parsed and its argument guards are compiled, and
the endpoint descriptors are loaded. Nothing is started.

Exits non-zero when anything fails, so it is safe to gate deploys on.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if file := config.ConfigFileUsed(); file != "" {
		fmt.Printf("config file:  %s\n", file)
	} else {
		fmt.Println("config file:  (defaults and environment only)")
	}
	fmt.Println("config:       OK")

	if cfg.Gateway.Enabled {
		return validateGateway(cfg)
	}
	return validateCatalog(cmd.Context(), cfg)
}

func validateGateway(cfg *config.Config) error {
	fmt.Printf("mode:         gateway (%d upstreams)\n", len(cfg.Gateway.Upstreams))
	for _, uc := range cfg.Gateway.Upstreams {
		u := uc.ToUpstream()
		state := "enabled"
		if !u.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %-20s %-12s %s (%s)\n", u.Name, u.NamespacePrefix, u.Endpoint, state)
	}
	return nil
}

func validateCatalog(ctx context.Context, cfg *config.Config) error {
	fmt.Println("mode:         local")

	ps, err := buildPolicySource(cfg)
	if err != nil {
		return err
	}
	raw, version, err := ps.Load(ctx)
	if err != nil {
		return fmt.Errorf("policy source: %w", err)
	}
	doc, warnings, err := policy.ParseDocument(raw)
	if err != nil {
		return fmt.Errorf("policy document: %w", err)
	}
	for _, w := range warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	fmt.Printf("policy:       OK (version %s, %d allow, %d deny)\n", version, len(doc.Allow), len(doc.Deny))

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("guard evaluator: %w", err)
	}
	var guardErrs int
	for _, entry := range doc.Allow {
		for _, expr := range entry.ArgumentGuards {
			if err := evaluator.ValidateExpression(expr); err != nil {
				guardErrs++
				fmt.Printf("  guard error: %v\n", err)
			}
		}
	}
	if guardErrs > 0 {
		return fmt.Errorf("%d argument guards failed to compile", guardErrs)
	}

	es := filesource.NewEndpointFile(cfg.Policy.EndpointsFile)
	endpoints, _, err := es.Load(ctx)
	if err != nil {
		return fmt.Errorf("endpoints: %w", err)
	}
	fmt.Printf("endpoints:    OK (%d descriptors)\n", len(endpoints))
	return nil
}
