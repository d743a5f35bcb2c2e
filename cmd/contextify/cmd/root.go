// Package cmd provides the CLI commands for Contextify.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/contextify/contextify/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "contextify",
	Short: "Contextify - MCP tool server and gateway",
	Long: `Contextify publishes backend HTTP endpoints as Model Context Protocol
(MCP) tools, with per-tool policy, rate limiting, and audit logging.

It runs in one of two modes:

  Local mode (default): endpoint descriptors plus a policy document form
  the tool catalog; tool calls execute against the configured backend.

  Gateway mode: tools are aggregated from multiple upstream MCP servers
  under namespace prefixes, and calls are routed back to their origin.

Quick start:
  1. Create a config file: contextify.yaml
  2. Run: contextify start

Configuration:
  Config is loaded from contextify.yaml in the current directory,
  $HOME/.contextify/, or /etc/contextify/.

  Environment variables can override config values with the CONTEXTIFY_ prefix.
  Example: CONTEXTIFY_CORE_HTTP_ADDR=127.0.0.1:9090

Commands:
  start       Start the server
  validate    Validate configuration and catalog sources
  hash-key    Generate a key hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./contextify.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
