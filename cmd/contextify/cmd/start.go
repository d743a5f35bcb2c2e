package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/contextify/contextify/internal/adapter/inbound/http"
	"github.com/contextify/contextify/internal/adapter/inbound/stdio"
	auditstore "github.com/contextify/contextify/internal/adapter/outbound/audit"
	"github.com/contextify/contextify/internal/adapter/outbound/cel"
	"github.com/contextify/contextify/internal/adapter/outbound/endpoint"
	"github.com/contextify/contextify/internal/adapter/outbound/filesource"
	mcpclient "github.com/contextify/contextify/internal/adapter/outbound/mcp"
	"github.com/contextify/contextify/internal/adapter/outbound/memory"
	"github.com/contextify/contextify/internal/config"
	"github.com/contextify/contextify/internal/domain/audit"
	"github.com/contextify/contextify/internal/domain/auth"
	"github.com/contextify/contextify/internal/domain/pipeline"
	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/redaction"
	"github.com/contextify/contextify/internal/domain/upstream"
	"github.com/contextify/contextify/internal/observability"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/internal/service"
	"github.com/contextify/contextify/pkg/mcp"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long: `Start the Contextify server.

The server runs in local mode (backend endpoints published as tools) or
gateway mode (tools aggregated from upstream MCP servers), selected by
gateway.enabled in the configuration.

The inbound transport is selected by core.transport_mode: "http",
"stdio", "both", or "auto" (stdio when stdin is piped, http otherwise).

Examples:
  # Start with config file settings
  contextify start

  # Start with a specific config file
  contextify --config /path/to/contextify.yaml start

  # Force the HTTP transport on a different address
  contextify start --transport http --http-addr 127.0.0.1:9090`,
	RunE: runStart,
}

var (
	startTransport string
	startHTTPAddr  string
)

func init() {
	startCmd.Flags().StringVar(&startTransport, "transport", "", "transport mode override: auto, http, stdio, both")
	startCmd.Flags().StringVar(&startHTTPAddr, "http-addr", "", "HTTP listen address override")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if startTransport != "" {
		cfg.Core.TransportMode = startTransport
	}
	if startHTTPAddr != "" {
		cfg.Core.HTTPAddr = startHTTPAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Logger to stderr (stdout reserved for the MCP stream in stdio mode)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Core.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("contextify stopped")
	return nil
}

// run wires all components and serves until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	stdioActive, httpActive := selectTransports(cfg)
	version := cfg.Core.ApplicationVersion
	if version == "" {
		version = Version
	}

	obs, err := observability.NewManager(observability.Config{
		ServiceName:    cfg.Core.ApplicationName,
		ServiceVersion: version,
		TracingEnabled: cfg.Observability.TracingEnabled,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
		SampleRatio:    cfg.Observability.SampleRatio,
		Writer:         os.Stderr,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	// Audit trail. An empty output disables auditing entirely.
	store, err := createAuditStore(cfg, stdioActive, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	var auditor *service.AuditService
	if store != nil {
		defer func() { _ = store.Close() }()
		auditor = service.NewAuditService(store, logger,
			service.WithChannelSize(cfg.Audit.ChannelSize),
			service.WithBatchSize(cfg.Audit.BatchSize),
			service.WithFlushInterval(cfg.Audit.Flush()),
			service.WithSendTimeout(cfg.Audit.Send()),
			service.WithWarningThreshold(cfg.Audit.WarningThreshold),
		)
		auditor.Start(ctx)
		defer auditor.Stop()
	}

	info := inbound.ServerInfo{
		Name:            cfg.Core.ApplicationName,
		Version:         version,
		ProtocolVersion: mcp.ProtocolVersion,
	}

	var (
		api        inbound.ToolAPI
		catalogSvc *service.CatalogService
		gatewaySvc *service.GatewayService
	)

	if cfg.Gateway.Enabled {
		gatewaySvc, err = buildGateway(ctx, cfg, auditor, info, logger)
		if err != nil {
			return err
		}
		api = gatewaySvc
	} else {
		var provider *service.ProviderService
		provider, catalogSvc, err = buildProvider(ctx, cfg, auditor, info, logger)
		if err != nil {
			return err
		}
		defer catalogSvc.Stop()
		api = provider
	}

	traced, err := observability.NewTracedAPI(api, obs)
	if err != nil {
		return fmt.Errorf("failed to instrument dispatch: %w", err)
	}
	api = traced

	// Transports. The first one to exit takes the rest down with it.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if httpActive {
		transport, err := buildHTTPTransport(runCtx, cfg, api, catalogSvc, gatewaySvc, auditor, store, version, logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := transport.Start(runCtx); err != nil {
				errCh <- fmt.Errorf("http transport: %w", err)
			}
		}()
	}

	if stdioActive {
		transport := stdio.NewTransport(api,
			stdio.WithLogger(logger),
			stdio.WithLineLimit(int(cfg.Transport.MaxRequestBodyBytes)),
			stdio.WithArgumentLimits(cfg.Transport.MaxArgumentsJSONDepth, cfg.Transport.MaxArgumentsPropertyCount),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			logger.Info("starting stdio transport")
			if err := transport.Run(runCtx); err != nil && runCtx.Err() == nil {
				errCh <- fmt.Errorf("stdio transport: %w", err)
			}
		}()
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

// buildGateway assembles gateway mode: the upstream registry seeded from
// config, the MCP client, the external-name policy, the aggregation
// service, and the health monitor.
func buildGateway(ctx context.Context, cfg *config.Config, auditor *service.AuditService, info inbound.ServerInfo, logger *slog.Logger) (*service.GatewayService, error) {
	registry := memory.NewUpstreamRegistry()
	for i := range cfg.Gateway.Upstreams {
		u := cfg.Gateway.Upstreams[i].ToUpstream()
		if err := registry.Add(ctx, &u); err != nil {
			return nil, fmt.Errorf("failed to register upstream %q: %w", u.Name, err)
		}
	}

	client := mcpclient.NewClient(
		mcpclient.WithRequestTimeout(cfg.Gateway.Timeout()),
		mcpclient.WithLogger(logger),
	)

	toolPolicy := upstream.NewToolPolicy(
		gatewayAllowPatterns(cfg),
		cfg.Gateway.DeniedToolPatterns,
		cfg.Gateway.DenyByDefault,
	)

	opts := []service.GatewayOption{
		service.WithToolSeparator(cfg.Gateway.ToolNameSeparator),
		service.WithGatewayRefreshInterval(cfg.Gateway.CatalogRefresh()),
		service.WithUpstreamTimeout(cfg.Gateway.Timeout()),
	}
	if cfg.Actions.EnableRetry {
		opts = append(opts, service.WithRetry(cfg.Actions.MaxRetryAttempts, cfg.Actions.RetryDelay()))
	}

	gateway, err := service.NewGatewayService(ctx, registry, client, toolPolicy, auditor, info, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	health := service.NewHealthService(registry, client, gateway, cfg.Gateway.Probe(), logger)
	health.Start(ctx)
	go func() {
		<-ctx.Done()
		health.Stop()
	}()

	return gateway, nil
}

// gatewayAllowPatterns merges the explicit allow patterns with patterns
// derived from the allowed namespace prefixes.
func gatewayAllowPatterns(cfg *config.Config) []string {
	patterns := append([]string(nil), cfg.Gateway.AllowedToolPatterns...)
	for _, ns := range cfg.Policy.AllowedNamespaces {
		patterns = append(patterns, ns+cfg.Gateway.ToolNameSeparator+"*")
	}
	return patterns
}

// buildProvider assembles local mode: catalog sources, the middleware
// pipeline, the backend executor, and the provider service on top.
func buildProvider(ctx context.Context, cfg *config.Config, auditor *service.AuditService, info inbound.ServerInfo, logger *slog.Logger) (*service.ProviderService, *service.CatalogService, error) {
	ps, err := buildPolicySource(cfg)
	if err != nil {
		return nil, nil, err
	}
	es := filesource.NewEndpointFile(cfg.Policy.EndpointsFile)

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create guard evaluator: %w", err)
	}

	catalog, err := service.NewCatalogService(ctx, ps, es, logger,
		service.WithMinReloadInterval(cfg.Policy.MinReload()),
		service.WithRefreshInterval(cfg.Policy.Refresh()),
		service.WithWatchInterval(cfg.Policy.Watch()),
		service.WithGuardValidator(evaluator),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build catalog: %w", err)
	}
	catalog.StartWatching(ctx)

	redactOpts := []redaction.Option{}
	if len(cfg.Redaction.Keywords) > 0 {
		redactOpts = append(redactOpts, redaction.WithKeywords(cfg.Redaction.Keywords))
	}
	if cfg.Redaction.Enabled != nil {
		redactOpts = append(redactOpts, redaction.WithEnabled(*cfg.Redaction.Enabled))
	}
	engine, err := redaction.NewEngine(cfg.Redaction.TextPatterns, redactOpts...)
	if err != nil {
		catalog.Stop()
		return nil, nil, fmt.Errorf("failed to build redaction engine: %w", err)
	}

	// Per-tool policy rate limits share the limiter cache settings with the
	// transport middleware but keep their own cache instance.
	policyLimiters := memory.NewLimiterCacheWithConfig(
		memory.NewLimiterFactory(), cfg.RateLimit.MaxCacheSize, cfg.RateLimit.Expiration(), logger)
	policyLimiters.StartCleanup(ctx)

	pipe := pipeline.New(
		pipeline.NewAuthPropagationAction(logger),
		pipeline.NewArgumentGuardAction(evaluator, cfg.Policy.DenyOnPolicyEvaluationFailure, logger),
		pipeline.NewTimeoutAction(logger),
		pipeline.NewConcurrencyAction(memory.NewSemaphoreCache(), logger),
		pipeline.NewRateLimitAction(policyLimiters, logger),
		pipeline.NewRedactionAction(engine),
	)

	executor, err := endpoint.NewExecutor(cfg.Backend.BaseURL,
		endpoint.WithLogger(logger),
		endpoint.WithRequestTimeout(cfg.Backend.Timeout()),
	)
	if err != nil {
		catalog.Stop()
		return nil, nil, fmt.Errorf("failed to create backend executor: %w", err)
	}

	provider := service.NewProviderService(catalog, pipe, executor, auditor, info, logger,
		service.WithDefaultTimeout(cfg.Actions.DefaultTimeout()),
		service.WithCapacityGate(cfg.Actions.MaxConcurrentActions, cfg.Actions.MaxQueueDepth, cfg.Actions.RejectWhenOverCapacity),
	)
	return provider, catalog, nil
}

// buildHTTPTransport assembles the HTTP surface with whatever optional
// components are wired: keyring, rate limiter, debug endpoints, health.
func buildHTTPTransport(ctx context.Context, cfg *config.Config, api inbound.ToolAPI, catalog *service.CatalogService, gateway *service.GatewayService, auditor *service.AuditService, store audit.Store, version string, logger *slog.Logger) (*http.Transport, error) {
	opts := []http.Option{
		http.WithAddr(cfg.Core.HTTPAddr),
		http.WithLogger(logger),
		http.WithIdentityHeaders(cfg.RateLimit.TenantHeader, cfg.RateLimit.UserHeader),
		http.WithBodyLimit(cfg.Transport.MaxRequestBodyBytes),
		http.WithArgumentLimits(cfg.Transport.MaxArgumentsJSONDepth, cfg.Transport.MaxArgumentsPropertyCount),
		http.WithCorrelationIDInErrors(cfg.Transport.IncludeCorrelationIDInErrors),
		http.WithDebugEndpoints(cfg.Core.EnableDebugEndpoints),
	}
	if catalog != nil {
		opts = append(opts, http.WithCatalog(catalog))
	}
	if gateway != nil {
		opts = append(opts, http.WithGateway(gateway))
	}
	if auditor != nil {
		opts = append(opts, http.WithAuditService(auditor))
	}
	if reader, ok := store.(http.AuditReader); ok {
		opts = append(opts, http.WithAuditReader(reader))
	}

	if cfg.Auth.Enabled {
		entries := make([]auth.KeyEntry, 0, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			entries = append(entries, auth.KeyEntry{
				Hash:     k.KeyHash,
				TenantID: k.TenantID,
				UserID:   k.UserID,
				Label:    k.Label,
			})
		}
		keyring, err := auth.NewKeyring(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to build keyring: %w", err)
		}
		opts = append(opts, http.WithKeyring(keyring))
		logger.Info("api key auth enabled", "keys", keyring.Len())
	}

	var limiterCache *memory.LimiterCache
	if cfg.RateLimit.Enabled {
		var def *ratelimit.QuotaPolicy
		if cfg.RateLimit.DefaultQuotaPolicy != nil {
			def = cfg.RateLimit.DefaultQuotaPolicy.ToQuota()
		}
		overrides := make(map[string]*ratelimit.QuotaPolicy, len(cfg.RateLimit.Overrides))
		for pattern := range cfg.RateLimit.Overrides {
			q := cfg.RateLimit.Overrides[pattern]
			overrides[pattern] = q.ToQuota()
		}
		selector := ratelimit.NewSelector(def, overrides)
		limiterCache = memory.NewLimiterCacheWithConfig(
			memory.NewLimiterFactory(), cfg.RateLimit.MaxCacheSize, cfg.RateLimit.Expiration(), logger)
		limiterCache.StartCleanup(ctx)
		opts = append(opts, http.WithRateLimiter(http.NewRateLimiter(selector, limiterCache, logger)))
	}

	opts = append(opts, http.WithHealthChecker(
		http.NewHealthChecker(catalog, gateway, auditor, limiterCache, version)))

	return http.NewTransport(api, opts...), nil
}

// createAuditStore selects the audit store from the configured output.
// Returns nil when auditing is disabled.
func createAuditStore(cfg *config.Config, stdioActive bool, logger *slog.Logger) (audit.Store, error) {
	output := cfg.Audit.Output
	switch {
	case output == "":
		return nil, nil
	case output == "stdout":
		w := os.Stdout
		if stdioActive {
			// stdout carries the MCP stream in stdio mode.
			w = os.Stderr
			logger.Warn("audit output redirected to stderr", "reason", "stdio transport owns stdout")
		}
		return auditstore.NewStdoutStore(w), nil
	case strings.HasPrefix(output, "file://"):
		return auditstore.NewFileStore(auditstore.FileStoreConfig{
			Dir:           strings.TrimPrefix(output, "file://"),
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
			CacheSize:     cfg.Audit.CacheSize,
		}, logger)
	case strings.HasPrefix(output, "sqlite://"):
		return auditstore.NewSQLiteStore(strings.TrimPrefix(output, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported audit output %q", output)
	}
}

// selectTransports resolves the transport mode to the active surfaces.
// "auto" picks stdio when stdin is piped, http otherwise.
func selectTransports(cfg *config.Config) (stdioActive, httpActive bool) {
	switch cfg.Core.TransportMode {
	case "stdio":
		return true, false
	case "http":
		return false, true
	case "both":
		return true, true
	default:
		if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
			return true, false
		}
		return false, true
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
