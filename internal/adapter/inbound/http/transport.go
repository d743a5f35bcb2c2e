package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contextify/contextify/internal/domain/auth"
	"github.com/contextify/contextify/internal/domain/validation"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/internal/service"
)

// defaultMaxBodyBytes caps request bodies at 1 MiB unless configured.
const defaultMaxBodyBytes = 1 << 20

// Transport is the inbound HTTP adapter: it serves the JSON-RPC endpoint
// plus the operational surface (manifest, diagnostics, health, metrics) over
// one listener. The same transport fronts either the local provider or the
// gateway; it only ever sees the ToolAPI port.
type Transport struct {
	api    inbound.ToolAPI
	addr   string
	logger *slog.Logger
	server *http.Server

	registry *prometheus.Registry
	metrics  *Metrics

	keyring      *auth.Keyring
	tenantHeader string
	userHeader   string

	rateLimiter   *RateLimiter
	healthChecker *HealthChecker
	catalog       *service.CatalogService
	gateway       *service.GatewayService
	auditReader   AuditReader
	auditService  *service.AuditService

	maxBodyBytes           int64
	maxArgumentsDepth      int
	maxArgumentsProperties int
	includeCorrelationID   bool
	debugEndpoints         bool
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithKeyring enables inbound API-key authentication. Without it the
// transport trusts the plain identity headers.
func WithKeyring(kr *auth.Keyring) Option {
	return func(t *Transport) {
		t.keyring = kr
	}
}

// WithIdentityHeaders overrides the headers identity is read from when
// authentication is disabled.
func WithIdentityHeaders(tenantHeader, userHeader string) Option {
	return func(t *Transport) {
		t.tenantHeader = tenantHeader
		t.userHeader = userHeader
	}
}

// WithRateLimiter installs quota enforcement in front of the dispatcher.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(t *Transport) {
		t.rateLimiter = rl
	}
}

// WithHealthChecker sets the component checker behind /healthz.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) {
		t.healthChecker = hc
	}
}

// WithCatalog wires the local catalog into the diagnostics endpoint.
func WithCatalog(c *service.CatalogService) Option {
	return func(t *Transport) {
		t.catalog = c
	}
}

// WithGateway wires the gateway into the diagnostics endpoint.
func WithGateway(g *service.GatewayService) Option {
	return func(t *Transport) {
		t.gateway = g
	}
}

// WithAuditReader exposes recent audit records on the debug surface.
func WithAuditReader(r AuditReader) Option {
	return func(t *Transport) {
		t.auditReader = r
	}
}

// WithAuditService wires the audit drop counter into the metrics registry.
func WithAuditService(s *service.AuditService) Option {
	return func(t *Transport) {
		t.auditService = s
	}
}

// WithBodyLimit sets the maximum request body size in bytes.
func WithBodyLimit(maxBytes int64) Option {
	return func(t *Transport) {
		if maxBytes > 0 {
			t.maxBodyBytes = maxBytes
		}
	}
}

// WithArgumentLimits sets the arguments JSON depth and property count caps.
func WithArgumentLimits(maxDepth, maxProperties int) Option {
	return func(t *Transport) {
		if maxDepth > 0 {
			t.maxArgumentsDepth = maxDepth
		}
		if maxProperties > 0 {
			t.maxArgumentsProperties = maxProperties
		}
	}
}

// WithCorrelationIDInErrors attaches the short correlation id to internal
// error responses.
func WithCorrelationIDInErrors(include bool) Option {
	return func(t *Transport) {
		t.includeCorrelationID = include
	}
}

// WithDebugEndpoints registers the catalog and audit debug routes.
func WithDebugEndpoints(enable bool) Option {
	return func(t *Transport) {
		t.debugEndpoints = enable
	}
}

// NewTransport creates the HTTP transport over the given ToolAPI.
func NewTransport(api inbound.ToolAPI, opts ...Option) *Transport {
	t := &Transport{
		api:                    api,
		addr:                   "127.0.0.1:8080",
		logger:                 slog.Default(),
		tenantHeader:           DefaultTenantHeader,
		userHeader:             DefaultUserHeader,
		maxBodyBytes:           defaultMaxBodyBytes,
		maxArgumentsDepth:      validation.DefaultMaxArgumentsDepth,
		maxArgumentsProperties: validation.DefaultMaxArgumentsProperties,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Handler assembles the complete route surface with the middleware chain.
// Start uses it; tests drive it directly through httptest.
func (t *Transport) Handler() http.Handler {
	if t.metrics == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		var dropped func() float64
		if t.auditService != nil {
			svc := t.auditService
			dropped = func() float64 { return float64(svc.DroppedRecords()) }
		}
		t.metrics = NewMetrics(t.registry, dropped)
	}

	// Chain order (outermost first): metrics captures the full duration,
	// request id enriches the logger, the body cap precedes every reader,
	// identity precedes the quota check that keys on it.
	var handler http.Handler = &mcpHandler{
		api:                    t.api,
		metrics:                t.metrics,
		maxArgumentsDepth:      t.maxArgumentsDepth,
		maxArgumentsProperties: t.maxArgumentsProperties,
		includeCorrelationID:   t.includeCorrelationID,
	}
	if t.rateLimiter != nil {
		t.rateLimiter.metrics = t.metrics
		handler = t.rateLimiter.Middleware(handler)
	}
	handler = IdentityMiddleware(t.keyring, t.tenantHeader, t.userHeader)(handler)
	handler = BodyLimitMiddleware(t.maxBodyBytes)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.Handle("/mcp/", handler)
	mux.Handle("/.well-known/contextify/manifest", manifestHandler(t.api))
	mux.Handle("/contextify/gateway/diagnostics", diagnosticsHandler(t.catalog, t.gateway))
	if t.healthChecker != nil {
		mux.Handle("/healthz", t.healthChecker.Handler())
	} else {
		mux.Handle("/healthz", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	if t.debugEndpoints {
		mux.Handle("/contextify/debug/catalog", debugCatalogHandler(t.api))
		if t.auditReader != nil {
			mux.Handle("/contextify/debug/audit", debugAuditHandler(t.auditReader))
		}
	}

	return mux
}

// Start begins accepting connections and blocks until the context is
// cancelled or the server fails.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.Handler(),
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
