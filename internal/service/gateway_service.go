package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contextify/contextify/internal/domain/audit"
	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/upstream"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/internal/port/outbound"
)

// Gateway defaults. The per-upstream timeout applies when an upstream does
// not set its own; the separator joins namespace prefix and tool name.
const (
	defaultUpstreamTimeout  = 10 * time.Second
	defaultToolSeparator    = "."
	defaultGatewayRefresh   = 30 * time.Second
	defaultGatewayMinReload = 500 * time.Millisecond
)

// GatewayService aggregates tools from multiple upstream MCP servers into
// one namespaced catalog and dispatches calls back to their origin. It
// mirrors the provider's snapshot discipline: atomic pointer, single-flight
// rebuilds, last known good on failure, partial availability as the normal
// case.
type GatewayService struct {
	registry   upstream.Registry
	client     outbound.UpstreamClient
	toolPolicy *upstream.ToolPolicy
	separator  string
	info       inbound.ServerInfo
	auditor    *AuditService // nil disables audit emission

	snapshot atomic.Value // stores *upstream.Snapshot
	mu       sync.Mutex   // serializes rebuilds
	inFlight atomic.Bool

	refreshInterval   time.Duration
	minReloadInterval time.Duration
	upstreamTimeout   time.Duration

	// retryAttempts counts additional forwards after the first; zero
	// disables retry entirely.
	retryAttempts int
	retryDelay    time.Duration

	// health is the live per-upstream view, fed by aggregation outcomes
	// and the health monitor between aggregations.
	healthMu sync.RWMutex
	health   map[string]upstream.Status

	lastBuild time.Time // guarded by mu
	logger    *slog.Logger
}

// GatewayOption configures GatewayService.
type GatewayOption func(*GatewayService)

// WithToolSeparator overrides the namespace separator (default ".").
func WithToolSeparator(sep string) GatewayOption {
	return func(s *GatewayService) {
		if sep != "" {
			s.separator = sep
		}
	}
}

// WithGatewayRefreshInterval sets the snapshot staleness bound.
func WithGatewayRefreshInterval(d time.Duration) GatewayOption {
	return func(s *GatewayService) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithGatewayMinReloadInterval sets the re-aggregation throttle.
func WithGatewayMinReloadInterval(d time.Duration) GatewayOption {
	return func(s *GatewayService) {
		if d > 0 {
			s.minReloadInterval = d
		}
	}
}

// WithUpstreamTimeout sets the default per-upstream call timeout.
func WithUpstreamTimeout(d time.Duration) GatewayOption {
	return func(s *GatewayService) {
		if d > 0 {
			s.upstreamTimeout = d
		}
	}
}

// WithRetry enables fixed-delay retry for transient forward failures.
func WithRetry(attempts int, delay time.Duration) GatewayOption {
	return func(s *GatewayService) {
		if attempts > 0 {
			s.retryAttempts = attempts
			s.retryDelay = delay
		}
	}
}

// NewGatewayService builds the initial aggregated snapshot and returns the
// service. Unreachable upstreams are not a startup error; they surface as
// unhealthy statuses.
func NewGatewayService(ctx context.Context, registry upstream.Registry, client outbound.UpstreamClient, toolPolicy *upstream.ToolPolicy, auditor *AuditService, info inbound.ServerInfo, logger *slog.Logger, opts ...GatewayOption) (*GatewayService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if toolPolicy == nil {
		toolPolicy = upstream.NewToolPolicy(nil, nil, false)
	}
	s := &GatewayService{
		registry:          registry,
		client:            client,
		toolPolicy:        toolPolicy,
		separator:         defaultToolSeparator,
		info:              info,
		auditor:           auditor,
		refreshInterval:   defaultGatewayRefresh,
		minReloadInterval: defaultGatewayMinReload,
		upstreamTimeout:   defaultUpstreamTimeout,
		health:            make(map[string]upstream.Status),
		logger:            logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	err := s.rebuildLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	snap := s.Snapshot()
	logger.Info("gateway service initialized",
		"tools", snap.Len(),
		"upstreams", len(snap.Statuses()),
		"checksum", snap.Checksum(),
	)
	return s, nil
}

// Snapshot returns the current aggregated snapshot atomically (lock-free).
func (s *GatewayService) Snapshot() *upstream.Snapshot {
	return s.snapshot.Load().(*upstream.Snapshot)
}

// EnsureFresh re-aggregates when the snapshot is older than the refresh
// interval. Concurrent callers coalesce; failures keep the last known good
// snapshot.
func (s *GatewayService) EnsureFresh(ctx context.Context) {
	if time.Since(s.Snapshot().CreatedUTC()) < s.refreshInterval {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastBuild) < s.minReloadInterval {
		return
	}
	if err := s.rebuildLocked(ctx); err != nil {
		s.logger.Error("gateway refresh failed, serving last known good snapshot", "error", err)
	}
}

// Refresh forces a re-aggregation, subject to the minimum reload interval.
func (s *GatewayService) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastBuild) < s.minReloadInterval {
		return nil
	}
	return s.rebuildLocked(ctx)
}

// fanResult is one upstream's contribution to an aggregation pass.
type fanResult struct {
	name      string
	prefix    string
	tools     []outbound.RemoteTool
	latencyMs int64
	err       error
}

// rebuildLocked fans out tools/list to every enabled upstream in parallel
// and assembles the results into a new snapshot. Must be called with mu
// held. Only registry access can fail; upstream failures become unhealthy
// statuses.
func (s *GatewayService) rebuildLocked(ctx context.Context) error {
	upstreams, err := s.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("listing upstreams: %w", err)
	}

	enabled := make([]upstream.Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		if u.Enabled {
			enabled = append(enabled, u)
		}
	}

	results := make([]fanResult, len(enabled))
	var wg sync.WaitGroup
	for i := range enabled {
		wg.Add(1)
		go func(i int, u upstream.Upstream) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(&u))
			defer cancel()

			start := time.Now()
			tools, err := s.client.ListTools(callCtx, &u)
			results[i] = fanResult{
				name:      u.Name,
				prefix:    u.NamespacePrefix,
				tools:     tools,
				latencyMs: time.Since(start).Milliseconds(),
				err:       err,
			}
		}(i, enabled[i])
	}
	wg.Wait()

	now := time.Now().UTC()
	var routes []*upstream.ToolRoute
	statuses := make([]upstream.Status, 0, len(results))
	owner := make(map[string]string) // external name -> upstream, for collision warnings
	total := 0

	for _, r := range results {
		if r.err != nil {
			s.logger.Warn("upstream aggregation failed",
				"upstream", r.name,
				"error", r.err,
			)
			statuses = append(statuses, upstream.Status{
				Name:         r.name,
				Healthy:      false,
				LastProbeUTC: now,
				Error:        r.err.Error(),
			})
			continue
		}

		contributed := 0
		for _, rt := range r.tools {
			if rt.Name == "" {
				s.logger.Warn("dropping nameless tool", "upstream", r.name)
				continue
			}
			if contributed >= upstream.MaxToolsPerUpstream {
				s.logger.Warn("upstream tool cap reached, truncating",
					"upstream", r.name,
					"cap", upstream.MaxToolsPerUpstream,
				)
				break
			}
			if total >= upstream.MaxTotalTools {
				s.logger.Warn("gateway tool cap reached, truncating",
					"cap", upstream.MaxTotalTools,
				)
				break
			}

			ext := upstream.ExternalName(r.prefix, s.separator, rt.Name)
			if !s.toolPolicy.Allows(ext) {
				continue
			}
			if prev, dup := owner[ext]; dup {
				s.logger.Warn("external tool name collision, keeping later",
					"tool", ext,
					"previous_upstream", prev,
					"upstream", r.name,
				)
			}
			owner[ext] = r.name

			routes = append(routes, &upstream.ToolRoute{
				ExternalName:     ext,
				UpstreamName:     r.name,
				UpstreamToolName: rt.Name,
				Description:      rt.Description,
				InputSchema:      rt.InputSchema,
			})
			contributed++
			total++
		}

		statuses = append(statuses, upstream.Status{
			Name:         r.name,
			Healthy:      true,
			LastProbeUTC: now,
			LatencyMs:    r.latencyMs,
			ToolCount:    contributed,
		})
	}

	snap := upstream.NewSnapshot(routes, statuses)
	s.snapshot.Store(snap)
	s.lastBuild = time.Now()
	s.setStatuses(statuses)

	s.logger.Info("gateway snapshot published",
		"tools", snap.Len(),
		"upstreams", len(statuses),
		"checksum", snap.Checksum(),
	)
	return nil
}

func (s *GatewayService) timeoutFor(u *upstream.Upstream) time.Duration {
	if u.RequestTimeout > 0 {
		return u.RequestTimeout
	}
	return s.upstreamTimeout
}

// Initialize implements inbound.ToolAPI.
func (s *GatewayService) Initialize(ctx context.Context) inbound.ServerInfo {
	return s.info
}

// ListTools implements inbound.ToolAPI over the aggregated snapshot.
func (s *GatewayService) ListTools(ctx context.Context) ([]inbound.ToolDescriptor, error) {
	s.EnsureFresh(ctx)

	routes := s.Snapshot().Routes()
	out := make([]inbound.ToolDescriptor, 0, len(routes))
	for _, r := range routes {
		out = append(out, inbound.ToolDescriptor{
			Name:        r.ExternalName,
			Description: r.Description,
			InputSchema: json.RawMessage(r.InputSchema),
		})
	}
	return out, nil
}

// CallTool implements inbound.ToolAPI: gateway policy, route resolution,
// health gate, then the forward with the configured resiliency policy.
func (s *GatewayService) CallTool(ctx context.Context, req inbound.CallRequest) tool.Result {
	s.EnsureFresh(ctx)

	start := time.Now()

	// Policy is re-checked at call time so a tightened pattern takes
	// effect before the next aggregation pass.
	if !s.toolPolicy.Allows(req.ToolName) {
		return tool.Fail(tool.ErrorPolicyDenied, "tool %q is not allowed by gateway policy", req.ToolName)
	}

	route, ok := s.Snapshot().Lookup(req.ToolName)
	if !ok {
		return tool.Fail(tool.ErrorToolNotFound, "tool %q not found", req.ToolName)
	}

	if !s.healthy(route.UpstreamName) {
		return tool.TransientFail(tool.ErrorUpstreamUnavailable,
			"upstream %q is unavailable", route.UpstreamName)
	}

	target, err := s.registry.Get(ctx, route.UpstreamName)
	if err != nil {
		return tool.TransientFail(tool.ErrorUpstreamUnavailable,
			"upstream %q is unavailable", route.UpstreamName)
	}

	s.auditStart(req, route.UpstreamName)
	result := s.forward(ctx, target, route, req)
	s.auditEnd(req, route.UpstreamName, result, time.Since(start))
	return result
}

// forward performs the upstream call, retrying transient failures with a
// fixed delay when retry is configured. The upstream response passes
// through unchanged apart from the JSON-RPC id.
func (s *GatewayService) forward(ctx context.Context, target *upstream.Upstream, route *upstream.ToolRoute, req inbound.CallRequest) tool.Result {
	attempts := 1 + s.retryAttempts

	var result tool.Result
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return tool.FromContextErr(ctx.Err())
			case <-time.After(s.retryDelay):
			}
			s.logger.Debug("retrying upstream call",
				"tool", route.ExternalName,
				"upstream", target.Name,
				"attempt", attempt+1,
			)
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(target))
		res, err := s.client.CallTool(callCtx, target, route.UpstreamToolName, req.Arguments, req.Auth)
		cancel()

		if err != nil {
			s.markUnhealthy(target.Name, err)
			result = tool.TransientFail(tool.ErrorUpstreamUnavailable,
				"upstream %q is unavailable", target.Name)
			continue
		}
		result = res
		if result.Failure == nil || !result.Failure.Transient {
			return result
		}
	}
	return result
}

// healthy consults the live health view. Names without an entry pass: the
// route's existence proves a successful aggregation, and the forward path
// reports its own failures.
func (s *GatewayService) healthy(name string) bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	st, ok := s.health[name]
	if !ok {
		return true
	}
	return st.Healthy
}

// setStatuses replaces the live view after an aggregation pass.
func (s *GatewayService) setStatuses(statuses []upstream.Status) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	for _, st := range statuses {
		s.health[st.Name] = st
	}
}

// markUnhealthy records a dispatch-time failure so subsequent calls fail
// fast until a probe or aggregation succeeds again.
func (s *GatewayService) markUnhealthy(name string, err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health[name] = upstream.Status{
		Name:         name,
		Healthy:      false,
		LastProbeUTC: time.Now().UTC(),
		Error:        err.Error(),
	}
}

// UpdateStatus ingests a health monitor probe outcome. Returns true when
// the upstream transitioned from unhealthy to healthy, which the monitor
// uses to trigger an early re-aggregation.
func (s *GatewayService) UpdateStatus(name string, probe outbound.ManifestProbe) bool {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	prev, known := s.health[name]
	next := upstream.Status{
		Name:         name,
		Healthy:      probe.Healthy,
		LastProbeUTC: time.Now().UTC(),
		LatencyMs:    probe.LatencyMs,
		ToolCount:    probe.ToolCount,
		Error:        probe.Error,
	}
	if probe.Healthy && probe.ToolCount == 0 && known {
		// Manifest probes do not report tool counts; keep the last one.
		next.ToolCount = prev.ToolCount
	}
	s.health[name] = next
	return probe.Healthy && known && !prev.Healthy
}

// Statuses returns the live per-upstream health view, sorted by the
// snapshot's ordering where possible.
func (s *GatewayService) Statuses() []upstream.Status {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()

	out := make([]upstream.Status, 0, len(s.health))
	for _, st := range s.Snapshot().Statuses() {
		if live, ok := s.health[st.Name]; ok {
			out = append(out, live)
		} else {
			out = append(out, st)
		}
	}
	return out
}

func (s *GatewayService) auditStart(req inbound.CallRequest, upstreamName string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(audit.Record{
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
		TenantID:      req.Identity.TenantID,
		UserID:        req.Identity.UserID,
		ToolName:      req.ToolName,
		Phase:         audit.PhaseStart,
		Transport:     req.Transport,
		Upstream:      upstreamName,
		Arguments:     audit.RedactSensitiveArgs(req.Arguments),
	})
}

func (s *GatewayService) auditEnd(req inbound.CallRequest, upstreamName string, result tool.Result, elapsed time.Duration) {
	if s.auditor == nil {
		return
	}
	rec := audit.Record{
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
		TenantID:      req.Identity.TenantID,
		UserID:        req.Identity.UserID,
		ToolName:      req.ToolName,
		Phase:         audit.PhaseEnd,
		Outcome:       audit.OutcomeOK,
		DurationMs:    elapsed.Milliseconds(),
		Transport:     req.Transport,
		Upstream:      upstreamName,
	}
	if result.Failure != nil {
		rec.Outcome = audit.OutcomeError
		rec.ErrorCode = string(result.Failure.Code)
	}
	s.auditor.Record(rec)
}

var _ inbound.ToolAPI = (*GatewayService)(nil)
