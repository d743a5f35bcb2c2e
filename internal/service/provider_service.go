package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/contextify/contextify/internal/domain/audit"
	"github.com/contextify/contextify/internal/domain/pipeline"
	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/domain/ratelimit"
	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/internal/port/outbound"
)

// ProviderService implements the inbound ToolAPI over the local catalog:
// tools resolve against the current snapshot, calls run through the
// middleware pipeline, and the terminal invoker executes the backing HTTP
// endpoint.
type ProviderService struct {
	catalog  *CatalogService
	pipe     *pipeline.Pipeline
	executor outbound.EndpointExecutor
	auditor  *AuditService // nil disables audit emission
	info     inbound.ServerInfo
	logger   *slog.Logger

	defaultTimeout time.Duration
	gate           *capacityGate
}

// ProviderOption is a functional option for configuring the ProviderService.
type ProviderOption func(*ProviderService)

// WithDefaultTimeout applies a deadline to tools whose policy sets none.
// Zero disables the fallback.
func WithDefaultTimeout(d time.Duration) ProviderOption {
	return func(s *ProviderService) {
		s.defaultTimeout = d
	}
}

// WithCapacityGate caps simultaneous executions across all tools. When the
// gate is full, calls queue up to maxQueueDepth unless rejectWhenOver makes
// them fail immediately. maxConcurrent zero disables the gate.
func WithCapacityGate(maxConcurrent, maxQueueDepth int, rejectWhenOver bool) ProviderOption {
	return func(s *ProviderService) {
		s.gate = newCapacityGate(maxConcurrent, maxQueueDepth, rejectWhenOver)
	}
}

// NewProviderService wires the provider. auditor may be nil.
func NewProviderService(catalog *CatalogService, pipe *pipeline.Pipeline, executor outbound.EndpointExecutor, auditor *AuditService, info inbound.ServerInfo, logger *slog.Logger, opts ...ProviderOption) *ProviderService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ProviderService{
		catalog:  catalog,
		pipe:     pipe,
		executor: executor,
		auditor:  auditor,
		info:     info,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize implements inbound.ToolAPI.
func (s *ProviderService) Initialize(ctx context.Context) inbound.ServerInfo {
	return s.info
}

// ListTools implements inbound.ToolAPI. The snapshot is refreshed when
// stale, then listed in deterministic order.
func (s *ProviderService) ListTools(ctx context.Context) ([]inbound.ToolDescriptor, error) {
	s.catalog.EnsureFresh(ctx)

	tools := s.catalog.Snapshot().Tools()
	out := make([]inbound.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, inbound.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// CallTool implements inbound.ToolAPI. Unknown names fail with
// TOOL_NOT_FOUND; disabled tools are absent from the snapshot and fail the
// same way, which keeps the error surface from revealing policy decisions.
func (s *ProviderService) CallTool(ctx context.Context, req inbound.CallRequest) tool.Result {
	s.catalog.EnsureFresh(ctx)

	entry, ok := s.catalog.Snapshot().Lookup(req.ToolName)
	if !ok {
		return tool.Fail(tool.ErrorToolNotFound, "tool %q not found", req.ToolName)
	}

	if s.gate != nil {
		if denied := s.gate.acquire(ctx); denied != nil {
			s.logger.Warn("execution gate denied call",
				"tool", req.ToolName,
				"code", string(denied.Failure.Code),
			)
			return *denied
		}
		defer s.gate.release()
	}

	args := req.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}

	effective := entry.Policy
	if effective.TimeoutMs == 0 && s.defaultTimeout > 0 {
		effective.TimeoutMs = s.defaultTimeout.Milliseconds()
	}

	inv := &pipeline.Invocation{
		ToolName:      req.ToolName,
		Arguments:     args,
		Auth:          &req.Auth,
		Policy:        effective,
		CorrelationID: req.CorrelationID,
		Identity: ratelimit.Identity{
			TenantID: req.Identity.TenantID,
			UserID:   req.Identity.UserID,
		},
	}

	start := time.Now()
	s.auditStart(req)

	result := s.pipe.Execute(ctx, inv, s.terminal(entry.Endpoint))

	s.auditEnd(req, result, time.Since(start))
	return result
}

// terminal returns the invoker that performs the backend HTTP call once the
// pipeline admits the invocation. Credentials are narrowed to what the
// effective policy propagates before the executor sees them.
func (s *ProviderService) terminal(endpoint *tool.EndpointDescriptor) pipeline.Invoker {
	return func(ctx context.Context, inv *pipeline.Invocation) tool.Result {
		auth := propagateAuth(inv.Policy.AuthPropagationMode, endpoint, inv.Auth)
		return s.executor.Execute(ctx, endpoint, inv.Arguments, auth)
	}
}

func (s *ProviderService) auditStart(req inbound.CallRequest) {
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
		Arguments:     audit.RedactSensitiveArgs(req.Arguments),
	})
}

func (s *ProviderService) auditEnd(req inbound.CallRequest, result tool.Result, elapsed time.Duration) {
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
	}
	if result.Failure != nil {
		rec.Outcome = audit.OutcomeError
		rec.ErrorCode = string(result.Failure.Code)
	}
	s.auditor.Record(rec)
}

// propagateAuth narrows the inbound auth context to the credentials the
// policy mode forwards. none (or unset) drops everything; infer picks by
// what the endpoint accepts and what is present.
func propagateAuth(mode policy.AuthPropagationMode, endpoint *tool.EndpointDescriptor, auth *tool.AuthContext) *tool.AuthContext {
	if auth == nil {
		return nil
	}
	switch mode {
	case policy.AuthPropagationBearer:
		return &tool.AuthContext{BearerToken: auth.BearerToken}
	case policy.AuthPropagationAPIKey:
		return &tool.AuthContext{APIKey: auth.APIKey, APIKeyHeaderName: auth.APIKeyHeaderName}
	case policy.AuthPropagationCookies:
		return &tool.AuthContext{Cookies: auth.Cookies}
	case policy.AuthPropagationAdditionalHeaders:
		return &tool.AuthContext{AdditionalHeaders: auth.AdditionalHeaders}
	case policy.AuthPropagationInfer:
		return inferAuth(endpoint, auth)
	default:
		return nil
	}
}

// inferAuth resolves the infer mode: schemes the endpoint explicitly
// accepts win, in declaration order; with no scheme list, whatever material
// is present is forwarded, bearer first.
func inferAuth(endpoint *tool.EndpointDescriptor, auth *tool.AuthContext) *tool.AuthContext {
	if endpoint != nil {
		for _, scheme := range endpoint.AcceptableAuthSchemes {
			switch scheme {
			case "bearer":
				if auth.BearerToken != "" {
					return &tool.AuthContext{BearerToken: auth.BearerToken}
				}
			case "apiKey":
				if auth.APIKey != "" {
					return &tool.AuthContext{APIKey: auth.APIKey, APIKeyHeaderName: auth.APIKeyHeaderName}
				}
			case "cookies":
				if len(auth.Cookies) > 0 {
					return &tool.AuthContext{Cookies: auth.Cookies}
				}
			}
		}
	}
	switch {
	case auth.BearerToken != "":
		return &tool.AuthContext{BearerToken: auth.BearerToken}
	case auth.APIKey != "":
		return &tool.AuthContext{APIKey: auth.APIKey, APIKeyHeaderName: auth.APIKeyHeaderName}
	case len(auth.Cookies) > 0:
		return &tool.AuthContext{Cookies: auth.Cookies}
	case len(auth.AdditionalHeaders) > 0:
		return &tool.AuthContext{AdditionalHeaders: auth.AdditionalHeaders}
	default:
		return nil
	}
}

var _ inbound.ToolAPI = (*ProviderService)(nil)
