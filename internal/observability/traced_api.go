package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/port/inbound"
)

// TracedAPI wraps a ToolAPI so every dispatch runs under a span and feeds
// the call counter. It sits between the transports and whichever core
// (provider or gateway) serves them, so both modes get identical telemetry.
type TracedAPI struct {
	next   inbound.ToolAPI
	tracer trace.Tracer
	calls  metric.Int64Counter
}

// NewTracedAPI wraps next with the manager's tracer and meter. The counter
// creation error is impossible for a valid instrument name, but surfacing it
// keeps instrument typos from silently dropping metrics.
func NewTracedAPI(next inbound.ToolAPI, m *Manager) (*TracedAPI, error) {
	calls, err := m.Meter("contextify.dispatch").Int64Counter("tool.calls",
		metric.WithDescription("Tool invocations by name and outcome"))
	if err != nil {
		return nil, err
	}
	return &TracedAPI{next: next, tracer: m.Tracer(), calls: calls}, nil
}

// Initialize passes through untraced; the handshake carries no useful span.
func (t *TracedAPI) Initialize(ctx context.Context) inbound.ServerInfo {
	return t.next.Initialize(ctx)
}

// ListTools runs under a tools.list span.
func (t *TracedAPI) ListTools(ctx context.Context) ([]inbound.ToolDescriptor, error) {
	ctx, span := t.tracer.Start(ctx, "tools.list")
	defer span.End()

	tools, err := t.next.ListTools(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("tool.count", len(tools)))
	return tools, nil
}

// CallTool runs under a tools.call span carrying the tool name and the
// stable failure code when the dispatch fails.
func (t *TracedAPI) CallTool(ctx context.Context, req inbound.CallRequest) tool.Result {
	ctx, span := t.tracer.Start(ctx, "tools.call",
		trace.WithAttributes(
			toolAttr(req.ToolName),
			attribute.String("transport", req.Transport),
		))
	defer span.End()

	res := t.next.CallTool(ctx, req)

	outcome := "ok"
	if res.Failure != nil {
		outcome = "error"
		span.SetAttributes(attribute.String("error.code", string(res.Failure.Code)))
		span.SetStatus(codes.Error, res.Failure.Message)
	}
	t.calls.Add(ctx, 1,
		metric.WithAttributes(toolAttr(req.ToolName), attribute.String("outcome", outcome)))
	return res
}
