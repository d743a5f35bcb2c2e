package outbound

import (
	"context"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/upstream"
)

// RemoteTool is one tool advertised by an upstream, before namespacing.
type RemoteTool struct {
	Name        string
	Description string
	InputSchema []byte
}

// ManifestProbe is the outcome of one health probe against an upstream.
type ManifestProbe struct {
	Healthy   bool
	LatencyMs int64
	ToolCount int
	Error     string
}

// UpstreamClient is the outbound port for talking JSON-RPC to upstream MCP
// servers over HTTP. The gateway aggregator and dispatcher share one
// implementation with pooled connections.
type UpstreamClient interface {
	// ListTools fetches the upstream's advertised tools.
	ListTools(ctx context.Context, u *upstream.Upstream) ([]RemoteTool, error)

	// CallTool forwards one tools/call to the upstream and maps its
	// response into the result taxonomy. Failures are values on the
	// result; an error return means the upstream was unreachable.
	CallTool(ctx context.Context, u *upstream.Upstream, toolName string, args map[string]interface{}, auth tool.AuthContext) (tool.Result, error)

	// Probe checks upstream liveness: the well-known manifest first, a
	// JSON-RPC tools/list as fallback.
	Probe(ctx context.Context, u *upstream.Upstream) ManifestProbe
}

// EndpointExecutor is the outbound port for invoking local backend HTTP
// endpoints. The provider's terminal invoker drives it after the pipeline
// admits a call.
type EndpointExecutor interface {
	// Execute performs the HTTP call described by the endpoint descriptor
	// using the given arguments and propagated credentials.
	Execute(ctx context.Context, endpoint *tool.EndpointDescriptor, args map[string]interface{}, auth *tool.AuthContext) tool.Result
}
