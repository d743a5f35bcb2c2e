// Package inbound defines the inbound port interfaces for the tool server
// core. Inbound adapters (HTTP, stdio) call these interfaces.
package inbound

import (
	"context"
	"encoding/json"

	"github.com/contextify/contextify/internal/domain/auth"
	"github.com/contextify/contextify/internal/domain/tool"
)

// ServerInfo describes the server for the initialize handshake.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// ToolDescriptor is the published form of one tool, as returned by
// tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallRequest carries one tools/call invocation from a transport into the
// core. Transports fill what they know: HTTP resolves identity and captures
// credentials, stdio has neither.
type CallRequest struct {
	// ToolName is the published tool name from the request params.
	ToolName string
	// Arguments are the decoded call arguments.
	Arguments map[string]interface{}
	// Auth carries inbound credentials for per-tool propagation.
	Auth tool.AuthContext
	// Identity is the resolved caller identity; zero when anonymous.
	Identity auth.Identity
	// CorrelationID ties the call to logs and audit records.
	CorrelationID string
	// Transport names the inbound surface ("http" or "stdio").
	Transport string
}

// ToolAPI is the inbound port both transports drive. The provider service
// implements it over the local catalog; the gateway service implements it
// over aggregated upstreams. Transports never know which one they front.
type ToolAPI interface {
	// Initialize returns the server identity for the MCP handshake.
	Initialize(ctx context.Context) ServerInfo

	// ListTools returns the currently published tools.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool dispatches one tool invocation. Failures are values on the
	// result; an error return is reserved for transport-level faults.
	CallTool(ctx context.Context, req CallRequest) tool.Result
}
