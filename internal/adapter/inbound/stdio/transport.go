// Package stdio is the inbound stdio adapter: newline-delimited JSON-RPC
// on stdin/stdout for editor and agent hosts that launch the server as a
// subprocess. Logs must go to stderr; stdout belongs to the protocol.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/validation"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/pkg/mcp"
)

// transportName labels records and requests originating from this adapter.
const transportName = "stdio"

// defaultMaxLineBytes caps one inbound message at 1 MiB, matching the HTTP
// body limit.
const defaultMaxLineBytes = 1 << 20

// Transport reads JSON-RPC messages off a reader one line at a time and
// writes responses to a writer. It serves the same three methods as the
// HTTP adapter through the same ToolAPI port; identity and credential
// propagation do not exist on stdio, the host process is the caller.
type Transport struct {
	api    inbound.ToolAPI
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	maxLineBytes           int
	maxArgumentsDepth      int
	maxArgumentsProperties int

	writeMu sync.Mutex
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithLogger sets the logger. It must write to stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithStreams overrides stdin/stdout. Tests use pipes.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(t *Transport) {
		t.in = in
		t.out = out
	}
}

// WithLineLimit sets the maximum inbound message size in bytes.
func WithLineLimit(maxBytes int) Option {
	return func(t *Transport) {
		if maxBytes > 0 {
			t.maxLineBytes = maxBytes
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

// NewTransport creates the stdio transport over the given ToolAPI.
func NewTransport(api inbound.ToolAPI, opts ...Option) *Transport {
	t := &Transport{
		api:                    api,
		logger:                 slog.Default(),
		maxLineBytes:           defaultMaxLineBytes,
		maxArgumentsDepth:      validation.DefaultMaxArgumentsDepth,
		maxArgumentsProperties: validation.DefaultMaxArgumentsProperties,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Run reads messages until EOF or context cancellation. Each request is
// served synchronously; stdio hosts send one request at a time and expect
// ordered responses.
func (t *Transport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), t.maxLineBytes)

	t.logger.Info("stdio transport ready")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			t.writeError(nil, validation.ErrCodeInvalidParams, "request exceeds maximum allowed size", nil)
			return fmt.Errorf("stdio message exceeded %d bytes", t.maxLineBytes)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stdio read failed: %w", err)
	}

	t.logger.Info("stdio input closed, shutting down")
	return nil
}

// handleMessage validates one envelope and dispatches it, mirroring the
// HTTP handler's checks: JSON shape, version, method, then per-method
// parameter validation.
func (t *Transport) handleMessage(ctx context.Context, line []byte) {
	if !json.Valid(line) {
		t.writeError(nil, validation.ErrCodeParseError, "invalid JSON", nil)
		return
	}

	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		t.writeError(nil, validation.ErrCodeInvalidRequest, "request must be a JSON object", nil)
		return
	}
	if env.JSONRPC != "2.0" {
		t.writeError(nil, validation.ErrCodeInvalidRequest, `missing or invalid jsonrpc version (must be "2.0")`, nil)
		return
	}
	if env.Method == "" {
		t.writeError(nil, validation.ErrCodeInvalidRequest, "missing method field", nil)
		return
	}

	// Notifications never receive a response.
	if len(env.ID) == 0 || bytes.Equal(env.ID, []byte("null")) {
		return
	}

	switch env.Method {
	case mcp.MethodInitialize:
		t.handleInitialize(ctx, env.ID)
	case mcp.MethodToolsList:
		t.handleToolsList(ctx, env.ID)
	case mcp.MethodToolsCall:
		t.handleToolsCall(ctx, env.ID, env.Params)
	default:
		t.writeError(env.ID, validation.ErrCodeMethodNotFound, "method not found", nil)
	}
}

func (t *Transport) handleInitialize(ctx context.Context, id json.RawMessage) {
	info := t.api.Initialize(ctx)
	t.writeResult(id, mcp.InitializeResult{
		ProtocolVersion: info.ProtocolVersion,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      mcp.Implementation{Name: info.Name, Version: info.Version},
	})
}

func (t *Transport) handleToolsList(ctx context.Context, id json.RawMessage) {
	tools, err := t.api.ListTools(ctx)
	if err != nil {
		t.logger.Error("tools/list failed", "error", err)
		t.writeError(id, validation.ErrCodeInternalError, "internal error", nil)
		return
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, desc := range tools {
		out = append(out, mcp.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}
	t.writeResult(id, mcp.ListToolsResult{Tools: out})
}

func (t *Transport) handleToolsCall(ctx context.Context, id, params json.RawMessage) {
	if len(params) == 0 {
		t.writeError(id, validation.ErrCodeInvalidParams, "params are required", nil)
		return
	}
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		t.writeError(id, validation.ErrCodeInvalidParams, "params must be an object with a tool name", nil)
		return
	}
	if err := validation.ValidateToolName(p.Name); err != nil {
		t.writeValidationError(id, err)
		return
	}
	if err := validation.ValidateArguments(p.Arguments, t.maxArgumentsDepth, t.maxArgumentsProperties); err != nil {
		t.writeValidationError(id, err)
		return
	}

	var args map[string]interface{}
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			t.writeError(id, validation.ErrCodeInvalidParams, "arguments must be a JSON object", nil)
			return
		}
	}

	correlationID := uuid.NewString()
	result := t.api.CallTool(ctx, inbound.CallRequest{
		ToolName:      p.Name,
		Arguments:     args,
		CorrelationID: correlationID,
		Transport:     transportName,
	})

	if result.Failed() {
		t.writeFailure(id, correlationID, result.Failure)
		return
	}

	if result.JSON != nil {
		t.writeResult(id, mcp.CallToolResult{
			Content:           mcp.TextContent(string(result.JSON)),
			StructuredContent: result.JSON,
		})
		return
	}
	t.writeResult(id, mcp.CallToolResult{Content: mcp.TextContent(result.Text)})
}

// writeFailure maps a domain failure onto the JSON-RPC error surface with
// the same code mapping the HTTP adapter uses. Internal failures stay
// opaque; the correlation id lands in the stderr log instead.
func (t *Transport) writeFailure(id json.RawMessage, correlationID string, f *tool.Failure) {
	if f.Code == tool.ErrorInternal {
		t.logger.Error("tool call failed", "correlation_id", correlationID)
		t.writeError(id, validation.ErrCodeInternalError, "internal error", nil)
		return
	}

	data := &rpcErrorData{ErrorCode: string(f.Code)}
	if f.RetryAfterSec > 0 {
		data.RetryAfterSec = f.RetryAfterSec
	}
	t.writeError(id, jsonRPCCode(f.Code), f.Message, data)
}

func jsonRPCCode(code tool.ErrorCode) int {
	switch code {
	case tool.ErrorInvalidArgument, tool.ErrorToolNotFound, tool.ErrorPolicyDenied:
		return validation.ErrCodeInvalidParams
	case tool.ErrorRateLimited, tool.ErrorUpstreamUnavailable:
		return validation.ErrCodeUnavailable
	case tool.ErrorInternal:
		return validation.ErrCodeInternalError
	default:
		return validation.ErrCodeServerError
	}
}

func (t *Transport) writeValidationError(id json.RawMessage, err error) {
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		t.writeError(id, verr.Code, verr.Message, nil)
		return
	}
	t.writeError(id, validation.ErrCodeInvalidParams, "invalid params", nil)
}

// rpcResponse is the JSON-RPC 2.0 response envelope, one per line.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *rpcErrorData `json:"data,omitempty"`
}

type rpcErrorData struct {
	ErrorCode     string `json:"errorCode,omitempty"`
	RetryAfterSec int64  `json:"retryAfterSec,omitempty"`
}

func (t *Transport) writeResult(id json.RawMessage, result interface{}) {
	t.writeLine(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (t *Transport) writeError(id json.RawMessage, code int, message string, data *rpcErrorData) {
	t.writeLine(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorBody{
		Code:    code,
		Message: message,
		Data:    data,
	}})
}

// writeLine serializes one response followed by a newline. The mutex keeps
// concurrent writers (none today, but the API allows it) from interleaving.
func (t *Transport) writeLine(resp rpcResponse) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	enc := json.NewEncoder(t.out)
	if err := enc.Encode(resp); err != nil {
		t.logger.Error("failed to write response", "error", err)
	}
}
