package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/validation"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/pkg/mcp"
)

// ProtocolVersionHeader carries the MCP protocol revision on every /mcp
// response.
const ProtocolVersionHeader = "MCP-Protocol-Version"

// transportName labels records and requests originating from this adapter.
const transportName = "http"

// mcpHandler serves the JSON-RPC surface: initialize, tools/list, and
// tools/call dispatched over the inbound ToolAPI. It is transport-thin by
// design; every policy, limit, and dispatch decision lives behind the port.
type mcpHandler struct {
	api     inbound.ToolAPI
	metrics *Metrics

	maxArgumentsDepth      int
	maxArgumentsProperties int
	includeCorrelationID   bool
}

func (h *mcpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodOptions:
		handleOptions(w)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost validates the envelope and dispatches one JSON-RPC message.
// Validation happens before any work: size, JSON shape, method, then the
// per-method parameter checks. JSON-RPC errors ride HTTP 200 except the
// oversized-body 413 and the rate-limit 429.
func (h *mcpHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType := strings.TrimSpace(strings.Split(ct, ";")[0])
		if mediaType != "application/json" {
			writeError(w, http.StatusOK, nil, validation.ErrCodeParseError, "content type must be application/json", nil)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeOversized(w)
			return
		}
		writeError(w, http.StatusOK, nil, validation.ErrCodeParseError, "failed to read request body", nil)
		return
	}

	if len(body) == 0 {
		writeError(w, http.StatusOK, nil, validation.ErrCodeParseError, "empty request body", nil)
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusOK, nil, validation.ErrCodeParseError, "invalid JSON", nil)
		return
	}

	var env struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusOK, nil, validation.ErrCodeInvalidRequest, "request must be a JSON object", nil)
		return
	}
	if env.JSONRPC != "2.0" {
		writeError(w, http.StatusOK, nil, validation.ErrCodeInvalidRequest, `missing or invalid jsonrpc version (must be "2.0")`, nil)
		return
	}
	if env.Method == "" {
		writeError(w, http.StatusOK, nil, validation.ErrCodeInvalidRequest, "missing method field", nil)
		return
	}

	w.Header().Set(ProtocolVersionHeader, mcp.ProtocolVersion)

	// Notifications never receive a response body, whatever the method.
	if len(env.ID) == 0 || bytes.Equal(env.ID, []byte("null")) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch env.Method {
	case mcp.MethodInitialize:
		h.handleInitialize(w, r, env.ID)
	case mcp.MethodToolsList:
		h.handleToolsList(w, r, env.ID)
	case mcp.MethodToolsCall:
		h.handleToolsCall(w, r, env.ID, env.Params)
	default:
		writeError(w, http.StatusOK, env.ID, validation.ErrCodeMethodNotFound, "method not found", nil)
	}
}

func (h *mcpHandler) handleInitialize(w http.ResponseWriter, r *http.Request, id json.RawMessage) {
	info := h.api.Initialize(r.Context())
	writeResult(w, id, mcp.InitializeResult{
		ProtocolVersion: info.ProtocolVersion,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      mcp.Implementation{Name: info.Name, Version: info.Version},
	})
}

func (h *mcpHandler) handleToolsList(w http.ResponseWriter, r *http.Request, id json.RawMessage) {
	tools, err := h.api.ListTools(r.Context())
	if err != nil {
		LoggerFromContext(r.Context()).Error("tools/list failed", "error", err)
		h.writeInternalError(w, r, id)
		return
	}

	out := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	writeResult(w, id, mcp.ListToolsResult{Tools: out})
}

func (h *mcpHandler) handleToolsCall(w http.ResponseWriter, r *http.Request, id, params json.RawMessage) {
	if len(params) == 0 {
		writeError(w, http.StatusOK, id, validation.ErrCodeInvalidParams, "params are required", nil)
		return
	}
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		writeError(w, http.StatusOK, id, validation.ErrCodeInvalidParams, "params must be an object with a tool name", nil)
		return
	}
	if err := validation.ValidateToolName(p.Name); err != nil {
		writeValidationError(w, id, err)
		return
	}
	if err := validation.ValidateArguments(p.Arguments, h.maxArgumentsDepth, h.maxArgumentsProperties); err != nil {
		writeValidationError(w, id, err)
		return
	}

	var args map[string]interface{}
	if len(p.Arguments) > 0 {
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			writeError(w, http.StatusOK, id, validation.ErrCodeInvalidParams, "arguments must be a JSON object", nil)
			return
		}
	}

	req := inbound.CallRequest{
		ToolName:      p.Name,
		Arguments:     args,
		Auth:          authContextFromRequest(r),
		Identity:      IdentityFromContext(r.Context()),
		CorrelationID: RequestIDFromContext(r.Context()),
		Transport:     transportName,
	}

	start := time.Now()
	result := h.api.CallTool(r.Context(), req)
	h.recordToolCall(p.Name, result, time.Since(start))

	if result.Failed() {
		h.writeFailure(w, r, id, result.Failure)
		return
	}
	writeResult(w, id, callResultPayload(result))
}

// callResultPayload converts a successful invocation result to the wire
// shape: structured JSON rides structuredContent with a text rendering
// alongside, plain text rides the content array alone.
func callResultPayload(result tool.Result) mcp.CallToolResult {
	if result.JSON != nil {
		return mcp.CallToolResult{
			Content:           mcp.TextContent(string(result.JSON)),
			StructuredContent: result.JSON,
		}
	}
	return mcp.CallToolResult{Content: mcp.TextContent(result.Text)}
}

// writeFailure maps a domain failure onto the JSON-RPC error surface. The
// stable code string travels in the error data; rate-limit denials switch
// the HTTP status to 429 with a Retry-After hint.
func (h *mcpHandler) writeFailure(w http.ResponseWriter, r *http.Request, id json.RawMessage, f *tool.Failure) {
	if f.Code == tool.ErrorInternal {
		h.writeInternalError(w, r, id)
		return
	}

	data := &rpcErrorData{ErrorCode: string(f.Code)}
	if f.RetryAfterSec > 0 {
		data.RetryAfterSec = f.RetryAfterSec
	}

	status := http.StatusOK
	if f.Code == tool.ErrorRateLimited {
		status = http.StatusTooManyRequests
		if f.RetryAfterSec > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(f.RetryAfterSec, 10))
		}
	}
	writeError(w, status, id, jsonRPCCode(f.Code), f.Message, data)
}

// writeInternalError emits the safe -32603 response. The short correlation
// id is attached only when the deployment opted in.
func (h *mcpHandler) writeInternalError(w http.ResponseWriter, r *http.Request, id json.RawMessage) {
	var data *rpcErrorData
	if h.includeCorrelationID {
		if cid := RequestIDFromContext(r.Context()); cid != "" {
			data = &rpcErrorData{CorrelationID: shortID(cid)}
		}
	}
	writeError(w, http.StatusOK, id, validation.ErrCodeInternalError, "internal error", data)
}

func (h *mcpHandler) recordToolCall(name string, result tool.Result, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	outcome := "ok"
	if result.Failure != nil {
		outcome = string(result.Failure.Code)
	}
	h.metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	h.metrics.ToolCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// jsonRPCCode maps the failure taxonomy onto JSON-RPC error codes:
// validation and policy problems are invalid params, retryable conditions
// are -32001, everything else is the generic server error.
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

// authContextFromRequest captures inbound credential material for per-tool
// propagation. Capture is unconditional; whether anything is forwarded is
// the effective policy's decision.
func authContextFromRequest(r *http.Request) tool.AuthContext {
	var ac tool.AuthContext
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		ac.BearerToken = strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get(apiKeyHeader); key != "" {
		ac.APIKey = key
		ac.APIKeyHeaderName = apiKeyHeader
	}
	if cookies := r.Cookies(); len(cookies) > 0 {
		ac.Cookies = make(map[string]string, len(cookies))
		for _, c := range cookies {
			ac.Cookies[c.Name] = c.Value
		}
	}
	return ac
}

func handleOptions(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Tenant-Id, X-User-Id, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// rpcResponse is the JSON-RPC 2.0 response envelope. The id is kept raw so
// number, string, and null ids survive the round trip unchanged.
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

// rpcErrorData carries the stable failure code, the short correlation id on
// internal errors, and the retry hint on transient denials.
type rpcErrorData struct {
	ErrorCode     string `json:"errorCode,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	RetryAfterSec int64  `json:"retryAfterSec,omitempty"`
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

// writeError writes a JSON-RPC error response. A nil id marshals as null,
// which is what JSON-RPC 2.0 requires when the request id was never parsed.
func writeError(w http.ResponseWriter, httpStatus int, id json.RawMessage, code int, message string, data *rpcErrorData) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcErrorBody{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

// writeOversized is the one 413 in the surface, shared by every reader on
// the POST path.
func writeOversized(w http.ResponseWriter) {
	writeError(w, http.StatusRequestEntityTooLarge, nil, validation.ErrCodeInvalidParams, "request body exceeds maximum allowed size", nil)
}

func writeValidationError(w http.ResponseWriter, id json.RawMessage, err error) {
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusOK, id, verr.Code, verr.Message, nil)
		return
	}
	writeError(w, http.StatusOK, id, validation.ErrCodeInvalidParams, "invalid params", nil)
}

// shortID trims a correlation id to the first eight characters, enough to
// grep logs without echoing the whole uuid.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
