package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/contextify/contextify/internal/ctxkey"
	"github.com/contextify/contextify/internal/domain/auth"
	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/validation"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/pkg/mcp"
)

// fakeToolAPI is a test double for the inbound port. CallTool records the
// last request it saw so tests can assert what the transport handed over.
type fakeToolAPI struct {
	mu       sync.Mutex
	info     inbound.ServerInfo
	tools    []inbound.ToolDescriptor
	listErr  error
	callFn   func(ctx context.Context, req inbound.CallRequest) tool.Result
	lastCall inbound.CallRequest
}

func newFakeToolAPI() *fakeToolAPI {
	return &fakeToolAPI{
		info: inbound.ServerInfo{
			Name:            "contextify-test",
			Version:         "0.0.1",
			ProtocolVersion: mcp.ProtocolVersion,
		},
	}
}

func (f *fakeToolAPI) Initialize(ctx context.Context) inbound.ServerInfo {
	return f.info
}

func (f *fakeToolAPI) ListTools(ctx context.Context) ([]inbound.ToolDescriptor, error) {
	return f.tools, f.listErr
}

func (f *fakeToolAPI) CallTool(ctx context.Context, req inbound.CallRequest) tool.Result {
	f.mu.Lock()
	f.lastCall = req
	f.mu.Unlock()
	if f.callFn != nil {
		return f.callFn(ctx, req)
	}
	return tool.TextResult("ok")
}

func (f *fakeToolAPI) LastCall() inbound.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCall
}

// newHandler builds an mcpHandler with default limits for direct
// recorder-driven tests.
func newHandler(api inbound.ToolAPI) *mcpHandler {
	return &mcpHandler{
		api:                    api,
		maxArgumentsDepth:      validation.DefaultMaxArgumentsDepth,
		maxArgumentsProperties: validation.DefaultMaxArgumentsProperties,
	}
}

// postMCP drives one POST through the handler and returns the recorder.
func postMCP(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// rpcTestEnvelope mirrors the response wire shape for assertions.
type rpcTestEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			ErrorCode     string `json:"errorCode"`
			CorrelationID string `json:"correlationId"`
			RetryAfterSec int64  `json:"retryAfterSec"`
		} `json:"data"`
	} `json:"error"`
}

func parseRPC(t *testing.T, body []byte) rpcTestEnvelope {
	t.Helper()
	var resp rpcTestEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to parse JSON-RPC response: %v\nbody: %s", err, body)
	}
	if resp.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q, want 2.0", resp.JSONRPC)
	}
	return resp
}

// parseRPCError returns the error code and message, failing the test when
// the response carries no error.
func parseRPCError(t *testing.T, body []byte) (int, string) {
	t.Helper()
	resp := parseRPC(t, body)
	if resp.Error == nil {
		t.Fatalf("expected error response, got: %s", body)
	}
	return resp.Error.Code, resp.Error.Message
}

func TestHandlePost_InvalidContentType(t *testing.T) {
	h := newHandler(newFakeToolAPI())

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (JSON-RPC errors ride 200)", rec.Code, http.StatusOK)
	}
	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32700 {
		t.Errorf("error code = %d, want -32700", code)
	}
	if !strings.Contains(msg, "content type must be application/json") {
		t.Errorf("message = %q, want content type complaint", msg)
	}
}

// TestHandlePost_ContentTypeWithCharset verifies media type parameters do
// not break the check.
func TestHandlePost_ContentTypeWithCharset(t *testing.T) {
	h := newHandler(newFakeToolAPI())

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"initialize","id":1}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	resp := parseRPC(t, rec.Body.Bytes())
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestHandlePost_EmptyBody(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), "")

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32700 {
		t.Errorf("error code = %d, want -32700", code)
	}
	if !strings.Contains(msg, "empty request body") {
		t.Errorf("message = %q, want 'empty request body'", msg)
	}
}

func TestHandlePost_InvalidJSON(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), "{not valid json}")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32700 {
		t.Errorf("error code = %d, want -32700", code)
	}
	if !strings.Contains(msg, "invalid JSON") {
		t.Errorf("message = %q, want 'invalid JSON'", msg)
	}
}

// TestHandlePost_NonObjectBody verifies a JSON array is rejected as an
// invalid request, not a parse error: the bytes are valid JSON.
func TestHandlePost_NonObjectBody(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `[1,2,3]`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32600 {
		t.Errorf("error code = %d, want -32600", code)
	}
	if !strings.Contains(msg, "JSON object") {
		t.Errorf("message = %q, want JSON object complaint", msg)
	}
}

func TestHandlePost_MissingJSONRPCVersion(t *testing.T) {
	for _, body := range []string{
		`{"method":"initialize","id":1}`,
		`{"jsonrpc":"1.0","method":"initialize","id":1}`,
	} {
		rec := postMCP(t, newHandler(newFakeToolAPI()), body)
		code, msg := parseRPCError(t, rec.Body.Bytes())
		if code != -32600 {
			t.Errorf("body %s: error code = %d, want -32600", body, code)
		}
		if !strings.Contains(msg, "jsonrpc version") {
			t.Errorf("body %s: message = %q, want jsonrpc version complaint", body, msg)
		}
	}
}

func TestHandlePost_MissingMethod(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","id":1}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32600 {
		t.Errorf("error code = %d, want -32600", code)
	}
	if !strings.Contains(msg, "missing method") {
		t.Errorf("message = %q, want 'missing method'", msg)
	}
}

func TestHandlePost_UnknownMethod(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","method":"resources/list","id":1}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32601 {
		t.Errorf("error code = %d, want -32601", code)
	}
	if !strings.Contains(msg, "method not found") {
		t.Errorf("message = %q, want 'method not found'", msg)
	}
	if got := rec.Header().Get(ProtocolVersionHeader); got != mcp.ProtocolVersion {
		t.Errorf("%s header = %q, want %q", ProtocolVersionHeader, got, mcp.ProtocolVersion)
	}
}

// TestHandlePost_Notification verifies requests without an id are accepted
// with 202 and no body, including explicit null ids and unknown methods.
func TestHandlePost_Notification(t *testing.T) {
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"tools/call","id":null}`,
		`{"jsonrpc":"2.0","method":"no/such/method"}`,
	} {
		rec := postMCP(t, newHandler(newFakeToolAPI()), body)
		if rec.Code != http.StatusAccepted {
			t.Errorf("body %s: status = %d, want 202", body, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body %s: response body = %q, want empty", body, rec.Body.String())
		}
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newHandler(newFakeToolAPI())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandler_Options(t *testing.T) {
	h := newHandler(newFakeToolAPI())

	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "POST") {
		t.Errorf("Allow-Methods = %q, want POST", methods)
	}
}

func TestHandleInitialize(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","method":"initialize","id":1,"params":{"protocolVersion":"2025-06-18"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get(ProtocolVersionHeader); got != mcp.ProtocolVersion {
		t.Errorf("%s header = %q, want %q", ProtocolVersionHeader, got, mcp.ProtocolVersion)
	}

	resp := parseRPC(t, rec.Body.Bytes())
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, mcp.ProtocolVersion)
	}
	if result.ServerInfo.Name != "contextify-test" {
		t.Errorf("serverInfo.name = %q, want contextify-test", result.ServerInfo.Name)
	}
	if result.Capabilities.Tools == nil {
		t.Error("capabilities.tools missing, want advertised")
	}
}

func TestHandleToolsList(t *testing.T) {
	api := newFakeToolAPI()
	api.tools = []inbound.ToolDescriptor{
		{Name: "get_weather", Description: "Current weather", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "list_pets"},
	}

	rec := postMCP(t, newHandler(api), `{"jsonrpc":"2.0","method":"tools/list","id":"a"}`)

	resp := parseRPC(t, rec.Body.Bytes())
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(result.Tools))
	}
	if result.Tools[0].Name != "get_weather" || result.Tools[1].Name != "list_pets" {
		t.Errorf("tool names = %q, %q", result.Tools[0].Name, result.Tools[1].Name)
	}
	if string(result.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("inputSchema = %s, want round-tripped bytes", result.Tools[0].InputSchema)
	}
}

// TestHandleToolsList_Empty verifies an empty catalog serializes as an
// empty array, never null.
func TestHandleToolsList_Empty(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","method":"tools/list","id":1}`)

	if !strings.Contains(rec.Body.String(), `"tools":[]`) {
		t.Errorf("body = %s, want \"tools\":[]", rec.Body.String())
	}
}

func TestHandleToolsList_Error(t *testing.T) {
	api := newFakeToolAPI()
	api.listErr = fmt.Errorf("snapshot rebuild failed")

	rec := postMCP(t, newHandler(api), `{"jsonrpc":"2.0","method":"tools/list","id":1}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32603 {
		t.Errorf("error code = %d, want -32603", code)
	}
	if msg != "internal error" {
		t.Errorf("message = %q, want the generic internal error", msg)
	}
	if strings.Contains(rec.Body.String(), "snapshot rebuild") {
		t.Error("internal failure detail leaked to the client")
	}
}

func TestHandleToolsCall_TextResult(t *testing.T) {
	api := newFakeToolAPI()
	api.callFn = func(ctx context.Context, req inbound.CallRequest) tool.Result {
		return tool.TextResult("sunny, 21C")
	}

	rec := postMCP(t, newHandler(api), `{"jsonrpc":"2.0","method":"tools/call","id":"call-1","params":{"name":"get_weather","arguments":{"city":"Oslo"}}}`)

	resp := parseRPC(t, rec.Body.Bytes())
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if string(resp.ID) != `"call-1"` {
		t.Errorf("id = %s, want \"call-1\"", resp.ID)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text item", result.Content)
	}
	if result.Content[0].Text != "sunny, 21C" {
		t.Errorf("text = %q, want 'sunny, 21C'", result.Content[0].Text)
	}
	if result.StructuredContent != nil {
		t.Errorf("structuredContent = %s, want absent for text results", result.StructuredContent)
	}
}

// TestHandleToolsCall_StructuredResult verifies JSON payloads ride
// structuredContent with a text rendering alongside.
func TestHandleToolsCall_StructuredResult(t *testing.T) {
	payload := `{"temperature":21,"unit":"C"}`
	api := newFakeToolAPI()
	api.callFn = func(ctx context.Context, req inbound.CallRequest) tool.Result {
		return tool.JSONResult(json.RawMessage(payload))
	}

	rec := postMCP(t, newHandler(api), `{"jsonrpc":"2.0","method":"tools/call","id":7,"params":{"name":"get_weather"}}`)

	resp := parseRPC(t, rec.Body.Bytes())
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if string(result.StructuredContent) != payload {
		t.Errorf("structuredContent = %s, want %s", result.StructuredContent, payload)
	}
	if len(result.Content) != 1 || result.Content[0].Text != payload {
		t.Errorf("content = %+v, want text rendering of the payload", result.Content)
	}
}

func TestHandleToolsCall_MissingParams(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","method":"tools/call","id":1}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32602 {
		t.Errorf("error code = %d, want -32602", code)
	}
	if !strings.Contains(msg, "params are required") {
		t.Errorf("message = %q, want 'params are required'", msg)
	}
}

func TestHandleToolsCall_ParamsNotObject(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":"get_weather"}`)

	code, _ := parseRPCError(t, rec.Body.Bytes())
	if code != -32602 {
		t.Errorf("error code = %d, want -32602", code)
	}
}

// TestHandleToolsCall_InvalidToolNames exercises hostile names: traversal,
// injection payloads, control characters, and oversized input all map to
// invalid params before any dispatch.
func TestHandleToolsCall_InvalidToolNames(t *testing.T) {
	api := newFakeToolAPI()
	h := newHandler(api)

	names := []string{
		"",
		"../../etc/passwd",
		"<script>alert(1)</script>",
		"'; DROP TABLE tools;--",
		"tool\x00name",
		"tool name",
		".leading",
		"trailing.",
		"double..dot",
		strings.Repeat("a", validation.MaxToolNameLength+1),
	}
	for _, name := range names {
		encoded, err := json.Marshal(name)
		if err != nil {
			t.Fatal(err)
		}
		body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":%s}}`, encoded)

		rec := postMCP(t, h, body)
		code, msg := parseRPCError(t, rec.Body.Bytes())
		if code != -32602 {
			t.Errorf("name %q: error code = %d, want -32602", name, code)
		}
		if !strings.Contains(msg, "tool name") {
			t.Errorf("name %q: message = %q, want a tool name complaint", name, msg)
		}
	}
	if api.LastCall().ToolName != "" {
		t.Errorf("dispatch reached the port for a rejected name: %q", api.LastCall().ToolName)
	}
}

func TestHandleToolsCall_ArgumentsTooDeep(t *testing.T) {
	h := newHandler(newFakeToolAPI())
	h.maxArgumentsDepth = 3

	rec := postMCP(t, h, `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t","arguments":{"a":{"b":{"c":{"d":1}}}}}}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32602 {
		t.Errorf("error code = %d, want -32602", code)
	}
	if !strings.Contains(msg, "exceed maximum allowed depth") {
		t.Errorf("message = %q, want depth complaint", msg)
	}
}

func TestHandleToolsCall_TooManyArguments(t *testing.T) {
	h := newHandler(newFakeToolAPI())
	h.maxArgumentsProperties = 2

	rec := postMCP(t, h, `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t","arguments":{"a":1,"b":2,"c":3}}}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32602 {
		t.Errorf("error code = %d, want -32602", code)
	}
	if !strings.Contains(msg, "exceed maximum allowed count") {
		t.Errorf("message = %q, want count complaint", msg)
	}
}

func TestHandleToolsCall_ArgumentsNotObject(t *testing.T) {
	rec := postMCP(t, newHandler(newFakeToolAPI()), `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t","arguments":[1,2]}}`)

	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32602 {
		t.Errorf("error code = %d, want -32602", code)
	}
	if !strings.Contains(msg, "arguments must be a JSON object") {
		t.Errorf("message = %q, want object complaint", msg)
	}
}

// TestHandleToolsCall_FailureMapping verifies each failure code lands on
// the documented JSON-RPC code and HTTP status.
func TestHandleToolsCall_FailureMapping(t *testing.T) {
	tests := []struct {
		code       tool.ErrorCode
		wantHTTP   int
		wantRPC    int
		wantInData string
	}{
		{tool.ErrorInvalidArgument, http.StatusOK, -32602, "INVALID_ARGUMENT"},
		{tool.ErrorToolNotFound, http.StatusOK, -32602, "TOOL_NOT_FOUND"},
		{tool.ErrorPolicyDenied, http.StatusOK, -32602, "POLICY_DENIED"},
		{tool.ErrorRateLimited, http.StatusTooManyRequests, -32001, "RATE_LIMITED"},
		{tool.ErrorUpstreamUnavailable, http.StatusOK, -32001, "UPSTREAM_UNAVAILABLE"},
		{tool.ErrorTimeout, http.StatusOK, -32000, "TIMEOUT"},
		{tool.ErrorCancelled, http.StatusOK, -32000, "CANCELLED"},
		{tool.ErrorUpstreamError, http.StatusOK, -32000, "UPSTREAM_ERROR"},
		{tool.ErrorParseError, http.StatusOK, -32000, "PARSE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			api := newFakeToolAPI()
			api.callFn = func(ctx context.Context, req inbound.CallRequest) tool.Result {
				if tt.code == tool.ErrorRateLimited {
					return tool.RateLimitedResult(2 * time.Second)
				}
				return tool.Fail(tt.code, "denied for test")
			}

			rec := postMCP(t, newHandler(api), `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t"}}`)

			if rec.Code != tt.wantHTTP {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantHTTP)
			}
			resp := parseRPC(t, rec.Body.Bytes())
			if resp.Error == nil {
				t.Fatalf("expected error response, got: %s", rec.Body.String())
			}
			if resp.Error.Code != tt.wantRPC {
				t.Errorf("error code = %d, want %d", resp.Error.Code, tt.wantRPC)
			}
			if resp.Error.Data == nil || resp.Error.Data.ErrorCode != tt.wantInData {
				t.Errorf("error data = %+v, want errorCode %q", resp.Error.Data, tt.wantInData)
			}
		})
	}
}

// TestHandleToolsCall_RateLimitedHeaders verifies the 429 carries a
// Retry-After header and the retry hint in the error data.
func TestHandleToolsCall_RateLimitedHeaders(t *testing.T) {
	api := newFakeToolAPI()
	api.callFn = func(ctx context.Context, req inbound.CallRequest) tool.Result {
		return tool.RateLimitedResult(2 * time.Second)
	}

	rec := postMCP(t, newHandler(api), `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t"}}`)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	resp := parseRPC(t, rec.Body.Bytes())
	if resp.Error == nil || resp.Error.Data == nil || resp.Error.Data.RetryAfterSec != 2 {
		t.Errorf("error = %+v, want retryAfterSec 2", resp.Error)
	}
}

// TestHandleToolsCall_InternalError verifies internal failures collapse to
// the generic message with no detail, and carry the short correlation id
// only when the deployment opted in.
func TestHandleToolsCall_InternalError(t *testing.T) {
	api := newFakeToolAPI()
	api.callFn = func(ctx context.Context, req inbound.CallRequest) tool.Result {
		return tool.Fail(tool.ErrorInternal, "nil pointer in executor")
	}

	for _, include := range []bool{false, true} {
		h := newHandler(api)
		h.includeCorrelationID = include

		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t"}}`))
		req.Header.Set("Content-Type", "application/json")
		req = req.WithContext(context.WithValue(req.Context(), ctxkey.RequestIDKey{}, "0123456789abcdef"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		code, msg := parseRPCError(t, rec.Body.Bytes())
		if code != -32603 {
			t.Errorf("include=%v: error code = %d, want -32603", include, code)
		}
		if msg != "internal error" {
			t.Errorf("include=%v: message = %q, want generic", include, msg)
		}
		if strings.Contains(rec.Body.String(), "nil pointer") {
			t.Errorf("include=%v: internal detail leaked", include)
		}

		resp := parseRPC(t, rec.Body.Bytes())
		if include {
			if resp.Error.Data == nil || resp.Error.Data.CorrelationID != "01234567" {
				t.Errorf("error data = %+v, want correlationId 01234567", resp.Error.Data)
			}
		} else if resp.Error.Data != nil && resp.Error.Data.CorrelationID != "" {
			t.Errorf("correlation id present without opt-in: %+v", resp.Error.Data)
		}
	}
}

// TestHandleToolsCall_PopulatesCallRequest verifies the transport hands the
// port everything it resolved: name, arguments, credentials, identity,
// correlation id, and the transport label.
func TestHandleToolsCall_PopulatesCallRequest(t *testing.T) {
	api := newFakeToolAPI()
	h := newHandler(api)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"get_weather","arguments":{"city":"Oslo"}}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok-123")
	req.AddCookie(&http.Cookie{Name: "session", Value: "s-1"})
	ctx := context.WithValue(req.Context(), ctxkey.RequestIDKey{}, "req-9")
	ctx = withIdentity(ctx, auth.Identity{TenantID: "acme", UserID: "u1"})
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	call := api.LastCall()
	if call.ToolName != "get_weather" {
		t.Errorf("ToolName = %q", call.ToolName)
	}
	if call.Arguments["city"] != "Oslo" {
		t.Errorf("Arguments = %v", call.Arguments)
	}
	if call.Auth.BearerToken != "tok-123" {
		t.Errorf("BearerToken = %q", call.Auth.BearerToken)
	}
	if call.Auth.Cookies["session"] != "s-1" {
		t.Errorf("Cookies = %v", call.Auth.Cookies)
	}
	if call.Identity.TenantID != "acme" || call.Identity.UserID != "u1" {
		t.Errorf("Identity = %+v", call.Identity)
	}
	if call.CorrelationID != "req-9" {
		t.Errorf("CorrelationID = %q", call.CorrelationID)
	}
	if call.Transport != "http" {
		t.Errorf("Transport = %q", call.Transport)
	}
}

// TestHandlePost_IDRoundTrip verifies number, string, and fractional ids
// come back byte-identical.
func TestHandlePost_IDRoundTrip(t *testing.T) {
	for _, id := range []string{`1`, `"abc"`, `12.5`, `0`} {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"initialize","id":%s}`, id)
		rec := postMCP(t, newHandler(newFakeToolAPI()), body)

		resp := parseRPC(t, rec.Body.Bytes())
		if string(resp.ID) != id {
			t.Errorf("id = %s, want %s", resp.ID, id)
		}
	}
}

// TestBodyLimit_Oversized413 drives an over-limit body through the body cap
// middleware and expects the single 413 on the surface.
func TestBodyLimit_Oversized413(t *testing.T) {
	h := BodyLimitMiddleware(64)(newHandler(newFakeToolAPI()))

	big := fmt.Sprintf(`{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"t","arguments":{"pad":%q}}}`, strings.Repeat("x", 256))
	rec := postMCP(t, h, big)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	code, msg := parseRPCError(t, rec.Body.Bytes())
	if code != -32602 {
		t.Errorf("error code = %d, want -32602", code)
	}
	if !strings.Contains(msg, "request body exceeds maximum allowed size") {
		t.Errorf("message = %q, want size complaint", msg)
	}
}
