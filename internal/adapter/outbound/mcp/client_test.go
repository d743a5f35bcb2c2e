package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/upstream"
)

// rpcEcho is a minimal JSON-RPC test upstream. The handler receives the
// decoded request envelope and returns the raw JSON for result or error.
type rpcEcho struct {
	t      *testing.T
	handle func(method string, params json.RawMessage, r *http.Request) (result string, rpcErr string)
}

func (e *rpcEcho) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		e.t.Errorf("test upstream: bad request body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result, rpcErr := e.handle(req.Method, req.Params, r)
	w.Header().Set("Content-Type", "application/json")
	if rpcErr != "" {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":%s}`, req.ID, rpcErr)
		return
	}
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
}

func testUpstream(t *testing.T, name string, srv *httptest.Server) *upstream.Upstream {
	t.Helper()
	return &upstream.Upstream{
		Name:            name,
		NamespacePrefix: name,
		Endpoint:        srv.URL,
		Enabled:         true,
	}
}

func TestClient_ListTools(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(method string, _ json.RawMessage, _ *http.Request) (string, string) {
		if method != "tools/list" {
			t.Errorf("method = %q, want tools/list", method)
		}
		return `{"tools":[
			{"name":"search","description":"find things","inputSchema":{"type":"object"}},
			{"name":"fetch"}
		]}`, ""
	}})
	defer srv.Close()

	client := NewClient()
	tools, err := client.ListTools(context.Background(), testUpstream(t, "alpha", srv))
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("ListTools() returned %d tools, want 2", len(tools))
	}
	if tools[0].Name != "search" || tools[0].Description != "find things" {
		t.Errorf("first tool = %+v", tools[0])
	}
	if string(tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("input schema = %s", tools[0].InputSchema)
	}
}

func TestClient_ListToolsFollowsCursor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(_ string, params json.RawMessage, _ *http.Request) (string, string) {
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Cursor == "" {
			return `{"tools":[{"name":"one"}],"nextCursor":"page2"}`, ""
		}
		return `{"tools":[{"name":"two"}]}`, ""
	}})
	defer srv.Close()

	client := NewClient()
	tools, err := client.ListTools(context.Background(), testUpstream(t, "alpha", srv))
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "one" || tools[1].Name != "two" {
		t.Fatalf("ListTools() = %+v, want both pages", tools)
	}
}

func TestClient_ListToolsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(string, json.RawMessage, *http.Request) (string, string) {
		return "", `{"code":-32603,"message":"boom"}`
	}})
	defer srv.Close()

	client := NewClient()
	if _, err := client.ListTools(context.Background(), testUpstream(t, "alpha", srv)); err == nil {
		t.Fatal("ListTools() should surface JSON-RPC errors")
	}
}

func TestClient_CallToolText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(method string, params json.RawMessage, _ *http.Request) (string, string) {
		if method != "tools/call" {
			t.Errorf("method = %q", method)
		}
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Name != "search" {
			t.Errorf("tool name = %q", p.Name)
		}
		return `{"content":[{"type":"text","text":"hit one"},{"type":"text","text":"hit two"}]}`, ""
	}})
	defer srv.Close()

	client := NewClient()
	res, err := client.CallTool(context.Background(), testUpstream(t, "alpha", srv), "search",
		map[string]interface{}{"q": "x"}, tool.AuthContext{})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if res.Failed() {
		t.Fatalf("CallTool() failure: %+v", res.Failure)
	}
	if res.Text != "hit one\nhit two" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestClient_CallToolStructuredContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(string, json.RawMessage, *http.Request) (string, string) {
		return `{"content":[],"structuredContent":{"total":3}}`, ""
	}})
	defer srv.Close()

	client := NewClient()
	res, err := client.CallTool(context.Background(), testUpstream(t, "alpha", srv), "stats", nil, tool.AuthContext{})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if string(res.JSON) != `{"total":3}` {
		t.Errorf("JSON = %s", res.JSON)
	}
}

func TestClient_CallToolIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(string, json.RawMessage, *http.Request) (string, string) {
		return `{"content":[{"type":"text","text":"tool exploded"}],"isError":true}`, ""
	}})
	defer srv.Close()

	client := NewClient()
	res, err := client.CallTool(context.Background(), testUpstream(t, "alpha", srv), "boom", nil, tool.AuthContext{})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if !res.Failed() || res.Failure.Code != tool.ErrorUpstreamError {
		t.Fatalf("CallTool() = %+v, want UPSTREAM_ERROR", res)
	}
	if res.Failure.Message != "tool exploded" {
		t.Errorf("Message = %q", res.Failure.Message)
	}
}

func TestClient_CallToolRPCErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rpcErr   string
		wantCode tool.ErrorCode
	}{
		{"method not found", `{"code":-32601,"message":"no such tool"}`, tool.ErrorToolNotFound},
		{"invalid params", `{"code":-32602,"message":"bad args"}`, tool.ErrorInvalidArgument},
		{"unavailable", `{"code":-32001,"message":"overloaded"}`, tool.ErrorUpstreamUnavailable},
		{"other", `{"code":-32603,"message":"internal"}`, tool.ErrorUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(&rpcEcho{t: t, handle: func(string, json.RawMessage, *http.Request) (string, string) {
				return "", tt.rpcErr
			}})
			defer srv.Close()

			client := NewClient()
			res, err := client.CallTool(context.Background(), testUpstream(t, "alpha", srv), "x", nil, tool.AuthContext{})
			if err != nil {
				t.Fatalf("CallTool() error: %v", err)
			}
			if !res.Failed() || res.Failure.Code != tt.wantCode {
				t.Fatalf("CallTool() = %+v, want %s", res, tt.wantCode)
			}
		})
	}
}

func TestClient_CallToolUnreachable(t *testing.T) {
	t.Parallel()

	client := NewClient()
	u := &upstream.Upstream{Name: "gone", NamespacePrefix: "gone", Endpoint: "http://127.0.0.1:1", Enabled: true}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.CallTool(ctx, u, "x", nil, tool.AuthContext{}); err == nil {
		t.Fatal("CallTool() against a closed port should return an error")
	}
}

func TestClient_ForwardsHeadersAndAuth(t *testing.T) {
	t.Parallel()

	var gotAuthz, gotStatic string
	srv := httptest.NewServer(&rpcEcho{t: t, handle: func(_ string, _ json.RawMessage, r *http.Request) (string, string) {
		gotAuthz = r.Header.Get("Authorization")
		gotStatic = r.Header.Get("X-Env")
		return `{"content":[{"type":"text","text":"ok"}]}`, ""
	}})
	defer srv.Close()

	u := testUpstream(t, "alpha", srv)
	u.DefaultHeaders = map[string]string{"X-Env": "prod", "Authorization": "Bearer static"}

	client := NewClient()
	_, err := client.CallTool(context.Background(), u, "x", nil, tool.AuthContext{BearerToken: "caller"})
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if gotStatic != "prod" {
		t.Errorf("X-Env = %q", gotStatic)
	}
	if gotAuthz != "Bearer caller" {
		t.Errorf("Authorization = %q, caller credentials should win over defaults", gotAuthz)
	}
}

func TestClient_EchoesSessionID(t *testing.T) {
	t.Parallel()

	var second string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Mcp-Session-Id", "sess-9")
		} else {
			second = r.Header.Get("Mcp-Session-Id")
		}
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[]}}`, req.ID)
	}))
	defer srv.Close()

	client := NewClient()
	u := testUpstream(t, "alpha", srv)
	if _, err := client.ListTools(context.Background(), u); err != nil {
		t.Fatalf("first ListTools() error: %v", err)
	}
	if _, err := client.ListTools(context.Background(), u); err != nil {
		t.Fatalf("second ListTools() error: %v", err)
	}
	if second != "sess-9" {
		t.Errorf("session id on second call = %q, want sess-9", second)
	}
}

func TestClient_ProbeManifest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/contextify/manifest" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"up","version":"1.0"}`))
			return
		}
		t.Errorf("unexpected path %q, manifest probe should not fall back", r.URL.Path)
	}))
	defer srv.Close()

	client := NewClient()
	probe := client.Probe(context.Background(), testUpstream(t, "alpha", srv))
	if !probe.Healthy {
		t.Fatalf("Probe() = %+v, want healthy", probe)
	}
}

func TestClient_ProbeFallsBackToListTools(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/contextify/manifest" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"a"},{"name":"b"}]}}`, req.ID)
	}))
	defer srv.Close()

	client := NewClient()
	probe := client.Probe(context.Background(), testUpstream(t, "alpha", srv))
	if !probe.Healthy {
		t.Fatalf("Probe() = %+v, want healthy via fallback", probe)
	}
	if probe.ToolCount != 2 {
		t.Errorf("ToolCount = %d, want 2", probe.ToolCount)
	}
}

func TestClient_ProbeUnreachable(t *testing.T) {
	t.Parallel()

	client := NewClient()
	u := &upstream.Upstream{Name: "gone", NamespacePrefix: "gone", Endpoint: "http://127.0.0.1:1", Enabled: true}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	probe := client.Probe(ctx, u)
	if probe.Healthy {
		t.Fatal("Probe() against a closed port should be unhealthy")
	}
	if probe.Error == "" {
		t.Error("unhealthy probes should carry an error")
	}
}
