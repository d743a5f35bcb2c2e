// Package mcp implements the outbound JSON-RPC client the gateway uses to
// talk to upstream MCP servers over HTTP.
package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/domain/upstream"
	"github.com/contextify/contextify/internal/port/outbound"
	"github.com/contextify/contextify/pkg/mcp"
)

const (
	// maxResponseBodySize is the maximum response body size from upstream.
	// Prevents OOM from misbehaving upstreams.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// defaultRequestTimeout bounds requests whose context carries no
	// deadline of its own (the gateway normally sets one).
	defaultRequestTimeout = 30 * time.Second

	// maxToolPages caps cursor-following on tools/list so a broken
	// upstream cannot loop the aggregator forever.
	maxToolPages = 16

	// manifestPath is the well-known liveness document probed first.
	manifestPath = "/.well-known/contextify/manifest"

	// sessionIDHeader carries the upstream's MCP session, echoed back on
	// subsequent requests.
	sessionIDHeader = "Mcp-Session-Id"

	// errorExcerptLen bounds how much upstream body text lands in errors.
	errorExcerptLen = 256
)

// Client is a JSON-RPC HTTP client shared by the gateway aggregator,
// dispatcher, and health monitor. Connections are pooled; one instance
// serves all upstreams.
type Client struct {
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger

	nextID atomic.Int64

	// sessions holds per-upstream session ids handed out by upstreams.
	mu       sync.Mutex
	sessions map[string]string
}

var _ outbound.UpstreamClient = (*Client)(nil)

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRequestTimeout sets the fallback timeout for requests without a
// context deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates the shared upstream client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
		sessions:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListTools fetches the upstream's advertised tools, following list cursors
// up to the page cap. A capped list is returned as-is; partial knowledge
// beats an aggregation failure.
func (c *Client) ListTools(ctx context.Context, u *upstream.Upstream) ([]outbound.RemoteTool, error) {
	var tools []outbound.RemoteTool
	cursor := ""

	for page := 0; page < maxToolPages; page++ {
		var params interface{}
		if cursor != "" {
			params = mcp.ListToolsParams{Cursor: cursor}
		}
		req, err := mcp.NewRequest(c.nextID.Add(1), mcp.MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		resp, err := c.post(ctx, u, req, tool.AuthContext{})
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			rpcErr := wireError(resp.Error)
			return nil, fmt.Errorf("upstream %q tools/list error %d: %s",
				u.Name, rpcErr.Code, rpcErr.Message)
		}

		var result mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("upstream %q returned malformed tools/list result: %w", u.Name, err)
		}

		for _, t := range result.Tools {
			tools = append(tools, outbound.RemoteTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: []byte(t.InputSchema),
			})
		}
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}

	c.logger.Warn("tools/list page cap reached, truncating",
		"upstream", u.Name,
		"pages", maxToolPages,
		"tools", len(tools),
	)
	return tools, nil
}

// CallTool forwards one tools/call and maps the upstream's answer into the
// result taxonomy. An error return means the upstream was unreachable; a
// JSON-RPC error or isError result comes back as a failure value.
func (c *Client) CallTool(ctx context.Context, u *upstream.Upstream, toolName string, args map[string]interface{}, auth tool.AuthContext) (tool.Result, error) {
	params := mcp.CallToolParams{Name: toolName}
	if len(args) > 0 {
		raw, err := json.Marshal(args)
		if err != nil {
			return tool.Fail(tool.ErrorInvalidArgument, "arguments are not serializable"), nil
		}
		params.Arguments = raw
	}

	req, err := mcp.NewRequest(c.nextID.Add(1), mcp.MethodToolsCall, params)
	if err != nil {
		return tool.Result{}, err
	}

	resp, err := c.post(ctx, u, req, auth)
	if err != nil {
		return tool.Result{}, err
	}
	if resp.Error != nil {
		return mapRPCError(wireError(resp.Error)), nil
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return tool.Fail(tool.ErrorParseError, "upstream returned a malformed tool result"), nil
	}
	return mapCallResult(result), nil
}

// Probe checks upstream liveness: the well-known manifest first, then a
// plain tools/list as fallback for upstreams that do not serve it.
func (c *Client) Probe(ctx context.Context, u *upstream.Upstream) outbound.ManifestProbe {
	start := time.Now()
	if ok := c.probeManifest(ctx, u); ok {
		return outbound.ManifestProbe{
			Healthy:   true,
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	start = time.Now()
	tools, err := c.ListTools(ctx, u)
	if err != nil {
		return outbound.ManifestProbe{
			Healthy: false,
			Error:   sanitizeProbeError(err),
		}
	}
	return outbound.ManifestProbe{
		Healthy:   true,
		LatencyMs: time.Since(start).Milliseconds(),
		ToolCount: len(tools),
	}
}

// probeManifest hits the well-known manifest at the endpoint's origin.
func (c *Client) probeManifest(ctx context.Context, u *upstream.Upstream) bool {
	origin, err := endpointOrigin(u.Endpoint)
	if err != nil {
		return false
	}

	ctx, cancel := c.ensureDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+manifestPath, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range u.DefaultHeaders {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	return resp.StatusCode == http.StatusOK
}

// post sends one encoded JSON-RPC message and decodes the response.
func (c *Client) post(ctx context.Context, u *upstream.Upstream, rpcReq *jsonrpc.Request, auth tool.AuthContext) (*jsonrpc.Response, error) {
	body, err := jsonrpc.EncodeMessage(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := c.ensureDeadline(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Static headers first so caller credentials can override them.
	for name, value := range u.DefaultHeaders {
		req.Header.Set(name, value)
	}
	applyAuth(req, auth)

	if sid := c.session(u.Name); sid != "" {
		req.Header.Set(sessionIDHeader, sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		c.setSession(u.Name, sid)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, excerpt(respBody))
	}

	decoded, err := mcp.DecodeMessage(bytes.TrimSpace(respBody))
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	rpcResp, ok := decoded.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("upstream answered with a %T, want a response", decoded)
	}
	return rpcResp, nil
}

// ensureDeadline adds the fallback timeout when the context has none.
func (c *Client) ensureDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) session(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[name]
}

func (c *Client) setSession(name, sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[name] = sid
}

// applyAuth forwards caller credentials the gateway decided to propagate.
func applyAuth(req *http.Request, auth tool.AuthContext) {
	if auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	}
	if auth.APIKey != "" {
		header := auth.APIKeyHeaderName
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.APIKey)
	}
	for name, value := range auth.AdditionalHeaders {
		req.Header.Set(name, value)
	}
	for name, value := range auth.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

// wireError extracts the structured JSON-RPC error a decoded response
// carries in its error field. The SDK decoder always stores a
// *jsonrpc.Error there; any other error is wrapped the same way the SDK
// does on encode.
func wireError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &jsonrpc.Error{Message: err.Error()}
}

// mapRPCError converts an upstream JSON-RPC error into a failure value.
// Invalid-params and method-not-found reflect the caller's input; anything
// else is the upstream's problem.
func mapRPCError(rpcErr *jsonrpc.Error) tool.Result {
	switch rpcErr.Code {
	case -32601:
		return tool.Fail(tool.ErrorToolNotFound, "upstream does not provide this tool")
	case -32602:
		return tool.Fail(tool.ErrorInvalidArgument, "upstream rejected the arguments: %s", rpcErr.Message)
	case -32001:
		return tool.TransientFail(tool.ErrorUpstreamUnavailable, "upstream reported itself unavailable")
	default:
		return tool.Fail(tool.ErrorUpstreamError, "upstream error %d: %s", rpcErr.Code, rpcErr.Message)
	}
}

// mapCallResult converts an MCP tool result into the domain result.
// isError results carry their text as the failure message.
func mapCallResult(result mcp.CallToolResult) tool.Result {
	text := joinText(result.Content)
	if result.IsError {
		if text == "" {
			text = "upstream tool reported an error"
		}
		return tool.Fail(tool.ErrorUpstreamError, "%s", text)
	}
	if len(result.StructuredContent) > 0 {
		return tool.JSONResult(json.RawMessage(result.StructuredContent))
	}
	return tool.TextResult(text)
}

func joinText(items []mcp.ContentItem) string {
	var parts []string
	for _, item := range items {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// endpointOrigin strips the path from an endpoint URL, since well-known
// URIs live at the server root.
func endpointOrigin(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("endpoint %q has no origin", endpoint)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// sanitizeProbeError keeps probe errors short enough for status displays.
func sanitizeProbeError(err error) string {
	msg := err.Error()
	if len(msg) > errorExcerptLen {
		msg = msg[:errorExcerptLen]
	}
	return msg
}

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errorExcerptLen {
		s = s[:errorExcerptLen]
	}
	return s
}
