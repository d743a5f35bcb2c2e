// Package endpoint executes backend HTTP calls for catalog tools. The
// executor expands the descriptor's route template from the call arguments,
// injects propagated credentials, and maps the HTTP outcome into the tool
// result taxonomy.
package endpoint

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/contextify/contextify/internal/domain/tool"
	"github.com/contextify/contextify/internal/port/outbound"
)

const (
	// maxResponseBodySize caps how much of a backend response is read.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// defaultAPIKeyHeader is used when the auth context does not name one.
	defaultAPIKeyHeader = "X-API-Key"
)

// routeParamPattern matches {param} placeholders in a route template.
var routeParamPattern = regexp.MustCompile(`\{([^/{}]+)\}`)

// Executor invokes backend HTTP endpoints through a shared pooled client.
// Per-call deadlines arrive on the context (the timeout action sets them);
// an optional request timeout acts as an outer cap.
type Executor struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

var _ outbound.EndpointExecutor = (*Executor)(nil)

// Option is a functional option for configuring Executor.
type Option func(*Executor)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.client = client
	}
}

// WithRequestTimeout caps the total duration of any single backend request
// on top of per-call context deadlines. The pooled transport and its TLS
// settings are untouched. Zero leaves the client uncapped.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.client.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor that resolves route templates against the
// given backend base URL (scheme and host required).
func NewExecutor(baseURL string, opts ...Option) (*Executor, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("backend base URL must be http or https, got %q", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("backend base URL has no host: %q", baseURL)
	}

	e := &Executor{
		baseURL: strings.TrimSuffix(parsed.String(), "/"),
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Execute performs the backend HTTP call for one admitted invocation.
// Failures come back as values; the only errors that propagate are the
// caller's own cancellation and deadline.
func (e *Executor) Execute(ctx context.Context, endpoint *tool.EndpointDescriptor, args map[string]interface{}, auth *tool.AuthContext) tool.Result {
	if endpoint == nil {
		return tool.Fail(tool.ErrorInternal, "tool has no endpoint descriptor")
	}

	method := strings.ToUpper(endpoint.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}

	path, remaining, err := expandRoute(endpoint.RouteTemplate, args)
	if err != nil {
		return tool.Fail(tool.ErrorInvalidArgument, "%s", err.Error())
	}

	fullURL := e.baseURL + "/" + strings.TrimPrefix(path, "/")

	var body io.Reader
	var bodyLen int
	if bodyless(method) {
		if q := encodeQuery(remaining); q != "" {
			fullURL += "?" + q
		}
	} else if len(remaining) > 0 {
		raw, err := json.Marshal(remaining)
		if err != nil {
			return tool.Fail(tool.ErrorInvalidArgument, "arguments are not serializable: %v", err)
		}
		body = bytes.NewReader(raw)
		bodyLen = len(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return tool.Fail(tool.ErrorInvalidArgument, "cannot build backend request")
	}

	req.Header.Set("Accept", acceptHeader(endpoint.Produces))
	if body != nil {
		req.Header.Set("Content-Type", contentTypeHeader(endpoint.Consumes))
	}
	applyAuth(req, auth)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tool.FromContextErr(ctxErr)
		}
		e.logger.Warn("backend request failed",
			"endpoint", endpoint.Identity(),
			"method", method,
			"error", err,
		)
		return tool.TransientFail(tool.ErrorUpstreamUnavailable, "backend unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tool.FromContextErr(ctxErr)
		}
		return tool.TransientFail(tool.ErrorUpstreamError, "error reading backend response")
	}
	if len(raw) > maxResponseBodySize {
		return tool.Fail(tool.ErrorParseError, "backend response exceeds %d byte limit", maxResponseBodySize)
	}

	e.logger.Debug("backend call complete",
		"endpoint", endpoint.Identity(),
		"method", method,
		"status", resp.StatusCode,
		"request_bytes", bodyLen,
		"response_bytes", len(raw),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 400 {
		if resp.StatusCode >= 500 {
			return tool.TransientFail(tool.ErrorUpstreamError, "backend returned status %d", resp.StatusCode)
		}
		return tool.Fail(tool.ErrorUpstreamError, "backend returned status %d", resp.StatusCode)
	}

	return parseContent(resp.Header.Get("Content-Type"), raw)
}

// expandRoute substitutes {param} placeholders from args and returns the
// expanded path plus the arguments that were not consumed. Values are
// path-escaped; traversal sequences and non-primitive values are rejected.
func expandRoute(template string, args map[string]interface{}) (string, map[string]interface{}, error) {
	remaining := make(map[string]interface{}, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	var expandErr error
	expanded := routeParamPattern.ReplaceAllStringFunc(template, func(m string) string {
		if expandErr != nil {
			return m
		}
		name := m[1 : len(m)-1]
		v, ok := remaining[name]
		if !ok {
			expandErr = fmt.Errorf("missing argument %q for route parameter", name)
			return m
		}
		s, ok := primitiveString(v)
		if !ok {
			expandErr = fmt.Errorf("route parameter %q must be a primitive value", name)
			return m
		}
		if s == "" {
			expandErr = fmt.Errorf("route parameter %q is empty", name)
			return m
		}
		if strings.Contains(s, "..") {
			expandErr = fmt.Errorf("route parameter %q contains a traversal sequence", name)
			return m
		}
		delete(remaining, name)
		return url.PathEscape(s)
	})
	if expandErr != nil {
		return "", nil, expandErr
	}
	return expanded, remaining, nil
}

// encodeQuery serializes leftover arguments as a query string. Primitives
// encode directly; anything structured is carried as compact JSON.
func encodeQuery(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	q := url.Values{}
	for k, v := range args {
		if s, ok := primitiveString(v); ok {
			q.Set(k, s)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		q.Set(k, string(raw))
	}
	return q.Encode()
}

// primitiveString renders a JSON-decoded primitive as its query/path text.
// Maps, slices, and nil are not primitives.
func primitiveString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

// bodyless reports whether the method carries arguments in the query string
// instead of a JSON body.
func bodyless(method string) bool {
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		return true
	}
	return false
}

// applyAuth injects whatever credential material survived policy narrowing.
func applyAuth(req *http.Request, auth *tool.AuthContext) {
	if auth.IsEmpty() {
		return
	}
	if auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+auth.BearerToken)
	}
	if auth.APIKey != "" {
		header := auth.APIKeyHeaderName
		if header == "" {
			header = defaultAPIKeyHeader
		}
		req.Header.Set(header, auth.APIKey)
	}
	for name, value := range auth.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	for name, value := range auth.AdditionalHeaders {
		req.Header.Set(name, value)
	}
}

// acceptHeader prefers the endpoint's declared media types.
func acceptHeader(produces []string) string {
	if len(produces) > 0 {
		return strings.Join(produces, ", ")
	}
	return "application/json, text/plain, */*"
}

// contentTypeHeader picks the request media type for body-carrying methods.
func contentTypeHeader(consumes []string) string {
	for _, c := range consumes {
		if strings.Contains(strings.ToLower(c), "json") {
			return c
		}
	}
	return "application/json"
}

// parseContent maps the response body into text or JSON content. A JSON
// content type with an unparseable body is a parse error, not text.
func parseContent(contentType string, raw []byte) tool.Result {
	if strings.Contains(strings.ToLower(contentType), "json") {
		if len(raw) == 0 {
			return tool.JSONResult(json.RawMessage("null"))
		}
		if !json.Valid(raw) {
			return tool.Fail(tool.ErrorParseError, "backend returned malformed JSON")
		}
		return tool.JSONResult(json.RawMessage(raw))
	}
	return tool.TextResult(string(raw))
}
