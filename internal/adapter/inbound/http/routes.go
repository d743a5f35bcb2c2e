package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/contextify/contextify/internal/domain/audit"
	"github.com/contextify/contextify/internal/domain/upstream"
	"github.com/contextify/contextify/internal/port/inbound"
	"github.com/contextify/contextify/internal/service"
	"github.com/contextify/contextify/pkg/mcp"
)

// AuditReader exposes the recent-records view the debug surface renders.
// The file and sqlite audit stores implement it; the stdout store does not.
type AuditReader interface {
	Recent(ctx context.Context, n int) ([]audit.Record, error)
}

// manifestHandler serves the well-known discovery document. Gateways probe
// it as the primary upstream health check, so it must stay cheap.
func manifestHandler(api inbound.ToolAPI) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := api.Initialize(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Name         string                 `json:"name"`
			Version      string                 `json:"version"`
			Capabilities mcp.ServerCapabilities `json:"capabilities"`
		}{
			Name:         info.Name,
			Version:      info.Version,
			Capabilities: mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		})
	})
}

// diagnosticsResponse is the operational snapshot for humans and dashboards.
type diagnosticsResponse struct {
	Mode              string            `json:"mode"` // "gateway" or "local"
	ToolCount         int               `json:"toolCount"`
	CatalogChecksum   string            `json:"catalogChecksum"`
	CatalogAgeSeconds int64             `json:"catalogAgeSeconds"`
	Upstreams         []upstream.Status `json:"upstreams,omitempty"`
}

// diagnosticsHandler reports the published catalog's age, checksum, and tool
// count, plus per-upstream health when the gateway is active.
func diagnosticsHandler(catalog *service.CatalogService, gateway *service.GatewayService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp diagnosticsResponse
		switch {
		case gateway != nil:
			snap := gateway.Snapshot()
			resp = diagnosticsResponse{
				Mode:              "gateway",
				ToolCount:         snap.Len(),
				CatalogChecksum:   snap.Checksum(),
				CatalogAgeSeconds: int64(time.Since(snap.CreatedUTC()).Seconds()),
				Upstreams:         snap.Statuses(),
			}
		case catalog != nil:
			snap := catalog.Snapshot()
			resp = diagnosticsResponse{
				Mode:              "local",
				ToolCount:         snap.Len(),
				CatalogChecksum:   snap.Checksum(),
				CatalogAgeSeconds: int64(time.Since(snap.CreatedUTC()).Seconds()),
			}
		default:
			http.Error(w, "diagnostics unavailable", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// debugCatalogHandler dumps the published tool names from the current
// snapshot. Registered only when debug endpoints are enabled.
func debugCatalogHandler(api inbound.ToolAPI) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tools, err := api.ListTools(r.Context())
		if err != nil {
			http.Error(w, "catalog unavailable", http.StatusInternalServerError)
			return
		}
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Count int      `json:"count"`
			Tools []string `json:"tools"`
		}{Count: len(names), Tools: names})
	})
}

// debugAuditHandler renders the newest audit records, newest first. The n
// query parameter adjusts the window, capped at 1000.
func debugAuditHandler(reader AuditReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := 50
		if raw := r.URL.Query().Get("n"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
				n = v
			}
		}
		records, err := reader.Recent(r.Context(), n)
		if err != nil {
			http.Error(w, "audit records unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Count   int            `json:"count"`
			Records []audit.Record `json:"records"`
		}{Count: len(records), Records: records})
	})
}
