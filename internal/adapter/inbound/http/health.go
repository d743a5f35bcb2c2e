package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/contextify/contextify/internal/adapter/outbound/memory"
	"github.com/contextify/contextify/internal/service"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health. Pass nil for components that are
// not wired in the active mode: the catalog is nil behind the gateway, the
// gateway is nil in local mode.
type HealthChecker struct {
	catalog      *service.CatalogService
	gateway      *service.GatewayService
	auditService *service.AuditService
	limiterCache *memory.LimiterCache
	version      string
}

// NewHealthChecker creates a HealthChecker with optional components.
func NewHealthChecker(
	catalog *service.CatalogService,
	gateway *service.GatewayService,
	auditService *service.AuditService,
	limiterCache *memory.LimiterCache,
	version string,
) *HealthChecker {
	return &HealthChecker{
		catalog:      catalog,
		gateway:      gateway,
		auditService: auditService,
		limiterCache: limiterCache,
		version:      version,
	}
}

// Check performs health checks on all wired components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.catalog != nil {
		snap := h.catalog.Snapshot()
		checks["catalog"] = fmt.Sprintf("ok: %d tools, built %s ago",
			snap.Len(), time.Since(snap.CreatedUTC()).Round(time.Second))
	}

	if h.gateway != nil {
		statuses := h.gateway.Statuses()
		up := 0
		for _, st := range statuses {
			if st.Healthy {
				up++
			}
		}
		// Partial availability is normal operation; zero healthy upstreams
		// means the gateway can serve nothing.
		if len(statuses) > 0 && up == 0 {
			checks["gateway"] = fmt.Sprintf("degraded: 0/%d upstreams healthy", len(statuses))
			healthy = false
		} else {
			checks["gateway"] = fmt.Sprintf("ok: %d/%d upstreams healthy", up, len(statuses))
		}
	}

	if h.auditService != nil {
		depth := h.auditService.ChannelDepth()
		capacity := h.auditService.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		// >90% full means the writer is not keeping up.
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		if drops := h.auditService.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	if h.limiterCache != nil {
		checks["rate_limiter"] = fmt.Sprintf("ok: %d keys", h.limiterCache.Size())
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}

// healthHandler is the fallback when no checker is configured.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}
