package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/contextify/contextify/internal/domain/upstream"
)

// UpstreamRegistry implements upstream.Registry with an in-memory map.
// Thread-safe for concurrent access via sync.RWMutex. Returns deep copies
// to prevent external mutation of stored data. List preserves registration
// order so aggregation and diagnostics follow the configuration file.
type UpstreamRegistry struct {
	upstreams map[string]*upstream.Upstream
	order     []string
	mu        sync.RWMutex
}

// NewUpstreamRegistry creates an empty in-memory upstream registry.
func NewUpstreamRegistry() *UpstreamRegistry {
	return &UpstreamRegistry{
		upstreams: make(map[string]*upstream.Upstream),
	}
}

// List returns all registered upstreams as deep copies, in registration
// order.
func (r *UpstreamRegistry) List(ctx context.Context) ([]upstream.Upstream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]upstream.Upstream, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, *copyUpstream(r.upstreams[name]))
	}
	return result, nil
}

// Get returns a single upstream by name as a deep copy.
// Returns upstream.ErrUpstreamNotFound if the upstream does not exist.
func (r *UpstreamRegistry) Get(ctx context.Context, name string) (*upstream.Upstream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.upstreams[name]
	if !ok {
		return nil, upstream.ErrUpstreamNotFound
	}
	return copyUpstream(u), nil
}

// Add registers a new upstream, storing a deep copy.
// Returns upstream.ErrDuplicateUpstreamName if the name is already taken.
func (r *UpstreamRegistry) Add(ctx context.Context, u *upstream.Upstream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.upstreams[u.Name]; exists {
		return upstream.ErrDuplicateUpstreamName
	}
	r.upstreams[u.Name] = copyUpstream(u)
	r.order = append(r.order, u.Name)
	return nil
}

// copyUpstream returns a deep copy of the upstream, including its header
// map.
func copyUpstream(u *upstream.Upstream) *upstream.Upstream {
	cp := *u
	if u.DefaultHeaders != nil {
		cp.DefaultHeaders = maps.Clone(u.DefaultHeaders)
	}
	return &cp
}

var _ upstream.Registry = (*UpstreamRegistry)(nil)
