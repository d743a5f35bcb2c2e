package upstream

import (
	"context"
	"errors"
)

// Sentinel errors for registry operations.
var (
	// ErrUpstreamNotFound is returned when no upstream has the given name.
	ErrUpstreamNotFound = errors.New("upstream not found")
	// ErrDuplicateUpstreamName is returned when a name is already taken.
	ErrDuplicateUpstreamName = errors.New("duplicate upstream name")
)

// Aggregation safety caps. A misbehaving upstream advertising enormous tool
// lists is truncated rather than allowed to exhaust memory.
const (
	// MaxToolsPerUpstream bounds one upstream's contribution to a snapshot.
	MaxToolsPerUpstream = 1000

	// MaxTotalTools bounds the whole gateway snapshot.
	MaxTotalTools = 10000
)

// Registry provides access to configured upstreams. This is a port in the
// hexagonal architecture; the memory adapter implements it and configuration
// seeds it at boot.
type Registry interface {
	// List returns all registered upstreams.
	List(ctx context.Context) ([]Upstream, error)
	// Get returns a single upstream by name.
	// Returns ErrUpstreamNotFound if no upstream has that name.
	Get(ctx context.Context, name string) (*Upstream, error)
	// Add registers a new upstream.
	// Returns ErrDuplicateUpstreamName if the name is taken.
	Add(ctx context.Context, upstream *Upstream) error
}
