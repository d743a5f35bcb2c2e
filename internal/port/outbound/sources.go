// Package outbound defines the outbound port interfaces for policy and
// endpoint sources, backend execution, and upstream MCP servers.
package outbound

import (
	"context"

	"github.com/contextify/contextify/internal/domain/tool"
)

// PolicySource loads the raw policy document. Version is an opaque change
// token (file mtime+size, content hash, or similar); the catalog service
// skips rebuilds while it is unchanged.
type PolicySource interface {
	// Load returns the raw document bytes and the current version token.
	Load(ctx context.Context) (raw []byte, version string, err error)

	// Version returns the current change token without reading the
	// document. Used by the freshness check on the hot path.
	Version(ctx context.Context) (string, error)
}

// EndpointSource loads the backend endpoint descriptors the catalog is
// built from.
type EndpointSource interface {
	// Load returns all endpoint descriptors and the current version token.
	Load(ctx context.Context) (endpoints []*tool.EndpointDescriptor, version string, err error)

	// Version returns the current change token without reading the
	// descriptors.
	Version(ctx context.Context) (string, error)
}
