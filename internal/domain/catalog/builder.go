package catalog

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/domain/tool"
)

// Builder resolves policy for every endpoint descriptor and assembles a
// snapshot from the enabled ones.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a Builder. A nil logger falls back to slog.Default().
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build produces an immutable snapshot. Descriptors without identifiers and
// disabled tools are skipped; a name collision keeps the later descriptor
// and logs a warning.
func (b *Builder) Build(doc *policy.Document, endpoints []*tool.EndpointDescriptor) (*Snapshot, error) {
	if doc == nil {
		return nil, errors.New("policy document is nil")
	}

	snap := &Snapshot{
		createdUTC:          time.Now().UTC(),
		policySourceVersion: doc.SourceVersion,
		tools:               make(map[string]*Tool, len(endpoints)),
	}

	for _, ep := range endpoints {
		eff, err := policy.Resolve(doc, ep)
		if err != nil {
			b.logger.Warn("skipping endpoint descriptor",
				"error", err,
				"method", ep.HTTPMethod,
			)
			continue
		}
		if !eff.Enabled {
			continue
		}

		name := CanonicalToolName(ep)
		if name == "" {
			b.logger.Warn("endpoint descriptor produced empty tool name", "identity", ep.Identity())
			continue
		}

		if _, exists := snap.tools[name]; exists {
			b.logger.Warn("tool name collision, keeping later descriptor",
				"tool", name,
				"identity", ep.Identity(),
			)
		} else {
			snap.order = append(snap.order, name)
		}
		snap.tools[name] = &Tool{
			Name:        name,
			Description: ep.Description,
			InputSchema: ep.InputSchema,
			Endpoint:    ep,
			Policy:      eff,
		}
	}

	snap.checksum = computeChecksum(snap.tools, doc.SourceVersion)
	return snap, nil
}

// CanonicalToolName derives the published name for a descriptor: the
// operationId when present, else a slug of method and route, else the
// display name.
func CanonicalToolName(ep *tool.EndpointDescriptor) string {
	switch {
	case ep.OperationID != "":
		return ep.OperationID
	case ep.RouteTemplate != "":
		return routeSlug(ep.HTTPMethod, ep.RouteTemplate)
	default:
		return ep.DisplayName
	}
}

// routeSlug maps "GET api/users/{id}" to "get_api_users_id": slashes become
// underscores, template braces disappear, anything else outside the tool
// name charset is dropped.
func routeSlug(method, route string) string {
	var b strings.Builder
	b.Grow(len(method) + len(route) + 1)
	b.WriteString(strings.ToLower(method))
	b.WriteByte('_')
	for _, r := range strings.ToLower(route) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == '/':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
