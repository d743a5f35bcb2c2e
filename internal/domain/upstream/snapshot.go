package upstream

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Snapshot is the immutable gateway catalog: every route the aggregation
// pass produced plus the status of each upstream, healthy or not. Partial
// availability is the normal case; failed upstreams contribute statuses but
// no routes.
type Snapshot struct {
	createdUTC time.Time
	checksum   string
	routes     map[string]*ToolRoute
	order      []string
	statuses   []Status
}

// NewSnapshot assembles a snapshot from the aggregation results. Routes
// keep insertion order for deterministic listing; statuses are sorted by
// upstream name so fan-out completion order does not leak into checksums.
func NewSnapshot(routes []*ToolRoute, statuses []Status) *Snapshot {
	sorted := make([]Status, len(statuses))
	copy(sorted, statuses)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	s := &Snapshot{
		createdUTC: time.Now().UTC(),
		routes:     make(map[string]*ToolRoute, len(routes)),
		statuses:   sorted,
	}
	for _, r := range routes {
		if _, exists := s.routes[r.ExternalName]; !exists {
			s.order = append(s.order, r.ExternalName)
		}
		s.routes[r.ExternalName] = r
	}
	s.checksum = s.computeChecksum()
	return s
}

// CreatedUTC is the aggregation time.
func (s *Snapshot) CreatedUTC() time.Time { return s.createdUTC }

// Checksum content-addresses the snapshot: route names, their upstream
// bindings, and upstream health all participate.
func (s *Snapshot) Checksum() string { return s.checksum }

// Len returns the number of published routes.
func (s *Snapshot) Len() int { return len(s.order) }

// Lookup resolves an external tool name to its route.
func (s *Snapshot) Lookup(externalName string) (*ToolRoute, bool) {
	r, ok := s.routes[externalName]
	return r, ok
}

// Routes lists routes in deterministic insertion order.
func (s *Snapshot) Routes() []*ToolRoute {
	out := make([]*ToolRoute, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.routes[name])
	}
	return out
}

// Statuses returns the per-upstream health observed during aggregation.
func (s *Snapshot) Statuses() []Status {
	out := make([]Status, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func (s *Snapshot) computeChecksum() string {
	names := make([]string, len(s.order))
	copy(names, s.order)
	sort.Strings(names)

	h := xxhash.New()
	for _, name := range names {
		r := s.routes[name]
		_, _ = h.WriteString(name)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(r.UpstreamName)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(r.UpstreamToolName)
		_, _ = h.Write([]byte{0})
	}
	for _, st := range s.statuses {
		fmt.Fprintf(h, "%s=%t;", st.Name, st.Healthy)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
