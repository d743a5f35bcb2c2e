// Package catalog turns endpoint descriptors plus a policy document into
// immutable, content-addressed tool catalog snapshots.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/domain/tool"
)

// Tool is one published catalog entry: the canonical name, the metadata
// surfaced by tools/list, the backing endpoint, and the resolved policy.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Endpoint    *tool.EndpointDescriptor
	Policy      policy.Effective
}

// Snapshot is an immutable catalog. Once built it is only ever replaced,
// never mutated, so readers need no locks.
type Snapshot struct {
	createdUTC          time.Time
	policySourceVersion string
	checksum            string
	tools               map[string]*Tool
	order               []string
}

// CreatedUTC is the build time of the snapshot.
func (s *Snapshot) CreatedUTC() time.Time { return s.createdUTC }

// PolicySourceVersion is the change token of the policy document the
// snapshot was built from.
func (s *Snapshot) PolicySourceVersion() string { return s.policySourceVersion }

// Checksum is the content address of the snapshot: a 64-bit xxhash over the
// sorted tool names, their policy fingerprints, and the source version.
func (s *Snapshot) Checksum() string { return s.checksum }

// Len returns the number of published tools.
func (s *Snapshot) Len() int { return len(s.order) }

// Lookup finds a tool by its canonical name.
func (s *Snapshot) Lookup(name string) (*Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Tools lists the catalog in deterministic insertion order.
func (s *Snapshot) Tools() []*Tool {
	out := make([]*Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

func computeChecksum(tools map[string]*Tool, sourceVersion string) string {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	h := xxhash.New()
	for _, name := range names {
		_, _ = h.WriteString(name)
		_, _ = h.Write([]byte{0})
		fp := tools[name].Policy.Fingerprint()
		_, _ = h.WriteString(fp)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.WriteString(sourceVersion)
	return fmt.Sprintf("%016x", h.Sum64())
}
