package catalog

import (
	"log/slog"
	"testing"

	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/domain/tool"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestBuilder_NameDerivation(t *testing.T) {
	doc := &policy.Document{SchemaVersion: 1}
	endpoints := []*tool.EndpointDescriptor{
		{OperationID: "GetUser", RouteTemplate: "api/users/{id}", HTTPMethod: "GET"},
		{RouteTemplate: "api/users/{id}/posts", HTTPMethod: "GET"},
		{DisplayName: "LegacyLookup"},
	}

	snap, err := NewBuilder(testLogger()).Build(doc, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("len = %d, want 3", snap.Len())
	}

	for _, want := range []string{"GetUser", "get_api_users_id_posts", "LegacyLookup"} {
		if _, ok := snap.Lookup(want); !ok {
			t.Errorf("tool %q missing from snapshot", want)
		}
	}
}

func TestBuilder_SkipsDisabledAndInvalid(t *testing.T) {
	doc := &policy.Document{
		SchemaVersion: 1,
		DenyByDefault: true,
		Allow:         []policy.Entry{{OperationID: "Visible"}},
	}
	endpoints := []*tool.EndpointDescriptor{
		{OperationID: "Visible"},
		{OperationID: "Hidden"}, // denied by default
		{HTTPMethod: "GET"},     // no identifier
	}

	snap, err := NewBuilder(testLogger()).Build(doc, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Len() != 1 {
		t.Fatalf("len = %d, want 1", snap.Len())
	}
	if _, ok := snap.Lookup("Hidden"); ok {
		t.Error("disabled tool must not be listed")
	}
}

func TestBuilder_CollisionLastWins(t *testing.T) {
	doc := &policy.Document{SchemaVersion: 1}
	endpoints := []*tool.EndpointDescriptor{
		{OperationID: "dup", Description: "first"},
		{OperationID: "dup", Description: "second"},
	}

	snap, err := NewBuilder(testLogger()).Build(doc, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if snap.Len() != 1 {
		t.Fatalf("len = %d, want 1", snap.Len())
	}
	got, _ := snap.Lookup("dup")
	if got.Description != "second" {
		t.Errorf("description = %q, want later descriptor to win", got.Description)
	}
}

func TestBuilder_ChecksumTracksContent(t *testing.T) {
	docA := &policy.Document{SchemaVersion: 1, SourceVersion: "v1"}
	docB := &policy.Document{SchemaVersion: 1, SourceVersion: "v1",
		Allow: []policy.Entry{{OperationID: "GetUser", TimeoutMs: 5000}}}
	endpoints := []*tool.EndpointDescriptor{{OperationID: "GetUser"}}

	b := NewBuilder(testLogger())
	snapA, err := b.Build(docA, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	snapA2, err := b.Build(docA, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	snapB, err := b.Build(docB, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if snapA.Checksum() != snapA2.Checksum() {
		t.Error("identical inputs must produce identical checksums")
	}
	if snapA.Checksum() == snapB.Checksum() {
		t.Error("policy change must change the checksum")
	}
	if len(snapA.Checksum()) != 16 {
		t.Errorf("checksum %q should be 16 hex chars", snapA.Checksum())
	}
}

func TestBuilder_DeterministicOrder(t *testing.T) {
	doc := &policy.Document{SchemaVersion: 1}
	endpoints := []*tool.EndpointDescriptor{
		{OperationID: "c"},
		{OperationID: "a"},
		{OperationID: "b"},
	}

	snap, err := NewBuilder(testLogger()).Build(doc, endpoints)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tools := snap.Tools()
	want := []string{"c", "a", "b"}
	for i, w := range want {
		if tools[i].Name != w {
			t.Errorf("tools[%d] = %s, want %s (insertion order)", i, tools[i].Name, w)
		}
	}
}

func TestRouteSlug(t *testing.T) {
	tests := []struct {
		method, route, want string
	}{
		{"GET", "api/users/{id}", "get_api_users_id"},
		{"POST", "api/orders", "post_api_orders"},
		{"DELETE", "v1/items/{itemId}/tags/{tagId}", "delete_v1_items_itemid_tags_tagid"},
		{"", "health", "health"},
	}
	for _, tt := range tests {
		if got := routeSlug(tt.method, tt.route); got != tt.want {
			t.Errorf("routeSlug(%q, %q) = %q, want %q", tt.method, tt.route, got, tt.want)
		}
	}
}
