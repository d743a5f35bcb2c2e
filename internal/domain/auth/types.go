// Package auth contains the domain types and logic for caller
// authentication.
package auth

// Identity is the caller identity resolved from an inbound credential.
// Rate limit scopes and audit records key off these fields.
type Identity struct {
	// TenantID identifies the organization the caller belongs to.
	TenantID string
	// UserID identifies the individual caller within the tenant.
	UserID string
}

// KeyEntry maps one stored API key hash to an identity. Entries are seeded
// from configuration at boot; the raw key never appears anywhere.
type KeyEntry struct {
	// Hash is the stored key hash: "sha256:<hex>" or Argon2id PHC format.
	Hash string
	// TenantID and UserID form the identity this key resolves to.
	TenantID string
	UserID   string
	// Label is a human-readable name for logs and diagnostics.
	Label string
}
