package audit

import (
	"context"
)

// Store persists audit records.
// Interface owned by domain per hexagonal architecture. The service layer
// handles batching and async writes; stores only need to persist what they
// are handed.
type Store interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
