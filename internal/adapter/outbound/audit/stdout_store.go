package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/contextify/contextify/internal/domain/audit"
)

// StdoutStore writes audit records as JSON lines to a stream, stdout by
// default. The stdio transport owns stdout for the protocol, so callers in
// that mode hand it stderr instead.
type StdoutStore struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStdoutStore creates a stream store. A nil writer means os.Stdout.
func NewStdoutStore(w io.Writer) *StdoutStore {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutStore{w: bufio.NewWriter(w)}
}

// Append implements audit.Store.
func (s *StdoutStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
	}
	return nil
}

// Flush implements audit.Store.
func (s *StdoutStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Close flushes buffered records. The underlying stream is not closed; it
// belongs to the process.
func (s *StdoutStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

var _ audit.Store = (*StdoutStore)(nil)
