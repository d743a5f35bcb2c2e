package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// modernc.org/sqlite is a pure Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/contextify/contextify/internal/domain/audit"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	tenant_id TEXT,
	user_id TEXT,
	tool_name TEXT NOT NULL,
	phase TEXT NOT NULL,
	outcome TEXT,
	error_code TEXT,
	duration_ms INTEGER,
	transport TEXT,
	upstream TEXT,
	arguments TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_records_correlation ON audit_records(correlation_id);
`

// SQLiteStore implements audit.Store on a SQLite database. Batching happens
// upstream in the audit service; each Append runs as one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// prepares the schema. WAL mode and a busy timeout keep concurrent readers
// workable; writes are funneled through a single connection.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements audit.Store. The batch is inserted in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO audit_records (
		timestamp, correlation_id, tenant_id, user_id, tool_name,
		phase, outcome, error_code, duration_ms, transport, upstream, arguments
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		argsJSON := ""
		if len(rec.Arguments) > 0 {
			b, err := json.Marshal(rec.Arguments)
			if err != nil {
				return fmt.Errorf("marshal audit arguments: %w", err)
			}
			argsJSON = string(b)
		}

		if _, err := stmt.ExecContext(ctx,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.CorrelationID,
			rec.TenantID,
			rec.UserID,
			rec.ToolName,
			rec.Phase,
			rec.Outcome,
			rec.ErrorCode,
			rec.DurationMs,
			rec.Transport,
			rec.Upstream,
			argsJSON,
		); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// Flush implements audit.Store. Every Append commits, so there is nothing
// pending.
func (s *SQLiteStore) Flush(_ context.Context) error { return nil }

// Close implements audit.Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Recent returns the last n records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]audit.Record, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT timestamp, correlation_id, tenant_id, user_id, tool_name,
	       phase, outcome, error_code, duration_ms, transport, upstream, arguments
	FROM audit_records ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []audit.Record
	for rows.Next() {
		var rec audit.Record
		var ts, argsJSON string
		if err := rows.Scan(&ts, &rec.CorrelationID, &rec.TenantID, &rec.UserID,
			&rec.ToolName, &rec.Phase, &rec.Outcome, &rec.ErrorCode,
			&rec.DurationMs, &rec.Transport, &rec.Upstream, &argsJSON); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if argsJSON != "" {
			_ = json.Unmarshal([]byte(argsJSON), &rec.Arguments)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

var _ audit.Store = (*SQLiteStore)(nil)
