// Package calllog provides a persistent audit trail of remote MCP tool
// invocations. Records are append-only and indexed by timestamp and
// server for "what did the agent run" forensics.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// maxDetailBytes caps how much of a tool result is persisted per record.
const maxDetailBytes = 4096

// Record represents a single remote tool invocation.
type Record struct {
	ID        string
	Timestamp time.Time
	Server    string
	Tool      string // remote tool name
	LocalName string // namespaced name the agent used
	Duration  time.Duration
	IsError   bool
	Detail    string // truncated result or error text
}

// Summary holds aggregated invocation counts.
type Summary struct {
	TotalCalls  int
	TotalErrors int
}

// Store is an append-only SQLite store for tool invocation records.
// All public methods are safe for concurrent use (SQLite serializes
// writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a call log at the given database path. The schema is
// created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		local_name  TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		is_error    INTEGER NOT NULL,
		detail      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an invocation record. If rec.ID is empty, a UUIDv7 is
// generated. Detail longer than maxDetailBytes is truncated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if len(rec.Detail) > maxDetailBytes {
		rec.Detail = rec.Detail[:maxDetailBytes]
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, server, tool, local_name, duration_ms, is_error, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Server,
		rec.Tool,
		rec.LocalName,
		rec.Duration.Milliseconds(),
		boolToInt(rec.IsError),
		rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns the most recent records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, tool, local_name, duration_ms, is_error, detail
		 FROM tool_calls ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		var durMS int64
		var isErr int
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &rec.Tool, &rec.LocalName, &durMS, &isErr, &rec.Detail); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Duration = time.Duration(durMS) * time.Millisecond
		rec.IsError = isErr != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates call counts for one server, or all servers when
// server is empty.
func (s *Store) Summary(ctx context.Context, server string) (Summary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(is_error), 0) FROM tool_calls`
	args := []any{}
	if server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}

	var sum Summary
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&sum.TotalCalls, &sum.TotalErrors); err != nil {
		return Summary{}, fmt.Errorf("summarize call records: %w", err)
	}
	return sum, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
