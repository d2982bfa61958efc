// Package audit persists a local trail of session lifecycle and tool-call
// activity to SQLite. The store is optional everywhere it is accepted; a nil
// *Store disables auditing.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store writes audit rows to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      TEXT NOT NULL,
			ended_at        TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			call_id         TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			tool_name       TEXT NOT NULL,
			succeeded       INTEGER NOT NULL,
			detail          TEXT NOT NULL DEFAULT '',
			duration_ms     INTEGER NOT NULL,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation
			ON tool_calls(conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session statuses recorded by the dispatcher.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
	SessionFailed = "failed"
)

// SessionRecord is one conversation's lifecycle row. SessionID identifies the
// incarnation; a restarted conversation keeps its row but gets a fresh ID.
type SessionRecord struct {
	ConversationID string
	SessionID      string
	AgentID        string
	Status         string
	StartedAt      time.Time
	EndedAt        *time.Time
}

// ToolCallRecord is one tool invocation row.
type ToolCallRecord struct {
	ConversationID string
	AgentID        string
	CallID         string
	ToolName       string
	Succeeded      bool
	Detail         string
	Duration       time.Duration
	CreatedAt      time.Time
}

// RecordSessionStart inserts (or resets) the session row for a conversation.
func (s *Store) RecordSessionStart(ctx context.Context, sessionID, conversationID, agentID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, session_id, agent_id, status, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, NULL)
		ON CONFLICT(conversation_id) DO UPDATE
			SET session_id = excluded.session_id,
			    agent_id = excluded.agent_id,
			    status = excluded.status,
			    started_at = excluded.started_at,
			    ended_at = NULL`,
		conversationID, sessionID, agentID, SessionActive, now.Format(time.RFC3339Nano),
	)
	return err
}

// RecordSessionEnd marks a session as ended or failed.
func (s *Store) RecordSessionEnd(ctx context.Context, conversationID, status string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET status = ?, ended_at = ? WHERE conversation_id = ?",
		status, now.Format(time.RFC3339Nano), conversationID,
	)
	return err
}

// RecordToolCall inserts one tool invocation row.
func (s *Store) RecordToolCall(ctx context.Context, rec ToolCallRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	succeeded := 0
	if rec.Succeeded {
		succeeded = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls
			(call_id, conversation_id, agent_id, tool_name, succeeded, detail, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.ConversationID, rec.AgentID, rec.ToolName,
		succeeded, rec.Detail, rec.Duration.Milliseconds(), created.Format(time.RFC3339Nano),
	)
	return err
}

// Session returns the lifecycle row for a conversation.
func (s *Store) Session(ctx context.Context, conversationID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT conversation_id, session_id, agent_id, status, started_at, ended_at FROM sessions WHERE conversation_id = ?",
		conversationID,
	)

	var rec SessionRecord
	var started string
	var ended sql.NullString
	if err := row.Scan(&rec.ConversationID, &rec.SessionID, &rec.AgentID, &rec.Status, &started, &ended); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = t
	if ended.Valid {
		et, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &et
	}
	return &rec, nil
}

// ToolCalls returns the most recent tool calls for a conversation, newest
// first.
func (s *Store) ToolCalls(ctx context.Context, conversationID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, conversation_id, agent_id, tool_name, succeeded, detail, duration_ms, created_at
		FROM tool_calls
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var succeeded int
		var durationMS int64
		var created string
		if err := rows.Scan(&rec.CallID, &rec.ConversationID, &rec.AgentID, &rec.ToolName,
			&succeeded, &rec.Detail, &durationMS, &created); err != nil {
			return nil, err
		}
		rec.Succeeded = succeeded == 1
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
