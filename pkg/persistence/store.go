// Package persistence stores the session record, transcript, tool calls, and
// permission decisions in a project-local SQLite database.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"tandem/pkg/logx"
)

// CurrentSchemaVersion is bumped whenever the schema changes.
const CurrentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	task        TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	final_state TEXT,
	summary     TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	tool_id    TEXT,
	tool_name  TEXT NOT NULL,
	input_json TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS permission_decisions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	request_id TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	allowed    INTEGER NOT NULL,
	comment    TEXT,
	latency_ms INTEGER,
	created_at TIMESTAMP NOT NULL
);
`

// request is one queued write. Writes are fire-and-forget; failures are
// logged, not surfaced to the hot path.
type request struct {
	query string
	args  []any
	done  chan struct{}
}

// Store owns the database connection and a single writer goroutine.
type Store struct {
	db        *sql.DB
	sessionID string
	logger    *logx.Logger

	requests   chan request
	workerDone chan struct{}
}

// Open creates or opens the database at dbPath, ensures the schema, registers
// the session, and starts the write worker.
func Open(dbPath, sessionID, task string, logger *logx.Logger) (*Store, error) {
	if logger == nil {
		logger = logx.NewLogger("persistence")
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:         db,
		sessionID:  sessionID,
		logger:     logger,
		requests:   make(chan request, 256),
		workerDone: make(chan struct{}),
	}

	if _, err := db.Exec(
		`INSERT OR IGNORE INTO sessions (id, task, started_at) VALUES (?, ?, ?)`,
		sessionID, task, time.Now().UTC(),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to register session: %w", err)
	}

	go s.worker()
	s.logger.Info("📦 Database initialized: %s (session: %s)", dbPath, sessionID)
	return s, nil
}

func ensureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version > CurrentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}
	return nil
}

// worker drains the write queue until Close.
func (s *Store) worker() {
	defer close(s.workerDone)
	for req := range s.requests {
		if req.query != "" {
			if _, err := s.db.Exec(req.query, req.args...); err != nil {
				s.logger.Error("❌ Persistence write failed: %v", err)
			}
		}
		if req.done != nil {
			close(req.done)
		}
	}
}

func (s *Store) enqueue(query string, args ...any) {
	s.requests <- request{query: query, args: args}
}

// RecordMessage stores one transcript message.
func (s *Store) RecordMessage(role, content string) {
	s.enqueue(
		`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		s.sessionID, role, content, time.Now().UTC(),
	)
}

// RecordToolCall stores one tool invocation.
func (s *Store) RecordToolCall(role, toolID, toolName string, input map[string]any) {
	var inputJSON string
	if input != nil {
		if data, err := json.Marshal(input); err == nil {
			inputJSON = string(data)
		}
	}
	s.enqueue(
		`INSERT INTO tool_calls (session_id, role, tool_id, tool_name, input_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.sessionID, role, toolID, toolName, inputJSON, time.Now().UTC(),
	)
}

// RecordPermission stores one permission decision.
func (s *Store) RecordPermission(requestID, toolName string, allowed bool, comment string, latency time.Duration) {
	s.enqueue(
		`INSERT INTO permission_decisions (session_id, request_id, tool_name, allowed, comment, latency_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.sessionID, requestID, toolName, allowed, comment, latency.Milliseconds(), time.Now().UTC(),
	)
}

// Flush blocks until every previously enqueued write has been applied.
func (s *Store) Flush() {
	done := make(chan struct{})
	s.requests <- request{done: done}
	<-done
}

// FinishSession marks the session row with its terminal state. This write is
// synchronous so it lands before shutdown.
func (s *Store) FinishSession(finalState, summary string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET finished_at = ?, final_state = ?, summary = ? WHERE id = ?`,
		time.Now().UTC(), finalState, summary, s.sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	close(s.requests)
	<-s.workerDone
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// MessageRow is one stored transcript message.
type MessageRow struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Messages returns the session transcript in insertion order.
func (s *Store) Messages() ([]MessageRow, error) {
	rows, err := s.db.Query(
		`SELECT role, content, created_at FROM messages WHERE session_id = ? ORDER BY id`,
		s.sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		if err := rows.Scan(&row.Role, &row.Content, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// DecisionRow is one stored permission decision.
type DecisionRow struct {
	RequestID string
	ToolName  string
	Allowed   bool
	Comment   string
	LatencyMS int64
}

// PermissionDecisions returns the session's permission decisions in order.
func (s *Store) PermissionDecisions() ([]DecisionRow, error) {
	rows, err := s.db.Query(
		`SELECT request_id, tool_name, allowed, comment, latency_ms FROM permission_decisions WHERE session_id = ? ORDER BY id`,
		s.sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query permission decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRow
	for rows.Next() {
		var row DecisionRow
		if err := rows.Scan(&row.RequestID, &row.ToolName, &row.Allowed, &row.Comment, &row.LatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan permission decision: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permission decisions: %w", err)
	}
	return out, nil
}

// SessionRecord is the stored session row.
type SessionRecord struct {
	ID         string
	Task       string
	FinalState string
	Summary    string
	Finished   bool
}

// Session returns the session row.
func (s *Store) Session() (*SessionRecord, error) {
	var rec SessionRecord
	var finished sql.NullTime
	var finalState, summary sql.NullString
	err := s.db.QueryRow(
		`SELECT id, task, finished_at, final_state, summary FROM sessions WHERE id = ?`,
		s.sessionID,
	).Scan(&rec.ID, &rec.Task, &finished, &finalState, &summary)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	rec.Finished = finished.Valid
	rec.FinalState = finalState.String
	rec.Summary = summary.String
	return &rec, nil
}
