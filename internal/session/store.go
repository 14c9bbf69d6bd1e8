// Package session implements the coordinator's durable session store:
// sessions, their append-only event log, and the generic relation graph
// between them. Backed by SQLite, the only external collaborator in the
// ACID single-row/transaction sense the rest of the coordinator relies on.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// EventPublisher receives newly appended events for in-process fan-out to
// streaming subscribers. The store never talks to the network itself.
type EventPublisher interface {
	Publish(event v1.SessionEvent)
}

// Store is the SQLite-backed session store.
type Store struct {
	db        *sql.DB
	publisher EventPublisher
}

// Open opens (creating if necessary) the sqlite-backed store at dbPath.
func Open(dbPath string, publisher EventPublisher) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	// SQLite only supports one writer; serialize through a single conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, publisher: publisher}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session store schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		executor_session_id TEXT,
		executor_type TEXT,
		hostname TEXT,
		project_dir TEXT,
		status TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		parent_session_id TEXT,
		execution_mode TEXT NOT NULL,
		result_text TEXT,
		result_data TEXT,
		created_at DATETIME NOT NULL,
		last_resumed_at DATETIME,
		FOREIGN KEY (parent_session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		payload TEXT DEFAULT '{}',
		run_id TEXT,
		PRIMARY KEY (session_id, sequence),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_relations (
		id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		definition TEXT NOT NULL,
		note TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id, document_id)
	);

	CREATE INDEX IF NOT EXISTS idx_session_relations_document ON session_relations(document_id, definition);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession inserts a new session row with status pending.
func (s *Store) CreateSession(ctx context.Context, sessionID, agentName string, parentSessionID *string, executionMode v1.ExecutionMode) (*v1.Session, error) {
	now := time.Now().UTC()
	sess := &v1.Session{
		SessionID:       sessionID,
		Status:          v1.SessionStatusPending,
		AgentName:       agentName,
		ParentSessionID: parentSessionID,
		ExecutionMode:   executionMode,
		CreatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, agent_name, parent_session_id, execution_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.SessionID, sess.Status, sess.AgentName, sess.ParentSessionID, sess.ExecutionMode, sess.CreatedAt)
	if err != nil {
		return nil, apperrors.InternalError("failed to create session", err)
	}
	return sess, nil
}

// BindExecutor performs the write-once binding of a session's executor
// identity and affinity tuple. The second bind attempt for a session is
// rejected with AlreadyBound.
func (s *Store) BindExecutor(ctx context.Context, sessionID, executorSessionID, executorType, hostname, projectDir string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.InternalError("failed to begin bind transaction", err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT executor_session_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&existing)
	if err == sql.ErrNoRows {
		return apperrors.NotFound("session", sessionID)
	}
	if err != nil {
		return apperrors.InternalError("failed to read session for bind", err)
	}
	if existing.Valid && existing.String != "" {
		return apperrors.AlreadyBound(sessionID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET executor_session_id = ?, executor_type = ?, hostname = ?, project_dir = ?
		WHERE session_id = ?
	`, executorSessionID, executorType, hostname, projectDir, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to bind session", err)
	}

	return tx.Commit()
}

// AppendEvent assigns the next sequence number for the session, writes the
// event, and hands it to the publisher for in-process fan-out.
func (s *Store) AppendEvent(ctx context.Context, sessionID, eventType string, payload map[string]any, runID *string) (*v1.SessionEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to begin append-event transaction", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM session_events WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return nil, apperrors.InternalError("failed to read max sequence", err)
	}
	seq := int64(1)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.ValidationError("payload", "event payload must be JSON-serializable")
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, sequence, event_type, timestamp, payload, run_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, seq, eventType, now, string(payloadJSON), runID)
	if err != nil {
		return nil, apperrors.InternalError("failed to append event", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.InternalError("failed to commit event append", err)
	}

	event := &v1.SessionEvent{
		SessionID: sessionID,
		Sequence:  seq,
		EventType: eventType,
		Timestamp: now,
		Payload:   payload,
		RunID:     runID,
	}
	if s.publisher != nil {
		s.publisher.Publish(*event)
	}
	return event, nil
}

// UpdateSessionStatus performs a single-row status (and optional result)
// update.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status v1.SessionStatus, resultText *string, resultData map[string]any) error {
	var resultDataJSON *string
	if resultData != nil {
		b, err := json.Marshal(resultData)
		if err != nil {
			return apperrors.ValidationError("result_data", "must be JSON-serializable")
		}
		s := string(b)
		resultDataJSON = &s
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, result_text = ?, result_data = ? WHERE session_id = ?
	`, status, resultText, resultDataJSON, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to update session status", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperrors.InternalError("failed to confirm session status update", err)
	}
	if n == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return nil
}

// TouchResumed records a resume attempt's timestamp.
func (s *Store) TouchResumed(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_resumed_at = ?, status = ? WHERE session_id = ?`, now, v1.SessionStatusRunning, sessionID)
	if err != nil {
		return apperrors.InternalError("failed to touch session resume time", err)
	}
	return nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE session_id = ?`, sessionID))
}

const sessionSelectColumns = `
	SELECT session_id, executor_session_id, executor_type, hostname, project_dir, status,
	       agent_name, parent_session_id, execution_mode, result_text, result_data,
	       created_at, last_resumed_at
`

func (s *Store) scanSession(row *sql.Row) (*v1.Session, error) {
	var sess v1.Session
	var executorSessionID, executorType, hostname, projectDir, parentSessionID, resultText, resultData sql.NullString
	var lastResumedAt sql.NullTime

	err := row.Scan(&sess.SessionID, &executorSessionID, &executorType, &hostname, &projectDir, &sess.Status,
		&sess.AgentName, &parentSessionID, &sess.ExecutionMode, &resultText, &resultData,
		&sess.CreatedAt, &lastResumedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", "")
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to scan session", err)
	}

	if executorSessionID.Valid {
		sess.ExecutorSessionID = &executorSessionID.String
	}
	if executorType.Valid {
		sess.ExecutorType = &executorType.String
	}
	if hostname.Valid {
		sess.Hostname = &hostname.String
	}
	if projectDir.Valid {
		sess.ProjectDir = &projectDir.String
	}
	if parentSessionID.Valid {
		sess.ParentSessionID = &parentSessionID.String
	}
	if resultText.Valid {
		sess.ResultText = &resultText.String
	}
	if resultData.Valid && resultData.String != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(resultData.String), &data); err == nil {
			sess.ResultData = data
		}
	}
	if lastResumedAt.Valid {
		sess.LastResumedAt = &lastResumedAt.Time
	}
	return &sess, nil
}

// ListSessionsFilter narrows ListSessions.
type ListSessionsFilter struct {
	ParentSessionID *string
}

// ListSessions returns sessions, optionally filtered by parent.
func (s *Store) ListSessions(ctx context.Context, filter ListSessionsFilter) ([]*v1.Session, error) {
	query := sessionSelectColumns + ` FROM sessions`
	var args []any
	if filter.ParentSessionID != nil {
		query += ` WHERE parent_session_id = ?`
		args = append(args, *filter.ParentSessionID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.InternalError("failed to list sessions", err)
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		sess, err := s.scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) scanSessionRows(rows *sql.Rows) (*v1.Session, error) {
	var sess v1.Session
	var executorSessionID, executorType, hostname, projectDir, parentSessionID, resultText, resultData sql.NullString
	var lastResumedAt sql.NullTime

	err := rows.Scan(&sess.SessionID, &executorSessionID, &executorType, &hostname, &projectDir, &sess.Status,
		&sess.AgentName, &parentSessionID, &sess.ExecutionMode, &resultText, &resultData,
		&sess.CreatedAt, &lastResumedAt)
	if err != nil {
		return nil, apperrors.InternalError("failed to scan session row", err)
	}

	if executorSessionID.Valid {
		sess.ExecutorSessionID = &executorSessionID.String
	}
	if executorType.Valid {
		sess.ExecutorType = &executorType.String
	}
	if hostname.Valid {
		sess.Hostname = &hostname.String
	}
	if projectDir.Valid {
		sess.ProjectDir = &projectDir.String
	}
	if parentSessionID.Valid {
		sess.ParentSessionID = &parentSessionID.String
	}
	if resultText.Valid {
		sess.ResultText = &resultText.String
	}
	if resultData.Valid && resultData.String != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(resultData.String), &data); err == nil {
			sess.ResultData = data
		}
	}
	if lastResumedAt.Valid {
		sess.LastResumedAt = &lastResumedAt.Time
	}
	return &sess, nil
}

// GetChildren returns the direct children of a session via parent_session_id.
func (s *Store) GetChildren(ctx context.Context, sessionID string) ([]*v1.Session, error) {
	return s.ListSessions(ctx, ListSessionsFilter{ParentSessionID: &sessionID})
}

// GetEvents returns the append-only event log for a session in sequence order.
func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]v1.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, event_type, timestamp, payload, run_id
		FROM session_events WHERE session_id = ? ORDER BY sequence ASC
	`, sessionID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list session events", err)
	}
	defer rows.Close()

	var out []v1.SessionEvent
	for rows.Next() {
		var ev v1.SessionEvent
		var payload string
		var runID sql.NullString
		if err := rows.Scan(&ev.SessionID, &ev.Sequence, &ev.EventType, &ev.Timestamp, &payload, &runID); err != nil {
			return nil, apperrors.InternalError("failed to scan session event", err)
		}
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
		if runID.Valid {
			ev.RunID = &runID.String
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CascadeDelete recursively deletes a session's parent-child subtree.
// Non-parent-child relations referencing any deleted session are removed,
// but the peer documents on the other end of those relations survive.
func (s *Store) CascadeDelete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.InternalError("failed to begin cascade-delete transaction", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return apperrors.NotFound("session", sessionID)
		}
		return apperrors.InternalError("failed to check session existence", err)
	}

	ids, err := collectSubtree(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_relations WHERE document_id = ? OR peer_id = ?`, id, id); err != nil {
			return apperrors.InternalError("failed to delete relations for session", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, id); err != nil {
			return apperrors.InternalError("failed to delete events for session", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return apperrors.InternalError("failed to delete session", err)
		}
	}

	return tx.Commit()
}

func collectSubtree(ctx context.Context, tx *sql.Tx, rootID string) ([]string, error) {
	ids := []string{rootID}
	frontier := []string{rootID}

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := tx.QueryContext(ctx, `SELECT session_id FROM sessions WHERE parent_session_id = ?`, id)
			if err != nil {
				return nil, apperrors.InternalError("failed to walk session subtree", err)
			}
			for rows.Next() {
				var childID string
				if err := rows.Scan(&childID); err != nil {
					rows.Close()
					return nil, apperrors.InternalError("failed to scan subtree row", err)
				}
				next = append(next, childID)
			}
			rows.Close()
		}
		ids = append(ids, next...)
		frontier = next
	}
	return ids, nil
}
