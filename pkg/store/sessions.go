package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionError     = "error"
)

// Turn statuses.
const (
	TurnStreaming = "streaming"
	TurnCompleted = "completed"
	TurnErrored   = "errored"
	TurnCancelled = "cancelled"
)

// Session is an append-only container of turns. A new session is
// created per stage transition and per preflight or review sub-agent.
type Session struct {
	ID         string
	WorkflowID string
	AgentRole  string
	Status     string
	CreatedAt  time.Time
}

// Turn records one conversational exchange within a session. Indices
// are contiguous and strictly increasing per session.
type Turn struct {
	ID               string
	SessionID        string
	Index            int
	Role             string
	Status           string
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int
	Cost             float64
	ParentTurnID     string
	CreatedAt        time.Time
	CompletedAt      time.Time
}

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID("sess")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now()
	}
	_, err := s.exec(ctx, `INSERT INTO sessions
		(id, workflow_id, agent_role, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkflowID, sess.AgentRole, sess.Status, encodeTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.queryRow(ctx, `SELECT id, workflow_id, agent_role, status, created_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// UpdateSessionStatus transitions a session's status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.exec(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", id, err)
	}
	return requireAffected(res)
}

// ListSessionsByWorkflow returns a workflow's sessions in creation order.
func (s *Store) ListSessionsByWorkflow(ctx context.Context, workflowID string) ([]*Session, error) {
	rows, err := s.query(ctx, `SELECT id, workflow_id, agent_role, status, created_at
		FROM sessions WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkActiveSessionsError flips every active session to error and
// returns the affected ids. Used during crash recovery.
func (s *Store) MarkActiveSessionsError(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT id FROM sessions WHERE status = ?`, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("store: find active sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.exec(ctx, `UPDATE sessions SET status = ? WHERE status = ?`,
		SessionError, SessionActive); err != nil {
		return nil, fmt.Errorf("store: mark sessions errored: %w", err)
	}
	return ids, nil
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		sess    Session
		created string
	)
	err := r.Scan(&sess.ID, &sess.WorkflowID, &sess.AgentRole, &sess.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	sess.CreatedAt = decodeTime(created)
	return &sess, nil
}

// CreateTurn inserts a turn. The caller assigns the index; NextTurnIndex
// provides the next free one.
func (s *Store) CreateTurn(ctx context.Context, t *Turn) error {
	if t.ID == "" {
		t.ID = NewID("turn")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	_, err := s.exec(ctx, `INSERT INTO turns
		(id, session_id, turn_index, role, status, model_id,
		 prompt_tokens, completion_tokens, cache_read_tokens, cache_write_tokens,
		 cost, parent_turn_id, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Index, t.Role, t.Status, t.ModelID,
		t.PromptTokens, t.CompletionTokens, t.CacheReadTokens, t.CacheWriteTokens,
		t.Cost, t.ParentTurnID, encodeTime(t.CreatedAt), encodeTimeOrEmpty(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("store: create turn: %w", err)
	}
	return nil
}

// UpdateTurn persists a turn's mutable fields.
func (s *Store) UpdateTurn(ctx context.Context, t *Turn) error {
	res, err := s.exec(ctx, `UPDATE turns SET
		status = ?, model_id = ?, prompt_tokens = ?, completion_tokens = ?,
		cache_read_tokens = ?, cache_write_tokens = ?, cost = ?, completed_at = ?
		WHERE id = ?`,
		t.Status, t.ModelID, t.PromptTokens, t.CompletionTokens,
		t.CacheReadTokens, t.CacheWriteTokens, t.Cost, encodeTimeOrEmpty(t.CompletedAt),
		t.ID)
	if err != nil {
		return fmt.Errorf("store: update turn %s: %w", t.ID, err)
	}
	return requireAffected(res)
}

// GetTurn loads a turn by id.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	row := s.queryRow(ctx, `SELECT id, session_id, turn_index, role, status, model_id,
		prompt_tokens, completion_tokens, cache_read_tokens, cache_write_tokens,
		cost, parent_turn_id, created_at, completed_at
		FROM turns WHERE id = ?`, id)
	return scanTurn(row)
}

// ListTurnsBySession returns a session's turns in index order.
func (s *Store) ListTurnsBySession(ctx context.Context, sessionID string) ([]*Turn, error) {
	rows, err := s.query(ctx, `SELECT id, session_id, turn_index, role, status, model_id,
		prompt_tokens, completion_tokens, cache_read_tokens, cache_write_tokens,
		cost, parent_turn_id, created_at, completed_at
		FROM turns WHERE session_id = ? ORDER BY turn_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list turns: %w", err)
	}
	defer rows.Close()

	var out []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextTurnIndex returns the next free index for a session.
func (s *Store) NextTurnIndex(ctx context.Context, sessionID string) (int, error) {
	var max sql.NullInt64
	err := s.queryRow(ctx, `SELECT MAX(turn_index) FROM turns WHERE session_id = ?`,
		sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: next turn index: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// MarkStreamingTurnsErrored flips turns stuck in streaming to errored.
// Used during crash recovery.
func (s *Store) MarkStreamingTurnsErrored(ctx context.Context) error {
	if _, err := s.exec(ctx, `UPDATE turns SET status = ?, completed_at = ?
		WHERE status = ?`, TurnErrored, encodeTime(now()), TurnStreaming); err != nil {
		return fmt.Errorf("store: mark streaming turns errored: %w", err)
	}
	return nil
}

func scanTurn(r rowScanner) (*Turn, error) {
	var (
		t                  Turn
		created, completed string
	)
	err := r.Scan(&t.ID, &t.SessionID, &t.Index, &t.Role, &t.Status, &t.ModelID,
		&t.PromptTokens, &t.CompletionTokens, &t.CacheReadTokens, &t.CacheWriteTokens,
		&t.Cost, &t.ParentTurnID, &created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan turn: %w", err)
	}
	t.CreatedAt = decodeTime(created)
	t.CompletedAt = decodeTime(completed)
	return &t, nil
}

func encodeTimeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return encodeTime(t)
}
