package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Note kinds.
const (
	NoteCheckpoint = "checkpoint"
	NoteSystem     = "system"
)

// Note is an engine or agent annotation on a workflow. Checkpoint notes
// are written by request_extension.
type Note struct {
	ID         string
	WorkflowID string
	SessionID  string
	Kind       string
	Content    string
	CreatedAt  time.Time
}

// KnowledgeItem is one injected knowledge reference. Content is never
// recorded, only the reference and its similarity score.
type KnowledgeItem struct {
	Ref        string  `json:"ref"`
	Similarity float64 `json:"similarity"`
}

// KnowledgeEvent records a knowledge injection into a turn's prompt.
type KnowledgeEvent struct {
	ID         string
	WorkflowID string
	SessionID  string
	TurnID     string
	AgentRole  string
	Stage      string
	Items      []KnowledgeItem
	CreatedAt  time.Time
}

// CreateNote inserts a note.
func (s *Store) CreateNote(ctx context.Context, n *Note) error {
	if n.ID == "" {
		n.ID = NewID("note")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now()
	}
	_, err := s.exec(ctx, `INSERT INTO notes
		(id, workflow_id, session_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.WorkflowID, n.SessionID, n.Kind, n.Content, encodeTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create note: %w", err)
	}
	return nil
}

// ListNotesByWorkflow returns a workflow's notes in creation order.
func (s *Store) ListNotesByWorkflow(ctx context.Context, workflowID string) ([]*Note, error) {
	rows, err := s.query(ctx, `SELECT id, workflow_id, session_id, kind, content, created_at
		FROM notes WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list notes: %w", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		var (
			n       Note
			created string
		)
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.SessionID, &n.Kind,
			&n.Content, &created); err != nil {
			return nil, fmt.Errorf("store: scan note: %w", err)
		}
		n.CreatedAt = decodeTime(created)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// CreateKnowledgeEvent records a knowledge injection.
func (s *Store) CreateKnowledgeEvent(ctx context.Context, e *KnowledgeEvent) error {
	if e.ID == "" {
		e.ID = NewID("ke")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	items, err := json.Marshal(e.Items)
	if err != nil {
		return fmt.Errorf("store: marshal knowledge items: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO knowledge_events
		(id, workflow_id, session_id, turn_id, agent_role, stage, items, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.SessionID, e.TurnID, e.AgentRole, e.Stage,
		string(items), encodeTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create knowledge event: %w", err)
	}
	return nil
}

// AddProjectCommand persists a command fingerprint to the project-wide
// shell allowlist. Duplicate inserts are no-ops.
func (s *Store) AddProjectCommand(ctx context.Context, fingerprint string) error {
	existing, err := s.ListProjectCommands(ctx)
	if err != nil {
		return err
	}
	for _, fp := range existing {
		if fp == fingerprint {
			return nil
		}
	}
	_, err = s.exec(ctx, `INSERT INTO project_commands (fingerprint, created_at)
		VALUES (?, ?)`, fingerprint, encodeTime(now()))
	if err != nil {
		return fmt.Errorf("store: add project command: %w", err)
	}
	return nil
}

// ListProjectCommands returns the persisted project-wide allowlist.
func (s *Store) ListProjectCommands(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT fingerprint FROM project_commands ORDER BY fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("store: list project commands: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("store: scan project command: %w", err)
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}
