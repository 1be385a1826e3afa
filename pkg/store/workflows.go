package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Workflow statuses.
const (
	WorkflowBacklog     = "backlog"
	WorkflowScoping     = "scoping"
	WorkflowResearching = "researching"
	WorkflowPlanning    = "planning"
	WorkflowInProgress  = "in_progress"
	WorkflowReview      = "review"
	WorkflowDone        = "done"
)

// Workflow is the root orchestration record. It is mutated only by the
// workflow's scheduler.
type Workflow struct {
	ID                  string
	Title               string
	Description         string
	Priority            string
	Status              string
	AwaitingApproval    bool
	PendingArtifactType string
	SkippedStages       []string
	CurrentSessionID    string
	BaseBranch          string
	Archived            bool
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CreateWorkflow inserts a new workflow. Missing id and timestamps are
// filled in.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == "" {
		w.ID = NewID("wf")
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now()
	}
	w.UpdatedAt = w.CreatedAt

	skipped, err := json.Marshal(stringsOrEmpty(w.SkippedStages))
	if err != nil {
		return fmt.Errorf("store: marshal skipped stages: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO workflows
		(id, title, description, priority, status, awaiting_approval,
		 pending_artifact_type, skipped_stages, current_session_id,
		 base_branch, archived, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, w.Description, w.Priority, w.Status,
		boolToInt(w.AwaitingApproval), w.PendingArtifactType, string(skipped),
		w.CurrentSessionID, w.BaseBranch, boolToInt(w.Archived), w.Error,
		encodeTime(w.CreatedAt), encodeTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow persists the full workflow row and bumps updated_at.
func (s *Store) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	w.UpdatedAt = now()
	skipped, err := json.Marshal(stringsOrEmpty(w.SkippedStages))
	if err != nil {
		return fmt.Errorf("store: marshal skipped stages: %w", err)
	}
	res, err := s.exec(ctx, `UPDATE workflows SET
		title = ?, description = ?, priority = ?, status = ?,
		awaiting_approval = ?, pending_artifact_type = ?, skipped_stages = ?,
		current_session_id = ?, base_branch = ?, archived = ?, error = ?,
		updated_at = ?
		WHERE id = ?`,
		w.Title, w.Description, w.Priority, w.Status,
		boolToInt(w.AwaitingApproval), w.PendingArtifactType, string(skipped),
		w.CurrentSessionID, w.BaseBranch, boolToInt(w.Archived), w.Error,
		encodeTime(w.UpdatedAt), w.ID)
	if err != nil {
		return fmt.Errorf("store: update workflow %s: %w", w.ID, err)
	}
	return requireAffected(res)
}

// GetWorkflow loads a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.queryRow(ctx, `SELECT id, title, description, priority, status,
		awaiting_approval, pending_artifact_type, skipped_stages,
		current_session_id, base_branch, archived, error, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns workflows ordered newest first. Archived rows
// are excluded unless includeArchived is set.
func (s *Store) ListWorkflows(ctx context.Context, includeArchived bool) ([]*Workflow, error) {
	query := `SELECT id, title, description, priority, status,
		awaiting_approval, pending_artifact_type, skipped_stages,
		current_session_id, base_branch, archived, error, created_at, updated_at
		FROM workflows`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	var (
		w                         Workflow
		awaiting, archived        int
		skipped, created, updated string
	)
	err := r.Scan(&w.ID, &w.Title, &w.Description, &w.Priority, &w.Status,
		&awaiting, &w.PendingArtifactType, &skipped, &w.CurrentSessionID,
		&w.BaseBranch, &archived, &w.Error, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan workflow: %w", err)
	}
	w.AwaitingApproval = awaiting != 0
	w.Archived = archived != 0
	if err := json.Unmarshal([]byte(skipped), &w.SkippedStages); err != nil {
		return nil, fmt.Errorf("store: decode skipped stages: %w", err)
	}
	w.CreatedAt = decodeTime(created)
	w.UpdatedAt = decodeTime(updated)
	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringsOrEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
