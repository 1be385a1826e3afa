package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Artifact types.
const (
	ArtifactScopeCard    = "scope_card"
	ArtifactResearchCard = "research"
	ArtifactPlan         = "plan"
	ArtifactReviewCard   = "review_card"
)

// Artifact statuses.
const (
	ArtifactPending  = "pending"
	ArtifactApproved = "approved"
	ArtifactDenied   = "denied"
)

// Artifact is a persisted stage output. Body holds the typed JSON
// payload; pkg/artifact owns its shape and the gate invariants.
type Artifact struct {
	ID         string
	WorkflowID string
	TurnID     string
	Type       string
	Status     string
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReviewComment is one finding attached to a ReviewCard artifact.
type ReviewComment struct {
	ID          string
	ArtifactID  string
	Type        string
	FilePath    string
	LineStart   int
	LineEnd     int
	Category    string
	Severity    string
	Description string
	Status      string
}

// CreateArtifact inserts an artifact row.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = NewID("art")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	a.UpdatedAt = a.CreatedAt
	_, err := s.exec(ctx, `INSERT INTO artifacts
		(id, workflow_id, turn_id, artifact_type, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, a.TurnID, a.Type, a.Status, a.Body,
		encodeTime(a.CreatedAt), encodeTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create artifact: %w", err)
	}
	return nil
}

// UpdateArtifactStatus transitions an artifact's status.
func (s *Store) UpdateArtifactStatus(ctx context.Context, id, status string) error {
	res, err := s.exec(ctx, `UPDATE artifacts SET status = ?, updated_at = ?
		WHERE id = ?`, status, encodeTime(now()), id)
	if err != nil {
		return fmt.Errorf("store: update artifact %s: %w", id, err)
	}
	return requireAffected(res)
}

// GetArtifact loads an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	row := s.queryRow(ctx, `SELECT id, workflow_id, turn_id, artifact_type,
		status, body, created_at, updated_at
		FROM artifacts WHERE id = ?`, id)
	return scanArtifact(row)
}

// GetPendingArtifact returns the pending artifact of the given type for
// a workflow, or ErrNotFound.
func (s *Store) GetPendingArtifact(ctx context.Context, workflowID, artifactType string) (*Artifact, error) {
	row := s.queryRow(ctx, `SELECT id, workflow_id, turn_id, artifact_type,
		status, body, created_at, updated_at
		FROM artifacts WHERE workflow_id = ? AND artifact_type = ? AND status = ?`,
		workflowID, artifactType, ArtifactPending)
	return scanArtifact(row)
}

// CountPendingArtifacts counts pending artifacts of a type for a
// workflow. The gate invariant requires this to stay at or below one.
func (s *Store) CountPendingArtifacts(ctx context.Context, workflowID, artifactType string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM artifacts
		WHERE workflow_id = ? AND artifact_type = ? AND status = ?`,
		workflowID, artifactType, ArtifactPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending artifacts: %w", err)
	}
	return n, nil
}

// GetArtifactByTurn returns the artifact bound to a turn, or ErrNotFound.
func (s *Store) GetArtifactByTurn(ctx context.Context, turnID string) (*Artifact, error) {
	row := s.queryRow(ctx, `SELECT id, workflow_id, turn_id, artifact_type,
		status, body, created_at, updated_at
		FROM artifacts WHERE turn_id = ?`, turnID)
	return scanArtifact(row)
}

// ListArtifactsByWorkflow returns a workflow's artifacts in creation order.
func (s *Store) ListArtifactsByWorkflow(ctx context.Context, workflowID string) ([]*Artifact, error) {
	rows, err := s.query(ctx, `SELECT id, workflow_id, turn_id, artifact_type,
		status, body, created_at, updated_at
		FROM artifacts WHERE workflow_id = ? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(r rowScanner) (*Artifact, error) {
	var (
		a                Artifact
		created, updated string
	)
	err := r.Scan(&a.ID, &a.WorkflowID, &a.TurnID, &a.Type, &a.Status, &a.Body,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan artifact: %w", err)
	}
	a.CreatedAt = decodeTime(created)
	a.UpdatedAt = decodeTime(updated)
	return &a, nil
}

// CreateReviewComment inserts a review comment row.
func (s *Store) CreateReviewComment(ctx context.Context, c *ReviewComment) error {
	if c.ID == "" {
		c.ID = NewID("rc")
	}
	_, err := s.exec(ctx, `INSERT INTO review_comments
		(id, artifact_id, comment_type, file_path, line_start, line_end,
		 category, severity, description, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ArtifactID, c.Type, c.FilePath, c.LineStart, c.LineEnd,
		c.Category, c.Severity, c.Description, c.Status)
	if err != nil {
		return fmt.Errorf("store: create review comment: %w", err)
	}
	return nil
}

// GetReviewComment loads a review comment by id.
func (s *Store) GetReviewComment(ctx context.Context, id string) (*ReviewComment, error) {
	row := s.queryRow(ctx, `SELECT id, artifact_id, comment_type, file_path,
		line_start, line_end, category, severity, description, status
		FROM review_comments WHERE id = ?`, id)
	return scanReviewComment(row)
}

// ListReviewComments returns the comments attached to a ReviewCard.
func (s *Store) ListReviewComments(ctx context.Context, artifactID string) ([]*ReviewComment, error) {
	rows, err := s.query(ctx, `SELECT id, artifact_id, comment_type, file_path,
		line_start, line_end, category, severity, description, status
		FROM review_comments WHERE artifact_id = ? ORDER BY id`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("store: list review comments: %w", err)
	}
	defer rows.Close()

	var out []*ReviewComment
	for rows.Next() {
		c, err := scanReviewComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateReviewCommentStatus transitions a comment's status.
func (s *Store) UpdateReviewCommentStatus(ctx context.Context, id, status string) error {
	res, err := s.exec(ctx, `UPDATE review_comments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("store: update review comment %s: %w", id, err)
	}
	return requireAffected(res)
}

func scanReviewComment(r rowScanner) (*ReviewComment, error) {
	var c ReviewComment
	err := r.Scan(&c.ID, &c.ArtifactID, &c.Type, &c.FilePath, &c.LineStart,
		&c.LineEnd, &c.Category, &c.Severity, &c.Description, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan review comment: %w", err)
	}
	return &c, nil
}
