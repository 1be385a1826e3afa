package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autarch-dev/autarch/pkg/store"
)

// InvariantError signals a gate invariant violation. The workflow that
// trips one is parked in an error state and can only be archived.
type InvariantError struct {
	WorkflowID string
	Reason     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("artifact: invariant violated for %s: %s", e.WorkflowID, e.Reason)
}

// IsInvariantError reports whether err is an InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// Store persists artifacts and enforces the gate invariants: at most
// one pending artifact per workflow and type, and at most one artifact
// per turn. Artifacts are never deleted; rewinds hide them by status.
type Store struct {
	db *store.Store
}

// NewStore wraps the SQL store.
func NewStore(db *store.Store) *Store {
	return &Store{db: db}
}

// Submit persists a pending artifact of the given type bound to the
// submitting turn. A synthesized artifact passes an empty turnID.
func (s *Store) Submit(ctx context.Context, workflowID, turnID, artifactType string, body any) (*Record, error) {
	return s.submit(ctx, workflowID, turnID, artifactType, store.ArtifactPending, body)
}

// SubmitApproved persists an already-approved artifact. Used by the
// quick path for synthesized plans, which skip the gate.
func (s *Store) SubmitApproved(ctx context.Context, workflowID, turnID, artifactType string, body any) (*Record, error) {
	return s.submit(ctx, workflowID, turnID, artifactType, store.ArtifactApproved, body)
}

func (s *Store) submit(ctx context.Context, workflowID, turnID, artifactType, status string, body any) (*Record, error) {
	switch artifactType {
	case TypeScopeCard, TypeResearchCard, TypePlan, TypeReviewCard:
	default:
		return nil, fmt.Errorf("artifact: unknown type %q", artifactType)
	}

	if status == store.ArtifactPending {
		n, err := s.db.CountPendingArtifacts(ctx, workflowID, artifactType)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, &InvariantError{
				WorkflowID: workflowID,
				Reason:     fmt.Sprintf("a pending %s already exists", artifactType),
			}
		}
	}
	if turnID != "" {
		if _, err := s.db.GetArtifactByTurn(ctx, turnID); err == nil {
			return nil, &InvariantError{
				WorkflowID: workflowID,
				Reason:     fmt.Sprintf("turn %s already produced an artifact", turnID),
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal %s body: %w", artifactType, err)
	}
	row := &store.Artifact{
		WorkflowID: workflowID,
		TurnID:     turnID,
		Type:       artifactType,
		Status:     status,
		Body:       string(raw),
	}
	if err := s.db.CreateArtifact(ctx, row); err != nil {
		return nil, err
	}

	rec := recordFromRow(row)
	if rv, ok := body.(*ReviewCard); ok {
		if err := s.persistComments(ctx, rec.ID, rv.Comments); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (s *Store) persistComments(ctx context.Context, artifactID string, comments []ReviewComment) error {
	for i := range comments {
		c := &comments[i]
		if c.Status == "" {
			c.Status = CommentOpen
		}
		row := &store.ReviewComment{
			ID:          c.ID,
			ArtifactID:  artifactID,
			Type:        c.Type,
			FilePath:    c.FilePath,
			LineStart:   c.LineStart,
			LineEnd:     c.LineEnd,
			Category:    c.Category,
			Severity:    c.Severity,
			Description: c.Description,
			Status:      c.Status,
		}
		if err := s.db.CreateReviewComment(ctx, row); err != nil {
			return err
		}
		c.ID = row.ID
	}
	return nil
}

// Get loads an artifact record.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row, err := s.db.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	return recordFromRow(row), nil
}

// Pending returns the pending artifact of a type for a workflow.
func (s *Store) Pending(ctx context.Context, workflowID, artifactType string) (*Record, error) {
	row, err := s.db.GetPendingArtifact(ctx, workflowID, artifactType)
	if err != nil {
		return nil, err
	}
	return recordFromRow(row), nil
}

// ByTurn returns the artifact a turn produced, if any.
func (s *Store) ByTurn(ctx context.Context, turnID string) (*Record, error) {
	row, err := s.db.GetArtifactByTurn(ctx, turnID)
	if err != nil {
		return nil, err
	}
	return recordFromRow(row), nil
}

// ListByWorkflow returns a workflow's artifacts in creation order.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string) ([]*Record, error) {
	rows, err := s.db.ListArtifactsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, len(rows))
	for i, row := range rows {
		out[i] = recordFromRow(row)
	}
	return out, nil
}

// MarkApproved transitions a pending artifact to approved.
func (s *Store) MarkApproved(ctx context.Context, id string) error {
	return s.transition(ctx, id, store.ArtifactApproved)
}

// MarkDenied transitions a pending artifact to denied.
func (s *Store) MarkDenied(ctx context.Context, id string) error {
	return s.transition(ctx, id, store.ArtifactDenied)
}

// Revoke denies an artifact regardless of its current status. Rewinds
// use it to hide approved later-stage artifacts.
func (s *Store) Revoke(ctx context.Context, id string) error {
	return s.db.UpdateArtifactStatus(ctx, id, store.ArtifactDenied)
}

func (s *Store) transition(ctx context.Context, id, status string) error {
	row, err := s.db.GetArtifact(ctx, id)
	if err != nil {
		return err
	}
	if row.Status != store.ArtifactPending {
		return &InvariantError{
			WorkflowID: row.WorkflowID,
			Reason:     fmt.Sprintf("artifact %s is %s, not pending", id, row.Status),
		}
	}
	return s.db.UpdateArtifactStatus(ctx, id, status)
}

// Comments returns the review comments attached to a ReviewCard.
func (s *Store) Comments(ctx context.Context, artifactID string) ([]*store.ReviewComment, error) {
	return s.db.ListReviewComments(ctx, artifactID)
}

// MarkCommentFixed flips a review comment open -> fixed.
func (s *Store) MarkCommentFixed(ctx context.Context, commentID string) error {
	return s.db.UpdateReviewCommentStatus(ctx, commentID, CommentFixed)
}
