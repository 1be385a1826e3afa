package workflow

import (
	"context"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/store"
)

// Boundary marks the end of a stage: the turn that produced its
// approved artifact. Synthesized plans carry no turn of their own and
// fall back to the scope boundary.
type Boundary struct {
	// Stage ended by this boundary. The review card's approval ends
	// in_progress; review itself ends with the workflow.
	Stage Stage

	ArtifactID   string
	ArtifactType string

	// TurnID is the producing turn; empty for synthesized artifacts.
	TurnID string

	// BoundaryTurnID is the effective boundary, after fallback.
	BoundaryTurnID string
}

// boundaryStage maps an artifact type to the stage its approval ends.
func boundaryStage(artifactType string) (Stage, bool) {
	switch artifactType {
	case artifact.TypeScopeCard:
		return StageScoping, true
	case artifact.TypeResearchCard:
		return StageResearching, true
	case artifact.TypePlan:
		return StagePlanning, true
	case artifact.TypeReviewCard:
		return StageInProgress, true
	}
	return "", false
}

// Timeline computes the stage boundaries of a workflow from its
// approved artifacts, in stage order. Denied artifacts contribute
// nothing, which is how rewinds hide later stages.
func (m *Machine) Timeline(ctx context.Context, workflowID string) ([]Boundary, error) {
	records, err := m.artifacts.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	byStage := make(map[Stage]Boundary)
	for _, rec := range records {
		if rec.Status != artifact.StatusApproved {
			continue
		}
		stage, ok := boundaryStage(rec.Type)
		if !ok {
			continue
		}
		byStage[stage] = Boundary{
			Stage:          stage,
			ArtifactID:     rec.ID,
			ArtifactType:   rec.Type,
			TurnID:         rec.TurnID,
			BoundaryTurnID: rec.TurnID,
		}
	}

	var boundaries []Boundary
	var lastTurnID string
	for _, stage := range stageOrder {
		b, ok := byStage[stage]
		if !ok {
			continue
		}
		if b.BoundaryTurnID == "" {
			b.BoundaryTurnID = lastTurnID
		} else {
			lastTurnID = b.BoundaryTurnID
		}
		boundaries = append(boundaries, b)
	}
	return boundaries, nil
}

// StageView is the slice of a workflow's conversation belonging to one
// stage: every turn strictly after the previous boundary up to and
// including the stage's own.
type StageView struct {
	Stage   Stage
	TurnIDs []string
}

// StageViews partitions the workflow's turns by stage boundary.
// Skipped stages contribute no view. Trailing turns past the last
// boundary belong to the current stage, but only from the current
// session; rewound sessions stay hidden.
func (m *Machine) StageViews(ctx context.Context, workflowID string) ([]StageView, error) {
	wf, err := m.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	boundaries, err := m.Timeline(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	skipped := make(map[Stage]bool, len(wf.SkippedStages))
	for _, s := range wf.SkippedStages {
		skipped[Stage(s)] = true
	}

	turns, err := m.workflowTurns(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	views := make([]StageView, 0, len(boundaries)+1)
	next := 0
	var current *StageView
	openView := func(stage Stage) {
		views = append(views, StageView{Stage: stage})
		current = &views[len(views)-1]
	}

	for _, turn := range turns {
		if next < len(boundaries) {
			if current == nil || current.Stage != boundaries[next].Stage {
				openView(boundaries[next].Stage)
			}
			current.TurnIDs = append(current.TurnIDs, turn.ID)
			if turn.ID == boundaries[next].BoundaryTurnID {
				next++
				// Fallback boundaries share a turn; drain them here so
				// skipped stages never open a view.
				for next < len(boundaries) && boundaries[next].BoundaryTurnID == turn.ID {
					next++
				}
				current = nil
			}
			continue
		}

		// Past the last boundary: only the live session's turns show.
		if wf.CurrentSessionID == "" || turn.SessionID != wf.CurrentSessionID {
			continue
		}
		stage := Stage(wf.Status)
		if skipped[stage] || stage == StageDone {
			continue
		}
		if current == nil || current.Stage != stage {
			openView(stage)
		}
		current.TurnIDs = append(current.TurnIDs, turn.ID)
	}

	return views, nil
}

// workflowTurns returns every turn of the workflow in conversation
// order: sessions by creation, turns by index within a session.
func (m *Machine) workflowTurns(ctx context.Context, workflowID string) ([]*store.Turn, error) {
	sessions, err := m.db.ListSessionsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	var out []*store.Turn
	for _, sess := range sessions {
		turns, err := m.db.ListTurnsBySession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, turns...)
	}
	return out, nil
}
