package engine

import (
	"context"
	"errors"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/workflow"
)

// TurnEntry pairs a turn row with its message projection, when one
// was written.
type TurnEntry struct {
	Turn    *store.Turn    `json:"turn"`
	Message *store.Message `json:"message,omitempty"`
}

// SessionHistory is one session's conversation in turn order.
type SessionHistory struct {
	Session *store.Session `json:"session"`
	Turns   []TurnEntry    `json:"turns"`
}

// History is the full durable record of a workflow: conversation,
// artifacts, pulses, and the stage partition of the timeline.
type History struct {
	Workflow   *store.Workflow      `json:"workflow"`
	Sessions   []SessionHistory     `json:"sessions"`
	Artifacts  []*artifact.Record   `json:"artifacts"`
	Pulses     []*store.Pulse       `json:"pulses"`
	StageViews []workflow.StageView `json:"stageViews"`
	Notes      []*store.Note        `json:"notes,omitempty"`
}

// History assembles a workflow's durable record. Reads only; safe to
// call while the workflow is running.
func (e *Engine) History(ctx context.Context, workflowID string) (*History, error) {
	wf, err := e.db.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	sessions, err := e.db.ListSessionsByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	hist := &History{Workflow: wf}
	for _, sess := range sessions {
		turns, err := e.db.ListTurnsBySession(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sh := SessionHistory{Session: sess, Turns: make([]TurnEntry, 0, len(turns))}
		for _, t := range turns {
			entry := TurnEntry{Turn: t}
			msg, err := e.db.GetMessage(ctx, t.ID)
			switch {
			case err == nil:
				entry.Message = msg
			case errors.Is(err, store.ErrNotFound):
			default:
				return nil, err
			}
			sh.Turns = append(sh.Turns, entry)
		}
		hist.Sessions = append(hist.Sessions, sh)
	}

	if hist.Artifacts, err = e.artifacts.ListByWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if hist.Pulses, err = e.db.ListPulsesByWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if hist.StageViews, err = e.machine.StageViews(ctx, workflowID); err != nil {
		return nil, err
	}
	if hist.Notes, err = e.db.ListNotesByWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return hist, nil
}
