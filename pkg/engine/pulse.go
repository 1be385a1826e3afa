package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/workflow"
)

// runPulses executes the approved plan step by step, one pulse per
// step, then moves the workflow into review. Called on the scheduler
// goroutine when the workflow enters (or re-enters) in_progress.
func (s *scheduler) runPulses(ctx context.Context) {
	wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	plan, err := s.approvedPlan(ctx)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	if err := s.ensurePreflight(ctx, wf); err != nil {
		s.reportError(ctx, err)
		return
	}

	// Resuming after a failure or rewind skips steps whose pulses
	// already merged.
	done, err := s.completedPulses(ctx)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	for i, step := range plan.Steps {
		if i < done {
			continue
		}
		if err := s.runPulse(ctx, step.Title, stepInput(i+1, len(plan.Steps), step)); err != nil {
			return
		}
	}

	s.enterReview(ctx, plan.Summary)
}

// runFixPulse executes one pulse covering the review comments selected
// by a fix request, flips them fixed, and re-enters review.
func (s *scheduler) runFixPulse(ctx context.Context, t *workflow.Transition) {
	wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	if err := s.ensurePreflight(ctx, wf); err != nil {
		s.reportError(ctx, err)
		return
	}
	if err := s.runPulse(ctx, "Address review comments", t.Input); err != nil {
		return
	}
	for _, c := range t.FixComments {
		if err := s.e.db.UpdateReviewCommentStatus(ctx, c.ID, artifact.CommentFixed); err != nil {
			s.reportError(ctx, err)
			return
		}
	}

	plan, err := s.approvedPlan(ctx)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	s.enterReview(ctx, plan.Summary)
}

// ensurePreflight creates the worktree and branch on first entry into
// in_progress and persists the setup row. A preflight session runs
// only when the role has a config entry; it is skipped by default.
func (s *scheduler) ensurePreflight(ctx context.Context, wf *store.Workflow) error {
	_, err := s.e.db.GetPreflightSetup(ctx, wf.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	worktree, err := s.e.git.EnsureWorkflowResources(ctx, wf.ID, wf.BaseBranch)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if err := s.e.db.PutPreflightSetup(ctx, &store.PreflightSetup{
		WorkflowID:   wf.ID,
		WorktreePath: worktree,
		BaseBranch:   wf.BaseBranch,
	}); err != nil {
		return err
	}
	s.log.Info("worktree prepared", "path", worktree, "base_branch", wf.BaseBranch)

	if _, ok := s.e.cfg.Roles[string(role.Preflight)]; ok {
		return s.runPreflightSession(ctx, wf)
	}
	return nil
}

func (s *scheduler) runPreflightSession(ctx context.Context, wf *store.Workflow) error {
	sess := &store.Session{WorkflowID: wf.ID, AgentRole: string(role.Preflight), Status: store.SessionActive}
	if err := s.e.db.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.e.events.Publish(bus.SessionStarted{
		SessionID:   sess.ID,
		ContextType: "workflow",
		ContextID:   wf.ID,
		AgentRole:   sess.AgentRole,
	})

	input := "Prepare the execution environment: install dependencies and verify the build and tests run. " +
		"Commands you approve here are remembered for execution pulses."
	if _, err := s.runTurn(ctx, wf, sess, input); err != nil {
		s.failSession(ctx, sess.ID, err)
		return err
	}
	if err := s.e.db.UpdateSessionStatus(ctx, sess.ID, store.SessionCompleted); err != nil {
		return err
	}
	s.e.events.Publish(bus.SessionCompleted{SessionID: sess.ID})
	return nil
}

// runPulse runs one unit of execution work on its own branch and
// merges it back into the workflow branch. Failures checkpoint dirty
// state and leave the workflow in_progress with an error event.
func (s *scheduler) runPulse(ctx context.Context, title, input string) error {
	wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		s.reportError(ctx, err)
		return err
	}

	idx, err := s.e.db.NextPulseIndex(ctx, wf.ID)
	if err != nil {
		s.reportError(ctx, err)
		return err
	}
	p := &store.Pulse{
		WorkflowID: wf.ID,
		Index:      idx,
		Status:     store.PulseRunning,
		Summary:    title,
	}
	if err := s.e.db.CreatePulse(ctx, p); err != nil {
		s.reportError(ctx, err)
		return err
	}

	base, err := s.e.git.CreatePulseBranch(ctx, wf.ID, p.ID)
	if err != nil {
		return s.failPulse(ctx, p, err)
	}
	p.Branch = s.e.git.PulseBranch(wf.ID, p.ID)
	p.BaseCommit = base
	if err := s.e.db.UpdatePulse(ctx, p); err != nil {
		return s.failPulse(ctx, p, err)
	}

	sess := &store.Session{WorkflowID: wf.ID, AgentRole: string(role.Execution), Status: store.SessionActive}
	if err := s.e.db.CreateSession(ctx, sess); err != nil {
		return s.failPulse(ctx, p, err)
	}
	wf.CurrentSessionID = sess.ID
	if err := s.e.db.UpdateWorkflow(ctx, wf); err != nil {
		return s.failPulse(ctx, p, err)
	}
	s.e.events.Publish(bus.SessionStarted{
		SessionID:   sess.ID,
		ContextType: "pulse",
		ContextID:   p.ID,
		AgentRole:   sess.AgentRole,
	})

	for {
		res, err := s.runTurn(ctx, wf, sess, input)
		if err != nil {
			s.failSession(ctx, sess.ID, err)
			return s.failPulse(ctx, p, err)
		}
		if res.ExtensionRequested {
			input = continueInput
			continue
		}
		break
	}

	tip, err := s.e.git.Commit(ctx, wf.ID, p.ID, title)
	if err != nil {
		s.failSession(ctx, sess.ID, err)
		return s.failPulse(ctx, p, err)
	}
	p.TipCommit = tip
	if _, err := s.e.git.MergePulse(ctx, wf.ID, p.ID); err != nil {
		s.failSession(ctx, sess.ID, err)
		return s.failPulse(ctx, p, err)
	}

	p.Status = store.PulseCompleted
	if err := s.e.db.UpdatePulse(ctx, p); err != nil {
		s.reportError(ctx, err)
		return err
	}
	if err := s.e.db.UpdateSessionStatus(ctx, sess.ID, store.SessionCompleted); err != nil {
		s.reportError(ctx, err)
		return err
	}
	s.e.events.Publish(bus.SessionCompleted{SessionID: sess.ID})
	s.log.Info("pulse merged", "pulse_id", p.ID, "index", p.Index, "tip", p.TipCommit)
	return nil
}

func (s *scheduler) failPulse(ctx context.Context, p *store.Pulse, cause error) error {
	commit, err := s.e.git.RecoveryCheckpoint(ctx, s.workflowID, p.ID)
	if err != nil {
		s.log.Warn("recovery checkpoint failed", "pulse_id", p.ID, "error", err)
	}
	p.RecoveryCommit = commit
	p.Status = store.PulseFailed
	if err := s.e.db.UpdatePulse(ctx, p); err != nil {
		s.log.Error("pulse update failed", "pulse_id", p.ID, "error", err)
	}
	s.reportError(ctx, fmt.Errorf("pulse %s: %w", p.ID, cause))
	return cause
}

func (s *scheduler) failSession(ctx context.Context, sessionID string, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	if err := s.e.db.UpdateSessionStatus(ctx, sessionID, store.SessionError); err != nil {
		s.log.Error("session update failed", "session_id", sessionID, "error", err)
		return
	}
	s.e.events.Publish(bus.SessionError{SessionID: sessionID, Error: cause.Error()})
}

// enterReview transitions in_progress → review and runs the review.
func (s *scheduler) enterReview(ctx context.Context, planSummary string) {
	wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	t, err := s.e.machine.EnterReview(ctx, wf, planSummary)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	s.runReview(ctx, t.Session, t.Input)
}

// approvedPlan returns the newest approved plan for the workflow.
func (s *scheduler) approvedPlan(ctx context.Context) (*artifact.Plan, error) {
	recs, err := s.e.artifacts.ListByWorkflow(ctx, s.workflowID)
	if err != nil {
		return nil, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.Type != artifact.TypePlan || rec.Status != store.ArtifactApproved {
			continue
		}
		var plan artifact.Plan
		if err := json.Unmarshal(rec.Body, &plan); err != nil {
			return nil, fmt.Errorf("decode plan %s: %w", rec.ID, err)
		}
		return &plan, nil
	}
	return nil, fmt.Errorf("engine: workflow %s has no approved plan", s.workflowID)
}

func (s *scheduler) completedPulses(ctx context.Context) (int, error) {
	pulses, err := s.e.db.ListPulsesByWorkflow(ctx, s.workflowID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range pulses {
		if p.Status == store.PulseCompleted {
			n++
		}
	}
	return n, nil
}

func stepInput(n, total int, step artifact.PlanStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute step %d of %d: %s\n", n, total, step.Title)
	if step.Detail != "" {
		b.WriteString("\n")
		b.WriteString(step.Detail)
		b.WriteString("\n")
	}
	if len(step.Paths) > 0 {
		b.WriteString("\nRelevant paths:\n")
		for _, p := range step.Paths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}
