package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/store"
)

// reviewFocusAreas are the aspects each sub-reviewer covers. One
// worker session runs per area.
var reviewFocusAreas = []string{
	"correctness and edge cases",
	"test coverage and verification",
	"security and robustness",
}

// runReview fans out one sub-review session per focus area over the
// workflow diff, then hands the collected reports to the coordinator
// session, which synthesizes the review card and raises the gate.
func (s *scheduler) runReview(ctx context.Context, coordinator *store.Session, kickoff string) {
	wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		s.reportError(ctx, err)
		return
	}
	diff, err := s.e.git.DiffAgainstBase(ctx, wf.ID, wf.BaseBranch)
	if err != nil {
		s.reportError(ctx, err)
		return
	}

	reports := make([]string, len(reviewFocusAreas))
	g, gctx := errgroup.WithContext(ctx)
	for i, focus := range reviewFocusAreas {
		g.Go(func() error {
			report, err := s.runSubReview(gctx, wf, focus, diff)
			if err != nil {
				return fmt.Errorf("sub-review %q: %w", focus, err)
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.reportError(ctx, err)
		return
	}

	input := reviewInput(kickoff, reports)
	nudged := false
	for {
		res, err := s.runTurn(ctx, wf, coordinator, input)
		if err != nil {
			s.failSession(ctx, coordinator.ID, err)
			s.reportError(ctx, err)
			return
		}
		if res.ArtifactID != "" {
			if err := s.e.machine.RaiseGate(ctx, wf, res.ArtifactType); err != nil {
				s.reportError(ctx, err)
			}
			return
		}
		if res.ExtensionRequested {
			input = continueInput
			continue
		}
		if nudged {
			s.reportError(ctx, fmt.Errorf("engine: review coordinator for %s ended without a review card", wf.ID))
			return
		}
		nudged = true
		input = "Submit the synthesized review card now via complete_review."
	}
}

// runSubReview runs one worker session to completion and returns its
// report JSON.
func (s *scheduler) runSubReview(ctx context.Context, wf *store.Workflow, focus, diff string) (string, error) {
	sess := &store.Session{WorkflowID: wf.ID, AgentRole: string(role.ReviewSub), Status: store.SessionActive}
	if err := s.e.db.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	s.e.events.Publish(bus.SessionStarted{
		SessionID:   sess.ID,
		ContextType: "review",
		ContextID:   wf.ID,
		AgentRole:   sess.AgentRole,
	})

	res, err := s.runTurn(ctx, wf, sess, subReviewInput(focus, diff))
	if err != nil {
		s.failSession(ctx, sess.ID, err)
		return "", err
	}
	if err := s.e.db.UpdateSessionStatus(ctx, sess.ID, store.SessionCompleted); err != nil {
		return "", err
	}
	s.e.events.Publish(bus.SessionCompleted{SessionID: sess.ID})

	if res.SubReviewReport == "" {
		return "", fmt.Errorf("worker %s ended without submit_sub_review", sess.ID)
	}
	return res.SubReviewReport, nil
}

func subReviewInput(focus, diff string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your assigned focus: %s.\n\n", focus)
	b.WriteString("Review the following diff against the base branch:\n\n```diff\n")
	b.WriteString(diff)
	b.WriteString("\n```\n")
	return b.String()
}

func reviewInput(kickoff string, reports []string) string {
	var b strings.Builder
	b.WriteString(kickoff)
	b.WriteString("\n\nSub-review reports:\n")
	for i, r := range reports {
		fmt.Fprintf(&b, "\nReport %d:\n%s\n", i+1, r)
	}
	return b.String()
}
