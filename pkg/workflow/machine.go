package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/git"
	"github.com/autarch-dev/autarch/pkg/logger"
	"github.com/autarch-dev/autarch/pkg/store"
)

// Scope approval paths.
const (
	PathFull  = "full"
	PathQuick = "quick"
)

var (
	// ErrNoGate is returned for gate resolutions on a workflow that is
	// not awaiting approval.
	ErrNoGate = errors.New("workflow: no approval pending")

	// ErrGateOpen is returned when an operation requires a resolved
	// gate but an approval is still pending.
	ErrGateOpen = errors.New("workflow: awaiting approval")

	// ErrArchived is returned for operations on archived workflows.
	ErrArchived = errors.New("workflow: archived")

	// ErrBadTarget is returned by Rewind for an invalid target stage.
	ErrBadTarget = errors.New("workflow: invalid rewind target")
)

// InvariantError reports broken workflow state. It parks the workflow
// in an error state that only archiving resolves.
type InvariantError struct {
	WorkflowID string
	Reason     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("workflow %s: invariant broken: %s", e.WorkflowID, e.Reason)
}

// IsInvariantError reports whether an error is fatal for its workflow.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie) || artifact.IsInvariantError(err)
}

// GitOps is the branch surface the machine drives: worktree resets on
// rewind and the final merge on review approval.
type GitOps interface {
	HasWorkflowResources(workflowID string) bool
	CheckoutWorkflowBranch(ctx context.Context, workflowID string) error
	MergeWorkflowBranch(ctx context.Context, workflowID, baseBranch string, strategy git.MergeStrategy, commitMessage string) (*git.MergeResult, error)
}

// Machine mutates workflow state. It must only be driven from the
// workflow's scheduler; it performs no locking of its own.
type Machine struct {
	db        *store.Store
	artifacts *artifact.Store
	events    *bus.Bus
	git       GitOps
	log       *slog.Logger
}

// Options configures a Machine. Git may be nil in contexts that never
// merge or rewind.
type Options struct {
	DB        *store.Store
	Artifacts *artifact.Store
	Events    *bus.Bus
	Git       GitOps
}

// NewMachine creates a workflow state machine.
func NewMachine(opts Options) *Machine {
	return &Machine{
		db:        opts.DB,
		artifacts: opts.Artifacts,
		events:    opts.Events,
		git:       opts.Git,
		log:       logger.GetLogger("workflow"),
	}
}

// Transition is the outcome of a state machine operation. The engine
// acts on it: running the first turn of a new session, starting the
// pulse loop, or spawning a fix pulse.
type Transition struct {
	Workflow *store.Workflow

	// Stage after the operation.
	Stage Stage

	// Session is the newly started session, when the target stage runs
	// a single stage session. Nil when in_progress resumes the pulse
	// loop or the workflow completed.
	Session *store.Session

	// Input is the synthetic first message for Session, or the
	// follow-up message after requestChanges.
	Input string

	// Merge reports the completed base-branch merge on review approval.
	Merge *git.MergeResult

	// FixComments carries the review comments selected by requestFixes.
	FixComments []*store.ReviewComment
}

// Start moves a backlog workflow into scoping and opens its first
// session.
func (m *Machine) Start(ctx context.Context, wf *store.Workflow) (*Transition, error) {
	if wf.Archived {
		return nil, ErrArchived
	}
	if wf.Status != store.WorkflowBacklog {
		return nil, fmt.Errorf("workflow: %s is %s, not backlog", wf.ID, wf.Status)
	}

	input := fmt.Sprintf("New workflow: %s", wf.Title)
	if wf.Description != "" {
		input += "\n\n" + wf.Description
	}
	return m.enterStage(ctx, wf, StageScoping, input)
}

// RaiseGate marks the workflow awaiting approval for the given
// artifact type. No new turn runs until the gate resolves.
func (m *Machine) RaiseGate(ctx context.Context, wf *store.Workflow, artifactType string) error {
	if wf.AwaitingApproval {
		return &InvariantError{WorkflowID: wf.ID, Reason: "gate raised while already awaiting approval"}
	}
	wf.AwaitingApproval = true
	wf.PendingArtifactType = artifactType
	if err := m.db.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	m.events.Publish(bus.WorkflowApprovalNeeded{WorkflowID: wf.ID, ArtifactType: artifactType})
	return nil
}

// ApproveOptions carries the gate-specific approval inputs: Path at
// the scoping gate, merge strategy and commit message at review.
type ApproveOptions struct {
	Path          string
	MergeStrategy git.MergeStrategy
	CommitMessage string
}

// Approve resolves the pending gate positively and advances the
// workflow to its next stage.
func (m *Machine) Approve(ctx context.Context, wf *store.Workflow, opts ApproveOptions) (*Transition, error) {
	pending, err := m.pendingArtifact(ctx, wf)
	if err != nil {
		return nil, err
	}

	// The review gate merges before anything is marked; a failed merge
	// leaves the gate untouched and the user retries.
	if pending.Type == artifact.TypeReviewCard {
		return m.approveReview(ctx, wf, pending, opts)
	}

	// Artifact approval and gate clearing land in one transaction; a
	// failure leaves the gate intact for a retry.
	artifactType := wf.PendingArtifactType
	cleared := *wf
	cleared.AwaitingApproval = false
	cleared.PendingArtifactType = ""
	if err := m.db.WithTx(ctx, func(tx *store.Store) error {
		if err := artifact.NewStore(tx).MarkApproved(ctx, pending.ID); err != nil {
			return err
		}
		return tx.UpdateWorkflow(ctx, &cleared)
	}); err != nil {
		return nil, err
	}
	*wf = cleared

	switch artifactType {
	case artifact.TypeScopeCard:
		if opts.Path == PathQuick {
			return m.approveQuick(ctx, wf, pending)
		}
		return m.advance(ctx, wf, pending)
	case artifact.TypeResearchCard, artifact.TypePlan:
		return m.advance(ctx, wf, pending)
	default:
		return nil, &InvariantError{WorkflowID: wf.ID, Reason: fmt.Sprintf("unknown pending artifact type %q", artifactType)}
	}
}

// approveQuick marks researching and planning skipped, synthesizes an
// approved plan from the scope, and enters in_progress directly.
func (m *Machine) approveQuick(ctx context.Context, wf *store.Workflow, scope *artifact.Record) (*Transition, error) {
	card, err := artifact.DecodeScopeCard(scope)
	if err != nil {
		return nil, err
	}

	plan := synthesizePlan(card)
	if _, err := m.artifacts.SubmitApproved(ctx, wf.ID, "", artifact.TypePlan, plan); err != nil {
		return nil, err
	}

	wf.SkippedStages = append(wf.SkippedStages,
		string(StageResearching), string(StagePlanning))
	m.log.Info("quick path taken", "workflow", wf.ID)
	return m.enterStage(ctx, wf, StageInProgress, "")
}

// synthesizePlan derives a minimal plan from an approved scope: one
// step per in-scope item, or a single step from the title.
func synthesizePlan(card *artifact.ScopeCard) *artifact.Plan {
	plan := &artifact.Plan{Summary: card.Summary, Synthesized: true}
	for _, item := range card.InScope {
		plan.Steps = append(plan.Steps, artifact.PlanStep{Title: item})
	}
	if len(plan.Steps) == 0 {
		plan.Steps = []artifact.PlanStep{{Title: card.Title, Detail: card.Summary}}
	}
	return plan
}

// advance moves the workflow to the next non-skipped stage with a
// synthetic input referencing the approved artifact.
func (m *Machine) advance(ctx context.Context, wf *store.Workflow, approved *artifact.Record) (*Transition, error) {
	next := nextStage(Stage(wf.Status), wf.SkippedStages)
	return m.enterStage(ctx, wf, next, stageEntryInput(next, approved))
}

// approveReview merges the workflow branch and completes the workflow.
func (m *Machine) approveReview(ctx context.Context, wf *store.Workflow, pending *artifact.Record, opts ApproveOptions) (*Transition, error) {
	strategy := opts.MergeStrategy
	if strategy == "" {
		strategy = git.StrategySquash
	}

	var merge *git.MergeResult
	if m.git != nil {
		var err error
		merge, err = m.git.MergeWorkflowBranch(ctx, wf.ID, wf.BaseBranch, strategy, opts.CommitMessage)
		if err != nil {
			return nil, fmt.Errorf("workflow: merge failed: %w", err)
		}
		if merge.PushWarning != "" {
			m.log.Warn("post-merge push failed", "workflow", wf.ID, "warning", merge.PushWarning)
		}
	}

	done := *wf
	done.AwaitingApproval = false
	done.PendingArtifactType = ""
	done.Status = string(StageDone)
	done.CurrentSessionID = ""
	if err := m.db.WithTx(ctx, func(tx *store.Store) error {
		if err := artifact.NewStore(tx).MarkApproved(ctx, pending.ID); err != nil {
			return err
		}
		if wf.CurrentSessionID != "" {
			if err := tx.UpdateSessionStatus(ctx, wf.CurrentSessionID, store.SessionCompleted); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return tx.UpdateWorkflow(ctx, &done)
	}); err != nil {
		return nil, err
	}
	if wf.CurrentSessionID != "" {
		m.events.Publish(bus.SessionCompleted{SessionID: wf.CurrentSessionID})
	}
	*wf = done

	m.events.Publish(bus.WorkflowStageChanged{WorkflowID: wf.ID, NewStage: string(StageDone)})
	m.events.Publish(bus.WorkflowCompleted{WorkflowID: wf.ID})
	m.log.Info("merge completed", "workflow", wf.ID, "strategy", strategy)

	return &Transition{Workflow: wf, Stage: StageDone, Merge: merge}, nil
}

// RequestChanges resolves the gate negatively. The artifact is denied
// and the stage session gets a follow-up turn carrying the feedback.
func (m *Machine) RequestChanges(ctx context.Context, wf *store.Workflow, feedback string) (*Transition, error) {
	pending, err := m.pendingArtifact(ctx, wf)
	if err != nil {
		return nil, err
	}
	if err := m.artifacts.MarkDenied(ctx, pending.ID); err != nil {
		return nil, err
	}

	wf.AwaitingApproval = false
	wf.PendingArtifactType = ""
	if err := m.db.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	sess, err := m.db.GetSession(ctx, wf.CurrentSessionID)
	if err != nil {
		return nil, err
	}
	input := fmt.Sprintf("The submission was not approved. Feedback:\n\n%s\n\nRevise and resubmit.", feedback)
	return &Transition{Workflow: wf, Stage: Stage(wf.Status), Session: sess, Input: input}, nil
}

// RequestFixes denies the pending review card and drops the workflow
// back to in_progress; the selected comments become a fix pulse.
func (m *Machine) RequestFixes(ctx context.Context, wf *store.Workflow, commentIDs []string, summary string) (*Transition, error) {
	pending, err := m.pendingArtifact(ctx, wf)
	if err != nil {
		return nil, err
	}
	if pending.Type != artifact.TypeReviewCard {
		return nil, fmt.Errorf("workflow: requestFixes applies to review cards, gate holds a %s", pending.Type)
	}
	if err := m.artifacts.MarkDenied(ctx, pending.ID); err != nil {
		return nil, err
	}

	selected, err := m.selectComments(ctx, pending.ID, commentIDs)
	if err != nil {
		return nil, err
	}

	if err := m.completeCurrentSession(ctx, wf); err != nil {
		return nil, err
	}
	wf.AwaitingApproval = false
	wf.PendingArtifactType = ""
	wf.Status = string(StageInProgress)
	wf.CurrentSessionID = ""
	if err := m.db.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	m.events.Publish(bus.WorkflowStageChanged{WorkflowID: wf.ID, NewStage: string(StageInProgress)})

	return &Transition{
		Workflow:    wf,
		Stage:       StageInProgress,
		Input:       fixPulseInput(summary, selected),
		FixComments: selected,
	}, nil
}

// selectComments loads the chosen comments of a review card. Unknown
// ids are rejected; an empty selection takes every open comment.
func (m *Machine) selectComments(ctx context.Context, artifactID string, commentIDs []string) ([]*store.ReviewComment, error) {
	all, err := m.artifacts.Comments(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if len(commentIDs) == 0 {
		var open []*store.ReviewComment
		for _, c := range all {
			if c.Status == artifact.CommentOpen {
				open = append(open, c)
			}
		}
		return open, nil
	}

	byID := make(map[string]*store.ReviewComment, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	var selected []*store.ReviewComment
	for _, id := range commentIDs {
		c, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("workflow: unknown review comment %s", id)
		}
		selected = append(selected, c)
	}
	return selected, nil
}

// Rewind moves the workflow back to an earlier stage. Later-stage
// artifacts are denied, their sessions completed, and the worktree is
// reset to the workflow branch. Pulse branches stay on disk.
func (m *Machine) Rewind(ctx context.Context, wf *store.Workflow, target Stage) (*Transition, error) {
	if wf.Archived {
		return nil, ErrArchived
	}
	if !rewindTargets[target] {
		return nil, fmt.Errorf("%w: %s", ErrBadTarget, target)
	}
	for _, s := range wf.SkippedStages {
		if Stage(s) == target {
			return nil, fmt.Errorf("%w: %s was skipped", ErrBadTarget, target)
		}
	}
	if stageRank[target] >= stageRank[Stage(wf.Status)] {
		return nil, fmt.Errorf("%w: %s is not before %s", ErrBadTarget, target, wf.Status)
	}

	if err := m.denyArtifactsFrom(ctx, wf.ID, target); err != nil {
		return nil, err
	}
	if err := m.completeActiveSessions(ctx, wf.ID); err != nil {
		return nil, err
	}
	// The worktree only exists once the first pulse ran preflight; a
	// rewind issued from the card stages has nothing to reset.
	if m.git != nil && m.git.HasWorkflowResources(wf.ID) {
		if err := m.git.CheckoutWorkflowBranch(ctx, wf.ID); err != nil {
			return nil, fmt.Errorf("workflow: reset worktree: %w", err)
		}
	}

	wf.AwaitingApproval = false
	wf.PendingArtifactType = ""

	if target == StageInProgress {
		// The pulse loop resumes from the approved plan; pulses create
		// their own sessions.
		wf.Status = string(target)
		wf.CurrentSessionID = ""
		if err := m.db.UpdateWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		m.events.Publish(bus.WorkflowStageChanged{WorkflowID: wf.ID, NewStage: string(target)})
		return &Transition{Workflow: wf, Stage: target}, nil
	}

	input := fmt.Sprintf("The workflow was rewound to the %s stage. Redo this stage from the current state of the worktree.", target)
	return m.enterStage(ctx, wf, target, input)
}

// denyArtifactsFrom denies every artifact produced by the target stage
// or later. Earlier approvals survive the rewind.
func (m *Machine) denyArtifactsFrom(ctx context.Context, workflowID string, target Stage) error {
	records, err := m.artifacts.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		stage, ok := artifactStage(rec.Type)
		if !ok || stageRank[stage] < stageRank[target] {
			continue
		}
		if rec.Status == artifact.StatusDenied {
			continue
		}
		if err := m.artifacts.Revoke(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// Park records a fatal error on the workflow. Only archiving resolves
// a parked workflow.
func (m *Machine) Park(ctx context.Context, wf *store.Workflow, reason string) error {
	wf.Error = reason
	if err := m.db.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	m.events.Publish(bus.WorkflowError{WorkflowID: wf.ID, Error: reason})
	return nil
}

// Archive marks the workflow archived and completes its sessions.
func (m *Machine) Archive(ctx context.Context, wf *store.Workflow) error {
	if err := m.completeActiveSessions(ctx, wf.ID); err != nil {
		return err
	}
	wf.Archived = true
	wf.AwaitingApproval = false
	wf.PendingArtifactType = ""
	wf.CurrentSessionID = ""
	return m.db.UpdateWorkflow(ctx, wf)
}

// EnterReview advances an in_progress workflow whose pulses all
// merged into the review stage.
func (m *Machine) EnterReview(ctx context.Context, wf *store.Workflow, planSummary string) (*Transition, error) {
	if wf.Status != string(StageInProgress) {
		return nil, fmt.Errorf("workflow: %s is %s, not in_progress", wf.ID, wf.Status)
	}
	input := "All plan steps are merged into the workflow branch. Review the complete change."
	if planSummary != "" {
		input += "\n\nPlan summary: " + planSummary
	}
	return m.enterStage(ctx, wf, StageReview, input)
}

// enterStage completes the current session, opens a session for the
// target stage's role when it has one, and persists the transition.
func (m *Machine) enterStage(ctx context.Context, wf *store.Workflow, target Stage, input string) (*Transition, error) {
	if err := m.completeCurrentSession(ctx, wf); err != nil {
		return nil, err
	}

	wf.Status = string(target)
	tr := &Transition{Workflow: wf, Stage: target, Input: input}

	stageRole, hasRole := StageRole(target)
	if hasRole && target != StageInProgress {
		sess := &store.Session{
			WorkflowID: wf.ID,
			AgentRole:  string(stageRole),
			Status:     store.SessionActive,
		}
		if err := m.db.CreateSession(ctx, sess); err != nil {
			return nil, err
		}
		wf.CurrentSessionID = sess.ID
		tr.Session = sess
	} else {
		wf.CurrentSessionID = ""
	}

	if err := m.db.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	m.events.Publish(bus.WorkflowStageChanged{
		WorkflowID: wf.ID,
		NewStage:   string(target),
		SessionID:  wf.CurrentSessionID,
	})
	if tr.Session != nil {
		m.events.Publish(bus.SessionStarted{
			SessionID:   tr.Session.ID,
			ContextType: "workflow",
			ContextID:   wf.ID,
			AgentRole:   tr.Session.AgentRole,
		})
	}
	return tr, nil
}

// pendingArtifact loads the artifact the open gate refers to.
func (m *Machine) pendingArtifact(ctx context.Context, wf *store.Workflow) (*artifact.Record, error) {
	if wf.Archived {
		return nil, ErrArchived
	}
	if !wf.AwaitingApproval || wf.PendingArtifactType == "" {
		return nil, ErrNoGate
	}
	pending, err := m.artifacts.Pending(ctx, wf.ID, wf.PendingArtifactType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &InvariantError{WorkflowID: wf.ID, Reason: fmt.Sprintf("awaiting approval but no pending %s", wf.PendingArtifactType)}
		}
		return nil, err
	}
	return pending, nil
}

func (m *Machine) completeCurrentSession(ctx context.Context, wf *store.Workflow) error {
	if wf.CurrentSessionID == "" {
		return nil
	}
	if err := m.db.UpdateSessionStatus(ctx, wf.CurrentSessionID, store.SessionCompleted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	m.events.Publish(bus.SessionCompleted{SessionID: wf.CurrentSessionID})
	return nil
}

func (m *Machine) completeActiveSessions(ctx context.Context, workflowID string) error {
	sessions, err := m.db.ListSessionsByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status != store.SessionActive {
			continue
		}
		if err := m.db.UpdateSessionStatus(ctx, sess.ID, store.SessionCompleted); err != nil {
			return err
		}
		m.events.Publish(bus.SessionCompleted{SessionID: sess.ID})
	}
	return nil
}

// stageEntryInput is the synthetic first message of a stage session.
func stageEntryInput(target Stage, approved *artifact.Record) string {
	switch target {
	case StageResearching:
		return "The scope card was approved. Investigate the codebase areas it names and submit your research findings.\n\n" + artifactSummary(approved)
	case StagePlanning:
		return "Research is approved. Produce an implementation plan whose steps each land as one mergeable unit.\n\n" + artifactSummary(approved)
	case StageInProgress:
		return ""
	case StageReview:
		return "The plan is approved and implemented. Review the complete change against it."
	}
	return ""
}

func artifactSummary(rec *artifact.Record) string {
	if rec == nil {
		return ""
	}
	body := strings.TrimSpace(string(rec.Body))
	return fmt.Sprintf("Approved %s:\n%s", rec.Type, body)
}

// fixPulseInput formats the work items of a fix pulse.
func fixPulseInput(summary string, comments []*store.ReviewComment) string {
	var b strings.Builder
	b.WriteString("Review requested fixes.")
	if summary != "" {
		b.WriteString(" ")
		b.WriteString(summary)
	}
	b.WriteString("\n\nAddress each comment:\n")
	for _, c := range comments {
		if c.FilePath != "" {
			fmt.Fprintf(&b, "- [%s] %s (%s:%d-%d): %s\n", c.Severity, c.Category, c.FilePath, c.LineStart, c.LineEnd, c.Description)
		} else {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", c.Severity, c.Category, c.Description)
		}
	}
	return b.String()
}
