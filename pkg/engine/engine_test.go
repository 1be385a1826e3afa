package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/config"
	"github.com/autarch-dev/autarch/pkg/git"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/model"
	"github.com/autarch-dev/autarch/pkg/model/modeltest"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/workflow"

	_ "github.com/mattn/go-sqlite3"
)

type commitCall struct {
	pulseID string
	message string
}

type wfMergeCall struct {
	baseBranch    string
	strategy      git.MergeStrategy
	commitMessage string
}

// fakeGit satisfies GitManager with canned commits and in-memory
// bookkeeping.
type fakeGit struct {
	mu             sync.Mutex
	n              int
	worktrees      []string
	checkouts      []string
	commits        []commitCall
	pulseMerges    []string
	wfMerges       []wfMergeCall
	recoveries     []string
	diff           string
	failPulseMerge bool
}

func (g *fakeGit) next(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%d", prefix, g.n)
}

func (g *fakeGit) EnsureWorkflowResources(_ context.Context, workflowID, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	wt := "/tmp/autarch/worktrees/" + workflowID
	g.worktrees = append(g.worktrees, wt)
	return wt, nil
}

func (g *fakeGit) PulseBranch(workflowID, pulseID string) string {
	return "autarch/" + workflowID + "-" + pulseID
}

func (g *fakeGit) CreatePulseBranch(_ context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next("base"), nil
}

func (g *fakeGit) Commit(_ context.Context, _, pulseID, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, commitCall{pulseID: pulseID, message: message})
	return g.next("tip"), nil
}

func (g *fakeGit) RecoveryCheckpoint(_ context.Context, _, pulseID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recoveries = append(g.recoveries, pulseID)
	return g.next("rcv"), nil
}

func (g *fakeGit) MergePulse(_ context.Context, _, pulseID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failPulseMerge {
		return "", &git.Error{Args: []string{"merge", "--ff-only"}, Err: fmt.Errorf("exit status 128"), Output: "not possible to fast-forward"}
	}
	g.pulseMerges = append(g.pulseMerges, pulseID)
	return g.next("merge"), nil
}

func (g *fakeGit) DiffAgainstBase(_ context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.diff == "" {
		return "+func health() {}\n", nil
	}
	return g.diff, nil
}

func (g *fakeGit) HasWorkflowResources(string) bool {
	return true
}

func (g *fakeGit) CheckoutWorkflowBranch(_ context.Context, workflowID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, workflowID)
	return nil
}

func (g *fakeGit) MergeWorkflowBranch(_ context.Context, _, baseBranch string, strategy git.MergeStrategy, commitMessage string) (*git.MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wfMerges = append(g.wfMerges, wfMergeCall{
		baseBranch:    baseBranch,
		strategy:      strategy,
		commitMessage: commitMessage,
	})
	return &git.MergeResult{
		Commit:   g.next("squash"),
		PulseIDs: append([]string{}, g.pulseMerges...),
	}, nil
}

type engineFixture struct {
	t      *testing.T
	db     *store.Store
	events *bus.Bus
	broker *interrupt.Broker
	git    *fakeGit
	eng    *Engine

	modelMu sync.Mutex
	models  map[role.Role]*modeltest.Scripted
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Project.Name = "demo"
	cfg.Project.Root = t.TempDir()
	cfg.Project.BaseBranch = "main"
	cfg.Session.RetryBaseDelay = time.Millisecond
	cfg.Session.RetryMaxDelay = 4 * time.Millisecond

	f := &engineFixture{
		t:      t,
		db:     db,
		events: bus.New(),
		broker: interrupt.NewBroker(),
		git:    &fakeGit{},
		models: make(map[role.Role]*modeltest.Scripted),
	}
	eng, err := New(Options{
		Config: cfg,
		DB:     db,
		Events: f.events,
		Broker: f.broker,
		Git:    f.git,
		Models: f.modelFactory,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	f.eng = eng
	return f
}

func (f *engineFixture) modelFactory(r role.Role, _ *config.ModelConfig) (model.LLM, error) {
	f.modelMu.Lock()
	defer f.modelMu.Unlock()
	m, ok := f.models[r]
	if !ok {
		m = modeltest.New(string(r))
		f.models[r] = m
	}
	return m, nil
}

// script appends calls to a role's scripted model.
func (f *engineFixture) script(r role.Role, calls ...modeltest.Call) *modeltest.Scripted {
	f.modelMu.Lock()
	defer f.modelMu.Unlock()
	m, ok := f.models[r]
	if !ok {
		m = modeltest.New(string(r))
		f.models[r] = m
	}
	m.Append(calls...)
	return m
}

func (f *engineFixture) subscribe() *bus.Subscription {
	sub := f.events.Subscribe()
	f.t.Cleanup(sub.Unsubscribe)
	return sub
}

// wait consumes deliveries until an event of the wanted type arrives.
func (f *engineFixture) wait(sub *bus.Subscription, eventType string) bus.Event {
	f.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d := <-sub.C:
			if d.Event.EventType() == eventType {
				return d.Event
			}
		case <-timeout:
			f.t.Fatalf("timed out waiting for %s", eventType)
			return nil
		}
	}
}

func (f *engineFixture) workflow(id string) *store.Workflow {
	f.t.Helper()
	wf, err := f.db.GetWorkflow(context.Background(), id)
	require.NoError(f.t, err)
	return wf
}

func scopeCall() modeltest.Call {
	return modeltest.ToolUse(nil, "Scoping the work.", "call_scope", "submit_scope", map[string]any{
		"title":    "Add health endpoint",
		"summary":  "Expose GET /health returning 200.",
		"in_scope": []string{"add /health endpoint"},
	})
}

func researchCall() modeltest.Call {
	return modeltest.ToolUse(nil, "", "call_res", "submit_research", map[string]any{
		"summary": "The router lives in server.go.",
		"findings": []any{map[string]any{
			"topic":  "routing",
			"detail": "chi mux registered in NewServer",
		}},
	})
}

func planCall() modeltest.Call {
	return modeltest.ToolUse(nil, "", "call_plan", "create_plan", map[string]any{
		"summary": "Add the endpoint and a test.",
		"steps": []any{map[string]any{
			"title":  "add /health handler",
			"detail": "register GET /health on the router",
		}},
	})
}

func subReviewCall() modeltest.Call {
	return modeltest.ToolUse(nil, "", "call_sub", "submit_sub_review", map[string]any{
		"focus":   "assigned aspect",
		"summary": "no findings",
	})
}

func cleanReviewCall() modeltest.Call {
	return modeltest.ToolUse(nil, "", "call_rev", "complete_review", map[string]any{
		"summary": "Change looks correct.",
		"verdict": "approve",
	})
}

func reviewWithCommentCall() modeltest.Call {
	return modeltest.ToolUse(nil, "", "call_rev", "complete_review", map[string]any{
		"summary": "One blocking issue.",
		"verdict": "request_changes",
		"comments": []any{map[string]any{
			"type":        "line",
			"file_path":   "health.go",
			"line_start":  10,
			"line_end":    12,
			"category":    "correctness",
			"severity":    "High",
			"description": "handler ignores shutdown context",
		}},
	})
}

// scriptReviewRound arms one full review pass: three sub-reviewers
// plus the coordinator's card.
func (f *engineFixture) scriptReviewRound(coordinator modeltest.Call) {
	f.script(role.ReviewSub, subReviewCall(), subReviewCall(), subReviewCall())
	f.script(role.Review, coordinator)
}

func TestCreateWorkflowRunsScopingToGate(t *testing.T) {
	f := newEngineFixture(t)
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(context.Background(), "Add healthcheck", "Expose GET /health.", "high")
	require.NoError(t, err)
	require.NotEmpty(t, wf.ID)

	ev := f.wait(sub, "workflow:approval_needed").(bus.WorkflowApprovalNeeded)
	assert.Equal(t, artifact.TypeScopeCard, ev.ArtifactType)

	got := f.workflow(wf.ID)
	assert.Equal(t, string(workflow.StageScoping), got.Status)
	assert.True(t, got.AwaitingApproval)
	assert.Equal(t, "main", got.BaseBranch)
	assert.NotEmpty(t, got.CurrentSessionID)
}

func TestSendMessageRejectedWhileGateOpen(t *testing.T) {
	f := newEngineFixture(t)
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(context.Background(), "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	got := f.workflow(wf.ID)
	_, err = f.eng.SendMessage(context.Background(), got.CurrentSessionID, "hurry up")
	assert.ErrorIs(t, err, workflow.ErrGateOpen)
}

func TestRequestChangesRevisesSubmission(t *testing.T) {
	f := newEngineFixture(t)
	f.script(role.Scoping, scopeCall(), scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(context.Background(), "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	tr, err := f.eng.RequestChanges(context.Background(), wf.ID, "Also cover readiness.")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageScoping, tr.Stage)
	assert.Contains(t, tr.Input, "Also cover readiness.")

	f.wait(sub, "workflow:approval_needed")

	recs, err := f.eng.artifacts.ListByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, store.ArtifactDenied, recs[0].Status)
	assert.Equal(t, store.ArtifactPending, recs[1].Status)
}

func TestQuickPathExecutesAndMergesOnApproval(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Add healthcheck", "Expose GET /health.", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Execution, modeltest.Reply(nil, "Implemented the endpoint."))
	f.scriptReviewRound(cleanReviewCall())

	tr, err := f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{Path: workflow.PathQuick})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageInProgress, tr.Stage)

	ev := f.wait(sub, "workflow:approval_needed").(bus.WorkflowApprovalNeeded)
	assert.Equal(t, artifact.TypeReviewCard, ev.ArtifactType)

	pulses, err := f.db.ListPulsesByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pulses, 1)
	p := pulses[0]
	assert.Equal(t, store.PulseCompleted, p.Status)
	assert.NotEmpty(t, p.BaseCommit)
	assert.NotEmpty(t, p.TipCommit)
	assert.Equal(t, f.git.PulseBranch(wf.ID, p.ID), p.Branch)
	assert.Equal(t, "add /health endpoint", p.Summary)
	require.Len(t, f.git.pulseMerges, 1)
	assert.Equal(t, p.ID, f.git.pulseMerges[0])

	done, err := f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{
		MergeStrategy: git.StrategySquash,
		CommitMessage: "Add healthcheck",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDone, done.Stage)
	require.NotNil(t, done.Merge)
	assert.Equal(t, []string{p.ID}, done.Merge.PulseIDs)

	require.Len(t, f.git.wfMerges, 1)
	assert.Equal(t, git.StrategySquash, f.git.wfMerges[0].strategy)
	assert.Equal(t, "main", f.git.wfMerges[0].baseBranch)
	assert.Equal(t, "Add healthcheck", f.git.wfMerges[0].commitMessage)

	got := f.workflow(wf.ID)
	assert.Equal(t, string(workflow.StageDone), got.Status)
	assert.False(t, got.AwaitingApproval)
	assert.ElementsMatch(t, []string{
		string(workflow.StageResearching), string(workflow.StagePlanning),
	}, got.SkippedStages)
}

func TestShellDenialBecomesToolResultNotAbort(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Clean caches", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Execution,
		modeltest.ToolUse(nil, "", "call_rm", "execute_command", map[string]any{
			"command": "rm -rf /etc",
			"reason":  "clear stale config",
		}),
		modeltest.Reply(nil, "Skipped the deletion."),
	)
	f.scriptReviewRound(cleanReviewCall())

	// Deny the approval as soon as it surfaces.
	approvals := f.subscribe()
	go func() {
		timeout := time.After(5 * time.Second)
		for {
			select {
			case d := <-approvals.C:
				if ev, ok := d.Event.(bus.ShellApprovalNeeded); ok {
					assert.Equal(t, "rm -rf /etc", ev.Command)
					assert.NoError(t, f.eng.DenyShell(ev.ApprovalID, "too dangerous"))
					return
				}
			case <-timeout:
				return
			}
		}
	}()

	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{Path: workflow.PathQuick})
	require.NoError(t, err)

	resolved := f.wait(sub, "shell:approval_resolved").(bus.ShellApprovalResolved)
	assert.False(t, resolved.Approved)
	assert.Equal(t, "rm -rf /etc", resolved.Command)

	// The denied command is a tool result; the pulse still completes.
	f.wait(sub, "workflow:approval_needed")
	pulses, err := f.db.ListPulsesByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pulses, 1)
	assert.Equal(t, store.PulseCompleted, pulses[0].Status)
}

func TestPulseMergeFailureKeepsWorkflowInProgress(t *testing.T) {
	f := newEngineFixture(t)
	f.git.failPulseMerge = true
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Execution, modeltest.Reply(nil, "Done."))
	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{Path: workflow.PathQuick})
	require.NoError(t, err)

	f.wait(sub, "workflow:error")

	pulses, err := f.db.ListPulsesByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pulses, 1)
	assert.Equal(t, store.PulseFailed, pulses[0].Status)
	assert.NotEmpty(t, pulses[0].RecoveryCommit)

	got := f.workflow(wf.ID)
	assert.Equal(t, string(workflow.StageInProgress), got.Status)
	assert.False(t, got.AwaitingApproval)
}

func TestRequestFixesRunsFixPulseAndNewReview(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Execution, modeltest.Reply(nil, "Implemented."))
	f.scriptReviewRound(reviewWithCommentCall())
	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{Path: workflow.PathQuick})
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	// Fix pulse plus a second, clean review round.
	f.script(role.Execution, modeltest.Reply(nil, "Wired the shutdown context."))
	f.scriptReviewRound(cleanReviewCall())

	tr, err := f.eng.RequestFixes(ctx, wf.ID, nil, "address the blocking comment")
	require.NoError(t, err)
	assert.Equal(t, workflow.StageInProgress, tr.Stage)
	require.Len(t, tr.FixComments, 1)
	assert.Contains(t, tr.Input, "health.go")

	ev := f.wait(sub, "workflow:approval_needed").(bus.WorkflowApprovalNeeded)
	assert.Equal(t, artifact.TypeReviewCard, ev.ArtifactType)

	pulses, err := f.db.ListPulsesByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pulses, 2)
	for _, p := range pulses {
		assert.Equal(t, store.PulseCompleted, p.Status)
	}

	comments, err := f.db.ListReviewComments(ctx, tr.FixComments[0].ArtifactID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, artifact.CommentFixed, comments[0].Status)

	// The squash now carries both pulse trailers.
	done, err := f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{MergeStrategy: git.StrategySquash})
	require.NoError(t, err)
	require.NotNil(t, done.Merge)
	assert.ElementsMatch(t, []string{pulses[0].ID, pulses[1].ID}, done.Merge.PulseIDs)
}

func TestRewindFromReviewToPlanning(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Research, researchCall())
	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{})
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Planning, planCall())
	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{})
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Execution, modeltest.Reply(nil, "Implemented."))
	f.scriptReviewRound(cleanReviewCall())
	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{})
	require.NoError(t, err)
	ev := f.wait(sub, "workflow:approval_needed").(bus.WorkflowApprovalNeeded)
	require.Equal(t, artifact.TypeReviewCard, ev.ArtifactType)

	// Rewind past the open review gate back to planning.
	f.script(role.Planning, modeltest.Reply(nil, "What should the plan change?"))
	tr, err := f.eng.Rewind(ctx, wf.ID, workflow.StagePlanning)
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePlanning, tr.Stage)
	require.NotNil(t, tr.Session)
	assert.Equal(t, string(role.Planning), tr.Session.AgentRole)

	f.wait(sub, "turn:completed")

	got := f.workflow(wf.ID)
	assert.Equal(t, string(workflow.StagePlanning), got.Status)
	assert.False(t, got.AwaitingApproval)
	assert.Contains(t, f.git.checkouts, wf.ID)

	recs, err := f.eng.artifacts.ListByWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	for _, rec := range recs {
		switch rec.Type {
		case artifact.TypeScopeCard, artifact.TypeResearchCard:
			assert.Equal(t, store.ArtifactApproved, rec.Status, rec.Type)
		default:
			assert.Equal(t, store.ArtifactDenied, rec.Status, rec.Type)
		}
	}
}

func TestHistoryAssemblesDurableRecord(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	f.script(role.Execution, modeltest.Reply(nil, "Implemented."))
	f.scriptReviewRound(cleanReviewCall())
	_, err = f.eng.Approve(ctx, wf.ID, workflow.ApproveOptions{Path: workflow.PathQuick})
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")

	hist, err := f.eng.History(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, hist.Workflow.ID)
	// Scoping, execution, three sub-reviewers, coordinator.
	assert.GreaterOrEqual(t, len(hist.Sessions), 6)
	require.Len(t, hist.Pulses, 1)

	types := make(map[string]int)
	for _, rec := range hist.Artifacts {
		types[rec.Type]++
	}
	assert.Equal(t, 1, types[artifact.TypeScopeCard])
	assert.Equal(t, 1, types[artifact.TypePlan])
	assert.Equal(t, 1, types[artifact.TypeReviewCard])

	assert.NotEmpty(t, hist.StageViews)
	for _, sh := range hist.Sessions {
		for _, entry := range sh.Turns {
			if entry.Turn.Role == "assistant" && entry.Turn.Status == store.TurnCompleted {
				require.NotNil(t, entry.Message, "assistant turn %s missing message", entry.Turn.ID)
			}
		}
	}
}

func TestStartRecoversAbandonedState(t *testing.T) {
	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	wf := &store.Workflow{Title: "orphaned", Status: store.WorkflowInProgress, BaseBranch: "main"}
	require.NoError(t, db.CreateWorkflow(ctx, wf))
	sess := &store.Session{WorkflowID: wf.ID, AgentRole: string(role.Execution), Status: store.SessionActive}
	require.NoError(t, db.CreateSession(ctx, sess))
	turn := &store.Turn{SessionID: sess.ID, Index: 0, Role: "assistant", Status: store.TurnStreaming}
	require.NoError(t, db.CreateTurn(ctx, turn))
	pulse := &store.Pulse{WorkflowID: wf.ID, Index: 0, Status: store.PulseRunning, Summary: "half done"}
	require.NoError(t, db.CreatePulse(ctx, pulse))

	cfg := config.Default()
	cfg.Project.Root = t.TempDir()
	fg := &fakeGit{}
	eng, err := New(Options{
		Config: cfg,
		DB:     db,
		Events: bus.New(),
		Broker: interrupt.NewBroker(),
		Git:    fg,
		Models: func(r role.Role, _ *config.ModelConfig) (model.LLM, error) {
			return modeltest.New(string(r)), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(eng.Stop)

	gotSess, err := db.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionError, gotSess.Status)

	gotTurn, err := db.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnErrored, gotTurn.Status)

	gotPulse, err := db.GetPulse(ctx, pulse.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PulseAborted, gotPulse.Status)
	assert.NotEmpty(t, gotPulse.RecoveryCommit)
	assert.Equal(t, []string{pulse.ID}, fg.recoveries)
}

func TestArchiveStopsFurtherCommands(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.script(role.Scoping, scopeCall())
	sub := f.subscribe()

	wf, err := f.eng.CreateWorkflow(ctx, "Add healthcheck", "", "")
	require.NoError(t, err)
	f.wait(sub, "workflow:approval_needed")
	sessionID := f.workflow(wf.ID).CurrentSessionID

	_, err = f.eng.Archive(ctx, wf.ID)
	require.NoError(t, err)

	got := f.workflow(wf.ID)
	assert.True(t, got.Archived)

	_, err = f.eng.SendMessage(ctx, sessionID, "still there?")
	assert.ErrorIs(t, err, workflow.ErrArchived)
}
