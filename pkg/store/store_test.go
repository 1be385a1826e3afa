package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	assert.Error(t, err)
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	got := s.rebind(`SELECT id FROM workflows WHERE id = ? AND status = ?`)
	assert.Equal(t, `SELECT id FROM workflows WHERE id = $1 AND status = $2`, got)

	s.dialect = DialectSQLite
	q := `UPDATE turns SET status = ? WHERE id = ?`
	assert.Equal(t, q, s.rebind(q))
}

func TestWithTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &Workflow{Title: "tx demo", Status: "scoping", AwaitingApproval: true}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	// A returned error rolls every write back.
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		w.AwaitingApproval = false
		if err := tx.UpdateWorkflow(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.AwaitingApproval, "rolled back")

	// Success commits, and nested calls join the outer transaction.
	err = s.WithTx(ctx, func(tx *Store) error {
		return tx.WithTx(ctx, func(inner *Store) error {
			w.AwaitingApproval = false
			w.Status = "researching"
			return inner.UpdateWorkflow(ctx, w)
		})
	})
	require.NoError(t, err)

	got, err = s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.AwaitingApproval)
	assert.Equal(t, "researching", got.Status)
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &Workflow{
		Title:       "Add health endpoint",
		Description: "expose GET /health",
		Priority:    "high",
		Status:      WorkflowScoping,
		BaseBranch:  "main",
	}
	require.NoError(t, s.CreateWorkflow(ctx, w))
	require.NotEmpty(t, w.ID)
	assert.Contains(t, w.ID, "wf_")

	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Title, got.Title)
	assert.Equal(t, WorkflowScoping, got.Status)
	assert.Empty(t, got.SkippedStages)
	assert.False(t, got.AwaitingApproval)

	got.Status = WorkflowInProgress
	got.AwaitingApproval = true
	got.PendingArtifactType = ArtifactPlan
	got.SkippedStages = []string{WorkflowResearching, WorkflowPlanning}
	require.NoError(t, s.UpdateWorkflow(ctx, got))

	got2, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowInProgress, got2.Status)
	assert.True(t, got2.AwaitingApproval)
	assert.Equal(t, ArtifactPlan, got2.PendingArtifactType)
	assert.Equal(t, []string{WorkflowResearching, WorkflowPlanning}, got2.SkippedStages)
	assert.False(t, got2.UpdatedAt.Before(got2.CreatedAt))
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "wf_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateWorkflow(context.Background(), &Workflow{ID: "wf_missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkflowsExcludesArchived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	live := &Workflow{ID: "wf_live", Title: "live", Status: WorkflowScoping}
	dead := &Workflow{ID: "wf_dead", Title: "dead", Status: WorkflowDone, Archived: true}
	require.NoError(t, s.CreateWorkflow(ctx, live))
	require.NoError(t, s.CreateWorkflow(ctx, dead))

	list, err := s.ListWorkflows(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf_live", list[0].ID)

	all, err := s.ListWorkflows(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTurnIndexing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{ID: "sess_1", WorkflowID: "wf_1", AgentRole: "scoping", Status: SessionActive}
	require.NoError(t, s.CreateSession(ctx, sess))

	idx, err := s.NextTurnIndex(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTurn(ctx, &Turn{
			SessionID: sess.ID,
			Index:     i,
			Role:      "assistant",
			Status:    TurnCompleted,
		}))
	}

	idx, err = s.NextTurnIndex(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	turns, err := s.ListTurnsBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Index)
	}
}

func TestTurnUpdateAndUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	turn := &Turn{ID: "turn_1", SessionID: "sess_1", Role: "assistant", Status: TurnStreaming}
	require.NoError(t, s.CreateTurn(ctx, turn))

	turn.Status = TurnCompleted
	turn.ModelID = "claude-sonnet-4-20250514"
	turn.PromptTokens = 1200
	turn.CompletionTokens = 340
	turn.CacheReadTokens = 800
	turn.Cost = 0.0123
	turn.CompletedAt = time.Now()
	require.NoError(t, s.UpdateTurn(ctx, turn))

	got, err := s.GetTurn(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, TurnCompleted, got.Status)
	assert.Equal(t, 1200, got.PromptTokens)
	assert.Equal(t, 800, got.CacheReadTokens)
	assert.InDelta(t, 0.0123, got.Cost, 1e-9)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestCrashRecoveryMarks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "sess_a", WorkflowID: "wf_1", AgentRole: "execution", Status: SessionActive}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "sess_b", WorkflowID: "wf_1", AgentRole: "scoping", Status: SessionCompleted}))
	require.NoError(t, s.CreateTurn(ctx, &Turn{ID: "turn_a", SessionID: "sess_a", Role: "assistant", Status: TurnStreaming}))

	ids, err := s.MarkActiveSessionsError(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_a"}, ids)

	sess, err := s.GetSession(ctx, "sess_a")
	require.NoError(t, err)
	assert.Equal(t, SessionError, sess.Status)

	untouched, err := s.GetSession(ctx, "sess_b")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, untouched.Status)

	require.NoError(t, s.MarkStreamingTurnsErrored(ctx))
	turn, err := s.GetTurn(ctx, "turn_a")
	require.NoError(t, err)
	assert.Equal(t, TurnErrored, turn.Status)
}

func TestMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := &Message{
		ID:        "turn_1",
		SessionID: "sess_1",
		Role:      "assistant",
		Segments: []Segment{
			{Index: 0, Content: "Let me check the handler."},
			{Index: 1, Content: "Done, the route is registered."},
		},
		ToolCalls: []MessageToolCall{
			{ID: "call_1", Name: "read_file", Input: map[string]any{"path": "main.go"}, Output: "package main", Success: true, Index: 0},
		},
		Thought: "need to inspect main first",
	}
	require.NoError(t, s.PutMessage(ctx, m))

	got, err := s.GetMessage(ctx, "turn_1")
	require.NoError(t, err)
	require.Len(t, got.Segments, 2)
	assert.Equal(t, 1, got.Segments[1].Index)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "read_file", got.ToolCalls[0].Name)
	assert.Equal(t, "main.go", got.ToolCalls[0].Input["path"])
	assert.True(t, got.ToolCalls[0].Success)
	assert.Equal(t, "need to inspect main first", got.Thought)
	assert.Empty(t, got.Questions)
}

func TestMessageQuestionsAndComment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutMessage(ctx, &Message{
		ID:        "turn_q",
		SessionID: "sess_1",
		Role:      "assistant",
		Questions: []MessageQuestion{{ID: "q1", Text: "Which port?"}},
	}))
	require.NoError(t, s.PutMessage(ctx, &Message{
		ID:        "turn_r",
		SessionID: "sess_1",
		Role:      "user",
		Comment:   "default is fine",
	}))

	msgs, err := s.ListMessagesBySession(ctx, "sess_1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Which port?", msgs[0].Questions[0].Text)
	assert.Equal(t, "default is fine", msgs[1].Comment)
}

func TestArtifactPendingLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &Artifact{
		WorkflowID: "wf_1",
		TurnID:     "turn_1",
		Type:       ArtifactScopeCard,
		Status:     ArtifactPending,
		Body:       `{"title":"scope"}`,
	}
	require.NoError(t, s.CreateArtifact(ctx, a))

	pending, err := s.GetPendingArtifact(ctx, "wf_1", ArtifactScopeCard)
	require.NoError(t, err)
	assert.Equal(t, a.ID, pending.ID)

	n, err := s.CountPendingArtifacts(ctx, "wf_1", ArtifactScopeCard)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	byTurn, err := s.GetArtifactByTurn(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byTurn.ID)

	require.NoError(t, s.UpdateArtifactStatus(ctx, a.ID, ArtifactApproved))
	_, err = s.GetPendingArtifact(ctx, "wf_1", ArtifactScopeCard)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReviewComments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &ReviewComment{
		ArtifactID:  "art_1",
		Type:        "line",
		FilePath:    "pkg/server/server.go",
		LineStart:   10,
		LineEnd:     12,
		Category:    "correctness",
		Severity:    "High",
		Description: "handler ignores errors",
		Status:      "open",
	}
	require.NoError(t, s.CreateReviewComment(ctx, c))

	list, err := s.ListReviewComments(ctx, "art_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "High", list[0].Severity)

	require.NoError(t, s.UpdateReviewCommentStatus(ctx, c.ID, "fixed"))
	got, err := s.GetReviewComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Status)
}

func TestPulseLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idx, err := s.NextPulseIndex(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	p := &Pulse{
		ID:         "pulse_1",
		WorkflowID: "wf_1",
		Index:      0,
		Status:     PulseRunning,
		Branch:     "autarch/wf_1-pulse_1",
		BaseCommit: "abc123",
	}
	require.NoError(t, s.CreatePulse(ctx, p))

	running, err := s.ListRunningPulses(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "pulse_1", running[0].ID)

	p.Status = PulseCompleted
	p.TipCommit = "def456"
	p.Summary = "added handler"
	require.NoError(t, s.UpdatePulse(ctx, p))

	got, err := s.GetPulse(ctx, "pulse_1")
	require.NoError(t, err)
	assert.Equal(t, PulseCompleted, got.Status)
	assert.Equal(t, "def456", got.TipCommit)

	idx, err = s.NextPulseIndex(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestPreflightSetup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPreflightSetup(ctx, &PreflightSetup{
		WorkflowID:   "wf_1",
		WorktreePath: "/repo/.autarch/worktrees/wf_1",
		BaseBranch:   "main",
	}))

	require.NoError(t, s.AddWorkflowApprovedCommand(ctx, "wf_1", "go test ./..."))
	require.NoError(t, s.AddWorkflowApprovedCommand(ctx, "wf_1", "go test ./..."))
	require.NoError(t, s.AddWorkflowApprovedCommand(ctx, "wf_1", "make lint"))

	got, err := s.GetPreflightSetup(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"go test ./...", "make lint"}, got.ApprovedCommands)

	err = s.AddWorkflowApprovedCommand(ctx, "wf_missing", "ls")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProjectCommands(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddProjectCommand(ctx, "go build ./..."))
	require.NoError(t, s.AddProjectCommand(ctx, "go build ./..."))

	list, err := s.ListProjectCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"go build ./..."}, list)
}

func TestNotesAndKnowledgeEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNote(ctx, &Note{
		WorkflowID: "wf_1",
		SessionID:  "sess_1",
		Kind:       NoteCheckpoint,
		Content:    "research checkpoint after 8 actions",
	}))

	notes, err := s.ListNotesByWorkflow(ctx, "wf_1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, NoteCheckpoint, notes[0].Kind)

	require.NoError(t, s.CreateKnowledgeEvent(ctx, &KnowledgeEvent{
		WorkflowID: "wf_1",
		SessionID:  "sess_1",
		TurnID:     "turn_1",
		AgentRole:  "research",
		Stage:      "researching",
		Items:      []KnowledgeItem{{Ref: "docs/adr/0001.md", Similarity: 0.91}},
	}))
}
