package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestSubmitAndDecode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Submit(ctx, "wf_1", "turn_1", TypeScopeCard, &ScopeCard{
		Title:      "Add health endpoint",
		Summary:    "expose GET /health returning 200",
		InScope:    []string{"pkg/server"},
		OutOfScope: []string{"auth changes"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "turn_1", rec.TurnID)

	card, err := DecodeScopeCard(rec)
	require.NoError(t, err)
	assert.Equal(t, "Add health endpoint", card.Title)
	assert.Equal(t, []string{"pkg/server"}, card.InScope)

	_, err = DecodePlan(rec)
	assert.Error(t, err, "decoding with the wrong type must fail")
}

func TestAtMostOnePendingPerType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, "wf_1", "turn_1", TypeScopeCard, &ScopeCard{Title: "a"})
	require.NoError(t, err)

	_, err = s.Submit(ctx, "wf_1", "turn_2", TypeScopeCard, &ScopeCard{Title: "b"})
	require.Error(t, err)
	assert.True(t, IsInvariantError(err))

	// A different type is fine, and so is a different workflow.
	_, err = s.Submit(ctx, "wf_1", "turn_3", TypePlan, &Plan{Summary: "p"})
	require.NoError(t, err)
	_, err = s.Submit(ctx, "wf_2", "turn_4", TypeScopeCard, &ScopeCard{Title: "c"})
	require.NoError(t, err)
}

func TestAtMostOneArtifactPerTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, "wf_1", "turn_1", TypeScopeCard, &ScopeCard{Title: "a"})
	require.NoError(t, err)

	_, err = s.Submit(ctx, "wf_1", "turn_1", TypePlan, &Plan{Summary: "p"})
	require.Error(t, err)
	assert.True(t, IsInvariantError(err))
}

func TestApproveDenyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Submit(ctx, "wf_1", "turn_1", TypeResearchCard, &ResearchCard{
		Summary:  "findings",
		Findings: []Finding{{Topic: "handlers", Detail: "chi router", Resources: []string{"pkg/server/server.go"}}},
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkApproved(ctx, rec.ID))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)

	// Double resolution is an invariant violation.
	err = s.MarkDenied(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, IsInvariantError(err))

	// A new pending artifact of the same type is allowed again.
	rec2, err := s.Submit(ctx, "wf_1", "turn_2", TypeResearchCard, &ResearchCard{Summary: "more"})
	require.NoError(t, err)
	require.NoError(t, s.MarkDenied(ctx, rec2.ID))
}

func TestSynthesizedPlanSkipsGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.SubmitApproved(ctx, "wf_1", "", TypePlan, &Plan{
		Summary:     "implement the approved scope",
		Steps:       []PlanStep{{Title: "Implement", Detail: "do the work"}},
		Synthesized: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, rec.Status)
	assert.Empty(t, rec.TurnID)

	plan, err := DecodePlan(rec)
	require.NoError(t, err)
	assert.True(t, plan.Synthesized)

	_, err = s.Pending(ctx, "wf_1", TypePlan)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReviewCardPersistsComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	card := &ReviewCard{
		Summary: "two issues found",
		Verdict: "request_fixes",
		Comments: []ReviewComment{
			{Type: "line", FilePath: "pkg/server/server.go", LineStart: 40, LineEnd: 44,
				Category: "correctness", Severity: SeverityHigh, Description: "nil deref on missing id"},
			{Type: "review", Category: "style", Severity: SeverityLow, Description: "inconsistent log keys"},
		},
	}
	rec, err := s.Submit(ctx, "wf_1", "turn_9", TypeReviewCard, card)
	require.NoError(t, err)

	comments, err := s.Comments(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, CommentOpen, comments[0].Status)
	assert.NotEmpty(t, card.Comments[0].ID, "submitted comments get ids assigned")

	require.NoError(t, s.MarkCommentFixed(ctx, comments[0].ID))
	after, err := s.Comments(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, CommentFixed, after[0].Status)
}

func TestSubmitUnknownType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Submit(context.Background(), "wf_1", "turn_1", "poem", map[string]any{})
	assert.Error(t, err)
}

func TestRevokeDeniesApprovedArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Submit(ctx, "wf_1", "turn_1", TypePlan, &Plan{
		Summary: "two steps",
		Steps:   []PlanStep{{Title: "wire limiter"}, {Title: "add knobs"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkApproved(ctx, rec.ID))

	require.NoError(t, s.Revoke(ctx, rec.ID))
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
}
