package artifacttool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/tool"
)

func newTestStore(t *testing.T) *artifact.Store {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return artifact.NewStore(db)
}

func toolCtx(turnID string) *tool.Context {
	return &tool.Context{WorkflowID: "wf_1", SessionID: "sess_1", TurnID: turnID}
}

func TestSubmitScope(t *testing.T) {
	artifacts := newTestStore(t)
	st := NewSubmitScope(artifacts)

	res, err := st.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"title":    "Add health endpoint",
		"summary":  "expose GET /health returning 200",
		"in_scope": []any{"pkg/server"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, artifact.TypeScopeCard, res.Metadata[tool.MetaArtifactType])

	id, ok := res.Metadata[tool.MetaArtifactID].(string)
	require.True(t, ok)
	rec, err := artifacts.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusPending, rec.Status)
	assert.Equal(t, "turn_1", rec.TurnID)

	card, err := artifact.DecodeScopeCard(rec)
	require.NoError(t, err)
	assert.Equal(t, "Add health endpoint", card.Title)
	assert.Equal(t, []string{"pkg/server"}, card.InScope)
}

func TestSubmitScopeMissingTitle(t *testing.T) {
	st := NewSubmitScope(newTestStore(t))
	res, err := st.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"summary": "no title given",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSubmitScopeSecondPendingRejected(t *testing.T) {
	artifacts := newTestStore(t)
	st := NewSubmitScope(artifacts)
	args := map[string]any{"title": "t", "summary": "s"}

	_, err := st.Execute(context.Background(), toolCtx("turn_1"), args)
	require.NoError(t, err)

	_, err = st.Execute(context.Background(), toolCtx("turn_2"), args)
	require.Error(t, err)
	assert.True(t, artifact.IsInvariantError(err))
}

func TestSubmitResearch(t *testing.T) {
	artifacts := newTestStore(t)
	sr := NewSubmitResearch(artifacts)

	res, err := sr.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"summary": "the router lives in pkg/server",
		"findings": []any{
			map[string]any{
				"topic":     "routing",
				"detail":    "chi router mounted in server.go",
				"resources": []any{"pkg/server/server.go"},
			},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	rec, err := artifacts.Get(context.Background(), res.Metadata[tool.MetaArtifactID].(string))
	require.NoError(t, err)
	card, err := artifact.DecodeResearchCard(rec)
	require.NoError(t, err)
	require.Len(t, card.Findings, 1)
	assert.Equal(t, "routing", card.Findings[0].Topic)
}

func TestCreatePlan(t *testing.T) {
	artifacts := newTestStore(t)
	cp := NewCreatePlan(artifacts)

	res, err := cp.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"summary": "two-step rollout",
		"steps": []any{
			map[string]any{"title": "add handler", "detail": "new /health handler"},
			map[string]any{"title": "wire route", "detail": "mount handler on the router"},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, artifact.TypePlan, res.Metadata[tool.MetaArtifactType])

	rec, err := artifacts.Get(context.Background(), res.Metadata[tool.MetaArtifactID].(string))
	require.NoError(t, err)
	plan, err := artifact.DecodePlan(rec)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.False(t, plan.Synthesized)
}

func TestCreatePlanNoSteps(t *testing.T) {
	cp := NewCreatePlan(newTestStore(t))
	res, err := cp.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"summary": "empty",
		"steps":   []any{},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestCompleteReview(t *testing.T) {
	artifacts := newTestStore(t)
	cr := NewCompleteReview(artifacts)

	res, err := cr.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"summary": "solid change, one nit",
		"verdict": "request_changes",
		"comments": []any{
			map[string]any{
				"type":        "line",
				"file_path":   "pkg/server/server.go",
				"line_start":  float64(10),
				"line_end":    float64(12),
				"category":    "correctness",
				"severity":    "High",
				"description": "missing error check",
			},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	id := res.Metadata[tool.MetaArtifactID].(string)
	comments, err := artifacts.Comments(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "High", comments[0].Severity)
	assert.Equal(t, artifact.CommentOpen, comments[0].Status)
}

func TestCompleteReviewBadVerdict(t *testing.T) {
	cr := NewCompleteReview(newTestStore(t))
	res, err := cr.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"summary": "s",
		"verdict": "maybe",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSubmitSubReview(t *testing.T) {
	ssr := NewSubmitSubReview()

	res, err := ssr.Execute(context.Background(), toolCtx("turn_1"), map[string]any{
		"focus":   "error handling",
		"summary": "one unchecked error",
		"comments": []any{
			map[string]any{
				"type":        "file",
				"file_path":   "pkg/server/server.go",
				"category":    "correctness",
				"severity":    "Medium",
				"description": "handler swallows the store error",
			},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Metadata[tool.MetaSubReviewComplete])
	// Sub-reviews are not artifacts; no gate metadata is set.
	assert.NotContains(t, res.Metadata, tool.MetaArtifactID)

	var report SubReviewReport
	require.NoError(t, json.Unmarshal([]byte(res.Content), &report))
	assert.Equal(t, "error handling", report.Focus)
	require.Len(t, report.Comments, 1)
	assert.Equal(t, "Medium", report.Comments[0].Severity)
}

func TestAllNames(t *testing.T) {
	tools := All(newTestStore(t))
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Definition().Name
	}
	assert.ElementsMatch(t, []string{
		"submit_scope", "submit_research", "create_plan",
		"complete_review", "submit_sub_review",
	}, names)
}
