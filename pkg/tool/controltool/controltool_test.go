package controltool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/tool"
)

func TestAskUserQuestions(t *testing.T) {
	broker := interrupt.NewBroker()
	events := bus.New()
	defer events.Close()
	sub := events.Subscribe()

	tc := &tool.Context{WorkflowID: "wf_1", SessionID: "sess_1", TurnID: "turn_1", AgentRole: "scoping"}
	ask := NewAskUserQuestions(broker, events)

	// Resolve as soon as the interrupt appears on the bus.
	go func() {
		for d := range sub.C {
			if asked, ok := d.Event.(bus.QuestionsAsked); ok {
				_, err := broker.Resolve(asked.QuestionSetID, interrupt.Resolution{
					Outcome: interrupt.OutcomeAnswers,
					Answers: map[string]string{"q1": "port 8080", "q2": "yes"},
					Comment: "ship it",
				})
				assert.NoError(t, err)
				return
			}
		}
	}()

	res, err := ask.Execute(context.Background(), tc, map[string]any{
		"questions": []any{"Which port?", "Enable TLS?"},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "Q: Which port?")
	assert.Contains(t, res.Content, "A: port 8080")
	assert.Contains(t, res.Content, "Comment: ship it")
	assert.Equal(t, "ship it", res.Metadata[tool.MetaAnswersComment])
	assert.NotEmpty(t, res.Metadata[tool.MetaQuestionSetID])

	// Resumption is announced after the answers rejoin the turn.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-sub.C:
			if submitted, ok := d.Event.(bus.QuestionsSubmitted); ok {
				assert.Equal(t, "sess_1", submitted.SessionID)
				assert.Equal(t, "turn_1", submitted.TurnID)
				assert.Equal(t, "ship it", submitted.Comment)
				return
			}
		case <-deadline:
			t.Fatal("questions:submitted never published")
		}
	}
}

func TestAskUserQuestionsCancelled(t *testing.T) {
	broker := interrupt.NewBroker()
	events := bus.New()
	defer events.Close()

	tc := &tool.Context{WorkflowID: "wf_1", SessionID: "sess_1", TurnID: "turn_1"}
	ask := NewAskUserQuestions(broker, events)

	go func() {
		time.Sleep(20 * time.Millisecond)
		broker.CancelSession("sess_1")
	}()

	res, err := ask.Execute(context.Background(), tc, map[string]any{
		"questions": []any{"Anyone there?"},
	})
	require.NoError(t, err, "cancellation is a tool-style denial result")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")
}

func TestAskUserQuestionsEmpty(t *testing.T) {
	ask := NewAskUserQuestions(interrupt.NewBroker(), bus.New())
	res, err := ask.Execute(context.Background(), &tool.Context{}, map[string]any{
		"questions": []any{},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRequestExtension(t *testing.T) {
	re := NewRequestExtension()
	assert.False(t, re.RequiresApproval())

	res, err := re.Execute(context.Background(), &tool.Context{}, map[string]any{
		"summary": "mapped the router packages; storage layer still unexplored",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Metadata[tool.MetaExtensionRequested])
	assert.Contains(t, res.Metadata["summary"], "router packages")

	res, err = re.Execute(context.Background(), &tool.Context{}, map[string]any{"summary": " "})
	require.NoError(t, err)
	assert.False(t, res.Success)
}
