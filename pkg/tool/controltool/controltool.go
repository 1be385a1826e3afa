// Package controltool provides the turn-control tools:
// ask_user_questions suspends the turn on a question-set interrupt,
// and request_extension checkpoints long-running research work.
package controltool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/tool"
)

// AskQuestionsArgs defines the parameters for asking the user.
type AskQuestionsArgs struct {
	Questions []string `json:"questions" jsonschema:"required,description=Questions for the user; keep each one specific and answerable"`
}

// AskUserQuestions raises a question-set interrupt and blocks the turn
// until the user answers.
type AskUserQuestions struct {
	broker *interrupt.Broker
	events *bus.Bus
	schema map[string]any
}

// NewAskUserQuestions creates the ask_user_questions tool.
func NewAskUserQuestions(broker *interrupt.Broker, events *bus.Bus) *AskUserQuestions {
	return &AskUserQuestions{
		broker: broker,
		events: events,
		schema: tool.MustSchemaFor[AskQuestionsArgs](),
	}
}

func (t *AskUserQuestions) Definition() tool.Definition {
	return tool.Definition{
		Name:        "ask_user_questions",
		Description: "Ask the user one or more questions and wait for answers. Use when a decision genuinely needs user input.",
		Schema:      t.schema,
	}
}

func (t *AskUserQuestions) RequiresApproval() bool { return false }

func (t *AskUserQuestions) Execute(ctx context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args AskQuestionsArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if len(args.Questions) == 0 {
		return tool.Errorf("questions must not be empty"), nil
	}

	questions := make([]interrupt.Question, len(args.Questions))
	for i, text := range args.Questions {
		questions[i] = interrupt.Question{ID: fmt.Sprintf("q%d", i+1), Text: text}
	}

	future := t.broker.Register(interrupt.Pending{
		Kind:       interrupt.KindQuestions,
		WorkflowID: tc.WorkflowID,
		SessionID:  tc.SessionID,
		TurnID:     tc.TurnID,
		AgentRole:  tc.AgentRole,
		Questions:  questions,
	})

	busQuestions := make([]bus.Question, len(questions))
	for i, q := range questions {
		busQuestions[i] = bus.Question{ID: q.ID, Text: q.Text}
	}
	t.events.Publish(bus.QuestionsAsked{
		WorkflowID:    tc.WorkflowID,
		SessionID:     tc.SessionID,
		TurnID:        tc.TurnID,
		QuestionSetID: future.ID(),
		Questions:     busQuestions,
	})

	res, err := future.Wait(ctx)
	if err != nil {
		if errors.Is(err, interrupt.ErrCancelled) {
			return tool.Errorf("questions cancelled"), nil
		}
		return tool.Result{}, err
	}

	t.events.Publish(bus.QuestionsAnswered{
		QuestionSetID: future.ID(),
		SessionID:     tc.SessionID,
		Answers:       res.Answers,
		Comment:       res.Comment,
	})

	var b strings.Builder
	for _, q := range questions {
		answer, ok := res.Answers[q.ID]
		if !ok {
			answer = "(no answer)"
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", q.Text, answer)
	}
	if res.Comment != "" {
		fmt.Fprintf(&b, "Comment: %s\n", res.Comment)
	}

	// The answers are now part of the turn; signal resumption.
	t.events.Publish(bus.QuestionsSubmitted{
		SessionID: tc.SessionID,
		TurnID:    tc.TurnID,
		Comment:   res.Comment,
	})

	return tool.Result{
		Success: true,
		Content: b.String(),
		Metadata: map[string]any{
			tool.MetaQuestionSetID:  future.ID(),
			tool.MetaQuestions:      questions,
			tool.MetaAnswersComment: res.Comment,
		},
	}, nil
}

// RequestExtensionArgs defines the parameters for a checkpoint.
type RequestExtensionArgs struct {
	Summary string `json:"summary" jsonschema:"required,description=What has been learned so far and what remains"`
}

// RequestExtension records a research checkpoint. The runtime persists
// the summary as a note and ends the turn cleanly.
type RequestExtension struct {
	schema map[string]any
}

// NewRequestExtension creates the request_extension tool.
func NewRequestExtension() *RequestExtension {
	return &RequestExtension{schema: tool.MustSchemaFor[RequestExtensionArgs]()}
}

func (t *RequestExtension) Definition() tool.Definition {
	return tool.Definition{
		Name:        "request_extension",
		Description: "Checkpoint long-running research: summarize progress so far and continue in a fresh turn.",
		Schema:      t.schema,
	}
}

func (t *RequestExtension) RequiresApproval() bool { return false }

func (t *RequestExtension) Execute(_ context.Context, _ *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args RequestExtensionArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(args.Summary) == "" {
		return tool.Errorf("summary must not be empty"), nil
	}
	return tool.Result{
		Success: true,
		Content: "checkpoint recorded",
		Metadata: map[string]any{
			tool.MetaExtensionRequested: true,
			"summary":                   args.Summary,
		},
	}, nil
}
