package session

import (
	"context"
	"strings"

	"github.com/autarch-dev/autarch/pkg/model"
	"github.com/autarch-dev/autarch/pkg/store"
)

// loadHistory rebuilds the model conversation from the session's
// durable message projections.
func (r *Runtime) loadHistory(ctx context.Context, sessionID string) ([]model.Message, error) {
	msgs, err := r.db.ListMessagesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var history []model.Message
	for _, m := range msgs {
		text := joinSegments(m.Segments)

		if m.Role == "user" {
			history = append(history, model.Message{Role: model.RoleUser, Text: text})
			continue
		}

		assistant := model.Message{Role: model.RoleAssistant, Text: text}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, model.ToolCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: tc.Input,
			})
		}
		history = append(history, assistant)

		if len(m.ToolCalls) > 0 {
			var results []model.ToolResult
			for _, tc := range m.ToolCalls {
				results = append(results, model.ToolResult{
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    tc.Output,
					IsError:    !tc.Success,
				})
			}
			history = append(history, model.Message{Role: model.RoleUser, ToolResults: results})
		}
	}
	return history, nil
}

func joinSegments(segments []store.Segment) string {
	var parts []string
	for _, s := range segments {
		if s.Content != "" {
			parts = append(parts, s.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
