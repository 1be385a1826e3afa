package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/model"
)

// sseBody joins SSE data lines the way the Messages API frames them.
func sseBody(events ...string) string {
	var body string
	for _, e := range events {
		body += "data: " + e + "\n\n"
	}
	return body
}

func newTestServer(t *testing.T, status int, body string, capture *apiRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func collect(t *testing.T, c *Client, req *model.Request) ([]*model.StreamEvent, error) {
	t.Helper()
	var events []*model.StreamEvent
	for ev, err := range c.Stream(context.Background(), req) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStreamTextAndToolCall(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"usage":{"input_tokens":100,"cache_read_input_tokens":40}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the file."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tc_1","name":"read_file"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"main.go\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`,
	)

	var captured apiRequest
	srv := newTestServer(t, http.StatusOK, body, &captured)
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	events, err := collect(t, c, &model.Request{
		System:   "be brief",
		Messages: []model.Message{{Role: model.RoleUser, Text: "what is in main.go?"}},
		Tools: []model.ToolDefinition{
			{Name: "read_file", Description: "read a file", Parameters: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, model.EventTextDelta, events[0].Kind)
	assert.Equal(t, "Let me check ", events[0].Text)
	assert.Equal(t, "the file.", events[1].Text)

	assert.Equal(t, model.EventToolCall, events[2].Kind)
	assert.Equal(t, "tc_1", events[2].ToolCall.ID)
	assert.Equal(t, "read_file", events[2].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, events[2].ToolCall.Args)

	done := events[3]
	assert.Equal(t, model.EventDone, done.Kind)
	assert.Equal(t, model.StopReasonToolUse, done.StopReason)
	assert.Equal(t, 100, done.Usage.PromptTokens)
	assert.Equal(t, 25, done.Usage.CompletionTokens)
	assert.Equal(t, 40, done.Usage.CacheReadTokens)

	// Request wiring.
	assert.Equal(t, "be brief", captured.System)
	require.Len(t, captured.Tools, 1)
	assert.True(t, captured.Stream)
}

func TestStreamThinking(t *testing.T) {
	body := sseBody(
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm, "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"tricky"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig123"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"answer"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`,
	)

	srv := newTestServer(t, http.StatusOK, body, nil)
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	events, err := collect(t, c, &model.Request{Messages: []model.Message{{Role: model.RoleUser, Text: "q"}}})
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, model.EventThinkingDelta, events[0].Kind)
	assert.Equal(t, model.EventThinkingDelta, events[1].Kind)
	assert.Equal(t, model.EventTextDelta, events[2].Kind)

	done := events[3]
	require.NotNil(t, done.Thinking)
	assert.Equal(t, "hmm, tricky", done.Thinking.Content)
	assert.Equal(t, "sig123", done.Thinking.Signature)
	assert.Equal(t, model.StopReasonEndTurn, done.StopReason)
}

func TestStreamAPIError(t *testing.T) {
	srv := newTestServer(t, http.StatusBadRequest, `{"error":"bad request"}`, nil)
	defer srv.Close()

	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = collect(t, c, &model.Request{Messages: []model.Message{{Role: model.RoleUser, Text: "q"}}})
	require.Error(t, err)
	assert.True(t, model.IsProviderError(err))
}

func TestBuildRequestToolResults(t *testing.T) {
	c, err := New(Config{APIKey: "test-key"})
	require.NoError(t, err)

	req := c.buildRequest(&model.Request{
		Messages: []model.Message{
			{Role: model.RoleUser, Text: "run it"},
			{
				Role:      model.RoleAssistant,
				Text:      "running",
				Thinking:  &model.Thinking{Content: "plan", Signature: "s"},
				ToolCalls: []model.ToolCall{{ID: "tc_1", Name: "execute_command", Args: map[string]any{"command": "ls"}}},
			},
			{Role: model.RoleUser, ToolResults: []model.ToolResult{{ToolCallID: "tc_1", Content: ""}}},
		},
	})

	require.Len(t, req.Messages, 3)

	// Thinking precedes text precedes tool_use.
	asst := req.Messages[1]
	require.Len(t, asst.Content, 3)
	assert.Equal(t, "thinking", asst.Content[0].Type)
	assert.Equal(t, "text", asst.Content[1].Type)
	assert.Equal(t, "tool_use", asst.Content[2].Type)

	// Empty tool results are padded: Anthropic rejects empty content.
	result := req.Messages[2].Content[0]
	assert.Equal(t, "tool_result", result.Type)
	assert.Equal(t, "tc_1", result.ToolUseID)
	assert.Equal(t, "(no output)", result.Content)
}
