// Package anthropic implements the model.LLM contract over the
// Anthropic Messages API with SSE streaming.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/autarch-dev/autarch/pkg/httpclient"
	"github.com/autarch-dev/autarch/pkg/model"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	betaThinking     = "interleaved-thinking-2025-05-14"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 8192
	defaultTimeout   = 5 * time.Minute

	// Anthropic requires temperature 1 when thinking is enabled.
	thinkingTemperature = 1.0
)

// Config configures the Anthropic client.
type Config struct {
	APIKey         string
	Model          string
	MaxTokens      int
	Temperature    *float64
	BaseURL        string
	Timeout        time.Duration
	EnableThinking bool
	ThinkingBudget int
}

// Client streams turns from the Anthropic Messages API.
type Client struct {
	httpClient     *httpclient.Client
	apiKey         string
	baseURL        string
	model          string
	maxTokens      int
	temperature    *float64
	enableThinking bool
	thinkingBudget int
}

// New creates a new Anthropic client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	thinkingBudget := cfg.ThinkingBudget
	if thinkingBudget == 0 {
		thinkingBudget = 2048
	}

	// Transport-level retries handle rate limiting; the session runtime
	// owns retries of broken streams.
	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(2),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	)

	return &Client{
		httpClient:     httpClient,
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		model:          modelName,
		maxTokens:      maxTokens,
		temperature:    cfg.Temperature,
		enableThinking: cfg.EnableThinking,
		thinkingBudget: thinkingBudget,
	}, nil
}

// Name returns the model identifier.
func (c *Client) Name() string {
	return c.model
}

// Close releases resources.
func (c *Client) Close() error {
	return nil
}

// streamState holds state accumulated during SSE parsing.
type streamState struct {
	toolJSONBuffers    map[int]string
	toolCalls          map[int]*model.ToolCall
	thinkingBuffers    map[int]string
	thinkingSignatures map[int]string
	thinking           *model.Thinking
	usage              model.Usage
	stopReason         model.StopReason
}

func newStreamState() *streamState {
	return &streamState{
		toolJSONBuffers:    make(map[int]string),
		toolCalls:          make(map[int]*model.ToolCall),
		thinkingBuffers:    make(map[int]string),
		thinkingSignatures: make(map[int]string),
		stopReason:         model.StopReasonEndTurn,
	}
}

// Stream produces one assistant turn as a StreamEvent sequence.
func (c *Client) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.StreamEvent, error] {
	return func(yield func(*model.StreamEvent, error) bool) {
		apiReq := c.buildRequest(req)

		body, err := json.Marshal(apiReq)
		if err != nil {
			yield(nil, &model.ProviderError{Provider: "anthropic", Err: fmt.Errorf("failed to marshal request: %w", err)})
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			yield(nil, &model.ProviderError{Provider: "anthropic", Err: fmt.Errorf("failed to create request: %w", err)})
			return
		}

		c.setHeaders(httpReq)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield(nil, &model.ProviderError{Provider: "anthropic", Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			yield(nil, &model.ProviderError{
				Provider:   "anthropic",
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("API error: %s", string(respBody)),
			})
			return
		}

		reader := bufio.NewReader(resp.Body)
		state := newStreamState()

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				yield(nil, &model.ProviderError{Provider: "anthropic", Err: fmt.Errorf("stream read error: %w", err)})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var event sseEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			for ev := range c.processEvent(&event, state) {
				if !yield(ev, nil) {
					return
				}
			}
		}

		yield(&model.StreamEvent{
			Kind:       model.EventDone,
			Thinking:   state.thinking,
			Usage:      &state.usage,
			StopReason: state.stopReason,
		}, nil)
	}
}

// processEvent turns one SSE event into zero or more StreamEvents.
func (c *Client) processEvent(event *sseEvent, state *streamState) iter.Seq[*model.StreamEvent] {
	return func(yield func(*model.StreamEvent) bool) {
		switch event.Type {
		case "message_start":
			if event.Message != nil {
				state.usage.Add(usageFromAPI(&event.Message.Usage))
			}

		case "content_block_start":
			if event.ContentBlock != nil {
				switch event.ContentBlock.Type {
				case "tool_use":
					state.toolCalls[event.Index] = &model.ToolCall{
						ID:   event.ContentBlock.ID,
						Name: event.ContentBlock.Name,
					}
					state.toolJSONBuffers[event.Index] = ""
				case "thinking":
					state.thinkingBuffers[event.Index] = ""
					state.thinkingSignatures[event.Index] = ""
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				return
			}
			switch event.Delta.Type {
			case "text_delta":
				yield(&model.StreamEvent{Kind: model.EventTextDelta, Text: event.Delta.Text})
			case "thinking_delta":
				state.thinkingBuffers[event.Index] += event.Delta.Thinking
				yield(&model.StreamEvent{Kind: model.EventThinkingDelta, Text: event.Delta.Thinking})
			case "input_json_delta":
				state.toolJSONBuffers[event.Index] += event.Delta.PartialJSON
			case "signature_delta":
				state.thinkingSignatures[event.Index] += event.Delta.Signature
			}

		case "content_block_stop":
			if tc, ok := state.toolCalls[event.Index]; ok {
				if jsonStr := state.toolJSONBuffers[event.Index]; jsonStr != "" {
					var args map[string]any
					_ = json.Unmarshal([]byte(jsonStr), &args)
					tc.Args = args
				}
				delete(state.toolCalls, event.Index)
				yield(&model.StreamEvent{Kind: model.EventToolCall, ToolCall: tc})
			}

			if content, ok := state.thinkingBuffers[event.Index]; ok && content != "" {
				state.thinking = &model.Thinking{
					Content:   content,
					Signature: state.thinkingSignatures[event.Index],
				}
				delete(state.thinkingBuffers, event.Index)
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				switch event.Delta.StopReason {
				case "tool_use":
					state.stopReason = model.StopReasonToolUse
				case "max_tokens":
					state.stopReason = model.StopReasonMaxTokens
				default:
					state.stopReason = model.StopReasonEndTurn
				}
			}
			if event.Usage != nil {
				state.usage.Add(usageFromAPI(event.Usage))
			}
		}
	}
}

func usageFromAPI(u *apiUsage) *model.Usage {
	if u == nil {
		return nil
	}
	return &model.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		CacheReadTokens:  u.CacheReadInputTokens,
		CacheWriteTokens: u.CacheCreationInputTokens,
	}
}

// setHeaders sets the required HTTP headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	if c.enableThinking {
		req.Header.Set("anthropic-beta", betaThinking)
	}
}

// buildRequest creates an API request from a model.Request.
func (c *Client) buildRequest(req *model.Request) *apiRequest {
	apiReq := &apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Stream:    true,
	}

	if c.enableThinking {
		apiReq.Temperature = thinkingTemperature
		apiReq.Thinking = &thinkingSettings{
			Type:         "enabled",
			BudgetTokens: c.thinkingBudget,
		}
	} else if c.temperature != nil {
		apiReq.Temperature = *c.temperature
	}

	if req.System != "" {
		apiReq.System = req.System
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "assistant"
		}

		var content []apiContent

		// Thinking blocks must precede text and tool use in replayed
		// assistant messages.
		if msg.Thinking != nil {
			content = append(content, apiContent{
				Type:      "thinking",
				Thinking:  msg.Thinking.Content,
				Signature: msg.Thinking.Signature,
			})
		}
		if msg.Text != "" {
			content = append(content, apiContent{Type: "text", Text: msg.Text})
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, apiContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Args,
			})
		}
		for _, tr := range msg.ToolResults {
			// Anthropic rejects empty tool results.
			resultContent := tr.Content
			if resultContent == "" {
				resultContent = "(no output)"
			}
			content = append(content, apiContent{
				Type:      "tool_result",
				ToolUseID: tr.ToolCallID,
				Content:   resultContent,
				IsError:   tr.IsError,
			})
		}

		if len(content) > 0 {
			apiReq.Messages = append(apiReq.Messages, apiMessage{
				Role:    role,
				Content: content,
			})
		}
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return apiReq
}

// API types

type apiRequest struct {
	Model       string            `json:"model"`
	Messages    []apiMessage      `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature,omitempty"`
	Stream      bool              `json:"stream"`
	System      string            `json:"system,omitempty"`
	Tools       []apiTool         `json:"tools,omitempty"`
	Thinking    *thinkingSettings `json:"thinking,omitempty"`
}

type thinkingSettings struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type apiMessage struct {
	Role    string       `json:"role"`
	Content []apiContent `json:"content"`
}

type apiContent struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type apiUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type sseMessage struct {
	Usage apiUsage `json:"usage"`
}

type sseEvent struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	Message      *sseMessage `json:"message,omitempty"`
	Delta        *apiDelta   `json:"delta,omitempty"`
	ContentBlock *apiContent `json:"content_block,omitempty"`
	Usage        *apiUsage   `json:"usage,omitempty"`
}

type apiDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Ensure Client implements model.LLM
var _ model.LLM = (*Client)(nil)
