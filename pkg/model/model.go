// Package model defines the LLM contract the session runtime consumes.
//
// A model streams one assistant turn as a flat sequence of StreamEvents:
// text deltas, thinking deltas, completed tool calls, and a final done
// event carrying usage and the stop reason. Providers assemble partial
// tool-call JSON internally; the runtime only ever sees whole calls.
package model

import (
	"context"
	"iter"
)

// LLM is the interface for language model providers.
type LLM interface {
	// Name returns the model identifier (e.g. "claude-sonnet-4-20250514").
	Name() string

	// Stream produces one assistant turn for the given request. The
	// sequence yields zero or more delta events followed by exactly one
	// EventDone, or an error. An error terminates the sequence; the
	// caller decides whether to retry.
	Stream(ctx context.Context, req *Request) iter.Seq2[*StreamEvent, error]

	// Close releases any resources held by the provider.
	Close() error
}

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Request contains the input for one model call.
type Request struct {
	// System is the system instruction.
	System string

	// Messages is the conversation history, oldest first.
	Messages []Message

	// Tools available for the model to call.
	Tools []ToolDefinition
}

// Message is one conversation entry.
//
// Assistant messages may carry text, a thinking block, and tool calls.
// User messages carry text or tool results (the results of the calls in
// the preceding assistant message).
type Message struct {
	Role        Role
	Text        string
	Thinking    *Thinking
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Thinking is a model reasoning block. The signature is provider state
// that must be echoed back on subsequent calls (Anthropic).
type Thinking struct {
	Content   string
	Signature string
}

// ToolDefinition describes a callable tool for function calling.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResult carries a tool's output back to the model.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// EventKind discriminates StreamEvents.
type EventKind string

const (
	// EventTextDelta carries a chunk of assistant text.
	EventTextDelta EventKind = "text_delta"

	// EventThinkingDelta carries a chunk of model reasoning.
	EventThinkingDelta EventKind = "thinking_delta"

	// EventToolCall carries one completed tool call, arguments assembled.
	EventToolCall EventKind = "tool_call"

	// EventDone terminates the stream with usage and stop reason.
	EventDone EventKind = "done"
)

// StreamEvent is one element of a model's output stream.
type StreamEvent struct {
	Kind EventKind

	// Text is set for EventTextDelta and EventThinkingDelta.
	Text string

	// ToolCall is set for EventToolCall.
	ToolCall *ToolCall

	// Thinking is set on EventDone when the turn produced a thinking
	// block, carrying the full content and signature.
	Thinking *Thinking

	// Usage and StopReason are set for EventDone.
	Usage      *Usage
	StopReason StopReason
}

// Usage contains token counts for one model call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)
