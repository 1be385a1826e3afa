// Package modeltest provides a scripted model.LLM for deterministic
// turn-loop and engine tests.
package modeltest

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/autarch-dev/autarch/pkg/model"
)

// Step is one element of a scripted stream: either an event or an
// error injected mid-stream.
type Step struct {
	Event *model.StreamEvent
	Err   error
}

// Call is the full script for one Stream invocation.
type Call struct {
	Steps []Step
}

// Scripted replays pre-programmed streams in order. Each Stream call
// consumes the next Call; calls beyond the script yield an empty done
// event. Safe for concurrent use.
type Scripted struct {
	name string

	mu       sync.Mutex
	calls    []Call
	next     int
	requests []*model.Request
}

// New creates a scripted model with the given name.
func New(name string, calls ...Call) *Scripted {
	return &Scripted{name: name, calls: calls}
}

// Append adds further calls to the script.
func (s *Scripted) Append(calls ...Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, calls...)
}

// Requests returns a copy of every request received so far.
func (s *Scripted) Requests() []*model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// CallCount returns how many Stream invocations have happened.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Name returns the model identifier.
func (s *Scripted) Name() string {
	return s.name
}

// Close releases nothing.
func (s *Scripted) Close() error {
	return nil
}

// Stream replays the next scripted call.
func (s *Scripted) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.StreamEvent, error] {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var call Call
	if s.next < len(s.calls) {
		call = s.calls[s.next]
	} else {
		call = Done(nil)
	}
	s.next++
	s.mu.Unlock()

	return func(yield func(*model.StreamEvent, error) bool) {
		for _, step := range call.Steps {
			if ctx.Err() != nil {
				yield(nil, &model.ProviderError{Provider: "scripted", Err: ctx.Err()})
				return
			}
			if !yield(step.Event, step.Err) {
				return
			}
			if step.Err != nil {
				return
			}
		}
	}
}

// Text builds a text-delta step.
func Text(delta string) Step {
	return Step{Event: &model.StreamEvent{Kind: model.EventTextDelta, Text: delta}}
}

// Thought builds a thinking-delta step.
func Thought(delta string) Step {
	return Step{Event: &model.StreamEvent{Kind: model.EventThinkingDelta, Text: delta}}
}

// Tool builds a tool-call step. Args are round-tripped through JSON so
// scripted values carry the same dynamic types a real provider decodes
// off the wire (e.g. []any rather than []string).
func Tool(id, name string, args map[string]any) Step {
	if data, err := json.Marshal(args); err == nil {
		var wire map[string]any
		if err := json.Unmarshal(data, &wire); err == nil {
			args = wire
		}
	}
	return Step{Event: &model.StreamEvent{
		Kind:     model.EventToolCall,
		ToolCall: &model.ToolCall{ID: id, Name: name, Args: args},
	}}
}

// Fail builds an error step (mid-stream provider failure).
func Fail(err error) Step {
	return Step{Err: err}
}

// DoneStep builds the terminating done step.
func DoneStep(usage *model.Usage, stop model.StopReason) Step {
	if usage == nil {
		usage = &model.Usage{}
	}
	return Step{Event: &model.StreamEvent{Kind: model.EventDone, Usage: usage, StopReason: stop}}
}

// Done builds a Call that ends immediately with the given usage.
func Done(usage *model.Usage) Call {
	return Call{Steps: []Step{DoneStep(usage, model.StopReasonEndTurn)}}
}

// Reply builds a Call that streams text then ends the turn.
func Reply(usage *model.Usage, deltas ...string) Call {
	var steps []Step
	for _, d := range deltas {
		steps = append(steps, Text(d))
	}
	steps = append(steps, DoneStep(usage, model.StopReasonEndTurn))
	return Call{Steps: steps}
}

// ToolUse builds a Call that streams text, requests one tool call, and
// stops for tool use.
func ToolUse(usage *model.Usage, text string, id, name string, args map[string]any) Call {
	var steps []Step
	if text != "" {
		steps = append(steps, Text(text))
	}
	steps = append(steps, Tool(id, name, args))
	steps = append(steps, DoneStep(usage, model.StopReasonToolUse))
	return Call{Steps: steps}
}

// Ensure Scripted implements model.LLM
var _ model.LLM = (*Scripted)(nil)
