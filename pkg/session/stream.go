package session

import (
	"context"
	"strings"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/model"
	"github.com/autarch-dev/autarch/pkg/store"
)

// segmenter partitions streamed text into indexed segments. A tool
// call closes the current segment; consecutive calls share the index
// of the last closed segment; indices are contiguous and never reused,
// including across provider retries.
type segmenter struct {
	events    *bus.Bus
	sessionID string
	turnID    string

	next   int
	open   strings.Builder
	closed []store.Segment
}

func (s *segmenter) delta(text string) {
	s.events.Publish(bus.TurnMessageDelta{
		SessionID:    s.sessionID,
		TurnID:       s.turnID,
		SegmentIndex: s.next,
		Delta:        text,
	})
	s.open.WriteString(text)
}

// toolBoundary closes the open segment and returns the index the tool
// call is tagged with. A call before any text closes an empty segment
// 0; a call directly after another shares its index.
func (s *segmenter) toolBoundary() int {
	if s.open.Len() > 0 || len(s.closed) == 0 {
		s.closeSegment()
	}
	return s.closed[len(s.closed)-1].Index
}

// breakSegment closes a partial segment after a failed stream so the
// retry continues with a fresh index.
func (s *segmenter) breakSegment() {
	if s.open.Len() > 0 {
		s.closeSegment()
	}
}

// finish closes the trailing segment at the end of the turn.
func (s *segmenter) finish() {
	if s.open.Len() > 0 {
		s.closeSegment()
	}
}

func (s *segmenter) closeSegment() {
	seg := store.Segment{Index: s.next, Content: s.open.String()}
	s.closed = append(s.closed, seg)
	s.events.Publish(bus.TurnSegmentComplete{
		SessionID:    s.sessionID,
		TurnID:       s.turnID,
		SegmentIndex: seg.Index,
		Content:      seg.Content,
	})
	s.next++
	s.open.Reset()
}

// turnState accumulates everything a turn produces across model
// iterations and retries.
type turnState struct {
	turn    *store.Turn
	seg     *segmenter
	thought strings.Builder
	usage   model.Usage

	toolCalls []store.MessageToolCall
	questions []store.MessageQuestion
	comment   string

	artifactID         string
	artifactType       string
	extensionRequested bool
	subReviewReport    string
}

func newTurnState(events *bus.Bus, sessionID string, turn *store.Turn) *turnState {
	return &turnState{
		turn: turn,
		seg:  &segmenter{events: events, sessionID: sessionID, turnID: turn.ID},
	}
}

// projection builds the immutable message record for this turn.
func (st *turnState) projection() *store.Message {
	return &store.Message{
		ID:        st.turn.ID,
		SessionID: st.turn.SessionID,
		Role:      "assistant",
		Segments:  st.seg.closed,
		ToolCalls: st.toolCalls,
		Thought:   st.thought.String(),
		Questions: st.questions,
		Comment:   st.comment,
	}
}

// pendingCall is a model tool call tagged with its segment index.
type pendingCall struct {
	call  model.ToolCall
	index int
}

// streamOutcome is what one model call produced.
type streamOutcome struct {
	text      strings.Builder
	thinking  *model.Thinking
	toolCalls []pendingCall
	stop      model.StopReason
}

// streamOnce consumes one model stream, feeding deltas through the
// segmenter and collecting tool calls.
func (r *Runtime) streamOnce(ctx context.Context, llm model.LLM, state *turnState, request *model.Request) (*streamOutcome, error) {
	outcome := &streamOutcome{}

	for ev, err := range llm.Stream(ctx, request) {
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case model.EventTextDelta:
			state.seg.delta(ev.Text)
			outcome.text.WriteString(ev.Text)
		case model.EventThinkingDelta:
			state.thought.WriteString(ev.Text)
			r.events.Publish(bus.TurnThoughtDelta{
				SessionID: state.turn.SessionID,
				TurnID:    state.turn.ID,
				Delta:     ev.Text,
			})
		case model.EventToolCall:
			index := state.seg.toolBoundary()
			outcome.toolCalls = append(outcome.toolCalls, pendingCall{call: *ev.ToolCall, index: index})
		case model.EventDone:
			state.usage.Add(ev.Usage)
			outcome.stop = ev.StopReason
			if ev.Thinking != nil {
				outcome.thinking = ev.Thinking
			}
		}
	}
	return outcome, nil
}

// assistantMessage converts a stream outcome into a history entry.
func assistantMessage(outcome *streamOutcome) model.Message {
	msg := model.Message{
		Role:     model.RoleAssistant,
		Text:     outcome.text.String(),
		Thinking: outcome.thinking,
	}
	for _, pc := range outcome.toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, pc.call)
	}
	return msg
}
