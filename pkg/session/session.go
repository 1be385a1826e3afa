// Package session executes agent turns: it streams the model,
// partitions output into segments, dispatches tools between segments,
// surfaces interrupts, and persists the durable message projection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/config"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/knowledge"
	"github.com/autarch-dev/autarch/pkg/logger"
	"github.com/autarch-dev/autarch/pkg/model"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/tool"
)

// ErrCancelled reports that the turn was cancelled by the user.
var ErrCancelled = errors.New("session: turn cancelled")

// Runtime executes turns for sessions. One Runtime serves all
// workflows; per-workflow serialization is the scheduler's concern.
type Runtime struct {
	db        *store.Store
	events    *bus.Bus
	broker    *interrupt.Broker
	roles     *role.Registry
	knowledge knowledge.Provider
	cfg       config.SessionConfig
	kcfg      config.KnowledgeConfig
	log       *slog.Logger
}

// Options configures a Runtime. Knowledge is optional.
type Options struct {
	DB              *store.Store
	Events          *bus.Bus
	Broker          *interrupt.Broker
	Roles           *role.Registry
	Knowledge       knowledge.Provider
	Config          config.SessionConfig
	KnowledgeConfig config.KnowledgeConfig
}

// NewRuntime creates a turn runtime.
func NewRuntime(opts Options) *Runtime {
	return &Runtime{
		db:        opts.DB,
		events:    opts.Events,
		broker:    opts.Broker,
		roles:     opts.Roles,
		knowledge: opts.Knowledge,
		cfg:       opts.Config,
		kcfg:      opts.KnowledgeConfig,
		log:       logger.GetLogger("session"),
	}
}

// TurnRequest is the input for one turn of a session.
type TurnRequest struct {
	Session *store.Session

	// Input is the user (or synthetic system) message text.
	Input string

	// Stage of the owning workflow, recorded on knowledge events.
	Stage string

	ProjectRoot  string
	WorktreePath string

	// Model streams the assistant response.
	Model model.LLM

	// Tools is the role's tool subset.
	Tools *tool.Registry

	// Allowlist scopes shell approvals. Nil disables approval-gated tools.
	Allowlist *interrupt.Allowlist
}

// TurnResult is what a completed turn produced.
type TurnResult struct {
	UserTurn *store.Turn
	Turn     *store.Turn
	Message  *store.Message
	Usage    model.Usage
	Cost     float64

	// ArtifactID/ArtifactType are set when the turn ended by
	// submitting an artifact; the gate transition is the caller's.
	ArtifactID   string
	ArtifactType string

	// ExtensionRequested is set when the agent checkpointed via
	// request_extension; the checkpoint note is already persisted.
	ExtensionRequested bool

	// SubReviewReport carries the JSON findings of a sub-review turn.
	SubReviewReport string
}

// RunTurn executes one complete turn: persists the user turn, streams
// the assistant response with bounded provider retries, dispatches
// tools, and writes the assistant message projection atomically.
func (r *Runtime) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	agentRole, err := role.Parse(req.Session.AgentRole)
	if err != nil {
		return nil, err
	}
	system, err := r.roles.SystemPrompt(agentRole)
	if err != nil {
		return nil, err
	}

	history, err := r.loadHistory(ctx, req.Session.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userTurn, err := r.recordUserTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	turn := &store.Turn{
		SessionID:    req.Session.ID,
		Role:         "assistant",
		Status:       store.TurnStreaming,
		ModelID:      req.Model.Name(),
		ParentTurnID: userTurn.ID,
	}
	turn.Index, err = r.db.NextTurnIndex(ctx, req.Session.ID)
	if err != nil {
		return nil, err
	}
	if err := r.db.CreateTurn(ctx, turn); err != nil {
		return nil, err
	}
	r.events.Publish(bus.TurnStarted{SessionID: req.Session.ID, TurnID: turn.ID, Role: "assistant"})

	system, kerr := r.injectKnowledge(ctx, req, turn, system)
	if kerr != nil {
		r.log.Warn("knowledge injection failed", "turn", turn.ID, "error", kerr)
	}

	history = append(history, model.Message{Role: model.RoleUser, Text: req.Input})

	state := newTurnState(r.events, req.Session.ID, turn)
	runErr := r.turnLoop(ctx, req, system, history, state, agentRole)
	return r.finishTurn(ctx, req, userTurn, turn, state, runErr)
}

// turnLoop drives model iterations until the turn terminates.
func (r *Runtime) turnLoop(ctx context.Context, req TurnRequest, system string, history []model.Message, state *turnState, agentRole role.Role) error {
	maxIterations := r.roles.MaxIterations(agentRole)
	definitions := req.Tools.Definitions()
	toolDefs := make([]model.ToolDefinition, len(definitions))
	for i, d := range definitions {
		toolDefs[i] = model.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Schema}
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		request := &model.Request{System: system, Messages: history, Tools: toolDefs}

		outcome, err := r.streamWithRetries(ctx, req.Model, state, request)
		if err != nil {
			return err
		}

		if len(outcome.toolCalls) == 0 {
			state.seg.finish()
			return nil
		}

		results, terminal, err := r.dispatchTools(ctx, req, state, outcome.toolCalls)
		if err != nil {
			return err
		}

		history = append(history, assistantMessage(outcome))
		history = append(history, model.Message{Role: model.RoleUser, ToolResults: results})

		if terminal {
			state.seg.finish()
			return nil
		}
	}

	return fmt.Errorf("session: turn exceeded %d tool iterations", maxIterations)
}

// streamWithRetries runs one model call, retrying provider failures
// with exponential backoff. Retries keep the turn and continue with
// fresh segment indices.
func (r *Runtime) streamWithRetries(ctx context.Context, llm model.LLM, state *turnState, request *model.Request) (*streamOutcome, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.ProviderRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			r.log.Warn("provider call failed, retrying",
				"turn", state.turn.ID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ErrCancelled
			}
		}

		outcome, err := r.streamOnce(ctx, llm, state, request)
		if err == nil {
			return outcome, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, ErrCancelled
		}
		// A failed stream leaves its partial segment closed; the
		// retry continues with fresh indices.
		state.seg.breakSegment()
		lastErr = err
	}
	return nil, fmt.Errorf("session: provider retries exhausted: %w", lastErr)
}

// backoff doubles the base delay per attempt with jitter, capped.
func (r *Runtime) backoff(attempt int) time.Duration {
	delay := r.cfg.RetryBaseDelay << (attempt - 1)
	if delay > r.cfg.RetryMaxDelay {
		delay = r.cfg.RetryMaxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)/2 + 1))
	if delay > r.cfg.RetryMaxDelay {
		delay = r.cfg.RetryMaxDelay
	}
	return delay
}

// injectKnowledge queries the provider and appends surfaced items to
// the system prompt, recording provenance (refs only, never content).
func (r *Runtime) injectKnowledge(ctx context.Context, req TurnRequest, turn *store.Turn, system string) (string, error) {
	if r.knowledge == nil || strings.TrimSpace(req.Input) == "" {
		return system, nil
	}
	items, err := r.knowledge.Query(ctx, req.Input, r.kcfg.TopK, r.kcfg.MinSimilarity)
	if err != nil || len(items) == 0 {
		return system, err
	}

	var b strings.Builder
	b.WriteString(system)
	b.WriteString("\n\nRelevant knowledge from prior work:\n")
	refs := make([]store.KnowledgeItem, len(items))
	for i, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Ref, item.Content)
		refs[i] = store.KnowledgeItem{Ref: item.Ref, Similarity: item.Similarity}
	}

	event := &store.KnowledgeEvent{
		WorkflowID: req.Session.WorkflowID,
		SessionID:  req.Session.ID,
		TurnID:     turn.ID,
		AgentRole:  req.Session.AgentRole,
		Stage:      req.Stage,
		Items:      refs,
	}
	if err := r.db.CreateKnowledgeEvent(ctx, event); err != nil {
		return system, err
	}
	return b.String(), nil
}

// recordUserTurn persists the triggering user turn and its projection.
func (r *Runtime) recordUserTurn(ctx context.Context, req TurnRequest) (*store.Turn, error) {
	turn := &store.Turn{
		SessionID: req.Session.ID,
		Role:      "user",
		Status:    store.TurnCompleted,
	}
	var err error
	turn.Index, err = r.db.NextTurnIndex(ctx, req.Session.ID)
	if err != nil {
		return nil, err
	}
	turn.CompletedAt = time.Now().UTC()
	if err := r.db.CreateTurn(ctx, turn); err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:        turn.ID,
		SessionID: req.Session.ID,
		Role:      "user",
		Segments:  []store.Segment{{Index: 0, Content: req.Input}},
	}
	if err := r.db.PutMessage(ctx, msg); err != nil {
		return nil, err
	}
	return turn, nil
}

// finishTurn persists the assistant turn and its message projection
// for every outcome: completion, provider exhaustion, cancellation.
func (r *Runtime) finishTurn(ctx context.Context, req TurnRequest, userTurn, turn *store.Turn, state *turnState, runErr error) (*TurnResult, error) {
	msg := state.projection()

	switch {
	case runErr == nil:
		turn.Status = store.TurnCompleted
	case errors.Is(runErr, ErrCancelled):
		turn.Status = store.TurnCancelled
	default:
		turn.Status = store.TurnErrored
	}

	turn.PromptTokens = state.usage.PromptTokens
	turn.CompletionTokens = state.usage.CompletionTokens
	turn.CacheReadTokens = state.usage.CacheReadTokens
	turn.CacheWriteTokens = state.usage.CacheWriteTokens
	turn.Cost = model.Cost(turn.ModelID, &state.usage)
	turn.CompletedAt = time.Now().UTC()

	// The projection is written before the status flips so a crash
	// between the two recovers as a streaming turn, never as a
	// completed turn without a message.
	if err := r.db.PutMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if err := r.db.UpdateTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("persist turn: %w", err)
	}

	if runErr != nil {
		if errors.Is(runErr, ErrCancelled) {
			r.broker.CancelSession(req.Session.ID)
		}
		return nil, runErr
	}

	r.events.Publish(bus.TurnCompleted{SessionID: req.Session.ID, TurnID: turn.ID, Cost: turn.Cost})

	return &TurnResult{
		UserTurn:           userTurn,
		Turn:               turn,
		Message:            msg,
		Usage:              state.usage,
		Cost:               turn.Cost,
		ArtifactID:         state.artifactID,
		ArtifactType:       state.artifactType,
		ExtensionRequested: state.extensionRequested,
		SubReviewReport:    state.subReviewReport,
	}, nil
}

// IsFatal reports whether a turn error indicates a broken invariant
// that must park the workflow rather than allow a retry.
func IsFatal(err error) bool {
	return artifact.IsInvariantError(err)
}
