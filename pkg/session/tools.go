package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/model"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/tool"
)

// dispatchTools executes a batch of tool calls sequentially. Failures
// become tool results the model sees; only broken invariants and
// cancellation abort the turn. The terminal flag is set when a call
// ended the turn (artifact submission, extension, sub-review).
func (r *Runtime) dispatchTools(ctx context.Context, req TurnRequest, state *turnState, calls []pendingCall) ([]model.ToolResult, bool, error) {
	results := make([]model.ToolResult, 0, len(calls))
	terminal := false

	for _, pc := range calls {
		r.events.Publish(bus.TurnToolStarted{
			SessionID: req.Session.ID,
			TurnID:    state.turn.ID,
			ToolID:    pc.call.ID,
			Index:     pc.index,
			Name:      pc.call.Name,
			Input:     pc.call.Args,
		})

		res, err := r.executeTool(ctx, req, state, pc)
		if err != nil {
			return nil, false, err
		}

		r.events.Publish(bus.TurnToolCompleted{
			SessionID: req.Session.ID,
			TurnID:    state.turn.ID,
			ToolID:    pc.call.ID,
			Output:    res.Content,
			Success:   res.Success,
		})

		state.toolCalls = append(state.toolCalls, store.MessageToolCall{
			ID:      pc.call.ID,
			Name:    pc.call.Name,
			Input:   pc.call.Args,
			Output:  res.Content,
			Success: res.Success,
			Index:   pc.index,
		})

		if r.applySignals(ctx, req, state, res) {
			terminal = true
		}

		content := res.Content
		if !res.Success && res.Error != "" {
			content = res.Error
		}
		results = append(results, model.ToolResult{
			ToolCallID: pc.call.ID,
			Name:       pc.call.Name,
			Content:    content,
			IsError:    !res.Success,
		})
	}

	return results, terminal, nil
}

// executeTool runs one call: schema validation, approval gating, and
// the deadline-bounded invocation.
func (r *Runtime) executeTool(ctx context.Context, req TurnRequest, state *turnState, pc pendingCall) (tool.Result, error) {
	t, ok := req.Tools.Get(pc.call.Name)
	if !ok {
		return tool.Errorf("unknown tool %q", pc.call.Name), nil
	}

	if err := tool.Validate(t.Definition().Schema, pc.call.Args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}

	if t.RequiresApproval() {
		approved, denyReason, err := r.approveCall(ctx, req, state, pc)
		if err != nil {
			return tool.Result{}, err
		}
		if !approved {
			if denyReason == "" {
				denyReason = "denied by user"
			}
			return tool.Errorf("command denied: %s", denyReason), nil
		}
	}

	tc := &tool.Context{
		ProjectRoot:  req.ProjectRoot,
		WorktreePath: req.WorktreePath,
		WorkflowID:   req.Session.WorkflowID,
		SessionID:    req.Session.ID,
		TurnID:       state.turn.ID,
		AgentRole:    req.Session.AgentRole,
	}

	toolCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	res, err := t.Execute(toolCtx, tc, pc.call.Args)
	if err != nil {
		if IsFatal(err) {
			return tool.Result{}, err
		}
		if ctx.Err() != nil {
			return tool.Result{}, ErrCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) || toolCtx.Err() != nil {
			return tool.Errorf("tool %s timed out after %s", pc.call.Name, r.cfg.ToolTimeout), nil
		}
		return tool.Errorf("tool %s failed: %v", pc.call.Name, err), nil
	}
	if ctx.Err() != nil {
		return tool.Result{}, ErrCancelled
	}
	return res, nil
}

// approveCall resolves an approval-gated call through the allowlist or
// a shell-approval interrupt.
func (r *Runtime) approveCall(ctx context.Context, req TurnRequest, state *turnState, pc pendingCall) (bool, string, error) {
	if req.Allowlist == nil {
		return false, "approval-gated tools are not available in this session", nil
	}

	command, _ := pc.call.Args["command"].(string)
	if command == "" {
		command = pc.call.Name
	}
	reason, _ := pc.call.Args["reason"].(string)

	allowed, err := req.Allowlist.Allowed(ctx, command)
	if err != nil {
		r.log.Warn("allowlist lookup failed", "command", command, "error", err)
	}
	if allowed {
		return true, "", nil
	}

	future := r.broker.Register(interrupt.Pending{
		Kind:       interrupt.KindShellApproval,
		WorkflowID: req.Session.WorkflowID,
		SessionID:  req.Session.ID,
		TurnID:     state.turn.ID,
		AgentRole:  req.Session.AgentRole,
		Command:    command,
		Reason:     reason,
	})
	r.events.Publish(bus.ShellApprovalNeeded{
		ApprovalID: future.ID(),
		WorkflowID: req.Session.WorkflowID,
		SessionID:  req.Session.ID,
		Command:    command,
		Reason:     reason,
		AgentRole:  req.Session.AgentRole,
	})

	res, err := future.Wait(ctx)
	if err != nil {
		if errors.Is(err, interrupt.ErrCancelled) || ctx.Err() != nil {
			return false, "", ErrCancelled
		}
		return false, "", err
	}

	approved := res.Outcome == interrupt.OutcomeApproved
	r.events.Publish(bus.ShellApprovalResolved{
		ApprovalID: future.ID(),
		WorkflowID: req.Session.WorkflowID,
		SessionID:  req.Session.ID,
		Command:    command,
		Approved:   approved,
	})

	if approved && res.Remember {
		if err := req.Allowlist.Remember(ctx, command, res.PersistForProject); err != nil {
			r.log.Warn("remember approval failed", "command", command, "error", err)
		}
	}
	return approved, res.Reason, nil
}

// applySignals interprets result metadata. It reports whether the
// call terminates the turn.
func (r *Runtime) applySignals(ctx context.Context, req TurnRequest, state *turnState, res tool.Result) bool {
	if res.Metadata == nil {
		return false
	}

	if id, ok := res.Metadata[tool.MetaArtifactID].(string); ok && id != "" {
		state.artifactID = id
		state.artifactType, _ = res.Metadata[tool.MetaArtifactType].(string)
		return true
	}

	if requested, ok := res.Metadata[tool.MetaExtensionRequested].(bool); ok && requested {
		summary, _ := res.Metadata["summary"].(string)
		note := &store.Note{
			WorkflowID: req.Session.WorkflowID,
			SessionID:  req.Session.ID,
			Kind:       store.NoteCheckpoint,
			Content:    summary,
		}
		if err := r.db.CreateNote(ctx, note); err != nil {
			r.log.Warn("checkpoint note failed", "session", req.Session.ID, "error", err)
		}
		state.extensionRequested = true
		return true
	}

	if done, ok := res.Metadata[tool.MetaSubReviewComplete].(bool); ok && done {
		state.subReviewReport = res.Content
		return true
	}

	if qs, ok := res.Metadata[tool.MetaQuestions].([]interrupt.Question); ok {
		for _, q := range qs {
			state.questions = append(state.questions, store.MessageQuestion{ID: q.ID, Text: q.Text})
		}
		state.comment, _ = res.Metadata[tool.MetaAnswersComment].(string)
	}

	return false
}

// RequestCredential raises a credential prompt on behalf of the git
// askpass helper and blocks until resolved.
func (r *Runtime) RequestCredential(ctx context.Context, workflowID, sessionID, prompt string) (string, error) {
	future := r.broker.Register(interrupt.Pending{
		Kind:       interrupt.KindCredential,
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Prompt:     prompt,
	})
	r.events.Publish(bus.CredentialPromptNeeded{
		PromptID:   future.ID(),
		WorkflowID: workflowID,
		SessionID:  sessionID,
		Prompt:     prompt,
	})

	res, err := future.Wait(ctx)
	if err != nil {
		return "", fmt.Errorf("credential prompt: %w", err)
	}
	r.events.Publish(bus.CredentialPromptResolved{
		PromptID: future.ID(),
		Provided: res.Credential != "",
	})
	return res.Credential, nil
}
