package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/session"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/workflow"
)

// continueInput is the synthetic message that resumes a session after
// the agent checkpointed via request_extension.
const continueInput = "Continue from your checkpoint note."

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdMessage
	cmdApprove
	cmdRequestChanges
	cmdRequestFixes
	cmdRewind
	cmdArchive
)

type command struct {
	kind       cmdKind
	sessionID  string
	input      string
	approve    workflow.ApproveOptions
	commentIDs []string
	target     workflow.Stage

	reply chan *commandResult
}

// commandResult carries a command's outcome back to the caller. err is
// the command error; transport failures surface separately.
type commandResult struct {
	workflow   *store.Workflow
	transition *workflow.Transition
	turn       *session.TurnResult
	err        error
}

// scheduler serializes all work for one workflow. Commands reply as
// soon as the state transition lands; follow-on agent work (stage
// turns, pulses, review) continues on the scheduler goroutine, so the
// next command waits for it. Message turns reply when the turn ends.
type scheduler struct {
	e          *Engine
	workflowID string
	mailbox    chan *command
	log        *slog.Logger

	allowMu    sync.Mutex
	allowlists map[string]*interrupt.Allowlist
}

func newScheduler(e *Engine, workflowID string) *scheduler {
	return &scheduler{
		e:          e,
		workflowID: workflowID,
		mailbox:    make(chan *command, 16),
		log:        e.log.With("workflow_id", workflowID),
		allowlists: make(map[string]*interrupt.Allowlist),
	}
}

// do submits a command and waits for its reply.
func (s *scheduler) do(ctx context.Context, c *command) (*commandResult, error) {
	c.reply = make(chan *commandResult, 1)
	select {
	case s.mailbox <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.e.ctx.Done():
		return nil, ErrStopped
	}
	select {
	case res := <-c.reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.e.ctx.Done():
		return nil, ErrStopped
	}
}

func (s *scheduler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-s.mailbox:
			res, cont := s.handle(ctx, c)
			c.reply <- res
			if cont != nil && res.err == nil {
				cont(ctx)
			}
		}
	}
}

// handle applies one command and returns the follow-on work to run
// after the reply is sent.
func (s *scheduler) handle(ctx context.Context, c *command) (*commandResult, func(context.Context)) {
	wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
	if err != nil {
		return &commandResult{err: err}, nil
	}

	switch c.kind {
	case cmdStart:
		t, err := s.e.machine.Start(ctx, wf)
		if err != nil {
			return &commandResult{workflow: wf, err: err}, nil
		}
		return &commandResult{workflow: wf, transition: t}, s.stageWork(t)

	case cmdMessage:
		return s.handleMessage(ctx, wf, c)

	case cmdApprove:
		t, err := s.e.machine.Approve(ctx, wf, c.approve)
		if err != nil {
			return &commandResult{workflow: wf, err: err}, nil
		}
		res := &commandResult{workflow: wf, transition: t}
		switch {
		case t.Stage == workflow.StageInProgress:
			return res, func(ctx context.Context) { s.runPulses(ctx) }
		case t.Session != nil:
			return res, s.stageWork(t)
		default:
			return res, nil
		}

	case cmdRequestChanges:
		t, err := s.e.machine.RequestChanges(ctx, wf, c.input)
		if err != nil {
			return &commandResult{workflow: wf, err: err}, nil
		}
		return &commandResult{workflow: wf, transition: t}, s.stageWork(t)

	case cmdRequestFixes:
		t, err := s.e.machine.RequestFixes(ctx, wf, c.commentIDs, c.input)
		if err != nil {
			return &commandResult{workflow: wf, err: err}, nil
		}
		return &commandResult{workflow: wf, transition: t}, func(ctx context.Context) {
			s.runFixPulse(ctx, t)
		}

	case cmdRewind:
		t, err := s.e.machine.Rewind(ctx, wf, c.target)
		if err != nil {
			return &commandResult{workflow: wf, err: err}, nil
		}
		res := &commandResult{workflow: wf, transition: t}
		if t.Stage == workflow.StageInProgress {
			return res, func(ctx context.Context) { s.runPulses(ctx) }
		}
		return res, s.stageWork(t)

	case cmdArchive:
		err := s.e.machine.Archive(ctx, wf)
		return &commandResult{workflow: wf, err: err}, nil

	default:
		return &commandResult{err: fmt.Errorf("engine: unknown command %d", c.kind)}, nil
	}
}

func (s *scheduler) handleMessage(ctx context.Context, wf *store.Workflow, c *command) (*commandResult, func(context.Context)) {
	if wf.Archived {
		return &commandResult{workflow: wf, err: workflow.ErrArchived}, nil
	}
	if wf.AwaitingApproval {
		return &commandResult{workflow: wf, err: workflow.ErrGateOpen}, nil
	}
	sess, err := s.e.db.GetSession(ctx, c.sessionID)
	if err != nil {
		return &commandResult{workflow: wf, err: err}, nil
	}
	if sess.WorkflowID != s.workflowID {
		return &commandResult{workflow: wf, err: fmt.Errorf("engine: session %s belongs to another workflow", sess.ID)}, nil
	}
	if sess.Status != store.SessionActive {
		return &commandResult{workflow: wf, err: fmt.Errorf("engine: session %s is %s", sess.ID, sess.Status)}, nil
	}

	res, err := s.runTurn(ctx, wf, sess, c.input)
	if err != nil {
		s.reportError(ctx, err)
		return &commandResult{workflow: wf, err: err}, nil
	}
	if res.ArtifactID != "" {
		if err := s.e.machine.RaiseGate(ctx, wf, res.ArtifactType); err != nil {
			return &commandResult{workflow: wf, turn: res, err: err}, nil
		}
	}
	return &commandResult{workflow: wf, turn: res}, nil
}

// stageWork returns the follow-on that runs a stage session until it
// either raises a gate, checkpoints out of budget, or ends its turn
// waiting for the user.
func (s *scheduler) stageWork(t *workflow.Transition) func(context.Context) {
	if t == nil || t.Session == nil {
		return nil
	}
	sessionID, input := t.Session.ID, t.Input
	return func(ctx context.Context) {
		s.runStageSession(ctx, sessionID, input)
	}
}

func (s *scheduler) runStageSession(ctx context.Context, sessionID, input string) {
	for {
		wf, err := s.e.db.GetWorkflow(ctx, s.workflowID)
		if err != nil {
			s.reportError(ctx, err)
			return
		}
		sess, err := s.e.db.GetSession(ctx, sessionID)
		if err != nil {
			s.reportError(ctx, err)
			return
		}
		if sess.Status != store.SessionActive {
			return
		}

		res, err := s.runTurn(ctx, wf, sess, input)
		if err != nil {
			s.reportError(ctx, err)
			return
		}
		if res.ArtifactID != "" {
			if err := s.e.machine.RaiseGate(ctx, wf, res.ArtifactType); err != nil {
				s.reportError(ctx, err)
			}
			return
		}
		if res.ExtensionRequested {
			input = continueInput
			continue
		}
		// Plain response; the session waits for the next user message.
		return
	}
}

// runTurn executes one turn with the role's model, tools, and the
// session's allowlist. The worktree attaches once preflight has run.
func (s *scheduler) runTurn(ctx context.Context, wf *store.Workflow, sess *store.Session, input string) (*session.TurnResult, error) {
	r, err := role.Parse(sess.AgentRole)
	if err != nil {
		return nil, err
	}
	llm, err := s.e.modelFor(r)
	if err != nil {
		return nil, err
	}
	tools, err := s.e.toolsFor(r)
	if err != nil {
		return nil, err
	}

	worktree := ""
	ps, err := s.e.db.GetPreflightSetup(ctx, wf.ID)
	switch {
	case err == nil:
		worktree = ps.WorktreePath
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	return s.e.runtime.RunTurn(ctx, session.TurnRequest{
		Session:      sess,
		Input:        input,
		Stage:        wf.Status,
		ProjectRoot:  s.e.cfg.Project.Root,
		WorktreePath: worktree,
		Model:        llm,
		Tools:        tools,
		Allowlist:    s.allowlist(sess.ID),
	})
}

func (s *scheduler) allowlist(sessionID string) *interrupt.Allowlist {
	s.allowMu.Lock()
	defer s.allowMu.Unlock()
	a, ok := s.allowlists[sessionID]
	if !ok {
		a = interrupt.NewAllowlist(s.e.db, s.workflowID)
		s.allowlists[sessionID] = a
	}
	return a
}

// reportError surfaces background work failures on the event stream.
// Cancellation during shutdown is not an error.
func (s *scheduler) reportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, interrupt.ErrCancelled) {
		s.log.Info("work cancelled", "error", err)
		return
	}
	s.log.Error("workflow work failed", "error", err)
	s.e.events.Publish(bus.WorkflowError{WorkflowID: s.workflowID, Error: err.Error()})
}
