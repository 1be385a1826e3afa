// Package engine drives workflows end to end: it owns one scheduler
// per workflow, the pulse loop, review fan-out, and crash recovery.
//
// Every workflow mutation funnels through that workflow's mailbox, so
// a workflow's turns, gate resolutions, and git operations execute one
// at a time while distinct workflows run in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/config"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/knowledge"
	"github.com/autarch-dev/autarch/pkg/logger"
	"github.com/autarch-dev/autarch/pkg/model"
	"github.com/autarch-dev/autarch/pkg/model/anthropic"
	"github.com/autarch-dev/autarch/pkg/model/gemini"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/session"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/tool"
	"github.com/autarch-dev/autarch/pkg/tool/artifacttool"
	"github.com/autarch-dev/autarch/pkg/tool/controltool"
	"github.com/autarch-dev/autarch/pkg/tool/filetool"
	"github.com/autarch-dev/autarch/pkg/tool/mcptoolset"
	"github.com/autarch-dev/autarch/pkg/tool/shelltool"
	"github.com/autarch-dev/autarch/pkg/workflow"
)

// Engine errors.
var (
	ErrStopped = errors.New("engine: stopped")
)

// GitManager is the slice of git.Manager the engine and the workflow
// machine drive. Tests substitute a fake.
type GitManager interface {
	workflow.GitOps

	EnsureWorkflowResources(ctx context.Context, workflowID, baseBranch string) (string, error)
	PulseBranch(workflowID, pulseID string) string
	CreatePulseBranch(ctx context.Context, workflowID, pulseID string) (string, error)
	Commit(ctx context.Context, workflowID, pulseID, message string) (string, error)
	RecoveryCheckpoint(ctx context.Context, workflowID, pulseID string) (string, error)
	MergePulse(ctx context.Context, workflowID, pulseID string) (string, error)
	DiffAgainstBase(ctx context.Context, workflowID, baseBranch string) (string, error)
}

// ModelFactory builds a streaming client for a role from its model
// configuration. Injected so tests can substitute scripted models.
type ModelFactory func(r role.Role, mc *config.ModelConfig) (model.LLM, error)

// DefaultModelFactory dispatches on the configured provider; the role
// only matters to factories that script per-role behavior.
func DefaultModelFactory(_ role.Role, mc *config.ModelConfig) (model.LLM, error) {
	if mc == nil {
		return nil, errors.New("engine: no model configured")
	}
	switch mc.Provider {
	case config.ModelProviderAnthropic:
		ac := anthropic.Config{
			APIKey:      mc.APIKey,
			Model:       mc.Model,
			MaxTokens:   mc.MaxTokens,
			Temperature: mc.Temperature,
			BaseURL:     mc.BaseURL,
			Timeout:     mc.Timeout,
		}
		if t := mc.Thinking; t != nil && (t.Enabled == nil || *t.Enabled) {
			ac.EnableThinking = true
			ac.ThinkingBudget = t.BudgetTokens
		}
		return anthropic.New(ac)
	case config.ModelProviderGemini:
		return gemini.New(gemini.Config{
			APIKey:      mc.APIKey,
			Model:       mc.Model,
			MaxTokens:   mc.MaxTokens,
			Temperature: mc.Temperature,
		})
	default:
		return nil, fmt.Errorf("engine: unknown model provider %q", mc.Provider)
	}
}

// Options configures an Engine.
type Options struct {
	Config *config.Config
	DB     *store.Store
	Events *bus.Bus
	Broker *interrupt.Broker
	Git    GitManager

	// Models defaults to DefaultModelFactory.
	Models ModelFactory

	// Knowledge is optional; nil disables per-turn injection.
	Knowledge knowledge.Provider
}

// Engine coordinates workflows, sessions, and git state.
type Engine struct {
	cfg       *config.Config
	db        *store.Store
	events    *bus.Bus
	broker    *interrupt.Broker
	artifacts *artifact.Store
	machine   *workflow.Machine
	runtime   *session.Runtime
	roles     *role.Registry
	git       GitManager
	models    ModelFactory
	tools     *tool.Registry
	log       *slog.Logger

	modelMu    sync.Mutex
	modelCache map[role.Role]model.LLM

	mu         sync.Mutex
	schedulers map[string]*scheduler
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mcp []*mcptoolset.Toolset
}

// New wires an engine from its dependencies. Call Start before use.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.DB == nil || opts.Events == nil ||
		opts.Broker == nil || opts.Git == nil {
		return nil, errors.New("engine: config, db, events, broker, and git are required")
	}
	if opts.Models == nil {
		opts.Models = DefaultModelFactory
	}

	artifacts := artifact.NewStore(opts.DB)
	roles := role.NewRegistry(opts.Config)
	machine := workflow.NewMachine(workflow.Options{
		DB:        opts.DB,
		Artifacts: artifacts,
		Events:    opts.Events,
		Git:       opts.Git,
	})
	runtime := session.NewRuntime(session.Options{
		DB:              opts.DB,
		Events:          opts.Events,
		Broker:          opts.Broker,
		Roles:           roles,
		Knowledge:       opts.Knowledge,
		Config:          opts.Config.Session,
		KnowledgeConfig: opts.Config.Knowledge,
	})

	tools := tool.NewRegistry(filetool.All()...)
	tools.Register(shelltool.New())
	tools.Register(controltool.NewAskUserQuestions(opts.Broker, opts.Events))
	tools.Register(controltool.NewRequestExtension())
	for _, t := range artifacttool.All(artifacts) {
		tools.Register(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        opts.Config,
		db:         opts.DB,
		events:     opts.Events,
		broker:     opts.Broker,
		artifacts:  artifacts,
		machine:    machine,
		runtime:    runtime,
		roles:      roles,
		git:        opts.Git,
		models:     opts.Models,
		tools:      tools,
		log:        logger.GetLogger("engine"),
		modelCache: make(map[role.Role]model.LLM),
		schedulers: make(map[string]*scheduler),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start recovers state abandoned by a previous process and connects
// configured MCP tool servers. Must be called once before commands.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	e.connectMCP(ctx)
	return nil
}

// recover marks sessions, turns, and pulses a dead process left behind.
// The broker is process-local, so unresolved interrupts are already
// gone; their sessions surface as errored here.
func (e *Engine) recover(ctx context.Context) error {
	sessionIDs, err := e.db.MarkActiveSessionsError(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	for _, id := range sessionIDs {
		e.events.Publish(bus.SessionError{SessionID: id, Error: "process restarted"})
	}

	if err := e.db.MarkStreamingTurnsErrored(ctx); err != nil {
		return fmt.Errorf("recover turns: %w", err)
	}

	pulses, err := e.db.ListRunningPulses(ctx)
	if err != nil {
		return fmt.Errorf("recover pulses: %w", err)
	}
	for _, p := range pulses {
		commit, err := e.git.RecoveryCheckpoint(ctx, p.WorkflowID, p.ID)
		if err != nil {
			e.log.Warn("recovery checkpoint failed",
				"workflow_id", p.WorkflowID, "pulse_id", p.ID, "error", err)
		}
		p.RecoveryCommit = commit
		p.Status = store.PulseAborted
		if err := e.db.UpdatePulse(ctx, p); err != nil {
			return fmt.Errorf("abort pulse %s: %w", p.ID, err)
		}
		e.events.Publish(bus.WorkflowError{
			WorkflowID: p.WorkflowID,
			Error:      fmt.Sprintf("pulse %s aborted by restart", p.ID),
		})
	}
	if len(sessionIDs) > 0 || len(pulses) > 0 {
		e.log.Info("crash recovery complete",
			"sessions", len(sessionIDs), "pulses", len(pulses))
	}
	return nil
}

func (e *Engine) connectMCP(ctx context.Context) {
	for name, mc := range e.cfg.MCP {
		if mc == nil {
			continue
		}
		ts, err := mcptoolset.New(name, *mc)
		if err != nil {
			e.log.Warn("mcp server skipped", "server", name, "error", err)
			continue
		}
		tools, err := ts.Tools(ctx)
		if err != nil {
			e.log.Warn("mcp server unreachable", "server", name, "error", err)
			continue
		}
		for _, t := range tools {
			e.tools.Register(t)
		}
		e.mcp = append(e.mcp, ts)
		e.log.Info("mcp server connected", "server", name, "tools", len(tools))
	}
}

// Stop cancels in-flight work and waits for all schedulers to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	for _, ts := range e.mcp {
		if err := ts.Close(); err != nil {
			e.log.Warn("mcp close failed", "server", ts.Name(), "error", err)
		}
	}
}

// scheduler returns the workflow's mailbox scheduler, starting one on
// first use.
func (e *Engine) scheduler(workflowID string) (*scheduler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrStopped
	}
	s, ok := e.schedulers[workflowID]
	if !ok {
		s = newScheduler(e, workflowID)
		e.schedulers[workflowID] = s
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			s.run(e.ctx)
		}()
	}
	return s, nil
}

func (e *Engine) dispatch(ctx context.Context, workflowID string, c *command) (*commandResult, error) {
	s, err := e.scheduler(workflowID)
	if err != nil {
		return nil, err
	}
	res, err := s.do(ctx, c)
	if err != nil {
		return nil, err
	}
	return res, res.err
}

// modelFor resolves and caches the streaming client for a role.
func (e *Engine) modelFor(r role.Role) (model.LLM, error) {
	e.modelMu.Lock()
	defer e.modelMu.Unlock()
	if m, ok := e.modelCache[r]; ok {
		return m, nil
	}
	m, err := e.models(r, e.roles.Model(r))
	if err != nil {
		return nil, fmt.Errorf("model for role %s: %w", r, err)
	}
	e.modelCache[r] = m
	return m, nil
}

// toolsFor builds the role's registry subset.
func (e *Engine) toolsFor(r role.Role) (*tool.Registry, error) {
	names, err := e.roles.ToolNames(r)
	if err != nil {
		return nil, err
	}
	return e.tools.Subset(names...)
}

// CreateWorkflow creates a workflow from a user prompt and opens its
// scoping stage. The scoping agent's first turn runs before return.
func (e *Engine) CreateWorkflow(ctx context.Context, title, description, priority string) (*store.Workflow, error) {
	wf := &store.Workflow{
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      store.WorkflowBacklog,
		BaseBranch:  e.cfg.Project.BaseBranch,
	}
	if err := e.db.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.events.Publish(bus.WorkflowCreated{
		WorkflowID: wf.ID,
		Title:      wf.Title,
		Status:     wf.Status,
	})

	res, err := e.dispatch(ctx, wf.ID, &command{kind: cmdStart})
	if err != nil {
		return nil, err
	}
	return res.workflow, nil
}

// SendMessage delivers a user message to a session's workflow mailbox
// and runs the resulting turn. Rejected with workflow.ErrGateOpen when
// the workflow awaits approval.
func (e *Engine) SendMessage(ctx context.Context, sessionID, content string) (*session.TurnResult, error) {
	sess, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res, err := e.dispatch(ctx, sess.WorkflowID, &command{
		kind:      cmdMessage,
		sessionID: sessionID,
		input:     content,
	})
	if err != nil {
		return nil, err
	}
	return res.turn, nil
}

// Approve resolves a raised gate. Scope approvals may select the quick
// path; review approvals choose the merge strategy.
func (e *Engine) Approve(ctx context.Context, workflowID string, opts workflow.ApproveOptions) (*workflow.Transition, error) {
	res, err := e.dispatch(ctx, workflowID, &command{kind: cmdApprove, approve: opts})
	if err != nil {
		return nil, err
	}
	return res.transition, nil
}

// RequestChanges denies the pending artifact and feeds the feedback to
// the same stage session.
func (e *Engine) RequestChanges(ctx context.Context, workflowID, feedback string) (*workflow.Transition, error) {
	res, err := e.dispatch(ctx, workflowID, &command{kind: cmdRequestChanges, input: feedback})
	if err != nil {
		return nil, err
	}
	return res.transition, nil
}

// RequestFixes denies the pending review card and runs a fix pulse for
// the selected comments. Empty selection takes every open comment.
func (e *Engine) RequestFixes(ctx context.Context, workflowID string, commentIDs []string, summary string) (*workflow.Transition, error) {
	res, err := e.dispatch(ctx, workflowID, &command{
		kind:       cmdRequestFixes,
		commentIDs: commentIDs,
		input:      summary,
	})
	if err != nil {
		return nil, err
	}
	return res.transition, nil
}

// Rewind moves the workflow back to an earlier stage.
func (e *Engine) Rewind(ctx context.Context, workflowID string, target workflow.Stage) (*workflow.Transition, error) {
	res, err := e.dispatch(ctx, workflowID, &command{kind: cmdRewind, target: target})
	if err != nil {
		return nil, err
	}
	return res.transition, nil
}

// Archive terminally closes a workflow.
func (e *Engine) Archive(ctx context.Context, workflowID string) (*store.Workflow, error) {
	res, err := e.dispatch(ctx, workflowID, &command{kind: cmdArchive})
	if err != nil {
		return nil, err
	}
	return res.workflow, nil
}

// ListWorkflows returns workflows, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, includeArchived bool) ([]*store.Workflow, error) {
	return e.db.ListWorkflows(ctx, includeArchived)
}

// GetWorkflow returns one workflow snapshot.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error) {
	return e.db.GetWorkflow(ctx, workflowID)
}

// ApproveShell resolves a pending shell approval.
func (e *Engine) ApproveShell(id string, remember, persistForProject bool) error {
	_, err := e.broker.Resolve(id, interrupt.Resolution{
		Outcome:           interrupt.OutcomeApproved,
		Remember:          remember,
		PersistForProject: persistForProject,
	})
	return err
}

// DenyShell resolves a pending shell approval negatively.
func (e *Engine) DenyShell(id, reason string) error {
	_, err := e.broker.Resolve(id, interrupt.Resolution{
		Outcome: interrupt.OutcomeDenied,
		Reason:  reason,
	})
	return err
}

// RespondCredential answers a credential prompt. A nil credential is a
// refusal.
func (e *Engine) RespondCredential(id string, credential *string) error {
	res := interrupt.Resolution{Outcome: interrupt.OutcomeDenied}
	if credential != nil {
		res.Outcome = interrupt.OutcomeCredential
		res.Credential = *credential
	}
	_, err := e.broker.Resolve(id, res)
	return err
}

// RequestCredential raises a credential prompt on behalf of the git
// askpass helper and blocks until a client responds or ctx ends. An
// empty result means the prompt was refused.
func (e *Engine) RequestCredential(ctx context.Context, workflowID, sessionID, prompt string) (string, error) {
	return e.runtime.RequestCredential(ctx, workflowID, sessionID, prompt)
}

// AnswerQuestions answers a pending question set. The waiting tool
// publishes questions:answered once the resolution lands.
func (e *Engine) AnswerQuestions(id string, answers map[string]string, comment string) error {
	_, err := e.broker.Resolve(id, interrupt.Resolution{
		Outcome: interrupt.OutcomeAnswers,
		Answers: answers,
		Comment: comment,
	})
	return err
}

// PendingInterrupts lists unresolved approvals, prompts, and questions.
func (e *Engine) PendingInterrupts() []interrupt.Pending {
	return e.broker.List()
}
