// Package server exposes the engine over HTTP: a REST surface for
// workflow operations and a server-sent-events stream for the bus.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/autarch-dev/autarch/pkg/auth"
	"github.com/autarch-dev/autarch/pkg/bus"
	"github.com/autarch-dev/autarch/pkg/config"
	"github.com/autarch-dev/autarch/pkg/engine"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/logger"
	"github.com/autarch-dev/autarch/pkg/observability"
	"github.com/autarch-dev/autarch/pkg/ratelimit"
	"github.com/autarch-dev/autarch/pkg/session"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/workflow"
)

// Engine is the subset of engine operations the HTTP surface needs.
type Engine interface {
	CreateWorkflow(ctx context.Context, title, description, priority string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, includeArchived bool) ([]*store.Workflow, error)
	GetWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error)
	History(ctx context.Context, workflowID string) (*engine.History, error)
	Approve(ctx context.Context, workflowID string, opts workflow.ApproveOptions) (*workflow.Transition, error)
	RequestChanges(ctx context.Context, workflowID, feedback string) (*workflow.Transition, error)
	RequestFixes(ctx context.Context, workflowID string, commentIDs []string, summary string) (*workflow.Transition, error)
	Rewind(ctx context.Context, workflowID string, target workflow.Stage) (*workflow.Transition, error)
	Archive(ctx context.Context, workflowID string) (*store.Workflow, error)
	SendMessage(ctx context.Context, sessionID, content string) (*session.TurnResult, error)
	ApproveShell(id string, remember, persistForProject bool) error
	DenyShell(id, reason string) error
	RequestCredential(ctx context.Context, workflowID, sessionID, prompt string) (string, error)
	RespondCredential(id string, credential *string) error
	AnswerQuestions(id string, answers map[string]string, comment string) error
	PendingInterrupts() []interrupt.Pending
}

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Engine  Engine
	Events  *bus.Bus
	Metrics observability.Recorder
}

// Server is the Autarch HTTP API.
type Server struct {
	cfg       *config.Config
	engine    Engine
	events    *bus.Bus
	metrics   observability.Recorder
	validator *auth.TokenValidator
	limiter   *ratelimit.Limiter

	srv *http.Server
	log *slog.Logger
}

// New builds a server. When auth is enabled the token validator is
// constructed eagerly, so a bad JWKS URL fails here instead of on the
// first request.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event bus is required")
	}

	s := &Server{
		cfg:     opts.Config,
		engine:  opts.Engine,
		events:  opts.Events,
		metrics: opts.Metrics,
		log:     logger.GetLogger("server"),
	}
	if s.metrics == nil {
		s.metrics = observability.NoopMetrics{}
	}

	if s.cfg.Auth.Enabled {
		validator, err := auth.NewTokenValidator(ctx, &s.cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth setup failed: %w", err)
		}
		s.validator = validator
		s.log.Info("authentication enabled", "excluded_paths", s.cfg.Auth.ExcludedPaths)
	}

	if rl := s.cfg.Server.RateLimit; rl != nil && rl.Enabled {
		limiter, err := ratelimit.NewLimiter(rl, nil)
		if err != nil {
			return nil, fmt.Errorf("rate limit setup failed: %w", err)
		}
		s.limiter = limiter
		s.log.Info("rate limiting enabled", "requests", rl.Requests, "window", rl.Window)
	}

	return s, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:        s.cfg.Server.ListenAddr(),
		Handler:     s.routes(),
		ReadTimeout: s.cfg.Server.ReadTimeout,
	}

	s.log.Info("http server starting", "address", s.srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections and drains in-flight requests.
// Open SSE streams end when their client contexts are cancelled by the
// server closing.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.log.Info("http server shutting down")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// routes assembles the middleware chain and endpoint table.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.Observability.Metrics.Enabled {
		r.Use(s.httpMetrics)
	}
	r.Use(s.corsHeaders)
	if s.validator != nil {
		r.Use(auth.Middleware(s.validator, s.cfg.Auth.ExcludedPaths))
	}
	if s.limiter != nil {
		r.Use(ratelimit.Middleware(s.limiter, nil, s.cfg.Server.RateLimit.ExcludedPaths))
	}

	r.Get("/health", s.handleHealth)
	if s.cfg.Observability.Metrics.Enabled {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/events", s.handleEvents)
	r.Get("/config/schema", s.handleConfigSchema)

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.handleListWorkflows)
		r.Post("/", s.handleCreateWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Get("/history", s.handleHistory)
			r.Post("/approve", s.handleApprove)
			r.Post("/request-changes", s.handleRequestChanges)
			r.Post("/request-fixes", s.handleRequestFixes)
			r.Post("/rewind", s.handleRewind)
			r.Post("/archive", s.handleArchive)
		})
	})

	r.Post("/sessions/{id}/message", s.handleSendMessage)

	r.Get("/interrupts", s.handlePendingInterrupts)
	r.Post("/shell-approval/{id}/approve", s.handleShellApprove)
	r.Post("/shell-approval/{id}/deny", s.handleShellDeny)
	r.Post("/credential-prompt", s.handleCredentialRequest)
	r.Post("/credential-prompt/{id}/respond", s.handleCredentialRespond)
	r.Post("/questions/{id}/answer", s.handleAnswerQuestions)

	return r
}
