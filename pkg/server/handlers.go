package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/autarch-dev/autarch/pkg/engine"
	"github.com/autarch-dev/autarch/pkg/git"
	"github.com/autarch-dev/autarch/pkg/interrupt"
	"github.com/autarch-dev/autarch/pkg/store"
	"github.com/autarch-dev/autarch/pkg/workflow"
)

const maxBodyBytes = 1 << 20

// Wire shapes. Store rows stay internal; the API speaks camelCase.

type workflowJSON struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	Priority            string    `json:"priority,omitempty"`
	Status              string    `json:"status"`
	AwaitingApproval    bool      `json:"awaitingApproval"`
	PendingArtifactType string    `json:"pendingArtifactType,omitempty"`
	SkippedStages       []string  `json:"skippedStages,omitempty"`
	CurrentSessionID    string    `json:"currentSessionId,omitempty"`
	BaseBranch          string    `json:"baseBranch"`
	Archived            bool      `json:"archived"`
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func toWorkflowJSON(w *store.Workflow) *workflowJSON {
	if w == nil {
		return nil
	}
	return &workflowJSON{
		ID:                  w.ID,
		Title:               w.Title,
		Description:         w.Description,
		Priority:            w.Priority,
		Status:              w.Status,
		AwaitingApproval:    w.AwaitingApproval,
		PendingArtifactType: w.PendingArtifactType,
		SkippedStages:       w.SkippedStages,
		CurrentSessionID:    w.CurrentSessionID,
		BaseBranch:          w.BaseBranch,
		Archived:            w.Archived,
		Error:               w.Error,
		CreatedAt:           w.CreatedAt,
		UpdatedAt:           w.UpdatedAt,
	}
}

type mergeJSON struct {
	Commit      string   `json:"commit"`
	PulseIDs    []string `json:"pulseIds"`
	PushWarning string   `json:"pushWarning,omitempty"`
}

type transitionJSON struct {
	Workflow  *workflowJSON `json:"workflow"`
	Stage     string        `json:"stage"`
	SessionID string        `json:"sessionId,omitempty"`
	Merge     *mergeJSON    `json:"merge,omitempty"`
}

func toTransitionJSON(t *workflow.Transition) *transitionJSON {
	out := &transitionJSON{
		Workflow: toWorkflowJSON(t.Workflow),
		Stage:    t.Stage.String(),
	}
	if t.Session != nil {
		out.SessionID = t.Session.ID
	}
	if t.Merge != nil {
		out.Merge = &mergeJSON{
			Commit:      t.Merge.Commit,
			PulseIDs:    t.Merge.PulseIDs,
			PushWarning: t.Merge.PushWarning,
		}
	}
	return out
}

type turnResultJSON struct {
	TurnID             string  `json:"turnId"`
	UserTurnID         string  `json:"userTurnId,omitempty"`
	Cost               float64 `json:"cost"`
	ArtifactID         string  `json:"artifactId,omitempty"`
	ArtifactType       string  `json:"artifactType,omitempty"`
	ExtensionRequested bool    `json:"extensionRequested,omitempty"`
}

type pendingInterruptJSON struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	WorkflowID string         `json:"workflowId"`
	SessionID  string         `json:"sessionId"`
	TurnID     string         `json:"turnId,omitempty"`
	AgentRole  string         `json:"agentRole,omitempty"`
	Command    string         `json:"command,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Questions  []interrupt.Question `json:"questions,omitempty"`
}

// Helpers.

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// engineError maps engine failures to HTTP statuses. Unknown errors are
// surfaced as 500 with the message intact; this is a local tool, not a
// multi-tenant service hiding internals.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, interrupt.ErrUnknownID):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrGateOpen), errors.Is(err, workflow.ErrArchived):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Handlers.

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"
	workflows, err := s.engine.ListWorkflows(r.Context(), includeArchived)
	if err != nil {
		s.engineError(w, err)
		return
	}
	out := make([]*workflowJSON, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, toWorkflowJSON(wf))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   string `json:"prompt"`
		Title    string `json:"title"`
		Priority string `json:"priority"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	title := req.Title
	if title == "" {
		title = promptTitle(req.Prompt)
	}

	wf, err := s.engine.CreateWorkflow(r.Context(), title, req.Prompt, req.Priority)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toWorkflowJSON(wf))
}

// promptTitle derives a workflow title from the first prompt line.
func promptTitle(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	runes := []rune(line)
	if len(runes) > 80 {
		line = string(runes[:77]) + "..."
	}
	return line
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWorkflowJSON(wf))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.engine.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path          string `json:"path"`
		MergeStrategy string `json:"mergeStrategy"`
		CommitMessage string `json:"commitMessage"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	opts := workflow.ApproveOptions{
		Path:          req.Path,
		CommitMessage: req.CommitMessage,
	}
	if req.MergeStrategy != "" {
		switch strategy := git.MergeStrategy(req.MergeStrategy); strategy {
		case git.StrategyFastForward, git.StrategySquash, git.StrategyMergeCommit, git.StrategyRebase:
			opts.MergeStrategy = strategy
		default:
			s.writeError(w, http.StatusBadRequest, "unknown merge strategy: "+req.MergeStrategy)
			return
		}
	}

	t, err := s.engine.Approve(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransitionJSON(t))
}

func (s *Server) handleRequestChanges(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feedback string `json:"feedback"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		s.writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	t, err := s.engine.RequestChanges(r.Context(), chi.URLParam(r, "id"), req.Feedback)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransitionJSON(t))
}

func (s *Server) handleRequestFixes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommentIDs []string `json:"commentIds"`
		Summary    string   `json:"summary"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.engine.RequestFixes(r.Context(), chi.URLParam(r, "id"), req.CommentIDs, req.Summary)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransitionJSON(t))
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetStage string `json:"targetStage"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	target, err := workflow.ParseStage(req.TargetStage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.engine.Rewind(r.Context(), chi.URLParam(r, "id"), target)
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTransitionJSON(t))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	wf, err := s.engine.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toWorkflowJSON(wf))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	res, err := s.engine.SendMessage(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		s.engineError(w, err)
		return
	}
	out := turnResultJSON{
		Cost:               res.Cost,
		ArtifactID:         res.ArtifactID,
		ArtifactType:       res.ArtifactType,
		ExtensionRequested: res.ExtensionRequested,
	}
	if res.Turn != nil {
		out.TurnID = res.Turn.ID
	}
	if res.UserTurn != nil {
		out.UserTurnID = res.UserTurn.ID
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePendingInterrupts(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.PendingInterrupts()
	out := make([]pendingInterruptJSON, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingInterruptJSON{
			ID:         p.ID,
			Kind:       p.Kind,
			WorkflowID: p.WorkflowID,
			SessionID:  p.SessionID,
			TurnID:     p.TurnID,
			AgentRole:  p.AgentRole,
			Command:    p.Command,
			Reason:     p.Reason,
			Prompt:     p.Prompt,
			Questions:  p.Questions,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"interrupts": out})
}

func (s *Server) handleShellApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Remember          bool `json:"remember"`
		PersistForProject bool `json:"persistForProject"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.ApproveShell(chi.URLParam(r, "id"), req.Remember, req.PersistForProject); err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleShellDeny(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.DenyShell(chi.URLParam(r, "id"), req.Reason); err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "denied"})
}

// handleCredentialRequest is the askpass helper's entry point. It
// raises a credential prompt and blocks until a client responds; the
// helper's own request context bounds the wait. A null credential in
// the response means the prompt was refused.
func (s *Server) handleCredentialRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID string `json:"workflowId"`
		SessionID  string `json:"sessionId"`
		Prompt     string `json:"prompt"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	credential, err := s.engine.RequestCredential(r.Context(), req.WorkflowID, req.SessionID, req.Prompt)
	if err != nil {
		s.engineError(w, err)
		return
	}
	var out struct {
		Credential *string `json:"credential"`
	}
	if credential != "" {
		out.Credential = &credential
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCredentialRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential *string `json:"credential"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.RespondCredential(chi.URLParam(r, "id"), req.Credential); err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "responded"})
}

func (s *Server) handleAnswerQuestions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers map[string]string `json:"answers"`
		Comment string            `json:"comment"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.AnswerQuestions(chi.URLParam(r, "id"), req.Answers, req.Comment); err != nil {
		s.engineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}
