// Package tool defines the capabilities agents invoke during turns:
// the Tool interface, execution context, results, the registry, and
// JSON-schema argument validation.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Metadata keys tools use to signal the session runtime.
const (
	// MetaArtifactID and MetaArtifactType mark a result that submitted
	// an artifact; the runtime hands the gate to the state machine.
	MetaArtifactID   = "artifact_id"
	MetaArtifactType = "artifact_type"

	// MetaExtensionRequested marks a research checkpoint; the runtime
	// persists a note and ends the turn cleanly.
	MetaExtensionRequested = "extension_requested"

	// MetaQuestionSetID marks a result carrying answered questions.
	MetaQuestionSetID = "question_set_id"

	// MetaQuestions carries the asked questions so the runtime can
	// record them on the message projection.
	MetaQuestions = "questions"

	// MetaAnswersComment carries the user's free-form comment attached
	// to question answers.
	MetaAnswersComment = "answers_comment"

	// MetaSubReviewComplete marks a sub-review worker's final result;
	// its content is the JSON findings handed back to the coordinator.
	MetaSubReviewComplete = "sub_review_complete"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the arguments object.
	Schema map[string]any
}

// Result is a completed tool execution. A failed tool is a result the
// model sees, never a turn abort.
type Result struct {
	Success  bool
	Content  string
	Error    string
	Metadata map[string]any
}

// Errorf builds a failed result the way fmt.Errorf builds an error.
func Errorf(format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Success: false, Content: msg, Error: msg}
}

// Context carries the execution environment into a tool call.
type Context struct {
	ProjectRoot  string
	WorktreePath string
	WorkflowID   string
	SessionID    string
	TurnID       string
	AgentRole    string
}

// Dir returns the directory tool work is confined to: the worktree
// when one is attached, otherwise the project root.
func (c *Context) Dir() string {
	if c.WorktreePath != "" {
		return c.WorktreePath
	}
	return c.ProjectRoot
}

// Tool is one callable capability.
type Tool interface {
	Definition() Definition

	// RequiresApproval marks tools whose every call must pass the
	// allowlist or an explicit user approval before executing.
	RequiresApproval() bool

	Execute(ctx context.Context, tc *Context, args map[string]any) (Result, error)
}

// Registry holds the tools available to a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists all tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subset returns a registry restricted to the named tools. Unknown
// names error so role tool sets stay in sync with registrations.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := &Registry{tools: make(map[string]Tool, len(names))}
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool: unknown tool %q", name)
		}
		sub.tools[name] = t
	}
	return sub, nil
}
