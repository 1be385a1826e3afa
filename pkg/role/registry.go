package role

import (
	"fmt"
	"strings"

	"github.com/autarch-dev/autarch/pkg/config"
)

// PromptContext carries the project facts every system prompt opens with.
type PromptContext struct {
	ProjectName       string
	BaseBranch        string
	ExtensionInterval int
}

// Profile is what a session needs to run a role: the system prompt
// builder, the tool set, and the per-role iteration guard.
type Profile struct {
	Role      Role
	ToolNames []string

	buildPrompt func(PromptContext) string
}

// Registry associates each role with its profile and resolves per-role
// configuration overrides. Built once at startup.
type Registry struct {
	cfg      *config.Config
	profiles map[Role]*Profile
}

// NewRegistry builds the registry from the loaded configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, profiles: builtinProfiles()}
}

// Profile returns a role's profile. Unknown roles error so a session
// for a bad role never starts.
func (r *Registry) Profile(role Role) (*Profile, error) {
	p, ok := r.profiles[role]
	if !ok {
		return nil, fmt.Errorf("role: unknown role %q", role)
	}
	return p, nil
}

// SystemPrompt renders the role's system prompt, appending any
// configured per-role prompt addition.
func (r *Registry) SystemPrompt(role Role) (string, error) {
	p, err := r.Profile(role)
	if err != nil {
		return "", err
	}
	pc := PromptContext{
		ProjectName:       r.cfg.Project.Name,
		BaseBranch:        r.cfg.Project.BaseBranch,
		ExtensionInterval: r.cfg.Research.ExtensionInterval,
	}
	prompt := p.buildPrompt(pc)
	if rc, ok := r.cfg.Roles[string(role)]; ok && rc != nil && rc.Prompt != "" {
		prompt = prompt + "\n\n" + rc.Prompt
	}
	return prompt, nil
}

// ToolNames returns the tool set a role may use.
func (r *Registry) ToolNames(role Role) ([]string, error) {
	p, err := r.Profile(role)
	if err != nil {
		return nil, err
	}
	return p.ToolNames, nil
}

// Model resolves the role's model: config override first, then the
// default model.
func (r *Registry) Model(role Role) *config.ModelConfig {
	return r.cfg.ModelFor(string(role))
}

// MaxIterations resolves the per-turn tool iteration guard for a role.
func (r *Registry) MaxIterations(role Role) int {
	if rc, ok := r.cfg.Roles[string(role)]; ok && rc != nil && rc.MaxIterations > 0 {
		return rc.MaxIterations
	}
	return r.cfg.Session.MaxIterations
}

func builtinProfiles() map[Role]*Profile {
	readOnly := []string{"read_file", "list_dir", "grep_search"}

	return map[Role]*Profile{
		Scoping: {
			Role:        Scoping,
			ToolNames:   append(append([]string{}, readOnly...), "ask_user_questions", "submit_scope"),
			buildPrompt: scopingPrompt,
		},
		Research: {
			Role:        Research,
			ToolNames:   append(append([]string{}, readOnly...), "ask_user_questions", "request_extension", "submit_research"),
			buildPrompt: researchPrompt,
		},
		Planning: {
			Role:        Planning,
			ToolNames:   append(append([]string{}, readOnly...), "ask_user_questions", "create_plan"),
			buildPrompt: planningPrompt,
		},
		Preflight: {
			Role:        Preflight,
			ToolNames:   append(append([]string{}, readOnly...), "execute_command", "ask_user_questions"),
			buildPrompt: preflightPrompt,
		},
		Execution: {
			Role:        Execution,
			ToolNames:   append(append([]string{}, readOnly...), "write_file", "search_replace", "execute_command"),
			buildPrompt: executionPrompt,
		},
		Review: {
			Role:        Review,
			ToolNames:   append(append([]string{}, readOnly...), "complete_review"),
			buildPrompt: reviewPrompt,
		},
		ReviewSub: {
			Role:        ReviewSub,
			ToolNames:   append(append([]string{}, readOnly...), "submit_sub_review"),
			buildPrompt: reviewSubPrompt,
		},
		RoadmapPlanning: {
			Role:        RoadmapPlanning,
			ToolNames:   append(append([]string{}, readOnly...), "ask_user_questions"),
			buildPrompt: roadmapPrompt,
		},
		Discussion: {
			Role:        Discussion,
			ToolNames:   append(append([]string{}, readOnly...), "ask_user_questions"),
			buildPrompt: discussionPrompt,
		},
		Basic: {
			Role:        Basic,
			ToolNames:   append([]string{}, readOnly...),
			buildPrompt: basicPrompt,
		},
	}
}

func promptHeader(b *strings.Builder, pc PromptContext, mission string) {
	b.WriteString("You are an Autarch agent")
	if pc.ProjectName != "" {
		fmt.Fprintf(b, " working on the %s project", pc.ProjectName)
	}
	b.WriteString(". ")
	b.WriteString(mission)
	b.WriteString("\n\n")
	if pc.BaseBranch != "" {
		fmt.Fprintf(b, "The base branch is %s. ", pc.BaseBranch)
	}
	b.WriteString("You operate inside an isolated git worktree; file paths are relative to it.\n")
}
