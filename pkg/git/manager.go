package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/autarch-dev/autarch/pkg/logger"
)

// Defaults.
const (
	DefaultBranchPrefix = "autarch"
	DefaultHiddenDir    = ".autarch"
)

// Config configures a Manager.
type Config struct {
	// ProjectRoot is the repository root. Required.
	ProjectRoot string

	// BranchPrefix prefixes workflow and pulse branch names.
	BranchPrefix string

	// HiddenDir is the git-ignored directory holding worktrees and
	// the database, relative to ProjectRoot.
	HiddenDir string

	// AuthorName and AuthorEmail override commit authorship. When
	// empty the repository's user.name/user.email are used; when those
	// are unset too, the fixed committer identity doubles as author.
	AuthorName  string
	AuthorEmail string

	// AskpassPath points at the credential helper binary. When set,
	// network operations run with GIT_ASKPASS so credential prompts
	// route through the interrupt broker.
	AskpassPath string

	// AskpassEnv carries extra KEY=VALUE pairs for the helper
	// (AUTARCH_ASKPASS_* addressing).
	AskpassEnv []string
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.HiddenDir == "" {
		c.HiddenDir = DefaultHiddenDir
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.ProjectRoot == "" {
		return errors.New("git: project root is required")
	}
	return nil
}

// Manager performs all git operations for workflows. Merges into a
// base branch serialize on an internal mutex; operations on distinct
// workflow worktrees may run in parallel.
type Manager struct {
	cfg    Config
	env    []string
	baseMu sync.Mutex
	log    *slog.Logger
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var env []string
	if cfg.AskpassPath != "" {
		env = append(env, "GIT_ASKPASS="+cfg.AskpassPath, "GIT_TERMINAL_PROMPT=0")
		env = append(env, cfg.AskpassEnv...)
	}
	return &Manager{cfg: cfg, env: env, log: logger.GetLogger("git")}, nil
}

// WorkflowBranch returns the branch name for a workflow.
func (m *Manager) WorkflowBranch(workflowID string) string {
	return m.cfg.BranchPrefix + "/" + workflowID
}

// PulseBranch returns the branch name for a pulse of a workflow.
func (m *Manager) PulseBranch(workflowID, pulseID string) string {
	return m.cfg.BranchPrefix + "/" + workflowID + "-" + pulseID
}

// WorktreePath returns the worktree directory for a workflow.
func (m *Manager) WorktreePath(workflowID string) string {
	return filepath.Join(m.cfg.ProjectRoot, m.cfg.HiddenDir, "worktrees", workflowID)
}

// EnsureIgnored makes sure the hidden directory is listed in the root
// .gitignore.
func (m *Manager) EnsureIgnored() error {
	path := filepath.Join(m.cfg.ProjectRoot, ".gitignore")
	entry := m.cfg.HiddenDir + "/"

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("git: read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}
	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("git: write .gitignore: %w", err)
	}
	return nil
}

// EnsureWorkflowResources creates the workflow branch off the base
// branch and attaches its worktree. Idempotent; returns the worktree
// path.
func (m *Manager) EnsureWorkflowResources(ctx context.Context, workflowID, baseBranch string) (string, error) {
	branch := m.WorkflowBranch(workflowID)
	path := m.WorktreePath(workflowID)

	if err := m.EnsureIgnored(); err != nil {
		return "", err
	}

	if _, err := m.run(ctx, m.cfg.ProjectRoot, "rev-parse", "--verify", "refs/heads/"+branch); err != nil {
		if _, err := m.run(ctx, m.cfg.ProjectRoot, "branch", branch, baseBranch); err != nil {
			return "", err
		}
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("git: create worktree dir: %w", err)
	}
	if _, err := m.run(ctx, m.cfg.ProjectRoot, "worktree", "add", path, branch); err != nil {
		return "", err
	}
	return path, nil
}

// CreatePulseBranch creates the pulse branch off the workflow branch
// and checks it out in the workflow's worktree. Returns the base
// commit the pulse starts from.
func (m *Manager) CreatePulseBranch(ctx context.Context, workflowID, pulseID string) (string, error) {
	worktree := m.WorktreePath(workflowID)
	branch := m.PulseBranch(workflowID, pulseID)

	if _, err := m.run(ctx, worktree, "checkout", "-b", branch, m.WorkflowBranch(workflowID)); err != nil {
		return "", err
	}
	return m.run(ctx, worktree, "rev-parse", "HEAD")
}

// Commit stages everything in the worktree and commits with the fixed
// committer. An empty staging area leaves HEAD unchanged. The pulse
// trailer is appended when pulseID is non-empty. Returns the resulting
// HEAD commit.
func (m *Manager) Commit(ctx context.Context, workflowID, pulseID, message string) (string, error) {
	worktree := m.WorktreePath(workflowID)

	if _, err := m.run(ctx, worktree, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := m.run(ctx, worktree, "diff", "--cached", "--quiet"); err == nil {
		// Nothing staged.
		return m.run(ctx, worktree, "rev-parse", "HEAD")
	}

	var trailers [][2]string
	if pulseID != "" {
		trailers = append(trailers, [2]string{TrailerPulseID, pulseID})
	}
	full := formatMessage(message, trailers)

	author, err := m.resolveAuthor(ctx)
	if err != nil {
		return "", err
	}
	if _, err := m.runCommit(ctx, worktree, author, "commit", "-m", full); err != nil {
		return "", err
	}
	return m.run(ctx, worktree, "rev-parse", "HEAD")
}

// RecoveryCheckpoint commits dirty work-in-progress after a crash or
// pulse failure. Returns the checkpoint commit, or empty when the
// worktree was clean.
func (m *Manager) RecoveryCheckpoint(ctx context.Context, workflowID, pulseID string) (string, error) {
	worktree := m.WorktreePath(workflowID)
	dirty, err := m.isDirty(ctx, worktree)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	return m.Commit(ctx, workflowID, pulseID, RecoveryMessage)
}

// MergePulse fast-forwards the workflow branch to the pulse branch and
// force-deletes the pulse branch. Returns the new workflow tip.
func (m *Manager) MergePulse(ctx context.Context, workflowID, pulseID string) (string, error) {
	worktree := m.WorktreePath(workflowID)
	wfBranch := m.WorkflowBranch(workflowID)
	pulseBranch := m.PulseBranch(workflowID, pulseID)

	if _, err := m.run(ctx, worktree, "checkout", wfBranch); err != nil {
		return "", err
	}
	if _, err := m.run(ctx, worktree, "merge", "--ff-only", pulseBranch); err != nil {
		return "", err
	}
	if _, err := m.run(ctx, worktree, "branch", "-D", pulseBranch); err != nil {
		return "", err
	}
	return m.run(ctx, worktree, "rev-parse", "HEAD")
}

// Cleanup removes a workflow's worktree, falling back to an rm plus
// prune when git refuses, and optionally deletes the workflow branch.
func (m *Manager) Cleanup(ctx context.Context, workflowID string, deleteBranch bool) error {
	path := m.WorktreePath(workflowID)
	if _, err := m.run(ctx, m.cfg.ProjectRoot, "worktree", "remove", "--force", path); err != nil {
		m.log.Warn("worktree remove failed, pruning", "workflow", workflowID, "error", err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("git: remove worktree dir: %w", rmErr)
		}
		if _, err := m.run(ctx, m.cfg.ProjectRoot, "worktree", "prune"); err != nil {
			return err
		}
	}
	if deleteBranch {
		if _, err := m.run(ctx, m.cfg.ProjectRoot, "branch", "-D", m.WorkflowBranch(workflowID)); err != nil {
			return err
		}
	}
	return nil
}

// DiffAgainstBase returns the diff of the workflow branch against its
// merge base with baseBranch.
func (m *Manager) DiffAgainstBase(ctx context.Context, workflowID, baseBranch string) (string, error) {
	return m.run(ctx, m.cfg.ProjectRoot, "diff", baseBranch+"..."+m.WorkflowBranch(workflowID))
}

// ExtractPulseIDs scans base..source commits for pulse trailers and
// returns the deduplicated, sorted ids.
func (m *Manager) ExtractPulseIDs(ctx context.Context, baseBranch, source string) ([]string, error) {
	out, err := m.run(ctx, m.cfg.ProjectRoot, "log",
		"--format=%(trailers:key="+TrailerPulseID+",valueonly)",
		baseBranch+".."+source)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		id := strings.TrimSpace(line)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CurrentCommit returns HEAD of the workflow branch.
func (m *Manager) CurrentCommit(ctx context.Context, workflowID string) (string, error) {
	return m.run(ctx, m.cfg.ProjectRoot, "rev-parse", "refs/heads/"+m.WorkflowBranch(workflowID))
}

// HasWorkflowResources reports whether the workflow worktree exists on
// disk. It stays absent until EnsureWorkflowResources runs on first
// entry into in_progress.
func (m *Manager) HasWorkflowResources(workflowID string) bool {
	info, err := os.Stat(m.WorktreePath(workflowID))
	return err == nil && info.IsDir()
}

// CheckoutWorkflowBranch re-attaches the workflow worktree to the
// workflow branch. Used by rewind to discard pulse checkouts.
func (m *Manager) CheckoutWorkflowBranch(ctx context.Context, workflowID string) error {
	_, err := m.run(ctx, m.WorktreePath(workflowID), "checkout", m.WorkflowBranch(workflowID))
	return err
}

func (m *Manager) isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := m.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// resolveAuthor picks the commit author: project setting, then the
// repository's git config, then nil (committer identity is used).
func (m *Manager) resolveAuthor(ctx context.Context) (*identity, error) {
	if m.cfg.AuthorName != "" && m.cfg.AuthorEmail != "" {
		return &identity{name: m.cfg.AuthorName, email: m.cfg.AuthorEmail}, nil
	}
	name, errName := m.run(ctx, m.cfg.ProjectRoot, "config", "user.name")
	email, errEmail := m.run(ctx, m.cfg.ProjectRoot, "config", "user.email")
	if errName == nil && errEmail == nil && name != "" && email != "" {
		return &identity{name: name, email: email}, nil
	}
	return nil, nil
}
