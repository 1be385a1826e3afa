package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// MergeStrategy selects how a workflow branch lands on its base.
type MergeStrategy string

const (
	StrategyFastForward MergeStrategy = "fast_forward"
	StrategySquash      MergeStrategy = "squash"
	StrategyMergeCommit MergeStrategy = "merge_commit"
	StrategyRebase      MergeStrategy = "rebase"
)

// MergeResult reports a completed workflow merge.
type MergeResult struct {
	// Commit is the base branch tip after the merge.
	Commit string

	// PulseIDs are the pulse trailers contained in the merged range.
	PulseIDs []string

	// PushWarning is set when the post-merge push to origin failed.
	// A failed push never fails the merge.
	PushWarning string
}

// MergeWorkflowBranch merges a workflow branch into its base using the
// given strategy. Merges serialize on the base-branch mutex. The merge
// is rejected while the workflow worktree is dirty; on failure no
// partial state survives (rebase is aborted, nothing is committed).
func (m *Manager) MergeWorkflowBranch(ctx context.Context, workflowID, baseBranch string, strategy MergeStrategy, commitMessage string) (*MergeResult, error) {
	m.baseMu.Lock()
	defer m.baseMu.Unlock()

	wfBranch := m.WorkflowBranch(workflowID)
	wfWorktree := m.WorktreePath(workflowID)

	dirty, err := m.isDirty(ctx, wfWorktree)
	if err != nil {
		return nil, err
	}
	if dirty {
		return nil, fmt.Errorf("git: workflow worktree %s has uncommitted changes", workflowID)
	}

	pulseIDs, err := m.ExtractPulseIDs(ctx, baseBranch, wfBranch)
	if err != nil {
		return nil, err
	}

	mergeDir, cleanup, err := m.baseCheckout(ctx, baseBranch)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	switch strategy {
	case StrategyFastForward:
		if _, err := m.run(ctx, mergeDir, "merge", "--ff-only", wfBranch); err != nil {
			return nil, err
		}

	case StrategySquash:
		if _, err := m.run(ctx, mergeDir, "merge", "--squash", wfBranch); err != nil {
			_, _ = m.run(ctx, mergeDir, "reset", "--hard", "HEAD")
			return nil, err
		}
		trailers := make([][2]string, 0, len(pulseIDs)+1)
		for _, id := range pulseIDs {
			trailers = append(trailers, [2]string{TrailerPulseID, id})
		}
		trailers = append(trailers, [2]string{TrailerWorkflowID, workflowID})
		author, err := m.resolveAuthor(ctx)
		if err != nil {
			return nil, err
		}
		msg := formatMessage(commitMessage, trailers)
		if _, err := m.runCommit(ctx, mergeDir, author, "commit", "-m", msg); err != nil {
			_, _ = m.run(ctx, mergeDir, "reset", "--hard", "HEAD")
			return nil, err
		}

	case StrategyMergeCommit:
		author, err := m.resolveAuthor(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := m.runCommit(ctx, mergeDir, author, "merge", "--no-ff", "-m", commitMessage, wfBranch); err != nil {
			_, _ = m.run(ctx, mergeDir, "merge", "--abort")
			return nil, err
		}

	case StrategyRebase:
		if err := m.rebaseMerge(ctx, mergeDir, wfWorktree, wfBranch, baseBranch); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("git: unknown merge strategy %q", strategy)
	}

	tip, err := m.run(ctx, mergeDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	result := &MergeResult{Commit: tip, PulseIDs: pulseIDs}
	if m.hasRemote(ctx, "origin") {
		if _, err := m.run(ctx, mergeDir, "push", "origin", baseBranch); err != nil {
			m.log.Warn("post-merge push failed", "workflow", workflowID, "error", err)
			result.PushWarning = fmt.Sprintf("push to origin failed: %v", err)
		}
	}
	return result, nil
}

// rebaseMerge rebases the workflow branch onto base and fast-forwards
// base to it. The workflow branch is checked out in its worktree, so
// the worktree is detached first and re-attached in a best-effort
// finally; a failed rebase is aborted so no rebase-in-progress state
// survives.
func (m *Manager) rebaseMerge(ctx context.Context, mergeDir, wfWorktree, wfBranch, baseBranch string) (err error) {
	if _, detachErr := m.run(ctx, wfWorktree, "checkout", "--detach"); detachErr != nil {
		return detachErr
	}
	defer func() {
		if _, reattachErr := m.run(ctx, wfWorktree, "checkout", wfBranch); reattachErr != nil {
			m.log.Warn("failed to re-attach workflow worktree", "branch", wfBranch, "error", reattachErr)
		}
	}()

	if _, err := m.run(ctx, mergeDir, "rebase", baseBranch, wfBranch); err != nil {
		_, _ = m.run(ctx, mergeDir, "rebase", "--abort")
		_, _ = m.run(ctx, mergeDir, "checkout", baseBranch)
		return err
	}
	// The rebase left mergeDir on the workflow branch; go back to base
	// and fast-forward.
	if _, err := m.run(ctx, mergeDir, "checkout", baseBranch); err != nil {
		return err
	}
	if _, err := m.run(ctx, mergeDir, "merge", "--ff-only", wfBranch); err != nil {
		return err
	}
	return nil
}

// baseCheckout returns a directory with the base branch checked out:
// the project root when it already has it, otherwise a temporary
// worktree that the returned cleanup removes.
func (m *Manager) baseCheckout(ctx context.Context, baseBranch string) (string, func(), error) {
	current, err := m.run(ctx, m.cfg.ProjectRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil && current == baseBranch {
		return m.cfg.ProjectRoot, func() {}, nil
	}

	path := filepath.Join(m.cfg.ProjectRoot, m.cfg.HiddenDir, "worktrees", ".merge")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", nil, fmt.Errorf("git: create merge worktree dir: %w", err)
	}
	if _, err := m.run(ctx, m.cfg.ProjectRoot, "worktree", "add", path, baseBranch); err != nil {
		return "", nil, err
	}
	cleanup := func() {
		if _, err := m.run(context.Background(), m.cfg.ProjectRoot, "worktree", "remove", "--force", path); err != nil {
			_ = os.RemoveAll(path)
			_, _ = m.run(context.Background(), m.cfg.ProjectRoot, "worktree", "prune")
		}
	}
	return path, cleanup, nil
}

func (m *Manager) hasRemote(ctx context.Context, name string) bool {
	_, err := m.run(ctx, m.cfg.ProjectRoot, "remote", "get-url", name)
	return err == nil
}
