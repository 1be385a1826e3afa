package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// initRepo creates a repository with one commit on main and returns
// its root.
func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	gitOut(t, root, "init", "-b", "main")
	gitOut(t, root, "config", "user.name", "Dev")
	gitOut(t, root, "config", "user.email", "dev@example.com")
	writeFile(t, root, "README.md", "hello\n")
	gitOut(t, root, "add", "-A")
	gitOut(t, root, "commit", "-m", "initial commit")
	return root
}

func newManager(t *testing.T, root string) *Manager {
	t.Helper()
	m, err := NewManager(Config{ProjectRoot: root})
	require.NoError(t, err)
	return m
}

func TestConfigValidation(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)

	m := newManager(t, t.TempDir())
	assert.Equal(t, "autarch/wf_1", m.WorkflowBranch("wf_1"))
	assert.Equal(t, "autarch/wf_1-pulse_1", m.PulseBranch("wf_1", "pulse_1"))
}

func TestEnsureWorkflowResources(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	assert.False(t, m.HasWorkflowResources("wf_1"))

	path, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	assert.Equal(t, m.WorktreePath("wf_1"), path)
	assert.True(t, m.HasWorkflowResources("wf_1"))
	assert.Equal(t, "autarch/wf_1", gitOut(t, path, "rev-parse", "--abbrev-ref", "HEAD"))

	// Idempotent.
	again, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	assert.Equal(t, path, again)

	ignore, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(ignore), ".autarch/")
}

func TestCommitTrailerAndCommitter(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	worktree, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	base, err := m.CreatePulseBranch(ctx, "wf_1", "pulse_1")
	require.NoError(t, err)
	assert.NotEmpty(t, base)

	writeFile(t, worktree, "health.go", "package main\n")
	sha, err := m.Commit(ctx, "wf_1", "pulse_1", "add health handler")
	require.NoError(t, err)
	assert.NotEqual(t, base, sha)

	body := gitOut(t, worktree, "log", "-1", "--format=%B")
	assert.Contains(t, body, "Autarch-Pulse-Id: pulse_1")

	assert.Equal(t, "Autarch <bot@autarch.dev>",
		gitOut(t, worktree, "log", "-1", "--format=%cn <%ce>"))
	// Author comes from the repo's git config.
	assert.Equal(t, "Dev <dev@example.com>",
		gitOut(t, worktree, "log", "-1", "--format=%an <%ae>"))
}

func TestCommitNothingStagedKeepsHead(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	_, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	before, err := m.CurrentCommit(ctx, "wf_1")
	require.NoError(t, err)

	sha, err := m.Commit(ctx, "wf_1", "", "noop")
	require.NoError(t, err)
	assert.Equal(t, before, sha)
}

func TestMergePulseFastForward(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	worktree, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	_, err = m.CreatePulseBranch(ctx, "wf_1", "pulse_1")
	require.NoError(t, err)
	writeFile(t, worktree, "a.go", "package a\n")
	tip, err := m.Commit(ctx, "wf_1", "pulse_1", "step one")
	require.NoError(t, err)

	merged, err := m.MergePulse(ctx, "wf_1", "pulse_1")
	require.NoError(t, err)
	assert.Equal(t, tip, merged)

	// The pulse branch is gone; the worktree sits on the workflow branch.
	branches := gitOut(t, root, "branch", "--list", "autarch/wf_1-pulse_1")
	assert.Empty(t, branches)
	assert.Equal(t, "autarch/wf_1", gitOut(t, worktree, "rev-parse", "--abbrev-ref", "HEAD"))
}

func runPulse(t *testing.T, m *Manager, workflowID, pulseID, file string) {
	t.Helper()
	ctx := context.Background()
	_, err := m.CreatePulseBranch(ctx, workflowID, pulseID)
	require.NoError(t, err)
	writeFile(t, m.WorktreePath(workflowID), file, "package x\n")
	_, err = m.Commit(ctx, workflowID, pulseID, "work for "+pulseID)
	require.NoError(t, err)
	_, err = m.MergePulse(ctx, workflowID, pulseID)
	require.NoError(t, err)
}

func TestSquashMergeCarriesTrailers(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	_, err := m.EnsureWorkflowResources(ctx, "wf_health", "main")
	require.NoError(t, err)
	runPulse(t, m, "wf_health", "pulse_1", "one.go")
	runPulse(t, m, "wf_health", "pulse_2", "two.go")

	ids, err := m.ExtractPulseIDs(ctx, "main", m.WorkflowBranch("wf_health"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pulse_1", "pulse_2"}, ids)

	res, err := m.MergeWorkflowBranch(ctx, "wf_health", "main", StrategySquash, "feat: add health endpoint")
	require.NoError(t, err)
	assert.Equal(t, []string{"pulse_1", "pulse_2"}, res.PulseIDs)
	assert.Empty(t, res.PushWarning)

	body := gitOut(t, root, "log", "-1", "--format=%B", "main")
	assert.Contains(t, body, "feat: add health endpoint")
	assert.Contains(t, body, "Autarch-Pulse-Id: pulse_1")
	assert.Contains(t, body, "Autarch-Pulse-Id: pulse_2")
	assert.Contains(t, body, "Autarch-Workflow-Id: wf_health")

	// Squash produced exactly one commit on main.
	count := gitOut(t, root, "rev-list", "--count", "main")
	assert.Equal(t, "2", count)
}

func TestMergeCommitPreservesPulses(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	_, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	runPulse(t, m, "wf_1", "pulse_1", "one.go")

	// Advance main so fast-forward is impossible.
	writeFile(t, root, "other.txt", "x\n")
	gitOut(t, root, "add", "-A")
	gitOut(t, root, "commit", "-m", "unrelated change")

	res, err := m.MergeWorkflowBranch(ctx, "wf_1", "main", StrategyMergeCommit, "merge wf_1")
	require.NoError(t, err)
	parents := gitOut(t, root, "log", "-1", "--format=%P", "main")
	assert.Len(t, strings.Fields(parents), 2, "merge commit has two parents")

	ids, err := m.ExtractPulseIDs(ctx, "main~2", res.Commit)
	require.NoError(t, err)
	assert.Contains(t, ids, "pulse_1", "pulse commits survive the merge")
}

func TestRebaseMergeDetachesAndReattaches(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	worktree, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	runPulse(t, m, "wf_1", "pulse_1", "one.go")

	writeFile(t, root, "other.txt", "x\n")
	gitOut(t, root, "add", "-A")
	gitOut(t, root, "commit", "-m", "mainline change")

	res, err := m.MergeWorkflowBranch(ctx, "wf_1", "main", StrategyRebase, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Commit)

	// Linear history: the merged tip has a single parent chain and no
	// merge commits.
	merges := gitOut(t, root, "rev-list", "--merges", "--count", "main")
	assert.Equal(t, "0", merges)

	// The workflow worktree is back on its branch.
	assert.Equal(t, "autarch/wf_1", gitOut(t, worktree, "rev-parse", "--abbrev-ref", "HEAD"))

	// No rebase-in-progress state anywhere.
	_, err = os.Stat(filepath.Join(root, ".git", "rebase-merge"))
	assert.True(t, os.IsNotExist(err))
}

func TestMergeRejectsDirtyWorktree(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	worktree, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	runPulse(t, m, "wf_1", "pulse_1", "one.go")
	writeFile(t, worktree, "dirty.txt", "uncommitted\n")

	_, err = m.MergeWorkflowBranch(ctx, "wf_1", "main", StrategyFastForward, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uncommitted")
}

func TestRecoveryCheckpoint(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	worktree, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	_, err = m.CreatePulseBranch(ctx, "wf_1", "pulse_1")
	require.NoError(t, err)

	// Clean worktree: no checkpoint.
	sha, err := m.RecoveryCheckpoint(ctx, "wf_1", "pulse_1")
	require.NoError(t, err)
	assert.Empty(t, sha)

	writeFile(t, worktree, "wip.go", "package wip\n")
	sha, err = m.RecoveryCheckpoint(ctx, "wf_1", "pulse_1")
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	body := gitOut(t, worktree, "log", "-1", "--format=%B")
	assert.Contains(t, body, RecoveryMessage)
	assert.Contains(t, body, "Autarch-Pulse-Id: pulse_1")
}

func TestCleanup(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	path, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(ctx, "wf_1", true))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, gitOut(t, root, "branch", "--list", "autarch/wf_1"))
}

func TestExtractPulseIDsDedup(t *testing.T) {
	root := initRepo(t)
	m := newManager(t, root)
	ctx := context.Background()

	worktree, err := m.EnsureWorkflowResources(ctx, "wf_1", "main")
	require.NoError(t, err)
	_, err = m.CreatePulseBranch(ctx, "wf_1", "pulse_9")
	require.NoError(t, err)

	// Two commits carrying the same pulse id.
	writeFile(t, worktree, "a.go", "package a\n")
	_, err = m.Commit(ctx, "wf_1", "pulse_9", "first")
	require.NoError(t, err)
	writeFile(t, worktree, "b.go", "package b\n")
	_, err = m.Commit(ctx, "wf_1", "pulse_9", "second")
	require.NoError(t, err)
	_, err = m.MergePulse(ctx, "wf_1", "pulse_9")
	require.NoError(t, err)

	ids, err := m.ExtractPulseIDs(ctx, "main", m.WorkflowBranch("wf_1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pulse_9"}, ids)
}
