// Package git manages workflow branches, pulse branches and worktrees
// through the git CLI.
//
// Branch layout: `<prefix>/<workflowId>` branches off the base branch;
// `<prefix>/<workflowId>-<pulseId>` branches off the workflow branch
// (the dash avoids ref-hierarchy conflicts with the workflow branch).
// Worktrees live under `<projectRoot>/<hidden>/worktrees/<workflowId>`.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Committer identity fixed on every commit Autarch makes.
const (
	CommitterName  = "Autarch"
	CommitterEmail = "bot@autarch.dev"
)

// Commit trailers.
const (
	TrailerPulseID    = "Autarch-Pulse-Id"
	TrailerWorkflowID = "Autarch-Workflow-Id"
)

// RecoveryMessage is the subject of crash-recovery checkpoint commits.
const RecoveryMessage = "[RECOVERY] Work in progress"

// Error wraps a failed git invocation with its combined output.
type Error struct {
	Args   []string
	Dir    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *Error) Unwrap() error { return e.Err }

// run executes git in dir with the manager's environment and returns
// trimmed combined output.
func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), m.env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &Error{Args: args, Dir: dir, Output: string(out), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// runCommit is run with the fixed committer identity plus an optional
// author override.
func (m *Manager) runCommit(ctx context.Context, dir string, author *identity, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	env := append(os.Environ(), m.env...)
	env = append(env,
		"GIT_COMMITTER_NAME="+CommitterName,
		"GIT_COMMITTER_EMAIL="+CommitterEmail,
	)
	if author != nil {
		env = append(env,
			"GIT_AUTHOR_NAME="+author.name,
			"GIT_AUTHOR_EMAIL="+author.email,
		)
	} else {
		// No author anywhere; fall back to the committer so commit
		// never fails on identity.
		env = append(env,
			"GIT_AUTHOR_NAME="+CommitterName,
			"GIT_AUTHOR_EMAIL="+CommitterEmail,
		)
	}
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &Error{Args: args, Dir: dir, Output: string(out), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

type identity struct {
	name  string
	email string
}

// formatMessage appends trailers to a commit message. Trailer order is
// the order given.
func formatMessage(subject string, trailers [][2]string) string {
	if len(trailers) == 0 {
		return subject
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(subject, "\n"))
	b.WriteString("\n\n")
	for _, tr := range trailers {
		fmt.Fprintf(&b, "%s: %s\n", tr[0], tr[1])
	}
	return strings.TrimRight(b.String(), "\n")
}
