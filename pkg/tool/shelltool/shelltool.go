// Package shelltool provides the approval-gated execute_command tool.
// Every call must pass the shell allowlist or an explicit user
// approval; the session runtime enforces the gate before execution.
package shelltool

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/autarch-dev/autarch/pkg/tool"
)

const maxOutputBytes = 64 << 10

// ExecuteCommandArgs defines the parameters for running a command.
type ExecuteCommandArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run in the working directory"`
	Reason  string `json:"reason" jsonschema:"required,description=Why this command is needed; shown to the user on approval prompts"`
}

// ExecuteCommand runs a shell command inside the worktree.
type ExecuteCommand struct {
	schema map[string]any
}

// New creates the execute_command tool.
func New() *ExecuteCommand {
	return &ExecuteCommand{schema: tool.MustSchemaFor[ExecuteCommandArgs]()}
}

func (t *ExecuteCommand) Definition() tool.Definition {
	return tool.Definition{
		Name:        "execute_command",
		Description: "Run a shell command in the working directory. Requires approval unless the command is on the allowlist. Always provide a reason.",
		Schema:      t.schema,
	}
}

func (t *ExecuteCommand) RequiresApproval() bool { return true }

func (t *ExecuteCommand) Execute(ctx context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args ExecuteCommandArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if strings.TrimSpace(args.Command) == "" {
		return tool.Errorf("command is empty"), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	cmd.Dir = tc.Dir()
	out, err := cmd.CombinedOutput()

	content := string(out)
	if len(content) > maxOutputBytes {
		content = content[:maxOutputBytes] + "\n... (output truncated)"
	}
	if err != nil {
		if ctx.Err() != nil {
			return tool.Errorf("command aborted: %v", ctx.Err()), nil
		}
		return tool.Result{
			Success: false,
			Content: content,
			Error:   fmt.Sprintf("command failed: %v", err),
		}, nil
	}
	if content == "" {
		content = "(no output)"
	}
	return tool.Result{Success: true, Content: content}, nil
}
