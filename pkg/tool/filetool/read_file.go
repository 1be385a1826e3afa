package filetool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/autarch-dev/autarch/pkg/tool"
)

// ReadFileArgs defines the parameters for reading a file.
type ReadFileArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path to read (relative to the working directory)"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=Starting line number (1-indexed),minimum=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Ending line number (inclusive),minimum=1"`
}

// ReadFile reads file contents with optional line-range selection.
type ReadFile struct {
	schema map[string]any
}

// NewReadFile creates the read_file tool.
func NewReadFile() *ReadFile {
	return &ReadFile{schema: tool.MustSchemaFor[ReadFileArgs]()}
}

func (t *ReadFile) Definition() tool.Definition {
	return tool.Definition{
		Name:        "read_file",
		Description: "Read the contents of a file with line numbers and optional range selection. Use to understand code before editing it.",
		Schema:      t.schema,
	}
}

func (t *ReadFile) RequiresApproval() bool { return false }

func (t *ReadFile) Execute(_ context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args ReadFileArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	full, err := resolve(tc.Dir(), args.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}

	info, err := os.Stat(full)
	if err != nil {
		return tool.Errorf("failed to stat file: %v", err), nil
	}
	if info.Size() > maxFileSize {
		return tool.Errorf("file too large: %d bytes (max %d)", info.Size(), maxFileSize), nil
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return tool.Errorf("failed to read file: %v", err), nil
	}

	lines := strings.Split(string(content), "\n")
	total := len(lines)

	start := 1
	if args.StartLine > 0 {
		start = args.StartLine
		if start > total {
			return tool.Errorf("start_line (%d) exceeds file length (%d lines)", start, total), nil
		}
	}
	end := total
	if args.EndLine > 0 && args.EndLine < end {
		end = args.EndLine
	}
	if start > end {
		return tool.Errorf("invalid range: start_line (%d) > end_line (%d)", start, end), nil
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
	}
	return tool.Result{Success: true, Content: b.String()}, nil
}
