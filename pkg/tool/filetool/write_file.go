package filetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autarch-dev/autarch/pkg/tool"
)

// WriteFileArgs defines the parameters for writing a file.
type WriteFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path to write (relative to the working directory)"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

// WriteFile creates or overwrites a file, creating parent directories
// as needed.
type WriteFile struct {
	schema map[string]any
}

// NewWriteFile creates the write_file tool.
func NewWriteFile() *WriteFile {
	return &WriteFile{schema: tool.MustSchemaFor[WriteFileArgs]()}
}

func (t *WriteFile) Definition() tool.Definition {
	return tool.Definition{
		Name:        "write_file",
		Description: "Create or overwrite a file with the given content. Parent directories are created automatically.",
		Schema:      t.schema,
	}
}

func (t *WriteFile) RequiresApproval() bool { return false }

func (t *WriteFile) Execute(_ context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args WriteFileArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	full, err := resolve(tc.Dir(), args.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return tool.Errorf("failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return tool.Errorf("failed to write file: %v", err), nil
	}
	return tool.Result{
		Success: true,
		Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path),
	}, nil
}
