package filetool

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/autarch-dev/autarch/pkg/tool"
)

// ListDirArgs defines the parameters for listing a directory.
type ListDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory path to list (relative to the working directory),default=."`
}

// ListDir lists directory entries, directories first.
type ListDir struct {
	schema map[string]any
}

// NewListDir creates the list_dir tool.
func NewListDir() *ListDir {
	return &ListDir{schema: tool.MustSchemaFor[ListDirArgs]()}
}

func (t *ListDir) Definition() tool.Definition {
	return tool.Definition{
		Name:        "list_dir",
		Description: "List the entries of a directory. Directories are suffixed with a slash.",
		Schema:      t.schema,
	}
}

func (t *ListDir) RequiresApproval() bool { return false }

func (t *ListDir) Execute(_ context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args ListDirArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	full, err := resolve(tc.Dir(), args.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return tool.Errorf("failed to read directory: %v", err), nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s\n", e.Name())
	}
	if b.Len() == 0 {
		return tool.Result{Success: true, Content: "(empty directory)"}, nil
	}
	return tool.Result{Success: true, Content: b.String()}, nil
}
