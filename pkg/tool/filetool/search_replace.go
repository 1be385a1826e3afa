package filetool

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/autarch-dev/autarch/pkg/tool"
)

// SearchReplaceArgs defines the parameters for an exact-string edit.
type SearchReplaceArgs struct {
	Path       string `json:"path" jsonschema:"required,description=File path to edit (relative to the working directory)"`
	OldString  string `json:"old_string" jsonschema:"required,description=Exact text to replace; must match the file contents including whitespace"`
	NewString  string `json:"new_string" jsonschema:"required,description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring a unique match,default=false"`
}

// SearchReplace performs exact string replacement in a file. Without
// replace_all the old string must occur exactly once.
type SearchReplace struct {
	schema map[string]any
}

// NewSearchReplace creates the search_replace tool.
func NewSearchReplace() *SearchReplace {
	return &SearchReplace{schema: tool.MustSchemaFor[SearchReplaceArgs]()}
}

func (t *SearchReplace) Definition() tool.Definition {
	return tool.Definition{
		Name:        "search_replace",
		Description: "Replace an exact string in a file. The old string must be unique unless replace_all is set. Use for targeted edits.",
		Schema:      t.schema,
	}
}

func (t *SearchReplace) RequiresApproval() bool { return false }

func (t *SearchReplace) Execute(_ context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args SearchReplaceArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if args.OldString == args.NewString {
		return tool.Errorf("old_string and new_string are identical"), nil
	}
	full, err := resolve(tc.Dir(), args.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return tool.Errorf("failed to read file: %v", err), nil
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	switch {
	case count == 0:
		return tool.Errorf("old_string not found in %s", args.Path), nil
	case count > 1 && !args.ReplaceAll:
		return tool.Errorf("old_string occurs %d times in %s; make it unique or set replace_all", count, args.Path), nil
	}

	replaced := count
	if args.ReplaceAll {
		content = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		content = strings.Replace(content, args.OldString, args.NewString, 1)
		replaced = 1
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return tool.Errorf("failed to write file: %v", err), nil
	}
	return tool.Result{
		Success: true,
		Content: fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, args.Path),
	}, nil
}
