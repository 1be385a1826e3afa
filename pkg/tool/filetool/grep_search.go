package filetool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/autarch-dev/autarch/pkg/tool"
)

// GrepSearchArgs defines the parameters for searching files.
type GrepSearchArgs struct {
	Pattern         string `json:"pattern" jsonschema:"required,description=Regular expression to search for (Go regex syntax)"`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search in,default=."`
	FilePattern     string `json:"file_pattern,omitempty" jsonschema:"description=Glob filter for file names (e.g. '*.go')"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Perform case-insensitive search,default=false"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of matches to return,default=100,minimum=1,maximum=1000"`
}

const defaultGrepMaxResults = 100

// GrepSearch searches files with a regular expression, like grep.
type GrepSearch struct {
	schema map[string]any
}

// NewGrepSearch creates the grep_search tool.
func NewGrepSearch() *GrepSearch {
	return &GrepSearch{schema: tool.MustSchemaFor[GrepSearchArgs]()}
}

func (t *GrepSearch) Definition() tool.Definition {
	return tool.Definition{
		Name:        "grep_search",
		Description: "Search for a regex pattern across files. Use for finding symbols, strings or usages.",
		Schema:      t.schema,
	}
}

func (t *GrepSearch) RequiresApproval() bool { return false }

func (t *GrepSearch) Execute(_ context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args GrepSearchArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}

	pattern := args.Pattern
	if args.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return tool.Errorf("invalid regex pattern: %v", err), nil
	}

	root, err := resolve(tc.Dir(), args.Path)
	if err != nil {
		return tool.Errorf("%v", err), nil
	}
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = defaultGrepMaxResults
	}

	var (
		b       strings.Builder
		matches int
	)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if matches >= maxResults {
			return filepath.SkipAll
		}
		if args.FilePattern != "" {
			ok, _ := filepath.Match(args.FilePattern, d.Name())
			if !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !isText(data) {
			return nil
		}
		rel, _ := filepath.Rel(tc.Dir(), path)
		for i, line := range strings.Split(string(data), "\n") {
			if matches >= maxResults {
				return filepath.SkipAll
			}
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, line)
				matches++
			}
		}
		return nil
	})
	if walkErr != nil {
		return tool.Errorf("search failed: %v", walkErr), nil
	}
	if matches == 0 {
		return tool.Result{Success: true, Content: "no matches found"}, nil
	}
	return tool.Result{Success: true, Content: b.String()}, nil
}

// isText rejects binary files by scanning a prefix for NUL bytes.
func isText(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, c := range data[:n] {
		if c == 0 {
			return false
		}
	}
	return true
}
