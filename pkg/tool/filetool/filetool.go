// Package filetool provides worktree-confined file tools: read_file,
// write_file, search_replace, list_dir and grep_search. Every path
// resolves relative to the execution directory and may not escape it.
package filetool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/autarch-dev/autarch/pkg/tool"
)

const maxFileSize = 10 << 20

// All returns every file tool, for registry construction.
func All() []tool.Tool {
	return []tool.Tool{
		NewReadFile(),
		NewWriteFile(),
		NewSearchReplace(),
		NewListDir(),
		NewGrepSearch(),
	}
}

// resolve joins a relative path with the confinement root and rejects
// escapes.
func resolve(root, path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", path)
	}
	full := filepath.Clean(filepath.Join(root, path))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working directory: %s", path)
	}
	return full, nil
}
