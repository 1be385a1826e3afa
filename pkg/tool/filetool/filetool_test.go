package filetool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/tool"
)

func testContext(t *testing.T) *tool.Context {
	t.Helper()
	return &tool.Context{ProjectRoot: t.TempDir()}
}

func seedFile(t *testing.T, tc *tool.Context, name, content string) {
	t.Helper()
	full := filepath.Join(tc.Dir(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestResolveConfinement(t *testing.T) {
	root := t.TempDir()

	_, err := resolve(root, "../outside.txt")
	assert.Error(t, err)
	_, err = resolve(root, "/etc/passwd")
	assert.Error(t, err)
	_, err = resolve(root, "sub/../../outside")
	assert.Error(t, err)

	full, err := resolve(root, "sub/../inside.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "inside.txt"), full)
}

func TestReadFile(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "main.go", "package main\n\nfunc main() {}\n")

	res, err := NewReadFile().Execute(context.Background(), tc, map[string]any{"path": "main.go"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "1: package main")
	assert.Contains(t, res.Content, "3: func main() {}")
}

func TestReadFileRange(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "lines.txt", "a\nb\nc\nd\n")
	rf := NewReadFile()

	res, err := rf.Execute(context.Background(), tc, map[string]any{
		"path": "lines.txt", "start_line": 2, "end_line": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "2: b\n3: c\n", res.Content)

	res, err = rf.Execute(context.Background(), tc, map[string]any{
		"path": "lines.txt", "start_line": 99,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestReadFileMissing(t *testing.T) {
	tc := testContext(t)
	res, err := NewReadFile().Execute(context.Background(), tc, map[string]any{"path": "nope.go"})
	require.NoError(t, err, "tool failures are results, not errors")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestWriteFileCreatesDirectories(t *testing.T) {
	tc := testContext(t)
	res, err := NewWriteFile().Execute(context.Background(), tc, map[string]any{
		"path": "pkg/server/health.go", "content": "package server\n",
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	data, err := os.ReadFile(filepath.Join(tc.Dir(), "pkg/server/health.go"))
	require.NoError(t, err)
	assert.Equal(t, "package server\n", string(data))
}

func TestWriteFileRejectsEscape(t *testing.T) {
	tc := testContext(t)
	res, err := NewWriteFile().Execute(context.Background(), tc, map[string]any{
		"path": "../evil.txt", "content": "x",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSearchReplace(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "a.go", "const port = 8080\n")
	sr := NewSearchReplace()

	res, err := sr.Execute(context.Background(), tc, map[string]any{
		"path": "a.go", "old_string": "8080", "new_string": "9090",
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	data, _ := os.ReadFile(filepath.Join(tc.Dir(), "a.go"))
	assert.Equal(t, "const port = 9090\n", string(data))
}

func TestSearchReplaceAmbiguous(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "a.txt", "x\nx\n")
	sr := NewSearchReplace()

	res, err := sr.Execute(context.Background(), tc, map[string]any{
		"path": "a.txt", "old_string": "x", "new_string": "y",
	})
	require.NoError(t, err)
	assert.False(t, res.Success, "duplicate match without replace_all fails")

	res, err = sr.Execute(context.Background(), tc, map[string]any{
		"path": "a.txt", "old_string": "x", "new_string": "y", "replace_all": true,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	data, _ := os.ReadFile(filepath.Join(tc.Dir(), "a.txt"))
	assert.Equal(t, "y\ny\n", string(data))
}

func TestListDir(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "b.txt", "x")
	seedFile(t, tc, "sub/c.txt", "x")

	res, err := NewListDir().Execute(context.Background(), tc, map[string]any{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "sub/\nb.txt\n", res.Content, "directories first")
}

func TestGrepSearch(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "a.go", "func Handler() {}\nvar x = 1\n")
	seedFile(t, tc, "sub/b.go", "// calls Handler\n")
	seedFile(t, tc, "c.txt", "Handler here too\n")

	gs := NewGrepSearch()
	res, err := gs.Execute(context.Background(), tc, map[string]any{
		"pattern": "Handler", "file_pattern": "*.go",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "a.go:1:")
	assert.Contains(t, res.Content, filepath.Join("sub", "b.go")+":1:")
	assert.NotContains(t, res.Content, "c.txt")
}

func TestGrepSearchNoMatches(t *testing.T) {
	tc := testContext(t)
	seedFile(t, tc, "a.go", "package a\n")

	res, err := NewGrepSearch().Execute(context.Background(), tc, map[string]any{"pattern": "zzz"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "no matches found", res.Content)

	res, err = NewGrepSearch().Execute(context.Background(), tc, map[string]any{"pattern": "("})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestAllRegisters(t *testing.T) {
	tools := All()
	names := make(map[string]bool)
	for _, tl := range tools {
		names[tl.Definition().Name] = true
		assert.False(t, tl.RequiresApproval())
	}
	for _, want := range []string{"read_file", "write_file", "search_replace", "list_dir", "grep_search"} {
		assert.True(t, names[want], want)
	}
}
