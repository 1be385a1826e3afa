package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/config"
)

func writeKnowledgeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "knowledge.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleKnowledge = `[
	{"ref": "docs/adr/0001-routing.md", "tags": ["http", "router", "chi"],
	 "content": "All HTTP routing goes through chi; handlers live in pkg/server."},
	{"ref": "docs/adr/0002-branching.md", "tags": ["git", "branches", "merge"],
	 "content": "Workflow branches merge into the base branch via squash by default."},
	{"ref": "docs/style.md", "tags": ["style"],
	 "content": "Errors wrap with fmt.Errorf and %w."}
]`

func TestStaticProviderQuery(t *testing.T) {
	p, err := NewStaticProvider(writeKnowledgeFile(t, sampleKnowledge))
	require.NoError(t, err)

	items, err := p.Query(context.Background(), "how do git branches merge", 5, 0.1)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "docs/adr/0002-branching.md", items[0].Ref)
	assert.Greater(t, items[0].Similarity, 0.1)
}

func TestStaticProviderTopKAndThreshold(t *testing.T) {
	p, err := NewStaticProvider(writeKnowledgeFile(t, sampleKnowledge))
	require.NoError(t, err)
	ctx := context.Background()

	items, err := p.Query(ctx, "http router chi handlers git merge style errors", 1, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "topK caps results")

	items, err = p.Query(ctx, "completely unrelated quantum entanglement", 5, 0.9)
	require.NoError(t, err)
	assert.Empty(t, items, "threshold filters weak matches")

	items, err = p.Query(ctx, "", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNewFromConfig(t *testing.T) {
	p, err := New(config.KnowledgeConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, p, "disabled config yields no provider")

	path := writeKnowledgeFile(t, sampleKnowledge)
	p, err = New(config.KnowledgeConfig{Enabled: true, Provider: "static", Path: path, TopK: 3, MinSimilarity: 0.2})
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = New(config.KnowledgeConfig{Enabled: true, Provider: "vector", Path: path})
	assert.Error(t, err)
}

func TestStaticProviderBadFile(t *testing.T) {
	_, err := NewStaticProvider("/nonexistent/knowledge.json")
	assert.Error(t, err)

	_, err = NewStaticProvider(writeKnowledgeFile(t, "{not json"))
	assert.Error(t, err)
}
