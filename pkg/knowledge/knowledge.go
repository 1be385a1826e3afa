// Package knowledge surfaces project knowledge for injection into
// agent prompts. Injection provenance (references and similarity, not
// content) is recorded by the session runtime.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/autarch-dev/autarch/pkg/config"
)

// Item is one surfaced knowledge entry.
type Item struct {
	// Ref identifies the source, e.g. a file path or document id.
	Ref string

	// Similarity is the relevance score in [0, 1].
	Similarity float64

	// Content is the injectable text. Content never leaves the prompt;
	// provenance records carry Ref and Similarity only.
	Content string
}

// Provider retrieves knowledge relevant to a query.
type Provider interface {
	Query(ctx context.Context, query string, topK int, minSimilarity float64) ([]Item, error)
}

// New builds the configured provider, or nil when injection is off.
func New(cfg config.KnowledgeConfig) (Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "static":
		return NewStaticProvider(cfg.Path)
	default:
		return nil, fmt.Errorf("knowledge: unknown provider %q", cfg.Provider)
	}
}

// entry is one record of the static knowledge file.
type entry struct {
	Ref     string   `json:"ref"`
	Tags    []string `json:"tags"`
	Content string   `json:"content"`
}

// StaticProvider serves entries from a local JSON file, scored by
// cosine similarity over term frequencies of tags plus content.
type StaticProvider struct {
	entries []entry
	vectors []map[string]float64
}

// NewStaticProvider loads the knowledge file.
func NewStaticProvider(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("knowledge: parse %s: %w", path, err)
	}
	p := &StaticProvider{entries: entries}
	for _, e := range entries {
		p.vectors = append(p.vectors, termVector(e.Content+" "+strings.Join(e.Tags, " ")))
	}
	return p, nil
}

// Query returns up to topK entries with similarity at or above
// minSimilarity, best first.
func (p *StaticProvider) Query(_ context.Context, query string, topK int, minSimilarity float64) ([]Item, error) {
	qv := termVector(query)
	if len(qv) == 0 {
		return nil, nil
	}

	var items []Item
	for i, e := range p.entries {
		sim := cosine(qv, p.vectors[i])
		if sim < minSimilarity {
			continue
		}
		items = append(items, Item{Ref: e.Ref, Similarity: sim, Content: e.Content})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Similarity > items[j].Similarity })
	if topK > 0 && len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

func termVector(text string) map[string]float64 {
	v := make(map[string]float64)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		term = strings.Trim(term, ".,;:!?()[]{}\"'`")
		if len(term) < 2 {
			continue
		}
		v[term]++
	}
	return v
}

func cosine(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for term, x := range a {
		na += x * x
		if y, ok := b[term]; ok {
			dot += x * y
		}
	}
	for _, y := range b {
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
