package model

import "strings"

// Pricing holds per-model costs in USD per million tokens. Cache reads
// and writes are billed at the provider's published multipliers of the
// prompt rate.
type Pricing struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
	CacheReadPerMTok  float64
	CacheWritePerMTok float64
}

// Built-in pricing by model-id prefix. Config overrides take precedence;
// unknown models cost zero rather than guessing.
var defaultPricing = map[string]Pricing{
	"claude-opus-4":    {PromptPerMTok: 15, CompletionPerMTok: 75, CacheReadPerMTok: 1.5, CacheWritePerMTok: 18.75},
	"claude-sonnet-4":  {PromptPerMTok: 3, CompletionPerMTok: 15, CacheReadPerMTok: 0.3, CacheWritePerMTok: 3.75},
	"claude-haiku-4":   {PromptPerMTok: 0.8, CompletionPerMTok: 4, CacheReadPerMTok: 0.08, CacheWritePerMTok: 1},
	"gemini-2.0-flash": {PromptPerMTok: 0.1, CompletionPerMTok: 0.4, CacheReadPerMTok: 0.025},
	"gemini-2.5-pro":   {PromptPerMTok: 1.25, CompletionPerMTok: 10, CacheReadPerMTok: 0.31},
}

// PricingFor returns the built-in pricing for a model id, matching by
// longest prefix. The bool reports whether a match was found.
func PricingFor(modelID string) (Pricing, bool) {
	var best string
	for prefix := range defaultPricing {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Pricing{}, false
	}
	return defaultPricing[best], true
}

// Cost computes the USD cost of a usage record under the given pricing.
func (p Pricing) Cost(u *Usage) float64 {
	if u == nil {
		return 0
	}
	const mtok = 1_000_000
	return float64(u.PromptTokens)*p.PromptPerMTok/mtok +
		float64(u.CompletionTokens)*p.CompletionPerMTok/mtok +
		float64(u.CacheReadTokens)*p.CacheReadPerMTok/mtok +
		float64(u.CacheWriteTokens)*p.CacheWritePerMTok/mtok
}

// Cost computes the USD cost of a usage record for a model id using the
// built-in pricing table. Unknown models cost zero.
func Cost(modelID string, u *Usage) float64 {
	p, ok := PricingFor(modelID)
	if !ok {
		return 0
	}
	return p.Cost(u)
}
