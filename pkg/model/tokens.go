package model

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Token estimation for providers that do not report usage on every
// stream (and for sizing prompts before a call). Uses tiktoken's
// cl100k_base encoding as a model-agnostic approximation; when the
// encoding cannot be loaded it falls back to a bytes/4 heuristic.

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens returns an approximate token count for text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// EstimateRequestTokens approximates the prompt token count of a
// request, including a small per-message framing overhead.
func EstimateRequestTokens(req *Request) int {
	if req == nil {
		return 0
	}

	const tokensPerMessage = 3

	total := EstimateTokens(req.System)
	for _, msg := range req.Messages {
		total += tokensPerMessage
		total += EstimateTokens(msg.Text)
		for _, tr := range msg.ToolResults {
			total += EstimateTokens(tr.Content)
		}
	}
	return total
}
