package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))

	n := EstimateTokens("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 20)
}

func TestEstimateRequestTokens(t *testing.T) {
	assert.Zero(t, EstimateRequestTokens(nil))

	req := &Request{
		System: "You are a helpful assistant.",
		Messages: []Message{
			{Role: RoleUser, Text: "hello"},
			{Role: RoleAssistant, Text: "hi there"},
			{Role: RoleUser, ToolResults: []ToolResult{{Content: "file contents here"}}},
		},
	}

	total := EstimateRequestTokens(req)
	assert.Greater(t, total, EstimateTokens(req.System))
}
