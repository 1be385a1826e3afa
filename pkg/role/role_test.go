package role

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Project.Name = "payments"
	return cfg
}

func TestParse(t *testing.T) {
	r, err := Parse("execution")
	require.NoError(t, err)
	assert.Equal(t, Execution, r)

	_, err = Parse("wizard")
	assert.Error(t, err)
}

func TestAllCovered(t *testing.T) {
	reg := NewRegistry(testConfig())
	for _, r := range All() {
		p, err := reg.Profile(r)
		require.NoError(t, err, r)
		assert.NotEmpty(t, p.ToolNames, r)

		prompt, err := reg.SystemPrompt(r)
		require.NoError(t, err, r)
		assert.Contains(t, prompt, "payments", r)
	}
}

func TestUnknownRole(t *testing.T) {
	reg := NewRegistry(testConfig())
	_, err := reg.Profile(Role("wizard"))
	assert.Error(t, err)
	_, err = reg.SystemPrompt(Role("wizard"))
	assert.Error(t, err)
	_, err = reg.ToolNames(Role("wizard"))
	assert.Error(t, err)
}

func TestToolSets(t *testing.T) {
	reg := NewRegistry(testConfig())

	names, err := reg.ToolNames(Scoping)
	require.NoError(t, err)
	assert.Contains(t, names, "submit_scope")
	assert.NotContains(t, names, "write_file")
	assert.NotContains(t, names, "execute_command")

	names, err = reg.ToolNames(Execution)
	require.NoError(t, err)
	assert.Contains(t, names, "write_file")
	assert.Contains(t, names, "execute_command")
	assert.NotContains(t, names, "submit_scope")

	names, err = reg.ToolNames(ReviewSub)
	require.NoError(t, err)
	assert.Contains(t, names, "submit_sub_review")
	assert.NotContains(t, names, "complete_review")
}

func TestResearchPromptIncludesExtensionInterval(t *testing.T) {
	cfg := testConfig()
	cfg.Research.ExtensionInterval = 12
	reg := NewRegistry(cfg)

	prompt, err := reg.SystemPrompt(Research)
	require.NoError(t, err)
	assert.Contains(t, prompt, "12 research actions")
	assert.Contains(t, prompt, "request_extension")
}

func TestPromptAddition(t *testing.T) {
	cfg := testConfig()
	cfg.Roles["execution"] = &config.RoleConfig{Prompt: "Always run gofmt before finishing."}
	reg := NewRegistry(cfg)

	prompt, err := reg.SystemPrompt(Execution)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(prompt, "Always run gofmt before finishing."))
}

func TestModelResolution(t *testing.T) {
	cfg := testConfig()
	cfg.Models["fast"] = &config.ModelConfig{Provider: config.ModelProviderGemini, Model: "gemini-2.0-flash"}
	cfg.Roles["basic"] = &config.RoleConfig{Model: "fast"}
	reg := NewRegistry(cfg)

	assert.Equal(t, "gemini-2.0-flash", reg.Model(Basic).Model)
	assert.Equal(t, cfg.Models[config.DefaultModelName].Model, reg.Model(Execution).Model)
}

func TestMaxIterations(t *testing.T) {
	cfg := testConfig()
	cfg.Roles["research"] = &config.RoleConfig{MaxIterations: 250}
	reg := NewRegistry(cfg)

	assert.Equal(t, 250, reg.MaxIterations(Research))
	assert.Equal(t, cfg.Session.MaxIterations, reg.MaxIterations(Planning))
}
