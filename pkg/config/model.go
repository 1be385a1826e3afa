package config

import (
	"fmt"
	"os"
	"time"
)

// ModelProvider identifies the LLM provider type.
type ModelProvider string

const (
	ModelProviderAnthropic ModelProvider = "anthropic"
	ModelProviderGemini    ModelProvider = "gemini"
)

// DefaultModelName is the key of the model used when a role has no override.
const DefaultModelName = "default"

// ModelConfig configures a single LLM provider entry in the models map.
type ModelConfig struct {
	// Provider type (anthropic, gemini).
	Provider ModelProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,enum=anthropic,enum=gemini,default=anthropic"`

	// Model name (e.g. "claude-sonnet-4-20250514", "gemini-2.0-flash").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model"`

	// APIKey for authentication. Supports ${ENV_VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL"`

	// Temperature for generation.
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,minimum=0,maximum=2"`

	// MaxTokens limits response length per turn.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,minimum=1,default=8192"`

	// Timeout bounds a single streaming call.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,default=300s"`

	// Thinking enables extended thinking (Anthropic).
	Thinking *ThinkingConfig `yaml:"thinking,omitempty" json:"thinking,omitempty" jsonschema:"title=Thinking"`

	// PromptCostPerMTok and CompletionCostPerMTok override the built-in
	// pricing table, in USD per million tokens.
	PromptCostPerMTok     float64 `yaml:"prompt_cost_per_mtok,omitempty" json:"prompt_cost_per_mtok,omitempty" jsonschema:"title=Prompt Cost per MTok"`
	CompletionCostPerMTok float64 `yaml:"completion_cost_per_mtok,omitempty" json:"completion_cost_per_mtok,omitempty" jsonschema:"title=Completion Cost per MTok"`
}

// ThinkingConfig configures extended thinking (Anthropic).
type ThinkingConfig struct {
	// Enabled turns on extended thinking.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,default=true"`

	// BudgetTokens is the token budget for thinking.
	BudgetTokens int `yaml:"budget_tokens,omitempty" json:"budget_tokens,omitempty" jsonschema:"title=Budget Tokens,minimum=1,default=2048"`
}

// SetDefaults applies default values.
func (c *ModelConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Provider {
		case ModelProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case ModelProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}

	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}

	if c.Thinking != nil {
		if c.Thinking.Enabled == nil {
			enabled := true
			c.Thinking.Enabled = &enabled
		}
		if c.Thinking.BudgetTokens == 0 {
			c.Thinking.BudgetTokens = 2048
		}
	}
}

// Validate checks the model configuration.
func (c *ModelConfig) Validate() error {
	switch c.Provider {
	case ModelProviderAnthropic, ModelProviderGemini:
	default:
		return fmt.Errorf("provider %q is invalid (valid: anthropic, gemini)", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.Thinking != nil && c.Thinking.BudgetTokens >= c.MaxTokens {
		return fmt.Errorf("thinking.budget_tokens must be less than max_tokens")
	}
	return nil
}

// RoleConfig overrides behavior for a single agent role.
type RoleConfig struct {
	// Model names an entry in the models map. Empty uses the default model.
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Name of a models entry"`

	// Prompt is appended to the role's built-in system prompt.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty" jsonschema:"title=Prompt,description=Extra system prompt text"`

	// MaxIterations overrides the per-turn tool iteration guard.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"title=Max Iterations,minimum=1"`
}

// SetDefaults applies default values.
func (c *RoleConfig) SetDefaults() {}

// Validate checks the role configuration.
func (c *RoleConfig) Validate() error {
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative")
	}
	return nil
}

// detectProviderFromEnv picks a provider based on which API keys are set.
func detectProviderFromEnv() ModelProvider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ModelProviderAnthropic
	}
	if os.Getenv("GEMINI_API_KEY") != "" {
		return ModelProviderGemini
	}
	return ModelProviderAnthropic
}

// apiKeyFromEnv returns the conventional environment API key for a provider.
func apiKeyFromEnv(p ModelProvider) string {
	switch p {
	case ModelProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ModelProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}
