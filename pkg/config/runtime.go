package config

import (
	"fmt"
	"time"
)

// SessionConfig configures turn execution.
type SessionConfig struct {
	// ToolTimeout bounds a single tool invocation. Exceeding it returns a
	// timeout error to the agent as a normal tool result.
	ToolTimeout time.Duration `yaml:"tool_timeout,omitempty" json:"tool_timeout,omitempty" jsonschema:"title=Tool Timeout,default=5m"`

	// MaxIterations guards against unbounded tool loops within one turn.
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty" jsonschema:"title=Max Iterations,minimum=1,default=100"`

	// ProviderRetries is the number of retries after a failed provider
	// call before the turn errors.
	ProviderRetries int `yaml:"provider_retries,omitempty" json:"provider_retries,omitempty" jsonschema:"title=Provider Retries,minimum=0,default=3"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt
	// with jitter.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty" json:"retry_base_delay,omitempty" jsonschema:"title=Retry Base Delay,default=500ms"`

	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay,omitempty" json:"retry_max_delay,omitempty" jsonschema:"title=Retry Max Delay,default=4s"`
}

// SetDefaults applies default values.
func (c *SessionConfig) SetDefaults() {
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 5 * time.Minute
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 100
	}
	if c.ProviderRetries == 0 {
		c.ProviderRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 4 * time.Second
	}
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("session.tool_timeout must be positive")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("session.max_iterations must be at least 1")
	}
	if c.ProviderRetries < 0 {
		return fmt.Errorf("session.provider_retries must be non-negative")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("session retry delays are inconsistent")
	}
	return nil
}

// ResearchConfig configures research-stage pacing.
type ResearchConfig struct {
	// ExtensionInterval is the number of research actions after which a
	// research-class agent must call request_extension to continue.
	ExtensionInterval int `yaml:"extension_interval,omitempty" json:"extension_interval,omitempty" jsonschema:"title=Extension Interval,minimum=1,default=8"`
}

// SetDefaults applies default values.
func (c *ResearchConfig) SetDefaults() {
	if c.ExtensionInterval == 0 {
		c.ExtensionInterval = 8
	}
}

// Validate checks the research configuration.
func (c *ResearchConfig) Validate() error {
	if c.ExtensionInterval < 1 {
		return fmt.Errorf("research.extension_interval must be at least 1")
	}
	return nil
}

// BusConfig configures event delivery.
type BusConfig struct {
	// QueueSize bounds each subscriber's event queue. A subscriber that
	// falls behind loses oldest events and receives a lagged marker.
	QueueSize int `yaml:"queue_size,omitempty" json:"queue_size,omitempty" jsonschema:"title=Queue Size,minimum=1,default=256"`
}

// SetDefaults applies default values.
func (c *BusConfig) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// Validate checks the bus configuration.
func (c *BusConfig) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("bus.queue_size must be at least 1")
	}
	return nil
}

// KnowledgeConfig configures per-turn knowledge injection.
type KnowledgeConfig struct {
	// Enabled turns on knowledge injection.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,default=false"`

	// Provider selects the knowledge source ("static" reads a local
	// JSON file of entries).
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,enum=static,default=static"`

	// Path to the static knowledge file.
	Path string `yaml:"path,omitempty" json:"path,omitempty" jsonschema:"title=Path"`

	// TopK caps the number of injected items per turn.
	TopK int `yaml:"top_k,omitempty" json:"top_k,omitempty" jsonschema:"title=Top K,minimum=1,default=5"`

	// MinSimilarity filters out weakly related items.
	MinSimilarity float64 `yaml:"min_similarity,omitempty" json:"min_similarity,omitempty" jsonschema:"title=Min Similarity,minimum=0,maximum=1,default=0.4"`
}

// SetDefaults applies default values.
func (c *KnowledgeConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "static"
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.4
	}
}

// Validate checks the knowledge configuration.
func (c *KnowledgeConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Provider != "static" {
		return fmt.Errorf("knowledge.provider %q is invalid (valid: static)", c.Provider)
	}
	if c.Path == "" {
		return fmt.Errorf("knowledge.path is required when knowledge is enabled")
	}
	if c.TopK < 1 {
		return fmt.Errorf("knowledge.top_k must be at least 1")
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("knowledge.min_similarity must be between 0 and 1")
	}
	return nil
}
