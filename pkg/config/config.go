// Package config defines the Autarch configuration model and its loader.
//
// Configuration is YAML (JSON accepted), loaded through a provider
// abstraction (file, consul, etcd, zookeeper), expanded for ${ENV_VAR}
// references, decoded with mapstructure, then defaulted and validated.
package config

import (
	"fmt"

	"github.com/autarch-dev/autarch/pkg/observability"
)

// Config is the root Autarch configuration.
type Config struct {
	// Version of the config format.
	Version string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version,description=Config format version,default=1"`

	// Project describes the repository Autarch operates on.
	Project ProjectConfig `yaml:"project,omitempty" json:"project,omitempty" jsonschema:"title=Project"`

	// Git configures branch naming, committer identity, and pushes.
	Git GitConfig `yaml:"git,omitempty" json:"git,omitempty" jsonschema:"title=Git"`

	// Database configures the SQL store.
	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server"`

	// Auth configures JWT validation for the HTTP API. Off by default.
	Auth AuthConfig `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"title=Auth"`

	// Models maps model names to provider configurations.
	Models map[string]*ModelConfig `yaml:"models,omitempty" json:"models,omitempty" jsonschema:"title=Models,description=Named model provider configurations"`

	// Roles overrides per-role model selection and prompt additions.
	Roles map[string]*RoleConfig `yaml:"roles,omitempty" json:"roles,omitempty" jsonschema:"title=Roles,description=Per-role overrides"`

	// Session configures turn execution.
	Session SessionConfig `yaml:"session,omitempty" json:"session,omitempty" jsonschema:"title=Session"`

	// Research configures research-stage pacing.
	Research ResearchConfig `yaml:"research,omitempty" json:"research,omitempty" jsonschema:"title=Research"`

	// Bus configures event delivery to subscribers.
	Bus BusConfig `yaml:"bus,omitempty" json:"bus,omitempty" jsonschema:"title=Bus"`

	// Knowledge configures per-turn knowledge injection.
	Knowledge KnowledgeConfig `yaml:"knowledge,omitempty" json:"knowledge,omitempty" jsonschema:"title=Knowledge"`

	// MCP maps server names to external MCP tool server configurations.
	MCP map[string]*MCPServerConfig `yaml:"mcp,omitempty" json:"mcp,omitempty" jsonschema:"title=MCP,description=External MCP tool servers"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability"`

	// Logging configures the slog backend.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging"`
}

// ProjectConfig describes the repository Autarch manages.
type ProjectConfig struct {
	// Name of the project, used in prompts and logs.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name"`

	// Root is the path to the project repository.
	Root string `yaml:"root,omitempty" json:"root,omitempty" jsonschema:"title=Root,description=Path to the project repository,default=."`

	// BaseBranch is the default base branch for new workflows.
	BaseBranch string `yaml:"base_branch,omitempty" json:"base_branch,omitempty" jsonschema:"title=Base Branch,default=main"`
}

// SetDefaults applies default values.
func (c *ProjectConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
}

// Validate checks the project configuration.
func (c *ProjectConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("project.root is required")
	}
	return nil
}

// GitConfig configures branch naming and commit identity.
type GitConfig struct {
	// BranchPrefix namespaces workflow and pulse branches.
	BranchPrefix string `yaml:"branch_prefix,omitempty" json:"branch_prefix,omitempty" jsonschema:"title=Branch Prefix,default=autarch"`

	// HiddenDir is the git-ignored directory under the project root
	// that holds worktrees and local state.
	HiddenDir string `yaml:"hidden_dir,omitempty" json:"hidden_dir,omitempty" jsonschema:"title=Hidden Dir,default=.autarch"`

	// CommitterName is the fixed committer identity on all commits.
	CommitterName string `yaml:"committer_name,omitempty" json:"committer_name,omitempty" jsonschema:"title=Committer Name,default=Autarch"`

	// CommitterEmail is the fixed committer email on all commits.
	CommitterEmail string `yaml:"committer_email,omitempty" json:"committer_email,omitempty" jsonschema:"title=Committer Email,default=bot@autarch.dev"`

	// AuthorName overrides the commit author. When empty the repository's
	// configured user.name is used; when that is also absent the author
	// falls back to the committer identity.
	AuthorName string `yaml:"author_name,omitempty" json:"author_name,omitempty" jsonschema:"title=Author Name"`

	// AuthorEmail overrides the commit author email.
	AuthorEmail string `yaml:"author_email,omitempty" json:"author_email,omitempty" jsonschema:"title=Author Email"`

	// Remote to push merged base branches to. Pushes are skipped when empty.
	Remote string `yaml:"remote,omitempty" json:"remote,omitempty" jsonschema:"title=Remote"`
}

// SetDefaults applies default values.
func (c *GitConfig) SetDefaults() {
	if c.BranchPrefix == "" {
		c.BranchPrefix = "autarch"
	}
	if c.HiddenDir == "" {
		c.HiddenDir = ".autarch"
	}
	if c.CommitterName == "" {
		c.CommitterName = "Autarch"
	}
	if c.CommitterEmail == "" {
		c.CommitterEmail = "bot@autarch.dev"
	}
}

// Validate checks the git configuration.
func (c *GitConfig) Validate() error {
	if c.BranchPrefix == "" {
		return fmt.Errorf("git.branch_prefix is required")
	}
	if c.HiddenDir == "" {
		return fmt.Errorf("git.hidden_dir is required")
	}
	return nil
}

// LoggingConfig configures the slog backend.
type LoggingConfig struct {
	// Level is the minimum level for Autarch's own log records
	// (debug, info, warn, error).
	Level string `yaml:"level,omitempty" json:"level,omitempty" jsonschema:"title=Level,enum=debug,enum=info,enum=warn,enum=error,default=info"`

	// Format selects the handler (text, json).
	Format string `yaml:"format,omitempty" json:"format,omitempty" jsonschema:"title=Format,enum=text,enum=json,default=text"`

	// Output is "stderr", "stdout", or a file path.
	Output string `yaml:"output,omitempty" json:"output,omitempty" jsonschema:"title=Output,default=stderr"`
}

// SetDefaults applies default values.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is invalid (valid: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is invalid (valid: text, json)", c.Format)
	}
	return nil
}

// SetDefaults applies defaults to every section, creating a usable
// configuration from an empty document.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}

	c.Project.SetDefaults()
	c.Git.SetDefaults()
	c.Database.SetDefaults(c.Git.HiddenDir)
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.Session.SetDefaults()
	c.Research.SetDefaults()
	c.Bus.SetDefaults()
	c.Knowledge.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()

	if c.Models == nil {
		c.Models = make(map[string]*ModelConfig)
	}
	if _, ok := c.Models[DefaultModelName]; !ok {
		c.Models[DefaultModelName] = &ModelConfig{}
	}
	for _, m := range c.Models {
		m.SetDefaults()
	}

	if c.Roles == nil {
		c.Roles = make(map[string]*RoleConfig)
	}
	for _, r := range c.Roles {
		r.SetDefaults()
	}

	for _, m := range c.MCP {
		if m != nil {
			m.SetDefaults()
		}
	}
}

// Validate checks the full configuration. Call after SetDefaults.
func (c *Config) Validate() error {
	if err := c.Project.Validate(); err != nil {
		return err
	}
	if err := c.Git.Validate(); err != nil {
		return err
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Research.Validate(); err != nil {
		return err
	}
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if err := c.Knowledge.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}

	for name, m := range c.Models {
		if m == nil {
			return fmt.Errorf("models.%s is empty", name)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("models.%s: %w", name, err)
		}
	}

	for role, r := range c.Roles {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("roles.%s: %w", role, err)
		}
		if r.Model != "" {
			if _, ok := c.Models[r.Model]; !ok {
				return fmt.Errorf("roles.%s references unknown model %q", role, r.Model)
			}
		}
	}

	for name, m := range c.MCP {
		if m == nil {
			return fmt.Errorf("mcp.%s is empty", name)
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mcp.%s: %w", name, err)
		}
	}

	return nil
}

// ModelFor resolves the model configuration for a role, falling back to
// the default model when the role has no override.
func (c *Config) ModelFor(role string) *ModelConfig {
	if r, ok := c.Roles[role]; ok && r != nil && r.Model != "" {
		if m, ok := c.Models[r.Model]; ok {
			return m
		}
	}
	return c.Models[DefaultModelName]
}

// Default returns a ready-to-use configuration built entirely from
// defaults and environment detection.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
