package config

import (
	"fmt"
	"time"
)

// MCPServerConfig configures one external MCP tool server. Tools it
// exposes are added to every role's tool set under their own names.
type MCPServerConfig struct {
	// URL of the server for HTTP transports.
	URL string `yaml:"url,omitempty" json:"url,omitempty" jsonschema:"title=URL,description=MCP server URL for HTTP transports"`

	// Transport is sse, streamable-http, or stdio.
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"title=Transport,enum=sse,enum=streamable-http,enum=stdio"`

	// Command to spawn for the stdio transport.
	Command string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"title=Command"`

	// Args for the stdio command.
	Args []string `yaml:"args,omitempty" json:"args,omitempty" jsonschema:"title=Args"`

	// Env for the stdio command.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty" jsonschema:"title=Env"`

	// Filter limits which of the server's tools are exposed.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty" jsonschema:"title=Filter"`

	// MaxRetries for HTTP requests.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"title=Max Retries,default=3"`

	// Timeout bounds reading a streamed response.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,default=5m"`
}

// SetDefaults applies default values.
func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = "stdio"
		} else {
			c.Transport = "streamable-http"
		}
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Validate checks the MCP server configuration.
func (c *MCPServerConfig) Validate() error {
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("command is required for the stdio transport")
		}
	case "sse", "streamable-http":
		if c.URL == "" {
			return fmt.Errorf("url is required for the %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("transport %q is invalid (valid: sse, streamable-http, stdio)", c.Transport)
	}
	return nil
}
