package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Host to bind to.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,default=127.0.0.1"`

	// Port to listen on.
	Port int `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"title=Port,default=8080"`

	// BaseURL is the externally reachable address of this server. The
	// askpass helper posts credential responses here.
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL"`

	// ReadTimeout for request headers and bodies.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty" jsonschema:"title=Read Timeout,default=30s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty" jsonschema:"title=Shutdown Timeout,default=10s"`

	// CORS configures cross-origin access. Nil disables CORS headers.
	CORS *CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty" jsonschema:"title=CORS"`

	// RateLimit throttles API requests per client. Nil disables it.
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" jsonschema:"title=Rate Limit"`
}

// RateLimitConfig bounds requests per client within a fixed window.
// Clients are keyed by authenticated subject when auth is enabled,
// otherwise by remote IP.
type RateLimitConfig struct {
	// Enabled turns on request throttling.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,default=false"`

	// Requests allowed per client per window.
	Requests int `yaml:"requests,omitempty" json:"requests,omitempty" jsonschema:"title=Requests,minimum=1,default=120"`

	// Window is the counting interval.
	Window time.Duration `yaml:"window,omitempty" json:"window,omitempty" jsonschema:"title=Window,default=1m"`

	// ExcludedPaths bypass throttling (exact match).
	ExcludedPaths []string `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty" jsonschema:"title=Excluded Paths"`
}

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty" jsonschema:"title=Allowed Origins"`

	// AllowedMethods lists permitted HTTP methods.
	AllowedMethods []string `yaml:"allowed_methods,omitempty" json:"allowed_methods,omitempty" jsonschema:"title=Allowed Methods"`

	// AllowedHeaders lists permitted request headers.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty" json:"allowed_headers,omitempty" jsonschema:"title=Allowed Headers"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.CORS != nil {
		if len(c.CORS.AllowedMethods) == 0 {
			c.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
		}
		if len(c.CORS.AllowedHeaders) == 0 {
			c.CORS.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type"}
		}
	}
	if c.RateLimit != nil {
		if c.RateLimit.Requests == 0 {
			c.RateLimit.Requests = 120
		}
		if c.RateLimit.Window == 0 {
			c.RateLimit.Window = time.Minute
		}
		if c.RateLimit.ExcludedPaths == nil {
			c.RateLimit.ExcludedPaths = []string{"/health", "/metrics"}
		}
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Port)
	}
	if rl := c.RateLimit; rl != nil && rl.Enabled {
		if rl.Requests < 1 {
			return fmt.Errorf("server.rate_limit.requests must be at least 1")
		}
		if rl.Window < time.Second {
			return fmt.Errorf("server.rate_limit.window must be at least 1s")
		}
	}
	return nil
}

// ListenAddr returns the host:port bind address.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
