package config

import (
	"fmt"
	"time"
)

// AuthConfig configures JWT validation for the HTTP API.
//
// When disabled (the default) all endpoints are open; Autarch is a local
// development tool and normally binds to loopback.
type AuthConfig struct {
	// Enabled turns on token validation.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,default=false"`

	// JWKSURL is the JSON Web Key Set endpoint. One of JWKSURL or
	// Secret is required when Enabled is true.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty" jsonschema:"title=JWKS URL"`

	// Secret is a shared HMAC signing secret, for deployments without
	// a key server. Supports ${ENV_VAR} expansion.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty" jsonschema:"title=Secret"`

	// Issuer is the expected iss claim.
	Issuer string `yaml:"issuer,omitempty" json:"issuer,omitempty" jsonschema:"title=Issuer"`

	// Audience is the expected aud claim.
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty" jsonschema:"title=Audience"`

	// RefreshInterval between JWKS refreshes.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty" jsonschema:"title=Refresh Interval,default=15m"`

	// ExcludedPaths bypass authentication.
	ExcludedPaths []string `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty" jsonschema:"title=Excluded Paths"`
}

// SetDefaults applies default values.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{"/health", "/metrics", "/events"}
	}
}

// Validate checks the auth configuration.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && c.Secret == "" {
		return fmt.Errorf("auth requires jwks_url or secret when enabled")
	}
	if c.JWKSURL != "" && c.Secret != "" {
		return fmt.Errorf("auth.jwks_url and auth.secret are mutually exclusive")
	}
	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("auth.refresh_interval must be at least 1 minute")
	}
	return nil
}
