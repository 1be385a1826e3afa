// Package auth validates bearer tokens on the HTTP API.
//
// Authentication is off by default. When enabled, tokens are verified
// either against a JWKS endpoint (key server deployments) or a shared
// HMAC secret (single-box deployments). Validated claims are stored in
// the request context for handlers that want the caller identity.
package auth

import (
	"context"
	"errors"
)

// Common validation errors.
var (
	// ErrMissingToken is returned when no bearer token is present.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails validation.
	ErrInvalidToken = errors.New("invalid token")
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const claimsKey contextKey = "autarch_auth_claims"

// Claims holds the validated claims from a bearer token.
type Claims struct {
	// Subject is the unique identifier for the caller (sub claim).
	Subject string `json:"sub"`

	// Email is the caller's email address, when the provider supplies one.
	Email string `json:"email,omitempty"`

	// Custom holds any additional claims not mapped to struct fields.
	Custom map[string]any `json:"-"`
}

// GetString retrieves a custom claim as a string, or "" if absent.
func (c *Claims) GetString(key string) string {
	if s, ok := c.Custom[key].(string); ok {
		return s
	}
	return ""
}

// ClaimsFrom extracts claims from a context. Returns nil if the request
// was not authenticated.
func ClaimsFrom(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsKey).(*Claims); ok {
		return claims
	}
	return nil
}

// ContextWithClaims returns a new context carrying the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}
