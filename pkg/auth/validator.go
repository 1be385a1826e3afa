package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/autarch-dev/autarch/pkg/config"
)

// TokenValidator verifies bearer tokens and extracts claims. Exactly one
// of the JWKS cache or the HMAC key is set, depending on configuration.
type TokenValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	key      jwk.Key
	issuer   string
	audience string
}

// NewTokenValidator builds a validator from configuration. JWKS mode
// fetches the key set eagerly so misconfiguration fails at startup, and
// keeps it refreshed to handle key rotation.
func NewTokenValidator(ctx context.Context, cfg *config.AuthConfig) (*TokenValidator, error) {
	v := &TokenValidator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	switch {
	case cfg.JWKSURL != "":
		cache := jwk.NewCache(ctx)
		if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
		}
		v.jwksURL = cfg.JWKSURL
		v.cache = cache

	case cfg.Secret != "":
		key, err := jwk.FromRaw([]byte(cfg.Secret))
		if err != nil {
			return nil, fmt.Errorf("failed to build HMAC key: %w", err)
		}
		v.key = key

	default:
		return nil, fmt.Errorf("auth requires jwks_url or secret")
	}

	return v, nil
}

// Validate verifies the token signature, expiration, and the configured
// issuer and audience, then extracts claims.
func (v *TokenValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	opts := []jwt.ParseOption{jwt.WithValidate(true)}

	if v.cache != nil {
		keyset, err := v.cache.Get(ctx, v.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		opts = append(opts, jwt.WithKeySet(keyset))
	} else {
		opts = append(opts, jwt.WithKey(jwa.HS256, v.key))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: tok.Subject(),
		Custom:  make(map[string]any),
	}
	for key, val := range tok.PrivateClaims() {
		if key == "email" {
			if s, ok := val.(string); ok {
				claims.Email = s
				continue
			}
		}
		claims.Custom[key] = val
	}

	return claims, nil
}
