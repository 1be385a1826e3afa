package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testValidator(t *testing.T) *TokenValidator {
	t.Helper()
	v, err := NewTokenValidator(context.Background(), &config.AuthConfig{
		Enabled:  true,
		Secret:   testSecret,
		Issuer:   "https://auth.example.com",
		Audience: "autarch-api",
	})
	require.NoError(t, err)
	return v
}

func signToken(t *testing.T, secret string, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		Issuer("https://auth.example.com").
		Audience([]string{"autarch-api"}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	tok, err := b.Build()
	require.NoError(t, err)

	key, err := jwk.FromRaw([]byte(secret))
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, key))
	require.NoError(t, err)
	return string(signed)
}

func TestValidateExtractsClaims(t *testing.T) {
	v := testValidator(t)

	token := signToken(t, testSecret, func(b *jwt.Builder) {
		b.Claim("email", "dev@example.com").Claim("team", "platform")
	})

	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, "platform", claims.GetString("team"))
}

func TestValidateRejectsBadTokens(t *testing.T) {
	v := testValidator(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, "ffffffffffffffffffffffffffffffff", nil)},
		{"expired", signToken(t, testSecret, func(b *jwt.Builder) {
			b.Expiration(time.Now().Add(-time.Hour))
		})},
		{"wrong issuer", signToken(t, testSecret, func(b *jwt.Builder) {
			b.Issuer("https://other.example.com")
		})},
		{"wrong audience", signToken(t, testSecret, func(b *jwt.Builder) {
			b.Audience([]string{"other-api"})
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewTokenValidatorRequiresKeySource(t *testing.T) {
	_, err := NewTokenValidator(context.Background(), &config.AuthConfig{Enabled: true})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := testValidator(t)
	mw := Middleware(v, []string{"/health"})

	var gotClaims *Claims
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token passes with claims", func(t *testing.T) {
		gotClaims = nil
		req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "user-1", gotClaims.Subject)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing bearer token")
	})

	t.Run("invalid token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("excluded path bypasses auth", func(t *testing.T) {
		gotClaims = nil
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, gotClaims)
	})
}
