package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates bearer tokens as JWTs against a JWKS, auto-refreshed
// in the background by keyfunc. Construct via NewJWTValidator (JWKS URL) or
// NewJWTValidatorFromSecret (shared-secret HMAC, for JWT_SECRET deployments).
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	secret  []byte
}

// NewJWTValidator builds a validator backed by a JWKS endpoint, matching the
// relay's JWKS environment configuration.
func NewJWTValidator(ctx context.Context, jwksURL string) (*JWTValidator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("auth: build JWKS keyfunc: %w", err)
	}
	return &JWTValidator{keyfunc: kf.KeyfuncCtx(ctx)}, nil
}

// NewJWTValidatorFromSecret builds a validator backed by a single shared
// HMAC secret, matching the relay's JWT_SECRET environment configuration.
func NewJWTValidatorFromSecret(secret []byte) *JWTValidator {
	v := &JWTValidator{secret: secret}
	v.keyfunc = func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}
	return v
}

// Validate parses and verifies token, returning an error if it is expired,
// malformed, or fails signature verification.
func (v *JWTValidator) Validate(_ context.Context, token string) error {
	if token == "" {
		return ErrMissingToken
	}
	parsed, err := jwt.Parse(token, v.keyfunc, jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}))
	if err != nil {
		return fmt.Errorf("auth: invalid token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("auth: token failed validation")
	}
	return nil
}
