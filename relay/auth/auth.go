// Package auth defines the token-validation external collaborator boundary
// and a concrete JWT/JWKS-backed implementation.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when neither the Authorization header nor the
// token query parameter carried a bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// TokenValidator is the spec's external authentication collaborator:
// validate a bearer token and report whether channel_open may proceed.
// Out of scope per spec.md, but a concrete implementation is wired so the
// relay is runnable end-to-end; swap in a test double for unit tests.
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// ExtractToken pulls a bearer token from the Authorization header
// (preferred) or the "token" query parameter (fallback). The second return
// value reports whether the fallback path was used, so callers can log the
// degraded path per spec §4.C.2.
func ExtractToken(r *http.Request) (token string, viaQueryFallback bool, err error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimSpace(h[len(prefix):]), false, nil
		}
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, true, nil
	}
	return "", false, ErrMissingToken
}

// NoopValidator accepts every token. Used when RequireAuth is false.
type NoopValidator struct{}

func (NoopValidator) Validate(context.Context, string) error { return nil }
