package auth

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractTokenPrefersAuthorizationHeader(t *testing.T) {
	r := &http.Request{Header: http.Header{"Authorization": []string{"Bearer abc123"}}, URL: mustURL("/x?token=fallback")}
	tok, viaQuery, err := ExtractToken(r)
	require.NoError(t, err)
	require.Equal(t, "abc123", tok)
	require.False(t, viaQuery)
}

func TestExtractTokenFallsBackToQueryParam(t *testing.T) {
	r := &http.Request{Header: http.Header{}, URL: mustURL("/x?token=fallback")}
	tok, viaQuery, err := ExtractToken(r)
	require.NoError(t, err)
	require.Equal(t, "fallback", tok)
	require.True(t, viaQuery)
}

func TestExtractTokenMissing(t *testing.T) {
	r := &http.Request{Header: http.Header{}, URL: mustURL("/x")}
	_, _, err := ExtractToken(r)
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestNoopValidatorAcceptsEverything(t *testing.T) {
	var v TokenValidator = NoopValidator{}
	require.NoError(t, v.Validate(nil, ""))
	require.NoError(t, v.Validate(nil, "anything"))
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
