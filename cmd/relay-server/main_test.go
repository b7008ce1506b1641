package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh-go/relay/errtax"
)

func TestRunExitsUsageOnMissingDomain(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "missing --domain")
}

func TestSplitCSV(t *testing.T) {
	require.Equal(t, []string{"a.example.com", "b.example.com"}, splitCSV(" a.example.com , b.example.com "))
	require.Nil(t, splitCSV(""))
	require.Nil(t, splitCSV("  , , "))
}

func TestExtractTunnelSubdomainRouting(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/hello?x=1", nil)
	r.Host = "tun-abc123defg.relaymesh.example.com"
	tunnelID, path := extractTunnel(r, true)
	require.Equal(t, "tun-abc123defg", tunnelID)
	require.Equal(t, "/hello", path)
}

func TestExtractTunnelPathRouting(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/tun-abc123defg/hello", nil)
	tunnelID, path := extractTunnel(r, false)
	require.Equal(t, "tun-abc123defg", tunnelID)
	require.Equal(t, "/hello", path)
}

func TestExtractTunnelPathRoutingIgnoresHostDots(t *testing.T) {
	// Path-mode relays still get Host headers with dots (a bare IP or a
	// multi-label domain); routing must key off the path, not the host.
	r := httptest.NewRequest(http.MethodGet, "/tun-abc123defg/hello", nil)
	r.Host = "relay.internal.example.com"
	tunnelID, path := extractTunnel(r, false)
	require.Equal(t, "tun-abc123defg", tunnelID)
	require.Equal(t, "/hello", path)
}

func TestWriteRelayErrorSanitizesInternalCause(t *testing.T) {
	cause := errtax.Classify(errtax.OpStore, errtax.CategoryInternal, errors.New("dial tcp 10.0.0.5:6379: connection refused"))

	w := httptest.NewRecorder()
	writeRelayError(w, cause)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "Internal server error\n", w.Body.String())
	require.NotContains(t, w.Body.String(), "10.0.0.5")
}

func TestWriteRelayErrorPassesThroughValidationCause(t *testing.T) {
	cause := errtax.Classify(errtax.OpValidateTunnelID, errtax.CategoryValidation, errors.New("Invalid tunnel ID"))

	w := httptest.NewRecorder()
	writeRelayError(w, cause)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "Invalid tunnel ID")
}
