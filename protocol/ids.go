package protocol

import (
	"crypto/rand"
	"regexp"

	"github.com/google/uuid"
)

const tunnelIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// TunnelIDPattern is the grammar every minted and accepted tunnel_id must
// match.
var TunnelIDPattern = regexp.MustCompile(`^[a-z0-9]{12}$`)

// RequestIDPattern is the grammar every minted and accepted request_id must
// match.
var RequestIDPattern = regexp.MustCompile(`^req_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ChannelIDPattern is the grammar a transport-issued channel_id must match.
var ChannelIDPattern = regexp.MustCompile(`^[A-Za-z0-9_=\-]{1,128}$`)

// GenerateTunnelID mints a 12-character lowercase alphanumeric tunnel id
// from a cryptographically strong RNG. tunnel_id is a capability-bearing
// URL component, so weak randomness here would be a real collision/guessing
// risk, not just cosmetic.
func GenerateTunnelID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 12)
	for i, b := range buf {
		out[i] = tunnelIDAlphabet[int(b)%len(tunnelIDAlphabet)]
	}
	return string(out), nil
}

// GenerateRequestID mints a request id: "req_" plus a UUID v4.
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}
