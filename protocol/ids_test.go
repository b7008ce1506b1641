package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateTunnelIDMatchesGrammar(t *testing.T) {
	seen := make(map[string]struct{}, 100000)
	for i := 0; i < 100000; i++ {
		id, err := GenerateTunnelID()
		require.NoError(t, err)
		require.True(t, TunnelIDPattern.MatchString(id), "id %q did not match grammar", id)
		_, collided := seen[id]
		require.False(t, collided, "unexpected collision at draw %d: %q", i, id)
		seen[id] = struct{}{}
	}
}

func TestGenerateRequestIDMatchesGrammar(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := GenerateRequestID()
		require.True(t, RequestIDPattern.MatchString(id), "id %q did not match grammar", id)
	}
}

func TestChannelIDPattern(t *testing.T) {
	require.True(t, ChannelIDPattern.MatchString("abcDEF-123_456="))
	require.False(t, ChannelIDPattern.MatchString(""))
	require.False(t, ChannelIDPattern.MatchString("has space"))
}
