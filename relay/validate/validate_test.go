package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathBoundaryBehaviors(t *testing.T) {
	require.Equal(t, "/", Path(""))
	require.Equal(t, "/foo/bar", Path("foo/bar"))
	require.NotContains(t, Path("/a\x00b"), "\x00")
	require.Equal(t, "/a\tb", Path("/a\tb"))
}

func TestIDGrammars(t *testing.T) {
	require.True(t, TunnelID("abc123def456"))
	require.False(t, TunnelID("ABC123DEF456"))
	require.False(t, TunnelID("short"))

	require.True(t, RequestID("req_11111111-1111-4111-8111-111111111111"))
	require.False(t, RequestID("req_not-a-uuid"))

	require.True(t, ChannelID("abcDEF-123_456="))
	require.False(t, ChannelID(""))
}

func TestHeaderValueStripsControlBytes(t *testing.T) {
	require.Equal(t, "ab", HeaderValue("a\x01b"))
	require.Equal(t, "a\tb", HeaderValue("a\tb"))
}
