package protocol

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeadersRoundTrip(t *testing.T) {
	m := map[string][]string{
		"content-type": {"application/json"},
		"x-custom":     {"a", "b", "c"},
		"accept":       {"text/html", "application/json"},
	}

	got := HeadersToMap(MapToHeaders(m))
	require.Equal(t, len(m), len(got))
	for k, wantValues := range m {
		gotValues := got[k]
		require.ElementsMatch(t, wantValues, gotValues)
	}

	// Key sets match, case-normalized.
	var wantKeys, gotKeys []string
	for k := range m {
		wantKeys = append(wantKeys, k)
	}
	for k := range got {
		gotKeys = append(gotKeys, k)
	}
	sort.Strings(wantKeys)
	sort.Strings(gotKeys)
	require.Equal(t, wantKeys, gotKeys)
}

func TestHeadersToMapSkipsInvalidNamesSilently(t *testing.T) {
	pairs := []HeaderPair{
		{Name: "X-Good", Value: "1"},
		{Name: "bad name with spaces", Value: "2"},
		{Name: "", Value: "3"},
		{Name: "X-Good", Value: "4"},
	}
	got := HeadersToMap(pairs)
	require.Equal(t, []string{"1", "4"}, got["x-good"])
	require.Len(t, got, 1)
}

func TestNormalizeHeaderNameCaseInsensitive(t *testing.T) {
	require.Equal(t, "content-type", NormalizeHeaderName("Content-Type"))
	require.Equal(t, "content-type", NormalizeHeaderName("  CONTENT-TYPE "))
}
