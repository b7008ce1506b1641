package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyRoundTrip(t *testing.T) {
	samples := [][]byte{
		{}, []byte("hello"), []byte("\x00\x01\xff\xfe"), []byte(`{"json":"body"}`),
	}
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		b := make([]byte, r.Intn(300))
		r.Read(b)
		samples = append(samples, b)
	}

	for _, want := range samples {
		encoded := EncodeBody(want)
		got, err := DecodeBody(encoded)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestDecodeBodyEmptyString(t *testing.T) {
	got, err := DecodeBody("")
	require.NoError(t, err)
	require.Empty(t, got)
}
