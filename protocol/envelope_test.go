package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Envelope{
		{Tag: TagPing},
		{Tag: TagPong},
		{Tag: TagReady},
		{Tag: TagConnectionEstablished, ConnectionEstablished: &ConnectionEstablished{
			ChannelID: "chan-1", TunnelID: "abc123def456", PublicURL: "https://abc123def456.example.com",
		}},
		{Tag: TagHTTPRequest, HTTPRequest: &HTTPRequest{
			RequestID: "req_" + "11111111-1111-4111-8111-111111111111",
			Method:    "GET", URI: "/api/users",
			Headers:     map[string][]string{"accept": {"application/json"}},
			Body:        EncodeBody([]byte(`{"a":1}`)),
			TimestampMS: 1700000000000,
		}},
		{Tag: TagHTTPResponse, HTTPResponse: &HTTPResponse{
			RequestID: "req_x", StatusCode: 200,
			Headers: map[string][]string{"content-type": {"application/json"}},
			Body:    EncodeBody([]byte("[]")), ProcessingTimeMS: 12,
		}},
		{Tag: TagError, Error: &ErrorMessage{RequestID: "req_x", Code: ErrCodeTimeout, Message: "timed out"}},
	}

	for _, want := range cases {
		raw, err := Encode(want)
		require.NoError(t, err)

		got, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, want.Tag, got.Tag)

		switch want.Tag {
		case TagConnectionEstablished:
			require.Equal(t, want.ConnectionEstablished, got.ConnectionEstablished)
		case TagHTTPRequest:
			require.Equal(t, want.HTTPRequest, got.HTTPRequest)
		case TagHTTPResponse:
			require.Equal(t, want.HTTPResponse, got.HTTPResponse)
		case TagError:
			require.Equal(t, want.Error, got.Error)
		}
	}
}

func TestDecodeUnknownTagFailsStructurally(t *testing.T) {
	_, err := Decode([]byte(`{"type":"self_destruct","payload":"oops"}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDecode))
}

func TestDecodeMissingTypeFails(t *testing.T) {
	_, err := Decode([]byte(`{"method":"GET"}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDecode))
}

func TestDecodeMalformedJSONNeverPanics(t *testing.T) {
	inputs := []string{
		``, `{`, `null`, `42`, `"just a string"`, `{"type": 5}`,
		`{"type":"http_request","headers":"not-a-map"}`,
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decode panicked on %q: %v", in, r)
				}
			}()
			_, _ = Decode([]byte(in))
		}()
	}
}

func TestEncodeRejectsMismatchedPayload(t *testing.T) {
	_, err := Encode(&Envelope{Tag: TagHTTPRequest})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDecode))
}
