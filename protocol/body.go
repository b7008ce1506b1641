package protocol

import "encoding/base64"

// EncodeBody encodes a request/response body for the body field of an
// envelope, using standard padded base64 per spec.
func EncodeBody(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a body field. An empty string decodes to an empty,
// non-nil byte slice.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
