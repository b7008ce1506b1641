// Package validate holds the input validation and sanitization applied in
// the public-request path: identifier grammars, path normalization, and
// header-value scrubbing.
package validate

import (
	"strings"

	"github.com/relaymesh/relaymesh-go/protocol"
)

const (
	// MaxPathBytes is the maximum accepted request path length.
	MaxPathBytes = 2048
	// MaxHeaderValueBytes is the maximum accepted header value length.
	MaxHeaderValueBytes = 8192
	// MaxBodyBytes is the maximum accepted request body size.
	MaxBodyBytes = 2 << 20
)

// TunnelID reports whether id matches the tunnel_id grammar.
func TunnelID(id string) bool {
	return protocol.TunnelIDPattern.MatchString(id)
}

// RequestID reports whether id matches the request_id grammar.
func RequestID(id string) bool {
	return protocol.RequestIDPattern.MatchString(id)
}

// ChannelID reports whether id matches the channel_id grammar.
func ChannelID(id string) bool {
	return protocol.ChannelIDPattern.MatchString(id)
}

// stripControlBytes removes every byte in [0x00,0x1F]\{0x09} and 0x7F from s,
// preserving tabs. Used on both paths and header values.
func stripControlBytes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x09 {
			b.WriteByte(c)
			continue
		}
		if c < 0x20 || c == 0x7F {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Path normalizes a request path: strips non-tab control bytes, inserts a
// missing leading slash, and maps an empty result to "/". It does not
// enforce MaxPathBytes; callers check length separately so the 413/400
// distinction stays with the caller.
func Path(raw string) string {
	p := stripControlBytes(raw)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// HeaderValue strips non-tab control bytes from a header value. Callers
// separately enforce MaxHeaderValueBytes.
func HeaderValue(raw string) string {
	return stripControlBytes(raw)
}
