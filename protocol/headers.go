package protocol

import (
	"regexp"
	"strings"
)

// HeaderPair is the list-of-pairs representation headers arrive in off the
// wire transport (e.g. from net/http's Header.Clone() iteration order).
type HeaderPair struct {
	Name  string
	Value string
}

// tokenRE matches a valid HTTP header field-name per RFC 7230 token chars.
var tokenRE = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+\-.^_` + "`" + `|~]+$`)

// HeadersToMap folds a list of (name, value) pairs into the wire header map,
// case-insensitively on name (canonical form is lowercase), preserving
// multiple values in arrival order. Pairs with an unparseable name are
// skipped silently, per the outbound-direction contract.
func HeadersToMap(pairs []HeaderPair) map[string][]string {
	out := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" || !tokenRE.MatchString(name) {
			continue
		}
		out[name] = append(out[name], p.Value)
	}
	return out
}

// MapToHeaders flattens a wire header map back into a list of pairs, one per
// value, preserving the multi-value order recorded for each key. Key
// iteration order is not guaranteed (map order), only per-key value order.
func MapToHeaders(m map[string][]string) []HeaderPair {
	var out []HeaderPair
	for name, values := range m {
		for _, v := range values {
			out = append(out, HeaderPair{Name: name, Value: v})
		}
	}
	return out
}

// NormalizeHeaderName lowercases a header name for case-insensitive lookups
// against a wire header map.
func NormalizeHeaderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsValidHeaderName reports whether name is a syntactically valid HTTP
// header field-name.
func IsValidHeaderName(name string) bool {
	return name != "" && tokenRE.MatchString(name)
}
