package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against the relay's
// AllowedOrigins allow-list, on the agent-channel upgrade request.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com" or "http://127.0.0.1:5173"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com" (matches subdomains only, not example.com itself)
//   - Exact non-standard Origin values, e.g. "null"
//
// Hostname and host:port entries are compared case-insensitively.
// If the request has no Origin header, allowNoOrigin controls acceptance.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	parsed, err := url.Parse(origin)
	host := ""
	hostname := ""
	if err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// If entry contains a scheme, treat it as a full Origin value match.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		lowerEntry := strings.ToLower(entry)
		// Support wildcard hostname entries like "*.example.com".
		// "*.example.com" matches any subdomain (e.g. "a.example.com") but
		// not "example.com" itself.
		if strings.HasPrefix(lowerEntry, "*.") {
			base := strings.TrimPrefix(lowerEntry, "*.")
			if hostname != "" && base != "" {
				if strings.HasSuffix(hostname, "."+base) {
					return true
				}
			}
			continue
		}
		// If the entry looks like host:port, compare it against the parsed Host.
		// This keeps the "example.com" form as hostname-only, while enabling an explicit port allow-list.
		if host != "" {
			if _, _, err := net.SplitHostPort(lowerEntry); err == nil {
				if host == lowerEntry {
					return true
				}
				continue
			}
		}
		// Otherwise, treat it as a hostname allow-list entry (e.g. "example.com").
		if hostname != "" && hostname == lowerEntry {
			return true
		}
		// Also allow exact string matches for non-standard Origin values (e.g. "null").
		if origin == entry {
			return true
		}
	}
	return false
}

// NewOriginChecker returns the CheckOrigin function the relay's agent
// channel upgrader uses to enforce AllowedOrigins/AllowNoOrigin.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
