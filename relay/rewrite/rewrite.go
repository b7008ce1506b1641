// Package rewrite applies the path-based routing content rewrite: in-body
// absolute URLs are prefixed with /{tunnel_id} so a relocated application
// keeps working behind a shared host. Rewriting is a best-effort heuristic:
// a failure is logged by the caller and the original body is returned
// unchanged, never failing the request.
package rewrite

import (
	"encoding/json"
	"mime"
	"regexp"
	"strings"
)

// Eligible content types for rewriting; the primary token of Content-Type
// (ignoring parameters like charset) must match one of these exactly.
const (
	ContentTypeHTML = "text/html"
	ContentTypeCSS  = "text/css"
	ContentTypeJSON = "application/json"
)

// ShouldRewrite reports whether contentType's primary token is eligible,
// and returns the normalized primary token.
func ShouldRewrite(contentType string) (string, bool) {
	primary, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		primary = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch primary {
	case ContentTypeHTML, ContentTypeCSS, ContentTypeJSON:
		return primary, true
	default:
		return primary, false
	}
}

// jsonRewritePrefixes are the path prefixes eligible for JSON/inline-script
// string-literal rewriting, per spec §4.C.7.
var jsonRewritePrefixes = []string{"/api", "/v1", "/v2", "/v3", "/docs", "/openapi", "/swagger"}

// jsonRewriteSuffixes additionally qualify inline-script literals.
var jsonRewriteSuffixes = []string{".json", ".yaml", ".yml"}

// tenantMarker is the tenant-specific JSON rewrite marker from spec §4.C.7.
const tenantMarker = "/todos"

func isEligiblePathLiteral(s string) bool {
	for _, p := range jsonRewritePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return strings.HasPrefix(s, tenantMarker)
}

func isEligibleScriptLiteral(s string) bool {
	if isEligiblePathLiteral(s) {
		return true
	}
	for _, suf := range jsonRewriteSuffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// skipValue reports whether a candidate URL value should be left untouched:
// absolute (scheme or protocol-relative), a data URL, an anchor, empty, or
// already prefixed.
func skipValue(v string, prefix string) bool {
	if v == "" {
		return true
	}
	if strings.HasPrefix(v, "#") {
		return true
	}
	if strings.HasPrefix(v, "data:") {
		return true
	}
	if strings.HasPrefix(v, "//") {
		return true
	}
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http:") || strings.HasPrefix(lower, "https:") {
		return true
	}
	if strings.HasPrefix(v, prefix+"/") || v == prefix {
		return true
	}
	return false
}

var htmlAttrRE = regexp.MustCompile(`(?is)\b(href|src|action)\s*=\s*("([^"]*)"|'([^']*)')`)

var scriptBlockRE = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script\s*>)`)

var scriptLiteralRE = regexp.MustCompile(`("([^"\\]*(?:\\.[^"\\]*)*)"|'([^'\\]*(?:\\.[^'\\]*)*)')`)

var headOpenRE = regexp.MustCompile(`(?is)<head[^>]*>`)

// RewriteHTML applies the HTML rewrite rules for the given tunnel id,
// returning the rewritten body. prefix is "/" + tunnelID.
func RewriteHTML(body []byte, tunnelID string) []byte {
	prefix := "/" + tunnelID
	out := htmlAttrRE.ReplaceAllFunc(body, func(m []byte) []byte {
		groups := htmlAttrRE.FindSubmatch(m)
		attr := string(groups[1])
		quote := byte('"')
		val := string(groups[3])
		if val == "" && len(groups[4]) > 0 {
			quote = '\''
			val = string(groups[4])
		} else if val == "" && strings.Contains(string(m), "''") {
			quote = '\''
		}
		if skipValue(val, prefix) {
			return m
		}
		return []byte(attr + "=" + string(quote) + prefix + val + string(quote))
	})

	out = scriptBlockRE.ReplaceAllFunc(out, func(m []byte) []byte {
		groups := scriptBlockRE.FindSubmatch(m)
		open, body, close := groups[1], groups[2], groups[3]
		rewritten := scriptLiteralRE.ReplaceAllFunc(body, func(lit []byte) []byte {
			litGroups := scriptLiteralRE.FindSubmatch(lit)
			quote := lit[0]
			inner := string(litGroups[0][1 : len(litGroups[0])-1])
			if !isEligibleScriptLiteral(inner) || !strings.HasPrefix(inner, "/") {
				return lit
			}
			if strings.HasPrefix(inner, prefix+"/") {
				return lit
			}
			return append([]byte{quote}, append([]byte(prefix+inner), quote)...)
		})
		return append(append(append([]byte{}, open...), rewritten...), close...)
	})

	injected := tunnelContextScript(tunnelID, prefix)
	if headOpenRE.Match(out) {
		loc := headOpenRE.FindIndex(out)
		var buf strings.Builder
		buf.Write(out[:loc[1]])
		buf.WriteString(injected)
		buf.Write(out[loc[1]:])
		out = []byte(buf.String())
	} else {
		out = append([]byte("<head>"+injected+"</head>"), out...)
	}
	return out
}

func tunnelContextScript(tunnelID, prefix string) string {
	return "<script>window.__TUNNEL_CONTEXT__ = {" +
		`tunnelId:"` + tunnelID + `",basePath:"` + prefix + `",` +
		`url:function(p){return "` + prefix + `" + (p.charAt(0)==="/"?p:"/"+p);},` +
		`getBaseUrl:function(){return "` + prefix + `";}` +
		"};</script>"
}

var cssURLRE = regexp.MustCompile(`url\(\s*(?:"([^"]*)"|'([^']*)'|([^'")]*))\s*\)`)

// RewriteCSS applies the CSS url(...) rewrite rule for the given tunnel id.
func RewriteCSS(body []byte, tunnelID string) []byte {
	prefix := "/" + tunnelID
	return cssURLRE.ReplaceAllFunc(body, func(m []byte) []byte {
		groups := cssURLRE.FindSubmatch(m)
		quote := byte(0)
		val := string(groups[1])
		if val == "" && len(groups[2]) > 0 {
			quote = '\''
			val = string(groups[2])
		} else if len(groups[1]) > 0 || strings.Contains(string(m), `"`) {
			quote = '"'
		} else {
			val = string(groups[3])
		}
		if skipValue(val, prefix) {
			return m
		}
		if quote == 0 {
			return []byte("url(" + prefix + val + ")")
		}
		return []byte("url(" + string(quote) + prefix + val + string(quote) + ")")
	})
}

// RewriteJSON applies the JSON string-literal rewrite rule for the given
// tunnel id. On unmarshal failure the caller should treat this as a
// rewrite failure and fall back to the original body.
func RewriteJSON(body []byte, tunnelID string) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	prefix := "/" + tunnelID
	rewritten := rewriteJSONValue(doc, prefix)
	return json.Marshal(rewritten)
}

func rewriteJSONValue(v any, prefix string) any {
	switch t := v.(type) {
	case string:
		return rewriteJSONString(t, prefix)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = rewriteJSONValue(e, prefix)
		}
		return out
	case map[string]any:
		if servers, ok := t["servers"]; ok {
			t["servers"] = rewriteOpenAPIServers(servers, prefix)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			if k == "servers" {
				out[k] = e
				continue
			}
			out[k] = rewriteJSONValue(e, prefix)
		}
		return out
	default:
		return v
	}
}

func rewriteJSONString(s string, prefix string) string {
	if skipValue(s, prefix) {
		return s
	}
	if isEligiblePathLiteral(s) && strings.HasPrefix(s, "/") {
		return prefix + s
	}
	return s
}

// rewriteOpenAPIServers rewrites an OpenAPI "servers": [{"url": "/..."}]
// block; full http(s) URLs pass through untouched.
func rewriteOpenAPIServers(servers any, prefix string) any {
	list, ok := servers.([]any)
	if !ok {
		return servers
	}
	out := make([]any, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			out[i] = entry
			continue
		}
		if u, ok := m["url"].(string); ok {
			lower := strings.ToLower(u)
			if !strings.HasPrefix(lower, "http:") && !strings.HasPrefix(lower, "https:") && !skipValue(u, prefix) {
				m["url"] = prefix + u
			}
		}
		out[i] = m
	}
	return out
}
