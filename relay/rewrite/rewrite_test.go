package rewrite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldRewrite(t *testing.T) {
	primary, ok := ShouldRewrite("text/html; charset=utf-8")
	require.True(t, ok)
	require.Equal(t, ContentTypeHTML, primary)

	_, ok = ShouldRewrite("image/png")
	require.False(t, ok)
}

func TestRewriteHTMLPrefixesRelativeAttributes(t *testing.T) {
	in := []byte(`<html><head></head><body><a href="/about">x</a><img src="/img.png"><form action="/submit"></form></body></html>`)
	out := string(RewriteHTML(in, "abc123def456"))
	require.Contains(t, out, `href="/abc123def456/about"`)
	require.Contains(t, out, `src="/abc123def456/img.png"`)
	require.Contains(t, out, `action="/abc123def456/submit"`)
	require.Contains(t, out, "__TUNNEL_CONTEXT__")
}

func TestRewriteHTMLSkipsAbsoluteAndSpecialValues(t *testing.T) {
	in := []byte(`<a href="https://example.com/x">a</a><a href="//cdn.example.com/x">b</a><a href="#frag">c</a><a href="data:text/plain,x">d</a>`)
	out := string(RewriteHTML(in, "abc123def456"))
	require.Contains(t, out, `href="https://example.com/x"`)
	require.Contains(t, out, `href="//cdn.example.com/x"`)
	require.Contains(t, out, `href="#frag"`)
	require.Contains(t, out, `href="data:text/plain,x"`)
}

func TestRewriteHTMLSkipsAlreadyPrefixed(t *testing.T) {
	in := []byte(`<a href="/abc123def456/about">x</a>`)
	out := string(RewriteHTML(in, "abc123def456"))
	require.Equal(t, 1, countSubstr(out, "/abc123def456/about"))
}

func TestRewriteHTMLInlineScriptLiteral(t *testing.T) {
	in := []byte(`<script>fetch("/api/todos").then(x);</script>`)
	out := string(RewriteHTML(in, "abc123def456"))
	require.Contains(t, out, `fetch("/abc123def456/api/todos")`)
}

func TestRewriteCSSURLFunction(t *testing.T) {
	in := []byte(`.bg { background: url(/static/bg.png); } .x { background: url("/static/x.png"); }`)
	out := string(RewriteCSS(in, "abc123def456"))
	require.Contains(t, out, "url(/abc123def456/static/bg.png)")
	require.Contains(t, out, `url("/abc123def456/static/x.png")`)
}

func TestRewriteCSSSkipsAbsolute(t *testing.T) {
	in := []byte(`.bg { background: url(https://cdn.example.com/x.png); }`)
	out := string(RewriteCSS(in, "abc123def456"))
	require.Contains(t, out, "url(https://cdn.example.com/x.png)")
}

func TestRewriteJSONRewritesEligiblePaths(t *testing.T) {
	in := []byte(`{"next":"/api/todos?page=2","other":"/random/path"}`)
	out, err := RewriteJSON(in, "abc123def456")
	require.NoError(t, err)
	require.Contains(t, string(out), `/abc123def456/api/todos?page=2`)
	require.NotContains(t, string(out), `/abc123def456/random/path`)
}

func TestRewriteJSONOpenAPIServers(t *testing.T) {
	in := []byte(`{"servers":[{"url":"/api"},{"url":"https://api.example.com"}]}`)
	out, err := RewriteJSON(in, "abc123def456")
	require.NoError(t, err)
	require.Contains(t, string(out), `/abc123def456/api`)
	require.Contains(t, string(out), `https://api.example.com`)
}

func TestRewriteJSONInvalidReturnsError(t *testing.T) {
	_, err := RewriteJSON([]byte(`{not json`), "abc123def456")
	require.Error(t, err)
}

func countSubstr(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
			i += len(sub) - 1
		}
	}
	return n
}
