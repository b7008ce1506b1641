package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh-go/protocol"
)

func TestDispatchForwardsToLocalTarget(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/hello", r.URL.Path)
		w.Header().Set("X-Custom", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))
	defer local.Close()

	d := NewDispatcher(local.URL, time.Second)
	resp, err := d.Dispatch(context.Background(), &protocol.HTTPRequest{
		RequestID: "req_1",
		Method:    "GET",
		URI:       "/hello",
		Body:      protocol.EncodeBody(nil),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body, err := protocol.DecodeBody(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.Equal(t, []string{"yes"}, resp.Headers["x-custom"])
}

func TestDispatchClassifiesConnectionRefused(t *testing.T) {
	d := NewDispatcher("http://127.0.0.1:1", 200*time.Millisecond)
	resp, err := d.Dispatch(context.Background(), &protocol.HTTPRequest{
		RequestID: "req_2",
		Method:    "GET",
		URI:       "/x",
		Body:      protocol.EncodeBody(nil),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDispatchRejectsUnsupportedMethod(t *testing.T) {
	d := NewDispatcher("http://127.0.0.1:1", time.Second)
	resp, err := d.Dispatch(context.Background(), &protocol.HTTPRequest{
		RequestID: "req_3",
		Method:    "TRACE",
		URI:       "/x",
		Body:      protocol.EncodeBody(nil),
	})
	require.Nil(t, resp)
	require.ErrorIs(t, err, errInvalidMethod)
}

func TestJoinPath(t *testing.T) {
	require.Equal(t, "/hello", joinPath("", "/hello"))
	require.Equal(t, "/base/hello", joinPath("/base/", "/hello"))
	require.Equal(t, "/hello?x=1", joinPath("", "/hello?x=1"))
}
