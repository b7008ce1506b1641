package wsgateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh-go/internal/defaults"
	"github.com/relaymesh/relaymesh-go/protocol"
	"github.com/relaymesh/relaymesh-go/relay"
	"github.com/relaymesh/relaymesh-go/store"
)

func newTestGateway(t *testing.T) (*Gateway, *relay.Dispatcher) {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Domain = "relay.example.com"
	d, err := relay.NewDispatcher(store.NewMemStore(nil), nil, nil, cfg, nil, nil)
	require.NoError(t, err)
	gw := New(d, Options{AllowNoOrigin: true})
	d.Sender = gw
	return gw, d
}

func TestGatewayUpgradeAndReadyRoundTrip(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readyRaw, err := protocol.Encode(&protocol.Envelope{Tag: protocol.TagReady})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, readyRaw))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(msg)
	require.NoError(t, err)
	require.Equal(t, protocol.TagConnectionEstablished, env.Tag)
	require.NotEmpty(t, env.ConnectionEstablished.TunnelID)
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	cfg := relay.DefaultConfig()
	cfg.Domain = "relay.example.com"
	d, err := relay.NewDispatcher(store.NewMemStore(nil), nil, nil, cfg, nil, nil)
	require.NoError(t, err)
	gw := New(d, Options{AllowedOrigins: []string{"trusted.example.com"}, AllowNoOrigin: false})
	d.Sender = gw

	srv := httptest.NewServer(gw)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := make(map[string][]string)
	header["Origin"] = []string{"https://evil.example.com"}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
}

func TestGatewaySendUnknownChannel(t *testing.T) {
	gw, _ := newTestGateway(t)
	err := gw.Send(context.Background(), "nope", &protocol.Envelope{Tag: protocol.TagPing})
	require.ErrorIs(t, err, ErrUnknownChannel)
}

// newIdleChannelConn registers a channelConn with nothing draining its
// outbound queue, so Send's byte-budget accounting can be observed without
// racing a writer goroutine.
func newIdleChannelConn(gw *Gateway, channelID string) *channelConn {
	cc := &channelConn{
		outbound: make(chan []byte, defaults.WriteQueueCapacity),
		done:     make(chan struct{}),
	}
	gw.mu.Lock()
	gw.conns[channelID] = cc
	gw.mu.Unlock()
	return cc
}

func TestGatewaySendRejectsFrameLargerThanByteBudget(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.opts.MaxWriteQueueBytes = 64
	newIdleChannelConn(gw, "chan-1")

	body := strings.Repeat("x", 256)
	err := gw.Send(context.Background(), "chan-1", &protocol.Envelope{
		Tag:          protocol.TagHTTPResponse,
		HTTPResponse: &protocol.HTTPResponse{RequestID: "req_1", StatusCode: 200, Body: protocol.EncodeBody([]byte(body))},
	})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestGatewaySendEnforcesByteBudgetAcrossQueuedMessages(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.opts.MaxWriteQueueBytes = 256
	newIdleChannelConn(gw, "chan-1")

	body := strings.Repeat("x", 64)
	envelope := func() *protocol.Envelope {
		return &protocol.Envelope{
			Tag:          protocol.TagHTTPResponse,
			HTTPResponse: &protocol.HTTPResponse{RequestID: "req_1", StatusCode: 200, Body: protocol.EncodeBody([]byte(body))},
		}
	}

	var lastErr error
	sent := 0
	for i := 0; i < defaults.WriteQueueCapacity; i++ {
		if err := gw.Send(context.Background(), "chan-1", envelope()); err != nil {
			lastErr = err
			break
		}
		sent++
	}
	// The byte budget (256 bytes) is far smaller than the envelope capacity
	// (defaults.WriteQueueCapacity messages), so Send must reject on bytes
	// long before the channel's message-count capacity is reached.
	require.ErrorIs(t, lastErr, ErrQueueFull)
	require.Less(t, sent, defaults.WriteQueueCapacity)
}
