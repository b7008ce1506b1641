package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh-go/protocol"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", Connected.String())
	require.Equal(t, "unknown", State(99).String())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.Validate())
	cfg.RelayURL = "wss://relay.example.com/connect"
	cfg.LocalTarget = "http://127.0.0.1:8080"
	require.NoError(t, cfg.Validate())
}

func TestForwarderHandshakeReachesConnected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		env := &protocol.Envelope{Tag: protocol.TagConnectionEstablished, ConnectionEstablished: &protocol.ConnectionEstablished{
			ChannelID: "chan-1", TunnelID: "tun-abc123defg", PublicURL: "https://relay.example.com/tun-abc123defg",
		}}
		raw, _ := protocol.Encode(env)
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer local.Close()

	cfg := DefaultConfig()
	cfg.RelayURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.LocalTarget = local.URL
	cfg.HandshakeTimeout = time.Second
	cfg.ConnectTimeout = time.Second

	fw, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fw.Run(ctx) }()

	require.Eventually(t, func() bool { return fw.State() == Connected }, time.Second, 10*time.Millisecond)
	require.Equal(t, "tun-abc123defg", fw.TunnelID)

	cancel()
	<-errCh
}
