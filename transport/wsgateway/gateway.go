// Package wsgateway stands in for the managed WebSocket front door
// (connect/disconnect/default routing) described in spec.md §2/§4.B: it
// upgrades forwarder connections, turns frames into the relay's event
// shapes, and implements relay.ChannelSender so the dispatcher can push
// envelopes back down a specific channel.
package wsgateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh-go/internal/defaults"
	"github.com/relaymesh/relaymesh-go/protocol"
	"github.com/relaymesh/relaymesh-go/realtime/ws"
	"github.com/relaymesh/relaymesh-go/relay"
	"github.com/relaymesh/relaymesh-go/relaylog"
	"github.com/relaymesh/relaymesh-go/store"
)

// ErrQueueFull is returned by Send when a channel's outbound queue is
// saturated, either in envelope count or in buffered bytes: the forwarder
// is reading slower than the relay is producing traffic for it.
var ErrQueueFull = errors.New("wsgateway: outbound queue full")

// ErrFrameTooLarge is returned by Send when a single envelope alone exceeds
// the channel's MaxWriteQueueBytes budget.
var ErrFrameTooLarge = errors.New("wsgateway: frame exceeds write queue limit")

// ErrUnknownChannel is returned by Send/CloseChannel for a channel id with
// no live connection.
var ErrUnknownChannel = errors.New("wsgateway: unknown channel")

// Options configures a Gateway.
type Options struct {
	AllowedOrigins []string
	AllowNoOrigin  bool
	MaxConns       int
	// MaxWriteQueueBytes bounds a channel's buffered-but-unsent bytes; <= 0
	// uses defaults.MaxWriteQueueBytes.
	MaxWriteQueueBytes int
	Logger             *zap.Logger
}

// Gateway upgrades incoming agent connections, maintains one goroutine pair
// (reader/writer) per channel, and satisfies relay.ChannelSender.
type Gateway struct {
	dispatcher *relay.Dispatcher
	opts       Options
	logger     *zap.Logger

	mu    sync.Mutex
	conns map[string]*channelConn
}

type channelConn struct {
	conn      *ws.ChannelConn
	outbound  chan []byte
	closeOnce sync.Once
	done      chan struct{}

	// bufferedBytes tracks envelopes sitting in outbound but not yet
	// written to the socket, so Send can reject once the channel's byte
	// budget (not just its envelope count) is exhausted.
	bufferedBytes int64
}

// New constructs a Gateway bound to dispatcher.
func New(dispatcher *relay.Dispatcher, opts Options) *Gateway {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 10000
	}
	if opts.MaxWriteQueueBytes <= 0 {
		opts.MaxWriteQueueBytes = defaults.MaxWriteQueueBytes
	}
	return &Gateway{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     relaylog.Or(opts.Logger),
		conns:      make(map[string]*channelConn),
	}
}

// ServeHTTP handles the websocket upgrade for a forwarder connection,
// playing the role of the API Gateway's $connect route: mint a channel id,
// call ChannelOpen, then run the connection's reader/writer loops until
// disconnect, at which point ChannelClose fires (the $disconnect route).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	tooMany := len(g.conns) >= g.opts.MaxConns
	g.mu.Unlock()
	if tooMany {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	checkOrigin := ws.NewOriginChecker(g.opts.AllowedOrigins, g.opts.AllowNoOrigin)
	if !checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := ws.UpgradeChannel(w, r, ws.ChannelUpgradeOptions{CheckOrigin: func(*http.Request) bool { return true }})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	channelID, err := generateChannelID()
	if err != nil {
		g.logger.Error("channel id generation failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	var info *store.ClientInfo
	if v, p := r.Header.Get("X-Forwarder-Version"), r.Header.Get("X-Forwarder-Platform"); v != "" || p != "" {
		info = &store.ClientInfo{Version: v, Platform: p}
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaults.HandshakeTimeout)
	_, err = g.dispatcher.ChannelOpen(ctx, channelID, r, info)
	cancel()
	if err != nil {
		g.logger.Warn("channel_open rejected", zap.String("channel_id", channelID), zap.Error(err))
		_ = conn.CloseWithStatus(4001, "channel_open rejected")
		return
	}

	cc := &channelConn{
		conn:     conn,
		outbound: make(chan []byte, defaults.WriteQueueCapacity),
		done:     make(chan struct{}),
	}
	g.mu.Lock()
	g.conns[channelID] = cc
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, channelID)
		g.mu.Unlock()
		cc.stop()
		_ = conn.Close()
		_ = g.dispatcher.ChannelClose(context.Background(), channelID)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.writeLoop(cc)
	}()

	g.readLoop(r.Context(), channelID, cc)
	wg.Wait()
}

func (cc *channelConn) stop() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

func (g *Gateway) readLoop(ctx context.Context, channelID string, cc *channelConn) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, defaults.TransportIdleTimeout)
		_, raw, err := cc.conn.ReadMessage(readCtx)
		cancel()
		if err != nil {
			return
		}
		if err := g.dispatcher.AgentMessage(ctx, channelID, raw); err != nil {
			g.logger.Debug("agent_message handling failed", zap.String("channel_id", channelID), zap.Error(err))
		}
	}
}

func (g *Gateway) writeLoop(cc *channelConn) {
	for {
		select {
		case <-cc.done:
			return
		case msg, ok := <-cc.outbound:
			if !ok {
				return
			}
			atomic.AddInt64(&cc.bufferedBytes, -int64(len(msg)))
			ctx, cancel := context.WithTimeout(context.Background(), defaults.ConnectTimeout)
			err := cc.conn.WriteMessage(ctx, websocket.TextMessage, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Send implements relay.ChannelSender: enqueue env for delivery over
// channelID's outbound writer goroutine, non-blocking.
func (g *Gateway) Send(ctx context.Context, channelID string, env *protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("wsgateway: encode: %w", err)
	}
	g.mu.Lock()
	cc, ok := g.conns[channelID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}

	maxBytes := int64(g.opts.MaxWriteQueueBytes)
	if int64(len(raw)) > maxBytes {
		return ErrFrameTooLarge
	}
	if atomic.AddInt64(&cc.bufferedBytes, int64(len(raw))) > maxBytes {
		atomic.AddInt64(&cc.bufferedBytes, -int64(len(raw)))
		return ErrQueueFull
	}

	select {
	case cc.outbound <- raw:
		return nil
	default:
		atomic.AddInt64(&cc.bufferedBytes, -int64(len(raw)))
		return ErrQueueFull
	}
}

// CloseChannel implements relay.ChannelSender: send a close frame and tear
// down the connection.
func (g *Gateway) CloseChannel(_ context.Context, channelID string, code int, reason string) error {
	g.mu.Lock()
	cc, ok := g.conns[channelID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownChannel
	}
	cc.stop()
	return cc.conn.CloseWithStatus(code, reason)
}

// ConnectionCount reports the number of live channels.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func generateChannelID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var _ relay.ChannelSender = (*Gateway)(nil)
