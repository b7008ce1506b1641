// Package forwarder implements the local agent: it dials the relay's agent
// channel, completes the ready/connection_established handshake, forwards
// http_request envelopes to the local target, and reconnects with backoff
// on any transport failure, per spec.md §5.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh-go/internal/contextutil"
	"github.com/relaymesh/relaymesh-go/observability"
	"github.com/relaymesh/relaymesh-go/protocol"
	"github.com/relaymesh/relaymesh-go/realtime/ws"
	"github.com/relaymesh/relaymesh-go/relaylog"
)

// Forwarder owns one logical agent-channel connection at a time, cycling
// through Disconnected -> Connecting -> Connected -> Reconnecting.
type Forwarder struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     *zap.Logger
	observer   observability.ForwarderObserver

	mu    sync.Mutex
	state State

	// TunnelID/PublicURL are populated once connection_established arrives;
	// read them only while Connected.
	TunnelID  string
	PublicURL string
}

// New validates cfg and constructs a Forwarder. A nil logger or observer is
// replaced with the package's no-op default.
func New(cfg Config, logger *zap.Logger, obs observability.ForwarderObserver) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.NoopForwarderObserver
	}
	return &Forwarder{
		cfg:        cfg,
		dispatcher: NewDispatcher(cfg.LocalTarget, cfg.LocalRequestTimeout),
		logger:     relaylog.Or(logger),
		observer:   obs,
		state:      Disconnected,
	}, nil
}

// State reports the forwarder's current lifecycle state.
func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Forwarder) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run drives the connect/reconnect loop until ctx is canceled.
func (f *Forwarder) Run(ctx context.Context) error {
	attempt := 0
	delay := f.cfg.ReconnectMin

	for {
		if ctx.Err() != nil {
			f.setState(Disconnected)
			return ctx.Err()
		}

		reachedConnected, err := f.connectOnce(ctx)
		if ctx.Err() != nil {
			f.setState(Disconnected)
			return ctx.Err()
		}

		if reachedConnected {
			// A connection that completed its handshake earns a clean
			// reconnect schedule; only a run of failed dial/handshake
			// attempts should keep growing the delay.
			attempt = 0
			delay = f.cfg.ReconnectMin
		}

		reason := observability.ReconnectReasonTransportClosed
		if err == errHandshakeTimeout {
			reason = observability.ReconnectReasonHandshakeTimeout
		} else if !reachedConnected {
			reason = observability.ReconnectReasonLoopExited
		}
		attempt++
		f.setState(Reconnecting)
		f.observer.Reconnect(reason, attempt, delay)
		stage := "handshake"
		if reachedConnected {
			stage = "connected"
		}
		f.logger.Warn("forwarder disconnected, reconnecting", zap.Error(err), zap.String("stage", stage), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			f.setState(Disconnected)
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * f.cfg.ReconnectMultiplier)
		if delay > f.cfg.ReconnectMax {
			delay = f.cfg.ReconnectMax
		}
	}
}

var errHandshakeTimeout = fmt.Errorf("forwarder: handshake timed out")

// connectOnce dials the relay, completes the handshake, and runs the
// connection's loops until it fails or ctx is canceled. The bool return
// reports whether the handshake completed (Connected was reached), which
// Run uses to decide whether to reset the backoff schedule.
func (f *Forwarder) connectOnce(ctx context.Context) (bool, error) {
	f.setState(Connecting)

	header := http.Header{}
	if f.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+f.cfg.AuthToken)
	}

	dialCtx, cancel := contextutil.WithTimeout(ctx, f.cfg.ConnectTimeout)
	conn, _, err := ws.DialChannel(dialCtx, f.cfg.RelayURL, ws.ChannelDialOptions{Header: header})
	cancel()
	if err != nil {
		return false, fmt.Errorf("forwarder: dial: %w", err)
	}
	defer conn.Close()

	readyRaw, err := protocol.Encode(&protocol.Envelope{Tag: protocol.TagReady})
	if err != nil {
		return false, fmt.Errorf("forwarder: encode ready: %w", err)
	}
	writeCtx, cancel := contextutil.WithTimeout(ctx, f.cfg.ConnectTimeout)
	err = conn.WriteMessage(writeCtx, websocket.TextMessage, readyRaw)
	cancel()
	if err != nil {
		return false, fmt.Errorf("forwarder: send ready: %w", err)
	}

	if err := f.awaitConnectionEstablished(ctx, conn); err != nil {
		return false, err
	}

	f.setState(Connected)
	f.observer.Connected()

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	outbound := make(chan []byte, f.cfg.WriteQueueCapacity)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancelConn()
		f.heartbeatLoop(connCtx, outbound)
	}()

	var readErr error
	go func() {
		defer wg.Done()
		defer cancelConn()
		readErr = f.writeLoop(connCtx, conn, outbound)
	}()

	loopErr := f.readLoop(connCtx, conn, outbound)
	cancelConn()
	wg.Wait()

	if loopErr != nil {
		return true, loopErr
	}
	return true, readErr
}

func (f *Forwarder) awaitConnectionEstablished(ctx context.Context, conn *ws.ChannelConn) error {
	handshakeCtx, cancel := contextutil.WithTimeout(ctx, f.cfg.HandshakeTimeout)
	defer cancel()

	for {
		_, raw, err := conn.ReadMessage(handshakeCtx)
		if err != nil {
			if handshakeCtx.Err() != nil {
				return errHandshakeTimeout
			}
			return fmt.Errorf("forwarder: handshake read: %w", err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if env.Tag == protocol.TagConnectionEstablished {
			f.mu.Lock()
			f.TunnelID = env.ConnectionEstablished.TunnelID
			f.PublicURL = env.ConnectionEstablished.PublicURL
			f.mu.Unlock()
			return nil
		}
	}
}

func (f *Forwarder) heartbeatLoop(ctx context.Context, outbound chan<- []byte) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	pingRaw, err := protocol.Encode(&protocol.Envelope{Tag: protocol.TagPing})
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case outbound <- pingRaw:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *Forwarder) writeLoop(ctx context.Context, conn *ws.ChannelConn, outbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-outbound:
			writeCtx, cancel := contextutil.WithTimeout(ctx, f.cfg.ConnectTimeout)
			err := conn.WriteMessage(writeCtx, websocket.TextMessage, msg)
			cancel()
			if err != nil {
				return fmt.Errorf("forwarder: write: %w", err)
			}
		}
	}
}

func (f *Forwarder) readLoop(ctx context.Context, conn *ws.ChannelConn, outbound chan<- []byte) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, f.cfg.TransportIdleTimeout)
		_, raw, err := conn.ReadMessage(readCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("forwarder: read: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			f.logger.Debug("forwarder: dropping malformed frame", zap.Error(err))
			continue
		}

		switch env.Tag {
		case protocol.TagPing:
			pongRaw, err := protocol.Encode(&protocol.Envelope{Tag: protocol.TagPong})
			if err != nil {
				continue
			}
			select {
			case outbound <- pongRaw:
			case <-ctx.Done():
				return nil
			}
		case protocol.TagPong:
			// no-op: liveness confirmation.
		case protocol.TagHTTPRequest:
			go f.handleHTTPRequest(ctx, env.HTTPRequest, outbound)
		default:
			f.logger.Warn("forwarder: unexpected tag from relay", zap.String("tag", string(env.Tag)))
		}
	}
}

func (f *Forwarder) handleHTTPRequest(ctx context.Context, req *protocol.HTTPRequest, outbound chan<- []byte) {
	dispatchCtx, cancel := contextutil.WithTimeout(ctx, f.cfg.LocalRequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := f.dispatcher.Dispatch(dispatchCtx, req)
	if err != nil {
		f.observer.LocalDispatchFailed(req.Method)
		errCode := protocol.ErrCodeInternalError
		errMsg := "local dispatch failed"
		if errors.Is(err, errInvalidMethod) {
			errCode = protocol.ErrCodeInvalidRequest
			errMsg = fmt.Sprintf("unsupported method %q", req.Method)
		}
		errEnv := &protocol.Envelope{
			Tag: protocol.TagError,
			Error: &protocol.ErrorMessage{
				RequestID: req.RequestID,
				Code:      errCode,
				Message:   errMsg,
			},
		}
		raw, encErr := protocol.Encode(errEnv)
		if encErr != nil {
			return
		}
		select {
		case outbound <- raw:
		case <-ctx.Done():
		}
		return
	}

	f.observer.LocalDispatch(req.Method, resp.StatusCode, time.Since(start))
	raw, err := protocol.Encode(&protocol.Envelope{Tag: protocol.TagHTTPResponse, HTTPResponse: resp})
	if err != nil {
		return
	}
	select {
	case outbound <- raw:
	case <-ctx.Done():
	}
}
