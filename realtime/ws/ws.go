// Package ws wraps gorilla/websocket with the context-deadline semantics the
// agent channel needs: every relay<->forwarder frame is read or written
// against a context, not a raw socket deadline, so handshake timeouts,
// heartbeat idle timeouts, and request dispatch timeouts all cancel the same
// way regardless of which layer set them.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ChannelConn is one agent-channel websocket connection, either the relay's
// accepted side or the forwarder's dialed side.
type ChannelConn struct {
	c *websocket.Conn // Underlying gorilla/websocket connection.
}

// ChannelUpgradeOptions exposes a small set of websocket upgrader controls
// for accepting an inbound agent channel.
type ChannelUpgradeOptions struct {
	ReadBufferSize  int                        // Read buffer size for upgrader.
	WriteBufferSize int                        // Write buffer size for upgrader.
	CheckOrigin     func(r *http.Request) bool // Optional origin check.
}

// UpgradeChannel upgrades an inbound HTTP request to an agent-channel
// websocket connection.
func UpgradeChannel(w http.ResponseWriter, r *http.Request, opts ChannelUpgradeOptions) (*ChannelConn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &ChannelConn{c: c}, nil
}

// ChannelDialOptions provides optional headers for dialing the relay's agent
// channel endpoint, e.g. the bearer token on channel_open.
type ChannelDialOptions struct {
	Header http.Header // Optional headers for the handshake request.
	Dialer *websocket.Dialer
}

// DialChannel opens the forwarder's agent-channel websocket connection to
// the relay, with a deadline-aware handshake.
func DialChannel(ctx context.Context, urlStr string, opts ChannelDialOptions) (*ChannelConn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	} else {
		d = websocket.Dialer{}
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of dialer.HandshakeTimeout and the context deadline when both are set.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &ChannelConn{c: c}, resp, nil
}

// SetReadLimit forwards the read limit to the underlying websocket.
func (c *ChannelConn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// ReadMessage reads one agent-channel frame (an encoded protocol.Envelope)
// and respects the context deadline and cancellation.
func (c *ChannelConn) ReadMessage(ctx context.Context) (int, []byte, error) {
	// If the context is already done, fail fast without touching socket deadlines.
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetReadDeadline(deadline)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	// gorilla/websocket does not natively unblock ReadMessage on context cancellation unless we
	// set a read deadline. When the context is canceled, force the in-flight read to wake up
	// promptly and map the resulting I/O timeout back to ctx.Err().
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if !active.Load() {
				return
			}
			_ = c.c.SetReadDeadline(time.Now())
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	mt, b, err := c.c.ReadMessage()
	if err == nil {
		return mt, b, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		// Prefer ctx.Err() when it is already set.
		if cerr := ctx.Err(); cerr != nil {
			return 0, nil, cerr
		}
		// When we set the websocket read deadline from ctx.Deadline(), the I/O timeout
		// can race slightly ahead of the context timer; map it to DeadlineExceeded
		// once the deadline has passed to keep a stable error contract.
		if hasDeadline && !time.Now().Before(deadline) {
			return 0, nil, context.DeadlineExceeded
		}
	}
	return 0, nil, err
}

// WriteMessage writes one agent-channel frame (an encoded protocol.Envelope)
// and respects the context deadline and cancellation.
func (c *ChannelConn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	// If the context is already done, fail fast without touching socket deadlines.
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetWriteDeadline(deadline)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	// Like ReadMessage, force a blocked WriteMessage to wake up on context cancellation.
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if !active.Load() {
				return
			}
			_ = c.c.SetWriteDeadline(time.Now())
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	err := c.c.WriteMessage(messageType, data)
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
	}
	return err
}

// Close closes the agent channel connection.
func (c *ChannelConn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame before closing, e.g. when the
// relay evicts a channel because its tunnel lease expired.
func (c *ChannelConn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

// Underlying exposes the raw gorilla/websocket connection.
func (c *ChannelConn) Underlying() *websocket.Conn {
	return c.c
}
