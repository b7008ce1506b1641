package defaults

import "time"

const (
	// ConnectTimeout is the default timeout for establishing the agent channel websocket.
	ConnectTimeout = 10 * time.Second
	// HandshakeTimeout is the default timeout for awaiting connection_established after ready.
	HandshakeTimeout = 10 * time.Second
	// RequestTimeout is the default upstream budget for a public request (REQUEST_TIMEOUT).
	RequestTimeout = 25 * time.Second
	// PendingTTL is the default TTL for a pending-request record (PENDING_TTL).
	PendingTTL = 30 * time.Second
	// ConnectionTTL is the default TTL for a channel record (CONNECTION_TTL).
	ConnectionTTL = 7200 * time.Second
	// HeartbeatInterval is the default application-level ping interval.
	HeartbeatInterval = 300 * time.Second
	// TransportIdleTimeout is the default idle timeout enforced by the transport.
	TransportIdleTimeout = 600 * time.Second
	// ReconnectMin is the initial forwarder reconnect delay.
	ReconnectMin = 1 * time.Second
	// ReconnectMax is the reconnect delay cap.
	ReconnectMax = 60 * time.Second
	// ReconnectMultiplier scales the reconnect delay on each failed attempt.
	ReconnectMultiplier = 2
	// WriteQueueCapacity bounds the forwarder's outbound queue (in envelopes).
	WriteQueueCapacity = 100
	// MaxWriteQueueBytes bounds a relay channel's buffered-but-unsent bytes,
	// protecting the relay process from a slow or stuck forwarder.
	MaxWriteQueueBytes = 1 << 20
)
