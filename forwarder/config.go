package forwarder

import (
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh-go/internal/defaults"
)

// Config holds the forwarder's tunable knobs.
type Config struct {
	// RelayURL is the agent-channel websocket endpoint, e.g.
	// "wss://relay.example.com/ws".
	RelayURL string
	// LocalTarget is the base URL of the local service requests are
	// dispatched to, e.g. "http://127.0.0.1:8080".
	LocalTarget string
	// AuthToken is sent as a bearer token on the handshake, if non-empty.
	AuthToken string

	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	TransportIdleTimeout time.Duration
	LocalRequestTimeout  time.Duration

	ReconnectMin        time.Duration
	ReconnectMax        time.Duration
	ReconnectMultiplier float64

	WriteQueueCapacity int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       defaults.ConnectTimeout,
		HandshakeTimeout:     defaults.HandshakeTimeout,
		HeartbeatInterval:    defaults.HeartbeatInterval,
		TransportIdleTimeout: defaults.TransportIdleTimeout,
		LocalRequestTimeout:  defaults.RequestTimeout,
		ReconnectMin:         defaults.ReconnectMin,
		ReconnectMax:         defaults.ReconnectMax,
		ReconnectMultiplier:  defaults.ReconnectMultiplier,
		WriteQueueCapacity:   defaults.WriteQueueCapacity,
	}
}

// Validate checks the config for internally-consistent values.
func (c Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("forwarder: RelayURL must not be empty")
	}
	if c.LocalTarget == "" {
		return fmt.Errorf("forwarder: LocalTarget must not be empty")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.TransportIdleTimeout {
		return fmt.Errorf("forwarder: HeartbeatInterval must be positive and less than TransportIdleTimeout")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("forwarder: invalid reconnect backoff configuration")
	}
	if c.ReconnectMultiplier <= 1 {
		return fmt.Errorf("forwarder: ReconnectMultiplier must exceed 1")
	}
	if c.WriteQueueCapacity <= 0 {
		return fmt.Errorf("forwarder: WriteQueueCapacity must be positive")
	}
	return nil
}
