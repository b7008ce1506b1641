package relay

import (
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh-go/internal/defaults"
)

// Config holds the relay's tunable knobs. DefaultConfig returns the spec's
// documented defaults; NewDispatcher validates the config it's given.
type Config struct {
	// Domain is the public domain public URLs are minted under.
	Domain string
	// EnableSubdomainRouting selects subdomain-mode public URLs
	// (https://{tunnel_id}.{domain}) over path-mode
	// (https://{domain}/{tunnel_id}).
	EnableSubdomainRouting bool
	// RequireAuth gates channel_open on token validation.
	RequireAuth bool

	ConnectionTTL time.Duration
	PendingTTL    time.Duration
	RequestTimeout time.Duration

	// PollInterval/PollIntervalMax/PollMultiplier govern the polling
	// awaiter's backoff when no store-change notifier is wired.
	PollInterval    time.Duration
	PollIntervalMax time.Duration
	PollMultiplier  float64

	// ReadyRetryInitial/ReadyRetryAttempts/ReadyRetryMultiplier govern the
	// connection_established retry-with-backoff on the ready path.
	ReadyRetryInitial    time.Duration
	ReadyRetryAttempts   int
	ReadyRetryMultiplier float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		EnableSubdomainRouting: false,
		RequireAuth:            false,
		ConnectionTTL:          defaults.ConnectionTTL,
		PendingTTL:             defaults.PendingTTL,
		RequestTimeout:         defaults.RequestTimeout,
		PollInterval:           50 * time.Millisecond,
		PollIntervalMax:        500 * time.Millisecond,
		PollMultiplier:         2,
		ReadyRetryInitial:      100 * time.Millisecond,
		ReadyRetryAttempts:     3,
		ReadyRetryMultiplier:   2,
	}
}

// Validate checks the config for internally-consistent values, mirroring
// the constructor-validates-config idiom used throughout the corpus.
func (c Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("relay: Domain must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("relay: RequestTimeout must be positive")
	}
	if c.PendingTTL <= c.RequestTimeout {
		return fmt.Errorf("relay: PendingTTL must exceed RequestTimeout")
	}
	if c.ConnectionTTL <= 0 {
		return fmt.Errorf("relay: ConnectionTTL must be positive")
	}
	if c.PollInterval <= 0 || c.PollIntervalMax < c.PollInterval {
		return fmt.Errorf("relay: invalid poll interval configuration")
	}
	if c.ReadyRetryAttempts <= 0 {
		return fmt.Errorf("relay: ReadyRetryAttempts must be positive")
	}
	return nil
}
