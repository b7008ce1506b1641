package defaults

import (
	"testing"
	"time"
)

func TestKeepaliveInterval(t *testing.T) {
	if got := KeepaliveInterval(0); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
	if got := KeepaliveInterval(int32(TransportIdleTimeout / time.Second)); got != HeartbeatInterval {
		t.Fatalf("got %v, want %v", got, HeartbeatInterval)
	}
	if got := KeepaliveInterval(1); got != minKeepaliveInterval {
		t.Fatalf("expected clamp to minimum, got %v", got)
	}
}
