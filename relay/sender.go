package relay

import (
	"context"

	"github.com/relaymesh/relaymesh-go/protocol"
)

// ChannelSender is the transport send primitive the dispatcher depends on:
// an external collaborator capable of pushing an envelope to a specific
// agent channel, or closing it. transport/wsgateway is the concrete
// implementation; tests use a fake.
type ChannelSender interface {
	Send(ctx context.Context, channelID string, env *protocol.Envelope) error
	CloseChannel(ctx context.Context, channelID string, code int, reason string) error
}
