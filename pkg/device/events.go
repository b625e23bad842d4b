package device

import (
	"time"

	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// Event is one unsolicited device message on the merged stream: a
// state push on a numbered dps channel, a map update, or any frame the
// library has no dialect for. Messages that answer a pending request
// never appear here.
type Event struct {
	// DUID is the device that produced the event.
	DUID string

	// Channel is the transport the message arrived on.
	Channel log.ChannelKind

	// Message is the decoded frame.
	Message *protocol.Message

	// ReceivedAt is when the frame was routed.
	ReceivedAt time.Time
}

// Payload decodes the dps envelope of the event message. Map update
// events carry a binary payload instead and do not decode.
func (e Event) Payload() (*protocol.V1Payload, error) {
	return protocol.ParseV1Payload(e.Message.Payload)
}
