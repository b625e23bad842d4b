package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/roborock-community/roborock-go/pkg/connection"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// Transport errors. ErrConnectTimeout and ErrConnectRefused classify
// dial failures so callers can tell an absent device from a present
// one refusing service. Everything that fails on an established
// channel wraps ErrTransport.
var (
	// ErrConnectTimeout indicates the dial or handshake exceeded its
	// deadline.
	ErrConnectTimeout = errors.New("connection timed out")

	// ErrConnectRefused indicates the peer actively refused the
	// connection.
	ErrConnectRefused = errors.New("connection refused")

	// ErrTransport indicates a failure on an established channel.
	ErrTransport = errors.New("transport failure")

	// ErrAlreadyConnected is returned by Connect on a channel that is
	// already connecting or connected.
	ErrAlreadyConnected = errors.New("channel already connected")

	// ErrChannelClosed is returned by Connect after Close.
	ErrChannelClosed = errors.New("channel closed")
)

// ErrNotConnected reports an operation attempted on a channel that is
// not in the connected state. It wraps ErrTransport.
var ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransport)

// Channel is one way of reaching a vacuum. Implementations decode the
// inbound byte stream into protocol messages but stay out of their
// contents: request correlation, retries, and failover belong to the
// device layer.
//
// A channel may disconnect and reconnect many times over its life;
// Messages survives across reconnects and closes only on Close.
type Channel interface {
	// Connect establishes the channel. Returns ErrAlreadyConnected if
	// the channel is connecting or connected, and ErrChannelClosed
	// after Close.
	Connect(ctx context.Context) error

	// Send encodes and transmits one message. Fire and forget: pairing
	// responses to requests is the caller's concern.
	Send(ctx context.Context, msg *protocol.Message) error

	// Messages is the stream of inbound messages, in arrival order.
	Messages() <-chan *protocol.Message

	// State reports the current channel state.
	State() connection.State

	// OnStateChange registers the transition observer. The callback
	// receives the failure that caused an involuntary disconnect.
	OnStateChange(fn func(old, new connection.State, cause error))

	// Kind reports which transport this channel is, for logs and
	// capture events.
	Kind() log.ChannelKind

	// Close tears the channel down and closes Messages. Idempotent.
	Close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Channel = (*LocalChannel)(nil)
	_ Channel = (*MQTTChannel)(nil)
)

// classifyConnectError sorts a connection attempt failure into the
// timeout/refused/other buckets callers branch on. Context
// cancellation passes through untouched so callers can distinguish
// their own abort from a peer failure.
func classifyConnectError(target string, err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s", ErrConnectRefused, target)
	case errors.As(err, &nerr) && nerr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrConnectTimeout, target)
	default:
		return fmt.Errorf("%w: %s: %v", ErrTransport, target, err)
	}
}

// reason renders a transition cause for capture events.
func reason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
