// Package rpc correlates device requests with their responses.
//
// Both channels multiplex many requests over one message stream, so a
// response is matched back to its caller by correlation id: the inner
// request id for RPCs, the frame sequence number for hello and ping.
// Every issued request resolves exactly once, with the response, a
// timeout, or an abort.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// Correlator errors.
var (
	ErrTimeout     = errors.New("request timed out")
	ErrAborted     = errors.New("request aborted")
	ErrDuplicateID = errors.New("correlation id already pending")
)

// DefaultTimeout is the per-request timeout when the caller's context
// carries no earlier deadline.
const DefaultTimeout = 10 * time.Second

// Sender transmits an encoded request frame to the device.
// The connection manager implements this and picks the channel.
type Sender interface {
	Send(ctx context.Context, msg *protocol.Message) error
}

type result struct {
	msg *protocol.Message
	err error
}

// Client tracks in-flight requests for one device.
type Client struct {
	mu      sync.RWMutex
	timeout time.Duration
	logger  *slog.Logger

	sender Sender

	// Pending requests awaiting responses
	pendingMu sync.Mutex
	pending   map[uint32]chan result
	closed    bool
}

// NewClient creates a correlator that sends through the given sender.
func NewClient(sender Sender) *Client {
	return &Client{
		timeout: DefaultTimeout,
		sender:  sender,
		pending: make(map[uint32]chan result),
	}
}

// SetTimeout sets the default per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = timeout
}

// SetLogger sets the logger for discarded late responses.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// Pending returns the number of in-flight requests.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Do sends a request through the default sender and waits for the
// response correlated under key.
func (c *Client) Do(ctx context.Context, key uint32, msg *protocol.Message) (*protocol.Message, error) {
	return c.DoVia(ctx, key, c.sender, msg)
}

// DoVia sends through an explicit sender instead of the default one.
// The connection manager uses this to pin the channel a frame was
// built for: the cloud and local dialects frame the same request
// differently, so a frame must not migrate to the other channel
// between build and send.
//
// The pending entry is registered before the frame leaves, so a
// response cannot race the registration. A key that is already pending
// fails immediately with ErrDuplicateID; the caller draws a fresh id
// and retries.
func (c *Client) DoVia(ctx context.Context, key uint32, sender Sender, msg *protocol.Message) (*protocol.Message, error) {
	c.mu.RLock()
	timeout := c.timeout
	c.mu.RUnlock()

	respCh := make(chan result, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrAborted
	}
	if _, exists := c.pending[key]; exists {
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, key)
	}
	c.pending[key] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := sender.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	}
}

// Fulfill resolves the pending request registered under key.
//
// It returns false when nothing is waiting, either because the frame
// is unsolicited or because the request already timed out; the caller
// then treats the message as a device event. At most one Fulfill per
// key wins, the entry is removed atomically with the lookup.
func (c *Client) Fulfill(key uint32, msg *protocol.Message) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.mu.RLock()
		logger := c.logger
		c.mu.RUnlock()
		if logger != nil {
			logger.Debug("no waiting handler for response",
				"requestID", key,
				"protocol", msg.Protocol.String())
		}
		return false
	}

	ch <- result{msg: msg}
	return true
}

// Abort resolves every pending request with the given error.
func (c *Client) Abort(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]chan result)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- result{err: cause}
	}
}

// Close aborts all pending requests with ErrAborted and rejects any
// future ones.
func (c *Client) Close() error {
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil
	}
	c.closed = true
	c.pendingMu.Unlock()

	c.Abort(ErrAborted)
	return nil
}

// StatusError is a device-reported failure inside an RPC response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device error %d", e.Code)
	}
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}
