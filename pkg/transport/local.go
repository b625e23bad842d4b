package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roborock-community/roborock-go/pkg/connection"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/version"
)

// Local transport constants.
const (
	// DefaultLocalPort is the TCP port a vacuum listens on.
	DefaultLocalPort = 58867

	// DefaultDialTimeout bounds the TCP dial.
	DefaultDialTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds each hello/ping exchange during
	// Connect.
	DefaultHandshakeTimeout = 5 * time.Second

	// readBufferSize is the socket read chunk size. Frames are small;
	// one read usually delivers several complete frames.
	readBufferSize = 4096

	// messageBuffer is the capacity of the inbound message stream.
	messageBuffer = 32

	// probeSeqBase offsets the channel's own hello/ping sequence
	// numbers far above the windows used for request correlation, so a
	// pong for a caller-issued ping is never mistaken for a probe
	// answer.
	probeSeqBase = 1 << 20
)

// LocalChannelConfig describes a direct TCP connection to one device.
type LocalChannelConfig struct {
	// DUID identifies the device in logs and capture events.
	DUID string

	// Host is the device address on the home network.
	Host string

	// Port overrides DefaultLocalPort when non-zero.
	Port int

	// LocalKey encrypts and decrypts every frame on this channel.
	LocalKey string

	// Version selects the wire dialect. Defaults to version.V1.
	Version version.ProtocolVersion

	// DialTimeout overrides DefaultDialTimeout when non-zero.
	DialTimeout time.Duration

	// HandshakeTimeout overrides DefaultHandshakeTimeout when
	// non-zero.
	HandshakeTimeout time.Duration

	// KeepAlive tunes liveness probing.
	KeepAlive KeepAliveConfig

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Capture receives protocol events. Defaults to discarding them.
	Capture log.Logger
}

// LocalChannel is a direct TCP connection to a vacuum on the home
// network. The device accepts exactly one client at a time, so a
// process should hold at most one LocalChannel per device.
//
// Connect performs the hello/ping handshake before reporting success;
// a device that accepts TCP but never answers hello is treated as
// unreachable. After connect, a keep-alive prober detects silent
// failures. Any read, write, or decode failure tears the channel down
// and reports the cause through OnStateChange; reconnecting is the
// caller's decision.
type LocalChannel struct {
	config  LocalChannelConfig
	logger  *slog.Logger
	capture log.Logger

	// seq numbers the channel's own hello and ping frames, starting at
	// probeSeqBase. Request frames carry sequence numbers chosen by
	// the device layer.
	seq atomic.Uint32

	mu            sync.RWMutex
	addr          string
	state         connection.State
	conn          net.Conn
	keepalive     *KeepAlive
	connID        string
	onStateChange func(old, new connection.State, cause error)

	writeMu sync.Mutex

	messages  chan *protocol.Message
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewLocalChannel creates a local channel. It does not connect.
func NewLocalChannel(config LocalChannelConfig) *LocalChannel {
	if config.Port == 0 {
		config.Port = DefaultLocalPort
	}
	if config.Version == "" {
		config.Version = version.V1
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	config.KeepAlive = config.KeepAlive.withDefaults()
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Capture == nil {
		config.Capture = log.NoopLogger{}
	}

	l := &LocalChannel{
		config:   config,
		addr:     net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		logger:   config.Logger,
		capture:  config.Capture,
		state:    connection.StateDisconnected,
		messages: make(chan *protocol.Message, messageBuffer),
		closeCh:  make(chan struct{}),
	}
	l.seq.Store(probeSeqBase)
	return l
}

// RemoteAddr returns the host:port this channel dials.
func (l *LocalChannel) RemoteAddr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.addr
}

// SetHost points the channel at a new device address, for devices
// whose IP was refreshed from the network info query. The running
// connection is unaffected; the next dial uses the new address.
func (l *LocalChannel) SetHost(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addr = net.JoinHostPort(host, strconv.Itoa(l.config.Port))
}

// Kind reports the local transport kind.
func (l *LocalChannel) Kind() log.ChannelKind {
	return log.ChannelLocal
}

// State reports the current channel state.
func (l *LocalChannel) State() connection.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// OnStateChange registers the transition observer.
func (l *LocalChannel) OnStateChange(fn func(old, new connection.State, cause error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStateChange = fn
}

// Messages returns the inbound message stream. Pongs answering the
// channel's own liveness probes are consumed; everything else appears
// here.
func (l *LocalChannel) Messages() <-chan *protocol.Message {
	return l.messages
}

// Connect dials the device, runs the hello/ping handshake, and starts
// the reader and keep-alive prober.
func (l *LocalChannel) Connect(ctx context.Context) error {
	old, err := l.beginConnect()
	if err != nil {
		return err
	}
	l.notify(old, connection.StateConnecting, nil)

	conn, err := l.dial(ctx)
	if err != nil {
		l.abandonConnect(err)
		return err
	}

	decoder := protocol.NewDecoder(l.config.LocalKey)
	queued, err := l.handshake(conn, decoder)
	if err != nil {
		conn.Close()
		l.abandonConnect(err)
		return err
	}

	nextSeq := func() uint32 { return l.seq.Add(1) }
	ka := NewKeepAlive(l.config.KeepAlive, nextSeq, l.pingSender(conn), func() {
		l.fail(fmt.Errorf("%w: %s: keep-alive probes unanswered", ErrTransport, l.RemoteAddr()))
	})
	ka.SetLogger(l.logger)

	l.mu.Lock()
	if l.state == connection.StateClosed {
		l.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	l.conn = conn
	l.keepalive = ka
	l.state = connection.StateConnected
	l.wg.Add(1)
	l.mu.Unlock()

	go l.readLoop(conn, decoder, ka, queued)

	l.notify(connection.StateConnecting, connection.StateConnected, nil)
	l.logger.Info("local channel connected",
		"duid", l.config.DUID,
		"addr", l.RemoteAddr())
	return nil
}

// beginConnect claims the connecting state and assigns a fresh
// connection id.
func (l *LocalChannel) beginConnect() (connection.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case connection.StateClosed:
		return l.state, ErrChannelClosed
	case connection.StateConnecting, connection.StateConnected:
		return l.state, ErrAlreadyConnected
	}
	old := l.state
	l.state = connection.StateConnecting
	l.connID = uuid.NewString()
	return old, nil
}

func (l *LocalChannel) abandonConnect(cause error) {
	l.mu.Lock()
	if l.state != connection.StateConnecting {
		l.mu.Unlock()
		return
	}
	l.state = connection.StateDisconnected
	l.mu.Unlock()
	l.notify(connection.StateConnecting, connection.StateDisconnected, cause)
}

func (l *LocalChannel) dial(ctx context.Context) (net.Conn, error) {
	addr := l.RemoteAddr()
	d := net.Dialer{Timeout: l.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyConnectError(addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// handshake sends hello then ping and waits for each response. The
// device may interleave unsolicited frames; those are returned for
// delivery once the channel is up.
func (l *LocalChannel) handshake(conn net.Conn, decoder *protocol.Decoder) ([]*protocol.Message, error) {
	var queued []*protocol.Message
	steps := []struct {
		request  protocol.Protocol
		response protocol.Protocol
	}{
		{protocol.HelloRequest, protocol.HelloResponse},
		{protocol.PingRequest, protocol.PingResponse},
	}
	for _, step := range steps {
		msg := &protocol.Message{
			Version:  l.config.Version,
			Seq:      l.seq.Add(1),
			Protocol: step.request,
		}
		deadline := time.Now().Add(l.config.HandshakeTimeout)
		if err := l.write(conn, msg, deadline); err != nil {
			return nil, err
		}
		stray, err := l.awaitResponse(conn, decoder, step.response, deadline)
		if err != nil {
			return nil, fmt.Errorf("%s handshake: %w", step.request, err)
		}
		queued = append(queued, stray...)
	}
	return queued, nil
}

// awaitResponse reads frames until the wanted protocol arrives or the
// deadline passes. Other frames decoded along the way are returned.
func (l *LocalChannel) awaitResponse(conn net.Conn, decoder *protocol.Decoder, want protocol.Protocol, deadline time.Time) ([]*protocol.Message, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var stray []*protocol.Message
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, derr := decoder.Feed(buf[:n])
			done := false
			for _, msg := range msgs {
				l.captureMessage(log.DirectionIn, msg, 0)
				if msg.Protocol == want {
					done = true
					continue
				}
				stray = append(stray, msg)
			}
			if derr != nil {
				return nil, derr
			}
			if done {
				return stray, nil
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, fmt.Errorf("%w: no %s from %s", ErrConnectTimeout, want, l.RemoteAddr())
			}
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

// Send encodes one message and writes it to the socket. A write
// failure tears the channel down before returning.
func (l *LocalChannel) Send(ctx context.Context, msg *protocol.Message) error {
	l.mu.RLock()
	conn := l.conn
	state := l.state
	l.mu.RUnlock()
	if state != connection.StateConnected || conn == nil {
		return ErrNotConnected
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := l.write(conn, msg, deadline); err != nil {
		l.fail(err)
		return err
	}
	return nil
}

// write encodes and transmits one frame. The message's version
// defaults to the channel's dialect.
func (l *LocalChannel) write(conn net.Conn, msg *protocol.Message, deadline time.Time) error {
	out := *msg
	if out.Version == "" {
		out.Version = l.config.Version
	}
	data, err := protocol.Encode(&out, l.config.LocalKey)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Protocol, err)
	}

	l.writeMu.Lock()
	if !deadline.IsZero() {
		conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write(data)
	if !deadline.IsZero() {
		conn.SetWriteDeadline(time.Time{})
	}
	l.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, l.RemoteAddr(), err)
	}

	l.captureMessage(log.DirectionOut, &out, len(data))
	return nil
}

func (l *LocalChannel) pingSender(conn net.Conn) func(seq uint32) error {
	return func(seq uint32) error {
		msg := &protocol.Message{
			Version:  l.config.Version,
			Seq:      seq,
			Protocol: protocol.PingRequest,
		}
		deadline := time.Now().Add(l.config.KeepAlive.PongTimeout)
		if err := l.write(conn, msg, deadline); err != nil {
			l.fail(err)
			return err
		}
		return nil
	}
}

// readLoop drains the socket, feeds the decoder, and dispatches
// complete messages. It owns the keep-alive prober's lifetime.
func (l *LocalChannel) readLoop(conn net.Conn, decoder *protocol.Decoder, ka *KeepAlive, queued []*protocol.Message) {
	defer l.wg.Done()

	ka.Start(context.Background())
	defer ka.Stop()

	for _, msg := range queued {
		if msg.Protocol == protocol.PingResponse && ka.PongReceived(msg.Seq) {
			continue
		}
		l.deliver(msg)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, derr := decoder.Feed(buf[:n])
			for _, msg := range msgs {
				l.captureMessage(log.DirectionIn, msg, 0)
				if msg.Protocol == protocol.PingResponse && ka.PongReceived(msg.Seq) {
					// Answer to our own liveness probe.
					continue
				}
				l.deliver(msg)
			}
			if derr != nil {
				l.captureError(derr, "decode inbound stream")
				l.fail(fmt.Errorf("inbound stream from %s: %w", l.RemoteAddr(), derr))
				return
			}
		}
		if err != nil {
			if l.isClosed() {
				return
			}
			l.fail(fmt.Errorf("%w: read %s: %v", ErrTransport, l.RemoteAddr(), err))
			return
		}
	}
}

func (l *LocalChannel) deliver(msg *protocol.Message) {
	select {
	case l.messages <- msg:
	case <-l.closeCh:
	}
}

func (l *LocalChannel) isClosed() bool {
	select {
	case <-l.closeCh:
		return true
	default:
		return false
	}
}

// fail tears down an established connection and reports the cause.
// Safe to call from the reader, the prober, and Send concurrently;
// only the first caller wins.
func (l *LocalChannel) fail(cause error) {
	l.mu.Lock()
	if l.state != connection.StateConnected {
		l.mu.Unlock()
		return
	}
	l.state = connection.StateDisconnected
	conn := l.conn
	l.conn = nil
	l.keepalive = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	l.logger.Warn("local channel lost",
		"duid", l.config.DUID,
		"addr", l.RemoteAddr(),
		"error", cause)
	l.notify(connection.StateConnected, connection.StateDisconnected, cause)
}

// Close tears the channel down and closes the message stream.
func (l *LocalChannel) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		old := l.state
		l.state = connection.StateClosed
		conn := l.conn
		l.conn = nil
		l.keepalive = nil
		l.mu.Unlock()

		close(l.closeCh)
		if conn != nil {
			conn.Close()
		}
		l.wg.Wait()
		close(l.messages)

		l.notify(old, connection.StateClosed, nil)
		l.logger.Debug("local channel closed", "duid", l.config.DUID)
	})
	return nil
}

// KeepAliveStats reports probe statistics for the current connection.
func (l *LocalChannel) KeepAliveStats() (KeepAliveStats, bool) {
	l.mu.RLock()
	ka := l.keepalive
	l.mu.RUnlock()
	if ka == nil {
		return KeepAliveStats{}, false
	}
	return ka.Stats(), true
}

// notify emits a state capture event and invokes the observer outside
// any lock.
func (l *LocalChannel) notify(old, new connection.State, cause error) {
	l.mu.RLock()
	cb := l.onStateChange
	connID := l.connID
	addr := l.addr
	l.mu.RUnlock()

	l.capture.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Channel:      log.ChannelLocal,
		Category:     log.CategoryState,
		DUID:         l.config.DUID,
		RemoteAddr:   addr,
		StateChange: &log.StateChangeEvent{
			OldState: old.String(),
			NewState: new.String(),
			Reason:   reason(cause),
		},
	})
	if cb != nil {
		cb(old, new, cause)
	}
}

func (l *LocalChannel) captureMessage(dir log.Direction, msg *protocol.Message, wire int) {
	l.mu.RLock()
	connID := l.connID
	addr := l.addr
	l.mu.RUnlock()

	l.capture.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Channel:      log.ChannelLocal,
		Category:     log.CategoryMessage,
		DUID:         l.config.DUID,
		RemoteAddr:   addr,
		Message: &log.MessageEvent{
			Protocol:    uint16(msg.Protocol),
			Seq:         msg.Seq,
			PayloadSize: len(msg.Payload),
			WireSize:    wire,
		},
	})
}

func (l *LocalChannel) captureError(err error, context string) {
	l.mu.RLock()
	connID := l.connID
	addr := l.addr
	l.mu.RUnlock()

	l.capture.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Channel:      log.ChannelLocal,
		Category:     log.CategoryError,
		DUID:         l.config.DUID,
		RemoteAddr:   addr,
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Context: context,
		},
	})
}
