package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roborock-community/roborock-go/pkg/connection"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/version"
)

// MQTTChannelConfig describes one device's view of the broker session.
type MQTTChannelConfig struct {
	// DUID identifies the device; it is part of both topics.
	DUID string

	// LocalKey encrypts and decrypts every frame on this channel.
	LocalKey string

	// UserID is the account session user id (the rriot "u" field).
	UserID string

	// MQTTUser is the derived broker username; it is part of both
	// topics.
	MQTTUser string

	// Version selects the wire dialect. Defaults to version.V1.
	Version version.ProtocolVersion

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Capture receives protocol events. Defaults to discarding them.
	Capture log.Logger
}

// MQTTChannel is one device's cloud path. It subscribes to the
// device's outbound topic on the shared broker session and publishes
// to its inbound one; its state mirrors the session's connectivity.
//
// Unlike the local channel, a lost broker link heals inside the
// session, so the channel moves back to connected without anyone
// calling Connect again.
type MQTTChannel struct {
	config  MQTTChannelConfig
	session Session
	logger  *slog.Logger
	capture log.Logger

	decoderMu sync.Mutex
	decoder   *protocol.Decoder

	mu            sync.RWMutex
	state         connection.State
	connID        string
	onStateChange func(old, new connection.State, cause error)
	unsubscribe   func()
	unwatch       func()

	dispatchWg sync.WaitGroup
	messages   chan *protocol.Message
	closeCh    chan struct{}
	closeOnce  sync.Once
}

// NewMQTTChannel creates a cloud channel over the given session. It
// does not subscribe.
func NewMQTTChannel(session Session, config MQTTChannelConfig) *MQTTChannel {
	if config.Version == "" {
		config.Version = version.V1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Capture == nil {
		config.Capture = log.NoopLogger{}
	}

	return &MQTTChannel{
		config:   config,
		session:  session,
		logger:   config.Logger,
		capture:  config.Capture,
		decoder:  protocol.NewDecoder(config.LocalKey),
		state:    connection.StateDisconnected,
		messages: make(chan *protocol.Message, messageBuffer),
		closeCh:  make(chan struct{}),
	}
}

// PublishTopic is the topic the device reads commands from.
func (m *MQTTChannel) PublishTopic() string {
	return fmt.Sprintf("rr/m/i/%s/%s/%s", m.config.UserID, m.config.MQTTUser, m.config.DUID)
}

// SubscribeTopic is the topic the device writes responses to.
func (m *MQTTChannel) SubscribeTopic() string {
	return fmt.Sprintf("rr/m/o/%s/%s/%s", m.config.UserID, m.config.MQTTUser, m.config.DUID)
}

// Kind reports the cloud transport kind.
func (m *MQTTChannel) Kind() log.ChannelKind {
	return log.ChannelCloud
}

// State reports the current channel state.
func (m *MQTTChannel) State() connection.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers the transition observer.
func (m *MQTTChannel) OnStateChange(fn func(old, new connection.State, cause error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Messages returns the inbound message stream.
func (m *MQTTChannel) Messages() <-chan *protocol.Message {
	return m.messages
}

// Connect subscribes to the device's topic and starts mirroring the
// session's connectivity. The session must already be up.
func (m *MQTTChannel) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case connection.StateClosed:
		m.mu.Unlock()
		return ErrChannelClosed
	case connection.StateConnecting, connection.StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = connection.StateConnecting
	m.connID = uuid.NewString()
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		m.abandonConnect()
		return err
	}
	if !m.session.Connected() {
		m.abandonConnect()
		return fmt.Errorf("%w: broker session down", ErrNotConnected)
	}

	unsub, err := m.session.Subscribe(m.SubscribeTopic(), m.handlePayload)
	if err != nil {
		m.abandonConnect()
		return err
	}

	m.mu.Lock()
	if m.state == connection.StateClosed {
		m.mu.Unlock()
		unsub()
		return ErrChannelClosed
	}
	m.unsubscribe = unsub
	m.unwatch = m.session.OnConnectionChange(m.handleSessionChange)
	m.mu.Unlock()

	m.transition(connection.StateConnected, nil)
	m.logger.Info("cloud channel attached",
		"duid", m.config.DUID,
		"topic", m.SubscribeTopic())
	return nil
}

// Send encodes one message and publishes it to the device's inbound
// topic.
func (m *MQTTChannel) Send(ctx context.Context, msg *protocol.Message) error {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != connection.StateConnected {
		return ErrNotConnected
	}

	out := *msg
	if out.Version == "" {
		out.Version = m.config.Version
	}
	data, err := protocol.Encode(&out, m.config.LocalKey)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Protocol, err)
	}

	if err := m.session.Publish(ctx, m.PublishTopic(), data); err != nil {
		return err
	}
	m.captureMessage(log.DirectionOut, &out, len(data))
	return nil
}

func (m *MQTTChannel) abandonConnect() {
	m.mu.Lock()
	if m.state == connection.StateConnecting {
		m.state = connection.StateDisconnected
	}
	m.mu.Unlock()
}

// handlePayload decodes one broker payload and dispatches the frames
// it contains.
func (m *MQTTChannel) handlePayload(payload []byte) {
	m.mu.RLock()
	if m.state == connection.StateClosed {
		m.mu.RUnlock()
		return
	}
	m.dispatchWg.Add(1)
	m.mu.RUnlock()
	defer m.dispatchWg.Done()

	m.decoderMu.Lock()
	msgs, err := m.decoder.Feed(payload)
	if err != nil {
		// A broker payload is complete on its own; a corrupt one must
		// not poison the frames that follow it.
		m.decoder.Reset()
	}
	m.decoderMu.Unlock()

	wire := 0
	if len(msgs) == 1 {
		wire = len(payload)
	}
	for _, msg := range msgs {
		m.captureMessage(log.DirectionIn, msg, wire)
		select {
		case m.messages <- msg:
		case <-m.closeCh:
			return
		}
	}

	if err != nil {
		m.logger.Warn("cloud frame decode failed",
			"duid", m.config.DUID,
			"error", err)
		m.captureError(err, "decode broker payload")
		if errors.Is(err, protocol.ErrAuth) {
			// Broker noise heals on the next payload; a key validation
			// failure means the device was re-paired and no payload
			// will ever decrypt again.
			m.transition(connection.StateDisconnected, err)
		}
	}
}

func (m *MQTTChannel) handleSessionChange(connected bool, cause error) {
	if connected {
		m.transition(connection.StateConnected, nil)
		return
	}
	m.transition(connection.StateDisconnected, cause)
}

// transition moves to a new state unless the channel is closed, and
// notifies outside the lock.
func (m *MQTTChannel) transition(to connection.State, cause error) {
	m.mu.Lock()
	if m.state == to || m.state == connection.StateClosed {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = to
	m.mu.Unlock()

	m.notify(old, to, cause)
}

// Close detaches from the session and closes the message stream.
func (m *MQTTChannel) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		old := m.state
		m.state = connection.StateClosed
		unsub := m.unsubscribe
		unwatch := m.unwatch
		m.unsubscribe = nil
		m.unwatch = nil
		m.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if unwatch != nil {
			unwatch()
		}
		close(m.closeCh)
		m.dispatchWg.Wait()
		close(m.messages)

		m.notify(old, connection.StateClosed, nil)
		m.logger.Debug("cloud channel closed", "duid", m.config.DUID)
	})
	return nil
}

func (m *MQTTChannel) notify(old, new connection.State, cause error) {
	m.mu.RLock()
	cb := m.onStateChange
	connID := m.connID
	m.mu.RUnlock()

	m.capture.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Channel:      log.ChannelCloud,
		Category:     log.CategoryState,
		DUID:         m.config.DUID,
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

func (m *MQTTChannel) captureMessage(dir log.Direction, msg *protocol.Message, wire int) {
	m.mu.RLock()
	connID := m.connID
	m.mu.RUnlock()

	m.capture.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Channel:      log.ChannelCloud,
		Category:     log.CategoryMessage,
		DUID:         m.config.DUID,
		Message: &log.MessageEvent{
			Protocol:    uint16(msg.Protocol),
			Seq:         msg.Seq,
			PayloadSize: len(msg.Payload),
			WireSize:    wire,
		},
	})
}

func (m *MQTTChannel) captureError(err error, context string) {
	m.mu.RLock()
	connID := m.connID
	m.mu.RUnlock()

	m.capture.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Channel:      log.ChannelCloud,
		Category:     log.CategoryError,
		DUID:         m.config.DUID,
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Context: context,
		},
	})
}
