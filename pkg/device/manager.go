package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roborock-community/roborock-go/pkg/cache"
	"github.com/roborock-community/roborock-go/pkg/capability"
	"github.com/roborock-community/roborock-go/pkg/connection"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/model"
	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/rpc"
	"github.com/roborock-community/roborock-go/pkg/transport"
)

// Manager errors.
var (
	ErrAlreadyStarted = errors.New("connection manager already started")
)

// DefaultNetworkInfoTTL is how long a cached device reachability
// record is trusted before a local connection attempt refreshes it.
const DefaultNetworkInfoTTL = 24 * time.Hour

const (
	// maxFrameSeq caps request frame sequence numbers. The window sits
	// below the inner request id range, so the two correlation
	// keyspaces never collide.
	maxFrameSeq = 9999

	// idRetries bounds redraws after a request id collision.
	idRetries = 3

	// eventBuffer is the per-subscriber event channel capacity.
	eventBuffer = 16
)

// localChannel is the slice of transport.LocalChannel the manager
// drives. The device IP is only known after a cloud query, so the
// target host is set per connection attempt.
type localChannel interface {
	transport.Channel
	SetHost(host string)
}

// ConnectionManagerConfig assembles one device's connectivity.
type ConnectionManagerConfig struct {
	// DUID identifies the device.
	DUID string

	// LocalKey encrypts and decrypts every frame for this device.
	LocalKey string

	// Capabilities is the resolved capability set; it decides whether
	// a local channel exists at all.
	Capabilities capability.Set

	// Session is the shared broker session.
	Session transport.Session

	// UserID is the account session user id (the rriot "u" field).
	UserID string

	// MQTTUser is the derived broker username.
	MQTTUser string

	// Security accompanies every rpc sent over the broker.
	Security *protocol.SecurityData

	// Cache persists the device reachability record. Nil disables
	// caching; every local attempt then queries the cloud first.
	Cache cache.Store

	// NetworkInfoTTL overrides DefaultNetworkInfoTTL when non-zero.
	NetworkInfoTTL time.Duration

	// RequestTimeout overrides the correlator's per-request timeout
	// when non-zero.
	RequestTimeout time.Duration

	// LocalBackoff tunes the local reconnect schedule.
	LocalBackoff connection.BackoffConfig

	// AttemptTimeout bounds one local connection attempt, including
	// the network info refresh. Defaults to
	// connection.DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Capture receives protocol events from both channels.
	Capture log.Logger
}

// ConnectionManager holds both paths to one device and moves every
// request over the preferred one: local when connected, cloud
// otherwise. Requests already in flight are unaffected by a
// preference change; responses are matched by correlation id, not by
// channel.
type ConnectionManager struct {
	duid   string
	logger *slog.Logger

	cloud transport.Channel
	local localChannel // nil when the device has no local path

	correlator *rpc.Client
	security   *protocol.SecurityData

	store          cache.Store
	networkInfoTTL time.Duration

	supervisor     *connection.Supervisor // nil when local is nil
	attemptTimeout time.Duration

	seq     atomic.Uint32
	isLocal atomic.Bool
	started atomic.Bool

	fatalMu  sync.RWMutex
	fatalErr error

	subMu   sync.RWMutex
	subs    map[int]chan Event
	nextSub int

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// NewConnectionManager builds the channels for one device. It does not
// connect.
func NewConnectionManager(cfg ConnectionManagerConfig) (*ConnectionManager, error) {
	if cfg.DUID == "" {
		return nil, fmt.Errorf("config is missing the device duid")
	}
	if cfg.LocalKey == "" {
		return nil, fmt.Errorf("config is missing the device key")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("config is missing the broker session")
	}

	cloud := transport.NewMQTTChannel(cfg.Session, transport.MQTTChannelConfig{
		DUID:     cfg.DUID,
		LocalKey: cfg.LocalKey,
		UserID:   cfg.UserID,
		MQTTUser: cfg.MQTTUser,
		Version:  cfg.Capabilities.Version(),
		Logger:   cfg.Logger,
		Capture:  cfg.Capture,
	})

	if !cfg.Capabilities.Supports(capability.OpLocalConnection) {
		return newConnectionManager(cfg, cloud, nil), nil
	}

	local := transport.NewLocalChannel(transport.LocalChannelConfig{
		DUID:     cfg.DUID,
		LocalKey: cfg.LocalKey,
		Version:  cfg.Capabilities.Version(),
		Logger:   cfg.Logger,
		Capture:  cfg.Capture,
	})
	return newConnectionManager(cfg, cloud, local), nil
}

func newConnectionManager(cfg ConnectionManagerConfig, cloud transport.Channel, local localChannel) *ConnectionManager {
	if cfg.NetworkInfoTTL <= 0 {
		cfg.NetworkInfoTTL = DefaultNetworkInfoTTL
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = connection.DefaultAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &ConnectionManager{
		duid:           cfg.DUID,
		logger:         cfg.Logger,
		cloud:          cloud,
		local:          local,
		security:       cfg.Security,
		store:          cfg.Cache,
		networkInfoTTL: cfg.NetworkInfoTTL,
		attemptTimeout: cfg.AttemptTimeout,
		subs:           make(map[int]chan Event),
		closeCh:        make(chan struct{}),
	}

	m.correlator = rpc.NewClient(preferredSender{m})
	m.correlator.SetLogger(cfg.Logger)
	if cfg.RequestTimeout > 0 {
		m.correlator.SetTimeout(cfg.RequestTimeout)
	}

	cloud.OnStateChange(m.handleCloudState)
	if local != nil {
		m.supervisor = connection.NewSupervisorWithConfig(m.connectLocal, connection.SupervisorConfig{
			Backoff:        cfg.LocalBackoff,
			AttemptTimeout: cfg.AttemptTimeout,
		})
		m.supervisor.OnRetry(func(attempt int, delay time.Duration) {
			m.logger.Info("local reconnect scheduled",
				"duid", m.duid,
				"attempt", attempt,
				"delay", delay)
		})
		local.OnStateChange(m.handleLocalState)
	}
	return m
}

// Start attaches the cloud channel and begins connecting the local one
// in the background. The broker session must already be up; a device
// is only considered usable once it is reachable through the cloud.
func (m *ConnectionManager) Start(ctx context.Context) error {
	if err := m.fatal(); err != nil {
		return err
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := m.cloud.Connect(ctx); err != nil {
		m.started.Store(false)
		return fmt.Errorf("cloud channel: %w", err)
	}
	m.wg.Add(1)
	go m.route(m.cloud)

	if m.local != nil {
		m.wg.Add(1)
		go m.route(m.local)
		m.supervisor.StartReconnectLoop()
		go m.startLocal(ctx)
	}
	return nil
}

// startLocal makes the opportunistic first local attempt. Failure is
// not an error, the device stays reachable through the cloud; the
// supervisor keeps retrying on its backoff schedule.
func (m *ConnectionManager) startLocal(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	err := m.supervisor.Connect(ctx)
	if err == nil ||
		errors.Is(err, connection.ErrAlreadyConnected) ||
		errors.Is(err, connection.ErrClosed) {
		return
	}

	m.logger.Info("local connection unavailable, staying on cloud",
		"duid", m.duid,
		"error", err)
	m.supervisor.TriggerReconnect()
}

// connectLocal is the supervisor's connect function: resolve the
// device IP, point the channel at it, dial. The reachability record
// is served from cache until it exceeds its TTL.
func (m *ConnectionManager) connectLocal(ctx context.Context) error {
	info, err := m.NetworkInfo(ctx, false)
	if err != nil {
		return fmt.Errorf("resolve device address: %w", err)
	}
	if info.IP == "" {
		return fmt.Errorf("%w: device reported no ip", transport.ErrTransport)
	}

	m.local.SetHost(info.IP)
	err = m.local.Connect(ctx)
	if errors.Is(err, transport.ErrAlreadyConnected) {
		return nil
	}
	return err
}

func (m *ConnectionManager) handleLocalState(old, new connection.State, cause error) {
	if cause != nil && errors.Is(cause, protocol.ErrAuth) {
		m.failDevice(cause)
		return
	}
	if old == connection.StateConnected && new == connection.StateDisconnected {
		m.logger.Warn("local connection lost, falling back to cloud",
			"duid", m.duid,
			"error", cause)
		m.supervisor.ConnectionLost(cause)
	}
}

func (m *ConnectionManager) handleCloudState(old, new connection.State, cause error) {
	if cause != nil && errors.Is(cause, protocol.ErrAuth) {
		m.failDevice(cause)
		return
	}
	if old == connection.StateConnected && new == connection.StateDisconnected {
		m.logger.Warn("cloud channel detached",
			"duid", m.duid,
			"error", cause)
	}
}

// failDevice records a fatal device error. Every frame is encrypted
// under the device key, so a key validation failure can only mean the
// device was re-paired; no reconnect will recover it.
func (m *ConnectionManager) failDevice(cause error) {
	m.fatalMu.Lock()
	if m.fatalErr != nil {
		m.fatalMu.Unlock()
		return
	}
	m.fatalErr = cause
	m.fatalMu.Unlock()

	m.logger.Error("device key rejected, shutting down",
		"duid", m.duid,
		"error", cause)

	// The channel that reported the failure is still inside its state
	// callback; tearing it down from here would deadlock.
	go m.shutdown(cause)
}

func (m *ConnectionManager) fatal() error {
	m.fatalMu.RLock()
	defer m.fatalMu.RUnlock()
	return m.fatalErr
}

// nextSeq draws the next request frame sequence number, wrapping
// within [1, maxFrameSeq].
func (m *ConnectionManager) nextSeq() uint32 {
	return m.seq.Add(1)%maxFrameSeq + 1
}

// preferred picks the channel for the next request.
func (m *ConnectionManager) preferred() transport.Channel {
	if m.local != nil && m.local.State() == connection.StateConnected {
		return m.local
	}
	return m.cloud
}

// channelFor picks the channel for one method, honoring cloud pinning.
func (m *ConnectionManager) channelFor(method string) transport.Channel {
	if cloudOnlyMethods[method] || securedMethods[method] {
		return m.cloud
	}
	return m.preferred()
}

func (m *ConnectionManager) noteServed(ch transport.Channel) {
	m.isLocal.Store(ch.Kind() == log.ChannelLocal)
}

// IsLocal reports whether the last successful send went over the
// local channel.
func (m *ConnectionManager) IsLocal() bool {
	return m.isLocal.Load()
}

// preferredSender routes a frame over the currently preferred channel.
// Used for requests whose frames are identical on both paths.
type preferredSender struct {
	m *ConnectionManager
}

func (s preferredSender) Send(ctx context.Context, msg *protocol.Message) error {
	ch := s.m.preferred()
	if err := ch.Send(ctx, msg); err != nil {
		return err
	}
	s.m.noteServed(ch)
	return nil
}

// pinnedSender routes every frame over one fixed channel. Rpc frames
// are built in the dialect of the channel they were picked for and
// must not migrate to the other one between build and send.
type pinnedSender struct {
	m  *ConnectionManager
	ch transport.Channel
}

func (s pinnedSender) Send(ctx context.Context, msg *protocol.Message) error {
	if err := s.ch.Send(ctx, msg); err != nil {
		return err
	}
	s.m.noteServed(s.ch)
	return nil
}

// Execute sends one rpc and returns its raw result. Requests pipeline
// freely; each one picks its channel when it is issued and resolves
// independently.
func (m *ConnectionManager) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := m.fatal(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < idRetries; attempt++ {
		raw, err := m.executeOn(ctx, m.channelFor(method), method, params)
		if err != nil {
			if errors.Is(err, rpc.ErrDuplicateID) {
				// Another in-flight request holds the same id; redraw.
				lastErr = err
				continue
			}
			return nil, err
		}
		return raw, nil
	}
	return nil, lastErr
}

func (m *ConnectionManager) executeOn(ctx context.Context, ch transport.Channel, method string, params any) (json.RawMessage, error) {
	seq := m.nextSeq()
	local := ch.Kind() == log.ChannelLocal

	id := protocol.NextRequestID()
	if local && !isGetMethod(method) {
		// Local command responses echo only the frame sequence, so the
		// inner id and the sequence must be the same number.
		id = int(seq)
	}

	key := uint32(id)
	if securedMethods[method] {
		key = seq
	}

	var sec *protocol.SecurityData
	proto := protocol.GeneralRequest
	if !local {
		sec = m.security
		proto = protocol.RPCRequest
	}

	payload, err := protocol.EncodeV1Payload(id, method, params, sec, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	resp, err := m.correlator.DoVia(ctx, key, pinnedSender{m: m, ch: ch}, &protocol.Message{
		Seq:      seq,
		Protocol: proto,
		Payload:  payload,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrDuplicateID) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return decodeResponse(method, resp)
}

// decodeResponse unpacks a correlated response frame. Map frames pass
// through as raw bytes; everything else is a dps envelope whose rpc
// body carries either a result or a device error.
func decodeResponse(method string, resp *protocol.Message) (json.RawMessage, error) {
	if resp.Protocol == protocol.MapResponse {
		return resp.Payload, nil
	}

	payload, err := protocol.ParseV1Payload(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", method, err)
	}
	body, ok, err := payload.RPCResponseBody()
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", method, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s response carries no rpc body", method)
	}
	if body.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, &rpc.StatusError{
			Code:    body.Error.Code,
			Message: body.Error.Message,
		})
	}
	return body.Result, nil
}

// Ping checks device reachability over the preferred channel. Ping
// frames carry no payload and are identical on both paths.
func (m *ConnectionManager) Ping(ctx context.Context) error {
	if err := m.fatal(); err != nil {
		return err
	}

	seq := m.nextSeq()
	_, err := m.correlator.Do(ctx, seq, &protocol.Message{
		Seq:      seq,
		Protocol: protocol.PingRequest,
	})
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// networkInfoKey is the cache key for a device reachability record.
func networkInfoKey(duid string) string {
	return "network_info/" + duid
}

// NetworkInfo returns the device's reachability record. The cached
// record is served until it exceeds its TTL; refresh bypasses the
// cache. The query itself always travels over the cloud, the answer
// is what makes the local path dialable in the first place.
func (m *ConnectionManager) NetworkInfo(ctx context.Context, refresh bool) (model.NetworkInfo, error) {
	key := networkInfoKey(m.duid)
	if !refresh && m.store != nil {
		if entry, ok := cache.Get[model.CachedNetworkInfo](m.store, key); ok && !entry.Stale(m.networkInfoTTL) {
			return entry.Value.NetworkInfo, nil
		}
	}

	raw, err := m.Execute(ctx, methodGetNetworkInfo, nil)
	if err != nil {
		return model.NetworkInfo{}, err
	}
	var info model.NetworkInfo
	if err := unmarshalResult(raw, &info); err != nil {
		return model.NetworkInfo{}, fmt.Errorf("network info: %w", err)
	}

	if m.store != nil {
		now := time.Now()
		record := model.CachedNetworkInfo{NetworkInfo: info, FetchedAt: now}
		if err := cache.Set(m.store, key, record, now); err != nil {
			m.logger.Warn("network info cache write failed",
				"duid", m.duid,
				"error", err)
		}
	}
	return info, nil
}

// route drains one channel's message stream until it closes.
func (m *ConnectionManager) route(ch transport.Channel) {
	defer m.wg.Done()
	kind := ch.Kind()
	for msg := range ch.Messages() {
		m.dispatch(kind, msg)
	}
}

// dispatch matches one inbound frame against the pending requests and
// publishes it as an event when nothing is waiting. A response whose
// request already resolved is dropped, never published.
func (m *ConnectionManager) dispatch(kind log.ChannelKind, msg *protocol.Message) {
	switch msg.Protocol {
	case protocol.RPCResponse, protocol.GeneralResponse, protocol.GeneralRequest:
		payload, err := protocol.ParseV1Payload(msg.Payload)
		if err != nil {
			// Not a dps envelope. A frame that resolves a pending
			// request by sequence is still a response.
			if !m.correlator.Fulfill(msg.Seq, msg) {
				m.publish(kind, msg)
			}
			return
		}

		body, ok, err := payload.RPCResponseBody()
		if !ok {
			// State update on a numbered dps channel.
			m.publish(kind, msg)
			return
		}
		if err != nil {
			// Mangled rpc body. Resolving by sequence at least hands
			// the caller the parse failure instead of a timeout.
			if !m.correlator.Fulfill(msg.Seq, msg) {
				m.publish(kind, msg)
			}
			return
		}

		if m.correlator.Fulfill(uint32(body.ID), msg) {
			return
		}
		if uint32(body.ID) != msg.Seq && m.correlator.Fulfill(msg.Seq, msg) {
			return
		}

	case protocol.MapResponse:
		if !m.correlator.Fulfill(msg.Seq, msg) {
			m.publish(kind, msg)
		}

	case protocol.PingResponse, protocol.HelloResponse:
		m.correlator.Fulfill(msg.Seq, msg)

	default:
		m.publish(kind, msg)
	}
}

// Events returns a stream of unsolicited device messages. The channel
// closes when ctx ends or the manager closes; a slow subscriber loses
// events rather than stalling the routers.
func (m *ConnectionManager) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event, eventBuffer)
	if m.isClosed() {
		close(ch)
		return ch
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.closeCh:
		}
		m.removeSub(id)
	}()
	return ch
}

func (m *ConnectionManager) publish(kind log.ChannelKind, msg *protocol.Message) {
	ev := Event{
		DUID:       m.duid,
		Channel:    kind,
		Message:    msg,
		ReceivedAt: time.Now(),
	}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("event dropped, subscriber not keeping up",
				"duid", m.duid,
				"subscriber", id,
				"protocol", msg.Protocol.String())
		}
	}
}

func (m *ConnectionManager) removeSub(id int) {
	m.subMu.Lock()
	ch, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.subMu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *ConnectionManager) closeSubs() {
	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.subMu.Unlock()

	for _, id := range ids {
		m.removeSub(id)
	}
}

func (m *ConnectionManager) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

// Close tears both channels down, stops the local retry loop even
// mid-backoff, and aborts every pending request. Idempotent.
func (m *ConnectionManager) Close() error {
	m.shutdown(rpc.ErrAborted)
	return nil
}

func (m *ConnectionManager) shutdown(cause error) {
	m.closeOnce.Do(func() {
		close(m.closeCh)

		m.correlator.Abort(cause)
		m.correlator.Close()

		if m.supervisor != nil {
			m.supervisor.Close()
		}
		if m.local != nil {
			m.local.Close()
		}
		m.cloud.Close()

		m.wg.Wait()
		m.closeSubs()

		m.logger.Info("connection manager closed", "duid", m.duid)
	})
}
