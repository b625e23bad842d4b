package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roborock-community/roborock-go/pkg/cache"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/model"
	"github.com/roborock-community/roborock-go/pkg/transport"
)

// Registry errors.
var (
	ErrManagerClosed = errors.New("device manager closed")
	ErrUnknownDevice = errors.New("unknown device")
)

// ManagerConfig carries the collaborators shared by every device of
// one account.
type ManagerConfig struct {
	// Cache persists device metadata between runs.
	Cache cache.Store

	// NetworkInfoTTL overrides DefaultNetworkInfoTTL when non-zero.
	NetworkInfoTTL time.Duration

	// RequestTimeout overrides the per-request timeout when non-zero.
	RequestTimeout time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Capture receives protocol events from every device.
	Capture log.Logger
}

// brokerSession is the slice of transport.MQTTSession the registry
// owns: the shared channel substrate plus its lifecycle.
type brokerSession interface {
	transport.Session
	Start(ctx context.Context) error
	Close() error
}

// Manager owns the devices of one account: a single broker session
// shared by all of them, and one Client per duid, built and connected
// on first use.
type Manager struct {
	userData model.UserData
	config   ManagerConfig
	session  brokerSession
	logger   *slog.Logger

	mu      sync.Mutex
	order   []string
	devices map[string]model.DeviceInfo
	clients map[string]*Client
	closed  bool
}

// NewManager builds a registry from the account session bundle and the
// home device listing. Duplicate duids in the listing are ignored
// after the first occurrence. It does not connect; call Start.
func NewManager(userData model.UserData, devices []model.DeviceInfo, cfg ManagerConfig) (*Manager, error) {
	params, err := transport.ParamsFromRriot(userData.Rriot)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return newManager(userData, devices, cfg, transport.NewMQTTSession(params, cfg.Logger))
}

func newManager(userData model.UserData, devices []model.DeviceInfo, cfg ManagerConfig, session brokerSession) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		userData: userData,
		config:   cfg,
		session:  session,
		logger:   cfg.Logger,
		devices:  make(map[string]model.DeviceInfo, len(devices)),
		clients:  make(map[string]*Client),
	}
	for _, d := range devices {
		if d.DUID == "" {
			return nil, fmt.Errorf("device listing entry %q has no duid", d.Name)
		}
		if _, dup := m.devices[d.DUID]; dup {
			cfg.Logger.Debug("duplicate device listing entry skipped", "duid", d.DUID)
			continue
		}
		m.devices[d.DUID] = d
		m.order = append(m.order, d.DUID)
	}
	return m, nil
}

// Start connects the shared broker session. The first attempt's
// failure is returned; afterwards the session reconnects on its own.
func (m *Manager) Start(ctx context.Context) error {
	return m.session.Start(ctx)
}

// Devices lists the known devices in home listing order.
func (m *Manager) Devices() []model.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceInfo, 0, len(m.order))
	for _, duid := range m.order {
		out = append(out, m.devices[duid])
	}
	return out
}

// GetDevice returns the client for a duid, building and connecting it
// on first use. Repeated calls return the same client.
func (m *Manager) GetDevice(ctx context.Context, duid string) (*Client, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if client, ok := m.clients[duid]; ok {
		m.mu.Unlock()
		return client, nil
	}
	info, ok := m.devices[duid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, duid)
	}

	client, err := NewClient(info, m.userData, m.session, ClientConfig{
		Cache:          m.config.Cache,
		NetworkInfoTTL: m.config.NetworkInfoTTL,
		RequestTimeout: m.config.RequestTimeout,
		Logger:         m.logger,
		Capture:        m.config.Capture,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect %s: %w", duid, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Close()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.clients[duid]; ok {
		// Lost the construction race to a concurrent caller.
		m.mu.Unlock()
		client.Close()
		return existing, nil
	}
	m.clients[duid] = client
	m.mu.Unlock()

	m.logger.Info("device online",
		"duid", duid,
		"name", info.Name,
		"pv", info.PV)
	return client, nil
}

// Close shuts every client down, then the shared session. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	return m.session.Close()
}
