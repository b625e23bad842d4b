package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roborock-community/roborock-go/pkg/cache"
	"github.com/roborock-community/roborock-go/pkg/capability"
	"github.com/roborock-community/roborock-go/pkg/connection"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/model"
	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/transport"
)

// ClientConfig carries the optional collaborators of a device client.
// The zero value works: no cache, default timeouts, default logger.
type ClientConfig struct {
	// Cache persists device metadata between runs. Without one the
	// device IP is re-queried from the cloud on every local attempt.
	Cache cache.Store

	// NetworkInfoTTL overrides DefaultNetworkInfoTTL when non-zero.
	NetworkInfoTTL time.Duration

	// RequestTimeout overrides the per-request timeout when non-zero.
	RequestTimeout time.Duration

	// LocalBackoff tunes the local reconnect schedule.
	LocalBackoff connection.BackoffConfig

	// AttemptTimeout bounds one local connection attempt.
	AttemptTimeout time.Duration

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Capture receives protocol events for traffic debugging.
	Capture log.Logger
}

// Client is the typed interface to one vacuum. Every operation is
// gated on the device's capability set, resolved once from its
// protocol version at construction; a device this library has no
// dialect for fails construction with ErrUnsupportedProtocol.
type Client struct {
	device  model.DeviceInfo
	caps    capability.Set
	manager *ConnectionManager
}

// NewClient builds a client over a shared broker session. It does not
// connect; call Connect to bring the device online.
func NewClient(device model.DeviceInfo, userData model.UserData, session transport.Session, cfg ClientConfig) (*Client, error) {
	caps, err := capability.Resolve(device.PV)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", device.DUID, err)
	}

	params, err := transport.ParamsFromRriot(userData.Rriot)
	if err != nil {
		return nil, err
	}
	security, err := protocol.NewSecurityData(userData.Rriot.K)
	if err != nil {
		return nil, err
	}

	manager, err := NewConnectionManager(ConnectionManagerConfig{
		DUID:           device.DUID,
		LocalKey:       device.LocalKey,
		Capabilities:   caps,
		Session:        session,
		UserID:         userData.Rriot.U,
		MQTTUser:       params.Username,
		Security:       security,
		Cache:          cfg.Cache,
		NetworkInfoTTL: cfg.NetworkInfoTTL,
		RequestTimeout: cfg.RequestTimeout,
		LocalBackoff:   cfg.LocalBackoff,
		AttemptTimeout: cfg.AttemptTimeout,
		Logger:         cfg.Logger,
		Capture:        cfg.Capture,
	})
	if err != nil {
		return nil, err
	}

	return &Client{device: device, caps: caps, manager: manager}, nil
}

// DUID returns the device identifier.
func (c *Client) DUID() string {
	return c.device.DUID
}

// Name returns the device display name from the home metadata.
func (c *Client) Name() string {
	return c.device.Name
}

// Capabilities returns the resolved capability set.
func (c *Client) Capabilities() capability.Set {
	return c.caps
}

// Connect brings the device online: cloud first, then the local link
// in the background once the device IP is known.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Start(ctx)
}

// IsLocal reports whether the last request went over the local link.
func (c *Client) IsLocal() bool {
	return c.manager.IsLocal()
}

// Events returns the stream of unsolicited device messages. The
// channel closes when ctx ends or the client closes; resubscribe to
// continue after a consumer restart.
func (c *Client) Events(ctx context.Context) <-chan Event {
	return c.manager.Events(ctx)
}

// Ping checks reachability over the preferred channel.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.caps.Check(capability.OpPing); err != nil {
		return err
	}
	return c.manager.Ping(ctx)
}

// GetStatus reads the current device status.
func (c *Client) GetStatus(ctx context.Context) (*model.Status, error) {
	var status model.Status
	if err := c.query(ctx, capability.OpStatus, methodGetStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetNetworkInfo queries the device's network details over the cloud
// and refreshes the cached reachability record.
func (c *Client) GetNetworkInfo(ctx context.Context) (model.NetworkInfo, error) {
	if err := c.caps.Check(capability.OpNetworkInfo); err != nil {
		return model.NetworkInfo{}, err
	}
	return c.manager.NetworkInfo(ctx, true)
}

// GetCleanSummary reads the lifetime cleaning statistics.
func (c *Client) GetCleanSummary(ctx context.Context) (*model.CleanSummary, error) {
	if err := c.caps.Check(capability.OpCleanSummary); err != nil {
		return nil, err
	}
	raw, err := c.manager.Execute(ctx, methodGetCleanSummary, nil)
	if err != nil {
		return nil, err
	}
	return decodeCleanSummary(raw)
}

// SetFanSpeed changes the suction level to one of the model.FanPower
// presets.
func (c *Client) SetFanSpeed(ctx context.Context, speed int) error {
	return c.command(ctx, capability.OpSetFanSpeed, methodSetCustomMode, []int{speed})
}

// AppStart starts a full clean.
func (c *Client) AppStart(ctx context.Context) error {
	return c.command(ctx, capability.OpAppStart, methodAppStart, nil)
}

// AppStop stops the current clean.
func (c *Client) AppStop(ctx context.Context) error {
	return c.command(ctx, capability.OpAppStop, methodAppStop, nil)
}

// AppPause pauses the current clean.
func (c *Client) AppPause(ctx context.Context) error {
	return c.command(ctx, capability.OpAppPause, methodAppPause, nil)
}

// AppCharge sends the device back to the dock.
func (c *Client) AppCharge(ctx context.Context) error {
	return c.command(ctx, capability.OpAppCharge, methodAppCharge, nil)
}

// Send issues a raw method call and returns the raw result. Methods
// with a known operation mapping are capability-checked; unknown
// methods pass through on the v1 dialect only. The get_map_v1 result
// is the raw map blob rather than JSON.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if op, ok := methodOperations[method]; ok {
		if err := c.caps.Check(op); err != nil {
			return nil, err
		}
	} else if c.caps.Dialect() != capability.DialectV1 {
		return nil, fmt.Errorf("%w: method %q on pv %s",
			capability.ErrUnsupportedOperation, method, c.device.PV)
	}
	return c.manager.Execute(ctx, method, params)
}

// Close shuts the device down: aborts pending requests, closes both
// channels, and stops the reconnect loop even mid-backoff. The shared
// broker session stays up for other devices. Idempotent.
func (c *Client) Close() error {
	return c.manager.Close()
}

func (c *Client) query(ctx context.Context, op capability.Operation, method string, params any, out any) error {
	if err := c.caps.Check(op); err != nil {
		return err
	}
	raw, err := c.manager.Execute(ctx, method, params)
	if err != nil {
		return err
	}
	if err := unmarshalResult(raw, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (c *Client) command(ctx context.Context, op capability.Operation, method string, params any) error {
	if err := c.caps.Check(op); err != nil {
		return err
	}
	_, err := c.manager.Execute(ctx, method, params)
	return err
}

// decodeCleanSummary accepts both result shapes: current firmware
// sends an object, older firmware a positional
// [time, area, count, records] array.
func decodeCleanSummary(raw json.RawMessage) (*model.CleanSummary, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		switch {
		case len(fields) == 1:
			raw = fields[0]
		case len(fields) >= 4:
			var s model.CleanSummary
			err := errors.Join(
				json.Unmarshal(fields[0], &s.CleanTime),
				json.Unmarshal(fields[1], &s.CleanArea),
				json.Unmarshal(fields[2], &s.CleanCount),
				json.Unmarshal(fields[3], &s.Records),
			)
			if err != nil {
				return nil, fmt.Errorf("decode clean summary: %w", err)
			}
			return &s, nil
		}
	}

	var s model.CleanSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode clean summary: %w", err)
	}
	return &s, nil
}
