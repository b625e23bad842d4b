package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/roborock-community/roborock-go/pkg/protocol"
)

// Broadcast constants.
const (
	// BroadcastPort is the UDP port devices announce themselves on.
	BroadcastPort = 58866

	// broadcastKey encrypts every announcement frame. It is the same
	// for every device; announcements carry no secrets.
	broadcastKey = "qWKYcdQWrbm9hPqe"

	// announcementBufferSize fits the largest announcement datagram.
	announcementBufferSize = 4096
)

// DiscoveredDevice is one decoded device announcement.
type DiscoveredDevice struct {
	// DUID is the announcing device.
	DUID string `json:"duid"`

	// IP is the device address on the home network.
	IP string `json:"ip"`
}

// ParseAnnouncement decodes a single announcement datagram. Traffic
// that is not a well-formed announcement frame returns an error
// matching protocol.ErrDecode.
func ParseAnnouncement(data []byte) (*DiscoveredDevice, error) {
	msg, err := protocol.Decode(data, broadcastKey)
	if err != nil {
		return nil, err
	}
	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("%w: announcement has no payload", protocol.ErrDecode)
	}
	var dev DiscoveredDevice
	if err := json.Unmarshal(msg.Payload, &dev); err != nil {
		return nil, fmt.Errorf("%w: parse announcement body: %v", protocol.ErrDecode, err)
	}
	if dev.DUID == "" {
		return nil, fmt.Errorf("%w: announcement names no device", protocol.ErrDecode)
	}
	return &dev, nil
}

// BroadcastListenerConfig configures the announcement listener.
type BroadcastListenerConfig struct {
	// Port overrides BroadcastPort when non-zero.
	Port int

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// BroadcastListener receives device announcements from the local
// network. Devices broadcast whether or not anyone listens, so the
// listener is purely passive.
type BroadcastListener struct {
	config BroadcastListenerConfig
	logger *slog.Logger
}

// NewBroadcastListener creates a listener. It does not bind the port;
// Listen does.
func NewBroadcastListener(config BroadcastListenerConfig) *BroadcastListener {
	if config.Port == 0 {
		config.Port = BroadcastPort
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &BroadcastListener{
		config: config,
		logger: config.Logger,
	}
}

// Listen binds the announcement port and streams decoded announcements
// until ctx ends, then closes the stream. A device is emitted when
// first heard and again whenever its address changes; repeat
// announcements from a known address are dropped.
func (l *BroadcastListener) Listen(ctx context.Context) (<-chan DiscoveredDevice, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: l.config.Port})
	if err != nil {
		return nil, fmt.Errorf("bind announcement port %d: %w", l.config.Port, err)
	}
	l.logger.Info("listening for device announcements", "addr", conn.LocalAddr().String())

	out := make(chan DiscoveredDevice, 8)
	go func() {
		// Unblocks the read loop when the caller is done.
		<-ctx.Done()
		conn.Close()
	}()
	go l.readLoop(ctx, conn, out)
	return out, nil
}

func (l *BroadcastListener) readLoop(ctx context.Context, conn *net.UDPConn, out chan<- DiscoveredDevice) {
	defer close(out)
	defer conn.Close()

	lastIP := make(map[string]string)
	buf := make([]byte, announcementBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				l.logger.Warn("announcement socket failed", "error", err)
			}
			return
		}

		dev, err := ParseAnnouncement(buf[:n])
		if err != nil {
			// The announcement port sees foreign traffic; dropping
			// undecodable datagrams is the normal case, not a fault.
			l.logger.Debug("dropped undecodable datagram",
				"from", addr.String(),
				"error", err)
			continue
		}
		if lastIP[dev.DUID] == dev.IP {
			continue
		}
		lastIP[dev.DUID] = dev.IP

		l.logger.Info("device announced itself",
			"duid", dev.DUID,
			"ip", dev.IP,
			"from", addr.String())
		select {
		case out <- *dev:
		case <-ctx.Done():
			return
		}
	}
}

// FindByDUID listens until the named device announces itself or ctx
// ends. Convenience for callers that know which device they want.
func (l *BroadcastListener) FindByDUID(ctx context.Context, duid string) (*DiscoveredDevice, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	devices, err := l.Listen(ctx)
	if err != nil {
		return nil, err
	}
	for dev := range devices {
		if dev.DUID == duid {
			return &dev, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("device %s not heard: %w", duid, err)
	}
	return nil, fmt.Errorf("device %s not heard: announcement stream closed", duid)
}
