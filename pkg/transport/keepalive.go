package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs
	// before the connection is declared dead.
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures liveness probing on the local socket.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout is the timeout waiting for a pong response.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of missed pongs before disconnect.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// DetectionDelay is the worst-case time between a device vanishing
// and the probe loop declaring the link dead.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

// KeepAlive probes an established local connection with protocol-level
// ping/pong. The probe sequence numbers come from the owning channel
// so they never collide with the sequence space used for requests.
type KeepAlive struct {
	config KeepAliveConfig
	logger *slog.Logger

	// nextSeq draws the sequence number for the next probe.
	nextSeq func() uint32

	// sendPing transmits one ping carrying the given sequence.
	sendPing func(seq uint32) error

	// onTimeout fires once the missed-pong budget is exhausted.
	onTimeout func()

	mu           sync.Mutex
	running      bool
	missedPongs  int
	lastPingTime time.Time
	lastPongTime time.Time
	pendingPing  uint32
	hasPending   bool
	stopCh       chan struct{}
}

// NewKeepAlive creates a keep-alive prober. Zero config fields take
// the defaults.
func NewKeepAlive(config KeepAliveConfig, nextSeq func() uint32, sendPing func(seq uint32) error, onTimeout func()) *KeepAlive {
	return &KeepAlive{
		config:    config.withDefaults(),
		logger:    slog.Default(),
		nextSeq:   nextSeq,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
	}
}

// SetLogger replaces the logger.
func (ka *KeepAlive) SetLogger(logger *slog.Logger) {
	if logger != nil {
		ka.logger = logger
	}
}

// Start begins the probe loop. The connect handshake just verified
// liveness, so the first probe waits a full interval.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	stop := ka.stopCh
	ka.mu.Unlock()

	go ka.loop(ctx, stop)
}

// Stop stops the probe loop.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// PongReceived hands an inbound pong frame to the prober. It reports
// whether the sequence matched the outstanding probe; an unmatched
// pong answers someone else's ping and should be delivered onward.
func (ka *KeepAlive) PongReceived(seq uint32) bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.hasPending || seq != ka.pendingPing {
		return false
	}
	ka.hasPending = false
	ka.missedPongs = 0
	ka.lastPongTime = time.Now()
	return true
}

// IsRunning reports whether the probe loop is active.
func (ka *KeepAlive) IsRunning() bool {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return ka.running
}

// Stats returns current probe statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPingTime,
		LastPongTime: ka.lastPongTime,
		MissedPongs:  ka.missedPongs,
	}
}

// KeepAliveStats describes probe progress on one connection.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	MissedPongs  int
}

func (ka *KeepAlive) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !ka.handleTick() {
				return
			}
		}
	}
}

// sendPingMessage claims the probe slot before the ping leaves: on a
// fast link the pong can arrive before the sender even returns, and
// must still match.
func (ka *KeepAlive) sendPingMessage() {
	ka.mu.Lock()
	seq := ka.nextSeq()
	ka.pendingPing = seq
	ka.hasPending = true
	ka.lastPingTime = time.Now()
	ka.mu.Unlock()

	if err := ka.sendPing(seq); err != nil {
		ka.mu.Lock()
		if ka.hasPending && ka.pendingPing == seq {
			// The write path reports its own failure; nothing to wait
			// for.
			ka.hasPending = false
		}
		ka.mu.Unlock()
		ka.logger.Debug("keep-alive ping failed", "seq", seq, "error", err)
	}
}

// handleTick returns false once the probe loop should stop because the
// connection was declared dead.
func (ka *KeepAlive) handleTick() bool {
	ka.mu.Lock()
	if ka.hasPending && time.Since(ka.lastPingTime) >= ka.config.PongTimeout {
		ka.missedPongs++
		ka.hasPending = false
		missed := ka.missedPongs

		if missed >= ka.config.MaxMissedPongs {
			ka.mu.Unlock()
			ka.logger.Warn("keep-alive gave up on connection", "missedPongs", missed)
			if ka.onTimeout != nil {
				ka.onTimeout()
			}
			return false
		}
		ka.mu.Unlock()
		ka.logger.Debug("keep-alive pong missed", "missedPongs", missed)
		ka.sendPingMessage()
		return true
	}
	ka.mu.Unlock()

	ka.sendPingMessage()
	return true
}
