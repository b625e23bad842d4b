package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Supervisor errors.
var (
	ErrClosed           = errors.New("connection supervisor closed")
	ErrAlreadyConnected = errors.New("already connected")
)

// DefaultAttemptTimeout bounds a single reconnection attempt.
const DefaultAttemptTimeout = 30 * time.Second

// State represents the state of a device link.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates automatic reconnection is in progress.
	StateReconnecting

	// StateClosed indicates the link has been shut down for good.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type ConnectFunc func(ctx context.Context) error

// Supervisor drives the lifecycle of a single device link with
// automatic reconnection.
//
// The device layer runs one supervisor per channel (local and cloud).
// The supervisor owns the backoff schedule and the retry goroutine;
// the channel itself only knows how to dial.
type Supervisor struct {
	mu sync.RWMutex

	// Current state
	state State

	// Backoff calculator
	backoff *Backoff

	// Connection function
	connect ConnectFunc

	// Upper bound for a single reconnection attempt
	attemptTimeout time.Duration

	// Auto-reconnect enabled
	autoReconnect bool

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Wait group for the retry goroutine
	wg sync.WaitGroup

	// Channel to signal reconnection should start
	reconnectCh chan struct{}

	// Callbacks
	onStateChange func(old, new State, cause error)
	onConnected   func()
	onRetry       func(attempt int, delay time.Duration)
}

// SupervisorConfig allows customizing supervisor behavior.
type SupervisorConfig struct {
	// Backoff parameters for reconnection delays.
	Backoff BackoffConfig

	// AttemptTimeout bounds a single reconnection attempt.
	// Defaults to DefaultAttemptTimeout.
	AttemptTimeout time.Duration
}

// NewSupervisor creates a supervisor with default settings.
func NewSupervisor(connect ConnectFunc) *Supervisor {
	return NewSupervisorWithConfig(connect, SupervisorConfig{})
}

// NewSupervisorWithConfig creates a supervisor with custom settings.
func NewSupervisorWithConfig(connect ConnectFunc, cfg SupervisorConfig) *Supervisor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		state:          StateDisconnected,
		backoff:        NewBackoffWithConfig(cfg.Backoff),
		connect:        connect,
		attemptTimeout: cfg.AttemptTimeout,
		autoReconnect:  true,
		ctx:            ctx,
		cancel:         cancel,
		reconnectCh:    make(chan struct{}, 1),
	}
}

// State returns the current link state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected returns true if the link is currently up.
func (s *Supervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

// SetAutoReconnect enables or disables automatic reconnection.
func (s *Supervisor) SetAutoReconnect(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReconnect = enabled
}

// Connect performs a connection attempt in the caller's goroutine.
//
// On failure the supervisor stays disconnected and schedules nothing,
// so the caller decides whether to give up or hand the link to the
// retry loop via TriggerReconnect. Automatic retries otherwise start
// only once an established connection is lost.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}

	old := s.state
	s.state = StateConnecting
	s.mu.Unlock()

	s.notifyStateChange(old, StateConnecting, nil)

	err := s.connect(ctx)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.notifyStateChange(StateConnecting, StateDisconnected, err)
		return err
	}

	s.state = StateConnected
	s.backoff.Reset()
	s.mu.Unlock()

	s.notifyStateChange(StateConnecting, StateConnected, nil)
	if fn := s.connectedCallback(); fn != nil {
		fn()
	}

	return nil
}

// ConnectionLost reports that an established connection dropped.
// cause is passed through to the state change callback. If
// auto-reconnect is enabled the retry loop takes over.
func (s *Supervisor) ConnectionLost(cause error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}

	auto := s.autoReconnect
	if auto {
		s.state = StateReconnecting
	} else {
		s.state = StateDisconnected
	}
	next := s.state
	s.mu.Unlock()

	s.notifyStateChange(StateConnected, next, cause)

	if auto {
		s.signalReconnect()
	}
}

// TriggerReconnect asks the retry loop to start connection attempts
// from a disconnected state, for links whose initial Connect failed
// but that should keep being retried in the background.
func (s *Supervisor) TriggerReconnect() {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.notifyStateChange(StateDisconnected, StateReconnecting, nil)
	s.signalReconnect()
}

// StartReconnectLoop starts the background retry goroutine.
// Must be called once before automatic reconnection will work.
func (s *Supervisor) StartReconnectLoop() {
	s.wg.Add(1)
	go s.reconnectLoop()
}

// Close shuts down the supervisor and waits for the retry goroutine.
// A pending backoff delay is interrupted.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	old := s.state
	s.state = StateClosed
	s.mu.Unlock()

	s.notifyStateChange(old, StateClosed, nil)

	s.cancel()
	s.wg.Wait()
}

// signalReconnect signals that reconnection should be attempted.
func (s *Supervisor) signalReconnect() {
	select {
	case s.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

// reconnectLoop runs in a goroutine and handles reconnection attempts.
func (s *Supervisor) reconnectLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reconnectCh:
			s.retryUntilConnected()
		}
	}
}

// retryUntilConnected attempts reconnection with backoff until the
// link is restored or the supervisor is closed.
func (s *Supervisor) retryUntilConnected() {
	for {
		switch s.State() {
		case StateClosed, StateConnected:
			return
		}

		delay := s.backoff.Next()
		attempt := s.backoff.Attempts()

		s.mu.RLock()
		onRetry := s.onRetry
		s.mu.RUnlock()
		if onRetry != nil {
			onRetry(attempt, delay)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		switch s.State() {
		case StateClosed, StateConnected:
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.attemptTimeout)
		err := s.connect(ctx)
		cancel()

		if err != nil {
			// Keep looping with the next backoff delay.
			continue
		}

		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		old := s.state
		s.state = StateConnected
		s.backoff.Reset()
		s.mu.Unlock()

		s.notifyStateChange(old, StateConnected, nil)
		if fn := s.connectedCallback(); fn != nil {
			fn()
		}
		return
	}
}

// notifyStateChange invokes the state change callback outside the lock.
func (s *Supervisor) notifyStateChange(old, new State, cause error) {
	s.mu.RLock()
	fn := s.onStateChange
	s.mu.RUnlock()
	if fn != nil {
		fn(old, new, cause)
	}
}

func (s *Supervisor) connectedCallback() func() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onConnected
}

// OnStateChange sets a callback for state changes. cause is non-nil
// when the transition was forced by an error.
func (s *Supervisor) OnStateChange(fn func(old, new State, cause error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// OnConnected sets a callback invoked after every successful connection.
func (s *Supervisor) OnConnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// OnRetry sets a callback invoked before each backoff delay.
func (s *Supervisor) OnRetry(fn func(attempt int, delay time.Duration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRetry = fn
}

// BackoffAttempts returns the number of reconnection attempts since the
// last successful connection.
func (s *Supervisor) BackoffAttempts() int {
	return s.backoff.Attempts()
}
