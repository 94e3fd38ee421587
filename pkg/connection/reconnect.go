package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrConnectTimeout   = errors.New("connection timeout")
)

// DefaultConnectTimeout bounds a single connect attempt.
const DefaultConnectTimeout = 5 * time.Second

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no connection was attempted yet.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates automatic reconnection is in progress.
	StateReconnecting

	// StateFailed indicates the last explicit connect attempt failed.
	StateFailed

	// StateClosed indicates the manager has been closed.
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
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type ConnectFunc func(ctx context.Context) error

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds each attempt. Zero uses DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Backoff configures reconnect delays. Zero values use the defaults.
	Backoff BackoffConfig

	// DisableAutoReconnect stops the manager from retrying lost connections.
	DisableAutoReconnect bool
}

// attempt is one in-flight connect shared by all concurrent callers.
type attempt struct {
	done chan struct{}
	err  error
}

// Manager manages connection lifecycle with automatic reconnection.
type Manager struct {
	mu sync.RWMutex

	state   State
	lastErr error
	pending *attempt

	backoff        *Backoff
	connectFn      ConnectFunc
	connectTimeout time.Duration
	autoReconnect  bool

	// Context for cancellation of background work
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectCh chan struct{}

	// Callbacks
	onStateChange  func(oldState, newState State)
	onReconnecting func(attempt int, delay time.Duration)
}

// NewManager creates a new connection manager with default options.
func NewManager(connectFn ConnectFunc) *Manager {
	return NewManagerWithOptions(connectFn, Options{})
}

// NewManagerWithOptions creates a connection manager.
// The reconnect loop is started immediately and stopped by Close.
func NewManagerWithOptions(connectFn ConnectFunc, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	m := &Manager{
		state:          StateDisconnected,
		backoff:        NewBackoffWithConfig(opts.Backoff),
		connectFn:      connectFn,
		connectTimeout: opts.ConnectTimeout,
		autoReconnect:  !opts.DisableAutoReconnect,
		ctx:            ctx,
		cancel:         cancel,
		reconnectCh:    make(chan struct{}, 1),
	}
	m.wg.Add(1)
	go m.reconnectLoop()
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error of the most recent failed attempt.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
}

// Connect establishes the connection. It returns nil at once when already
// connected, and joins the in-flight attempt when one is running. While a
// reconnect is pending it triggers an immediate attempt.
//
// ctx only bounds how long this caller waits; the attempt itself is bounded
// by the connect timeout and continues for other waiters.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	}

	a := m.pending
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		m.pending = a
		old := m.state
		if old != StateReconnecting {
			m.state = StateConnecting
		}
		m.mu.Unlock()
		if old != StateReconnecting {
			m.notify(old, StateConnecting)
		}
		go m.run(a, old == StateReconnecting)
	} else {
		m.mu.Unlock()
	}

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run performs one attempt and publishes its result.
func (m *Manager) run(a *attempt, reconnecting bool) {
	ctx, cancel := context.WithTimeout(m.ctx, m.connectTimeout)
	err := m.connectFn(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w after %s: %w", ErrConnectTimeout, m.connectTimeout, err)
	}
	cancel()

	m.mu.Lock()
	old := m.state
	m.pending = nil
	a.err = err
	switch {
	case old == StateClosed:
		if err == nil {
			a.err = ErrConnectionClosed
		}
	case err == nil:
		m.state = StateConnected
		m.lastErr = nil
		m.backoff.Reset()
	case reconnecting:
		m.lastErr = err
	default:
		m.state = StateFailed
		m.lastErr = err
	}
	newState := m.state
	m.mu.Unlock()

	close(a.done)
	if newState != old {
		m.notify(old, newState)
	}
}

// Disconnect tears the connection down. If autoReconnect is enabled,
// reconnection will be attempted.
func (m *Manager) Disconnect() {
	m.NotifyConnectionLost()
}

// NotifyConnectionLost should be called when a connection loss is detected.
// This triggers automatic reconnection if enabled.
func (m *Manager) NotifyConnectionLost() {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	oldState := m.state
	autoReconnect := m.autoReconnect

	if autoReconnect {
		m.state = StateReconnecting
	} else {
		m.state = StateDisconnected
	}
	newState := m.state
	m.mu.Unlock()

	m.notify(oldState, newState)

	if autoReconnect {
		m.triggerReconnect()
	}
}

// Close shuts down the connection manager.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}

	oldState := m.state
	m.state = StateClosed
	m.mu.Unlock()

	m.notify(oldState, StateClosed)

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) notify(oldState, newState State) {
	m.mu.RLock()
	fn := m.onStateChange
	m.mu.RUnlock()
	if fn != nil {
		fn(oldState, newState)
	}
}

// triggerReconnect signals that reconnection should be attempted.
func (m *Manager) triggerReconnect() {
	select {
	case m.reconnectCh <- struct{}{}:
	default:
		// Already pending
	}
}

// reconnectLoop runs in a goroutine and handles reconnection attempts.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.reconnectCh:
			m.attemptReconnect()
		}
	}
}

// attemptReconnect retries with backoff until connected or closed.
func (m *Manager) attemptReconnect() {
	for {
		if m.State() != StateReconnecting {
			return
		}

		delay := m.backoff.Next()
		attempts := m.backoff.Attempts()

		m.mu.RLock()
		onReconnecting := m.onReconnecting
		m.mu.RUnlock()
		if onReconnecting != nil {
			onReconnecting(attempts, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Errors are recorded in lastErr and retried on the next round.
		_ = m.Connect(m.ctx)
	}
}

// OnStateChange sets a callback for state changes. It runs on the goroutine
// that caused the transition and must not block.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnReconnecting sets a callback for reconnection attempts.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnecting = fn
}

// BackoffAttempts returns the current number of reconnection attempts.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
