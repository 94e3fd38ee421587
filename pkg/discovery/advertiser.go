package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Advertiser announces a gateway.
//
//go:generate mockery --name Advertiser
type Advertiser interface {
	// Advertise starts announcing the gateway, replacing any previous
	// announcement.
	Advertise(ctx context.Context, info *GatewayInfo) error

	// Update replaces the TXT record of the running announcement.
	Update(info *GatewayInfo) error

	// Stop withdraws the announcement.
	Stop() error
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface restricts the announcement to one network interface. Empty
	// means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// Manager keeps a gateway announcement in step with the gateway: it starts
// and stops the advertiser and republishes the TXT record when the PV count
// changes.
type Manager struct {
	advertiser Advertiser
	slog       *slog.Logger

	mu            sync.Mutex
	state         ManagerState
	info          GatewayInfo
	onStateChange func(old, new ManagerState)
}

// NewManager creates a manager around advertiser.
func NewManager(advertiser Advertiser, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{advertiser: advertiser, slog: logger}
}

// State returns the current state.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a callback for state transitions.
func (m *Manager) OnStateChange(fn func(old, new ManagerState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Start begins advertising info.
func (m *Manager) Start(ctx context.Context, info GatewayInfo) error {
	if err := ValidateInstanceName(info.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.advertiser.Advertise(ctx, &info); err != nil {
		return err
	}
	m.info = info
	m.setState(StateAdvertising)
	m.slog.Info("advertising gateway", "name", info.Name, "port", info.Port)
	return nil
}

// SetPVCount republishes the announcement with a new PV count.
func (m *Manager) SetPVCount(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAdvertising {
		return ErrNotAdvertising
	}
	if m.info.PVCount == n {
		return nil
	}
	info := m.info
	info.PVCount = n
	if err := m.advertiser.Update(&info); err != nil {
		return err
	}
	m.info = info
	return nil
}

// Stop withdraws the announcement. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return nil
	}
	err := m.advertiser.Stop()
	m.setState(StateStopped)
	return err
}

func (m *Manager) setState(s ManagerState) {
	old := m.state
	m.state = s
	if old != s && m.onStateChange != nil {
		m.onStateChange(old, s)
	}
}
