package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nagriksetu/nagriksetu/pkg/audio"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
)

// Manager runs at most one [Session] at a time. Starting a new session first
// stops the active one, so two sessions never share the microphone.
// All exported methods are safe for concurrent use.
type Manager struct {
	provider live.Provider
	device   audio.Device
	base     Config

	mu     sync.Mutex
	active *Session
	closed bool
}

// NewManager returns a Manager that opens sessions on provider and device.
// base supplies the defaults for every session; per-session overrides are
// applied by the function passed to Start.
func NewManager(provider live.Provider, device audio.Device, base Config) *Manager {
	return &Manager{provider: provider, device: device, base: base}
}

// Start stops the active session, if any, then starts a new one. configure,
// if non-nil, may adjust the session's copy of the base Config. On failure
// the returned session is in StateError and is not retained as active.
func (m *Manager) Start(ctx context.Context, configure func(*Config)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("voice: manager closed")
	}
	if m.active != nil {
		prev := m.active
		m.active = nil
		if err := prev.Stop(); err != nil {
			slog.Warn("voice: stop previous session", "session_id", prev.ID(), "err", err)
		}
	}

	cfg := m.base
	if configure != nil {
		configure(&cfg)
	}
	sess := New(m.provider, m.device, cfg)
	if err := sess.Start(ctx); err != nil {
		return sess, err
	}
	m.active = sess
	return sess, nil
}

// Active returns the running session, or nil. A session that ended on its
// own is no longer reported as active.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.State().Terminal() {
		m.active = nil
	}
	return m.active
}

// Stop ends the active session. It is a no-op when none is running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	err := m.active.Stop()
	m.active = nil
	return err
}

// Close stops the active session and rejects further Starts.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Stop()
}
