package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nagriksetu/nagriksetu/internal/voice"
	"github.com/nagriksetu/nagriksetu/pkg/audio"
)

// ErrNoLiveProvider is returned by [App.NewSessionManager] when no realtime
// provider is configured.
var ErrNoLiveProvider = errors.New("app: no live provider configured")

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier of the voice session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// Device names the audio endpoints, e.g. "device" or "in.wav -> out.wav".
	Device string
}

// SessionManager runs local voice sessions on one audio device, one at a
// time. Completed turns are persisted and forwarded to OnTurn.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mgr    *voice.Manager
	record func(ctx context.Context, sessionID string, t voice.Turn)
	device string
	log    *slog.Logger

	// OnTurn, if set, is called after each turn is recorded.
	OnTurn func(sessionID string, t voice.Turn)

	mu   sync.Mutex
	sess *voice.Session
	info SessionInfo
}

// NewSessionManager returns a SessionManager that plays through dev.
// deviceName is only used for logging and [SessionManager.Info].
func (a *App) NewSessionManager(dev audio.Device, deviceName string) (*SessionManager, error) {
	if a.providers.Live == nil {
		return nil, ErrNoLiveProvider
	}
	return &SessionManager{
		mgr:    voice.NewManager(a.providers.Live, dev, a.voiceConfig()),
		record: a.RecordTurn,
		device: deviceName,
		log:    a.log,
	}, nil
}

// Start stops the active session, if any, and starts a new one. It blocks
// until the session is open or failed to open.
func (sm *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	// Turns can only complete after Start returned the session.
	idc := make(chan string, 1)
	sessionID := sync.OnceValue(func() string { return <-idc })
	sess, err := sm.mgr.Start(ctx, func(cfg *voice.Config) {
		cfg.OnTurn = func(t voice.Turn) { sm.handleTurn(ctx, sessionID(), t) }
		cfg.OnStateChange = func(state voice.State, err error) {
			if err != nil {
				sm.log.Warn("voice session state", "state", state.String(), "err", err)
				return
			}
			sm.log.Info("voice session state", "state", state.String())
		}
	})
	if sess != nil {
		idc <- sess.ID()
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: start voice session: %w", err)
	}

	info := SessionInfo{SessionID: sess.ID(), StartedAt: time.Now().UTC(), Device: sm.device}
	sm.mu.Lock()
	sm.sess, sm.info = sess, info
	sm.mu.Unlock()

	sm.log.Info("voice session started", "session_id", info.SessionID, "device", info.Device)
	return info, nil
}

func (sm *SessionManager) handleTurn(ctx context.Context, id string, t voice.Turn) {
	sm.record(context.WithoutCancel(ctx), id, t)
	if sm.OnTurn != nil {
		sm.OnTurn(id, t)
	}
}

// Wait blocks until the active session ends or ctx is done. It returns the
// session's failure cause, or nil after a clean close.
func (sm *SessionManager) Wait(ctx context.Context) error {
	sm.mu.Lock()
	sess := sm.sess
	sm.mu.Unlock()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.Done():
		return sess.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the active session. It is a no-op when none is running.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	sess := sm.sess
	sm.sess = nil
	sm.mu.Unlock()
	if sess == nil {
		return nil
	}
	err := sm.mgr.Stop()
	<-sess.Done()
	sm.log.Info("voice session stopped", "session_id", sess.ID())
	return err
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	return sm.mgr.Active() != nil
}

// Info returns metadata of the most recently started session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Close stops the active session and rejects further starts.
func (sm *SessionManager) Close() error {
	err := sm.Stop()
	return errors.Join(err, sm.mgr.Close())
}
