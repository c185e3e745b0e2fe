// Package castsession launches receiver applications over a Cast v2
// connection and exposes them as router sessions.
package castsession

import (
	"io"
	"log/slog"
	"slices"
	"time"

	"go2tv.app/cast-router/internal/adapters"
	"go2tv.app/cast-router/internal/router"
	"go2tv.app/go2tv/v2/castprotocol"
)

const (
	DefaultLaunchTimeout     = 20 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

type Config struct {
	Logger *slog.Logger
	Conns  adapters.CastConnFactory
	// Post runs fn on the goroutine that owns the Manager. It reports false
	// once that goroutine has stopped.
	Post func(fn func()) bool

	LaunchTimeout     time.Duration
	HeartbeatInterval time.Duration
	Retry             RetryPolicy
	Now               func() time.Time
}

// Manager owns at most one Session at a time and reports its lifecycle to
// router.SessionManagerListener values. Like the router types it is driven
// from a single goroutine.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	current   *Session
	listeners []router.SessionManagerListener
}

var _ router.SessionManager = (*Manager)(nil)

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

func (m *Manager) AddSessionManagerListener(l router.SessionManagerListener) {
	if !slices.Contains(m.listeners, l) {
		m.listeners = append(m.listeners, l)
	}
}

func (m *Manager) RemoveSessionManagerListener(l router.SessionManagerListener) {
	if idx := slices.Index(m.listeners, l); idx >= 0 {
		m.listeners = slices.Delete(m.listeners, idx, idx+1)
	}
}

func (m *Manager) CurrentSession() router.Session {
	if m.current == nil {
		return nil
	}
	return m.current
}

// StartSession launches appID on sink, ending the current session first.
func (m *Manager) StartSession(sink router.Sink, appID string) {
	if previous := m.current; previous != nil {
		m.endSession(previous, true, nil)
	}

	s := newSession(m, sink, appID)
	m.current = s
	m.logger.Info("cast_session_starting", "sink_id", sink.ID, "app_id", appID)
	m.notify(func(l router.SessionManagerListener) { l.OnSessionStarting(s) })
	if m.current != s {
		return
	}
	s.dial(false)
}

func (m *Manager) EndCurrentSession(stopCasting bool) {
	if m.current == nil {
		return
	}
	m.endSession(m.current, stopCasting, nil)
}

// SelectDefaultRoute returns playback to the local device. Nothing is cast
// locally, so only the selection is logged.
func (m *Manager) SelectDefaultRoute() {
	m.logger.Debug("cast_default_route_selected")
}

// Close ends the current session without stopping the receiver application.
func (m *Manager) Close() {
	if m.current != nil {
		m.endSession(m.current, false, nil)
	}
}

// Status describes the current session for diagnostics.
type Status struct {
	SessionID   string
	SinkID      string
	AppID       string
	State       string
	StatusText  string
	Media       castprotocol.CastStatus
	MediaLoaded bool
}

func (m *Manager) Status() (Status, bool) {
	s := m.current
	if s == nil {
		return Status{}, false
	}
	media, loaded := s.media.Snapshot()
	return Status{
		SessionID:   s.sessionID,
		SinkID:      s.sink.ID,
		AppID:       s.appID,
		State:       s.state.String(),
		StatusText:  s.statusText,
		Media:       media,
		MediaLoaded: loaded,
	}, true
}

func (m *Manager) endSession(s *Session, stopCasting bool, err error) {
	if s.state == stateEnded {
		return
	}
	m.notify(func(l router.SessionManagerListener) { l.OnSessionEnding(s) })
	if s.state == stateEnded {
		return
	}

	if s.state == stateConnected {
		if stopCasting && s.sessionID != "" {
			if sendErr := s.sendControl(receiverID, namespaceReceiver, controlMessage{Type: "STOP", SessionID: s.sessionID}); sendErr != nil {
				m.logger.Warn("cast_stop_failed", "session_id", s.sessionID, "error", sendErr)
			}
		}
		_ = s.sendControl(s.meta.TransportID, namespaceConnection, controlMessage{Type: "CLOSE"})
	}
	if s.conn != nil {
		_ = s.sendControl(receiverID, namespaceConnection, controlMessage{Type: "CLOSE"})
	}
	s.teardown()
	if m.current == s {
		m.current = nil
	}
	m.logger.Info("cast_session_ended", "session_id", s.sessionID, "stopped", stopCasting)
	m.notify(func(l router.SessionManagerListener) { l.OnSessionEnded(s, err) })
}

func (m *Manager) startFailed(s *Session, err error) {
	s.teardown()
	if m.current == s {
		m.current = nil
	}
	m.logger.Warn("cast_session_start_failed", "sink_id", s.sink.ID, "error", err)
	m.notify(func(l router.SessionManagerListener) { l.OnSessionStartFailed(s, err) })
}

func (m *Manager) resumeFailed(s *Session, err error) {
	s.teardown()
	if m.current == s {
		m.current = nil
	}
	m.logger.Warn("cast_session_resume_failed", "session_id", s.sessionID, "error", err)
	m.notify(func(l router.SessionManagerListener) { l.OnSessionResumeFailed(s, err) })
	m.notify(func(l router.SessionManagerListener) { l.OnSessionEnded(s, err) })
}

// notify calls fn for every listener, skipping listeners removed by an
// earlier call.
func (m *Manager) notify(fn func(router.SessionManagerListener)) {
	for _, l := range slices.Clone(m.listeners) {
		if slices.Contains(m.listeners, l) {
			fn(l)
		}
	}
}

func (m *Manager) post(fn func()) bool {
	if m.cfg.Post == nil {
		return false
	}
	return m.cfg.Post(fn)
}
