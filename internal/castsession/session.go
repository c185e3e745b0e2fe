package castsession

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go2tv.app/cast-router/internal/adapters"
	"go2tv.app/cast-router/internal/router"
)

var (
	ErrNotConnected   = errors.New("cast session is not connected")
	ErrLaunchTimeout  = errors.New("launch timeout")
	ErrConnectionLost = errors.New("cast connection lost")
	ErrSessionGone    = errors.New("receiver application is no longer running")
)

// SuspendReasonNetworkLost is reported to OnSessionSuspended when the
// connection to the receiver drops.
const SuspendReasonNetworkLost = 2

type sessionState int

const (
	stateConnecting sessionState = iota
	stateLaunching
	stateConnected
	stateResuming
	stateEnded
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateLaunching:
		return "launching"
	case stateConnected:
		return "connected"
	case stateResuming:
		return "resuming"
	default:
		return "ended"
	}
}

// Session is one receiver application launched by a Manager. Every method
// must be called on the manager's event loop.
type Session struct {
	m     *Manager
	sink  router.Sink
	appID string

	state sessionState
	gen   int
	conn  adapters.CastConn
	life  context.Context
	stop  context.CancelFunc

	launchTimer *time.Timer
	lastSeen    time.Time
	requestID   int

	sessionID   string
	meta        router.ApplicationMetadata
	statusText  string
	volume      float64
	muted       bool
	activeInput router.ActiveInputState
	media       *mediaTracker

	callbacks map[string]router.MessageReceivedFunc
	listeners []router.SessionListener
}

var _ router.Session = (*Session)(nil)

func newSession(m *Manager, sink router.Sink, appID string) *Session {
	return &Session{
		m:           m,
		sink:        sink,
		appID:       appID,
		volume:      math.NaN(),
		activeInput: router.ActiveInputUnknown,
		media:       &mediaTracker{},
		callbacks:   map[string]router.MessageReceivedFunc{},
	}
}

func (s *Session) SessionID() string { return s.sessionID }

func (s *Session) IsConnected() bool { return s.state == stateConnected }

func (s *Session) Device() router.Sink { return s.sink }

func (s *Session) ApplicationMetadata() *router.ApplicationMetadata {
	if s.meta.AppID == "" {
		return nil
	}
	meta := s.meta
	meta.Namespaces = slices.Clone(s.meta.Namespaces)
	return &meta
}

func (s *Session) ApplicationStatus() string { return s.statusText }

func (s *Session) Volume() float64 { return s.volume }

func (s *Session) IsMute() bool { return s.muted }

func (s *Session) ActiveInputState() router.ActiveInputState { return s.activeInput }

func (s *Session) SetVolume(level float64) error {
	return s.sendReceiver(controlMessage{Type: "SET_VOLUME", Volume: volumeLevel{Level: level}})
}

func (s *Session) SetMute(muted bool) error {
	return s.sendReceiver(controlMessage{Type: "SET_VOLUME", Volume: volumeMuted{Muted: muted}})
}

// SendMessage sends message to the receiver application on namespace.
func (s *Session) SendMessage(namespace, message string) error {
	if s.state != stateConnected {
		return ErrNotConnected
	}
	if err := s.conn.Send(senderID, s.meta.TransportID, namespace, []byte(message)); err != nil {
		return fmt.Errorf("send on %s: %w", namespace, err)
	}
	return nil
}

func (s *Session) SetMessageReceivedCallback(namespace string, fn router.MessageReceivedFunc) {
	s.callbacks[namespace] = fn
}

func (s *Session) RemoveMessageReceivedCallback(namespace string) {
	delete(s.callbacks, namespace)
}

func (s *Session) AddListener(l router.SessionListener) {
	if !slices.Contains(s.listeners, l) {
		s.listeners = append(s.listeners, l)
	}
}

func (s *Session) RemoveListener(l router.SessionListener) {
	if idx := slices.Index(s.listeners, l); idx >= 0 {
		s.listeners = slices.Delete(s.listeners, idx, idx+1)
	}
}

func (s *Session) RemoteMedia() router.RemoteMediaClient { return s.media }

func (s *Session) eachListener(fn func(router.SessionListener)) {
	for _, l := range slices.Clone(s.listeners) {
		if slices.Contains(s.listeners, l) {
			fn(l)
		}
	}
}

func (s *Session) nextRequestID() int {
	s.requestID++
	return s.requestID
}

func (s *Session) sendReceiver(msg controlMessage) error {
	if s.state != stateConnected {
		return ErrNotConnected
	}
	return s.sendControl(receiverID, namespaceReceiver, msg)
}

func (s *Session) sendControl(destination, namespace string, msg controlMessage) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	if namespace == namespaceReceiver {
		msg.RequestID = s.nextRequestID()
	}
	return s.conn.Send(senderID, destination, namespace, encodeControl(msg))
}

// dial connects to the sink in the background. The result is posted back to
// the loop tagged with the new connection generation.
func (s *Session) dial(resume bool) {
	s.gen++
	gen := s.gen
	host, port, err := splitSinkAddress(s.sink.Address)
	if err != nil {
		s.m.post(func() { s.onDialed(gen, nil, resume, err) })
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.life, s.stop = ctx, cancel
	conn := s.m.cfg.Conns.NewCastConn()
	policy := s.m.cfg.Retry
	logger := s.m.logger
	timeout := s.m.cfg.LaunchTimeout

	go func() {
		dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
		defer dialCancel()
		err := withRetry(dialCtx, policy, logger, "cast_connect", func() error {
			return conn.Connect(dialCtx, host, port)
		})
		if !s.m.post(func() { s.onDialed(gen, conn, resume, err) }) {
			_ = conn.Close()
		}
	}()
}

func (s *Session) onDialed(gen int, conn adapters.CastConn, resume bool, err error) {
	if gen != s.gen || s.state == stateEnded {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		s.m.logger.Warn("cast_connect_failed", "sink_id", s.sink.ID, "resume", resume, "error", err)
		if resume {
			s.m.resumeFailed(s, err)
		} else {
			s.m.startFailed(s, err)
		}
		return
	}

	s.conn = conn
	s.lastSeen = s.m.cfg.Now()
	go s.read(gen, conn)
	go s.heartbeat(s.life, gen)

	if err := s.sendControl(receiverID, namespaceConnection, controlMessage{Type: "CONNECT"}); err != nil {
		s.onDialed(gen, nil, resume, err)
		return
	}
	var request controlMessage
	if resume {
		request = controlMessage{Type: "GET_STATUS"}
	} else {
		s.state = stateLaunching
		request = controlMessage{Type: "LAUNCH", AppID: s.appID}
	}
	if err := s.sendControl(receiverID, namespaceReceiver, request); err != nil {
		s.onDialed(gen, nil, resume, err)
		return
	}
	s.m.logger.Info("cast_connected", "sink_id", s.sink.ID, "resume", resume)

	s.launchTimer = time.AfterFunc(s.m.cfg.LaunchTimeout, func() {
		s.m.post(func() { s.onLaunchTimeout(gen) })
	})
}

func (s *Session) read(gen int, conn adapters.CastConn) {
	for msg := range conn.Messages() {
		if !s.m.post(func() { s.onFrame(gen, msg) }) {
			return
		}
	}
	s.m.post(func() { s.onConnectionLost(gen) })
}

func (s *Session) heartbeat(ctx context.Context, gen int) {
	ticker := time.NewTicker(s.m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.m.post(func() { s.onHeartbeatTick(gen) }) {
				return
			}
		}
	}
}

func (s *Session) onHeartbeatTick(gen int) {
	if gen != s.gen || s.conn == nil {
		return
	}
	if s.m.cfg.Now().Sub(s.lastSeen) > 3*s.m.cfg.HeartbeatInterval {
		s.m.logger.Warn("cast_heartbeat_missed", "sink_id", s.sink.ID)
		s.onConnectionLost(gen)
		return
	}
	_ = s.sendControl(receiverID, namespaceHeartbeat, controlMessage{Type: "PING"})
}

func (s *Session) onLaunchTimeout(gen int) {
	if gen != s.gen {
		return
	}
	switch s.state {
	case stateLaunching:
		s.m.startFailed(s, ErrLaunchTimeout)
	case stateResuming:
		s.m.resumeFailed(s, ErrLaunchTimeout)
	}
}

func (s *Session) onFrame(gen int, msg adapters.CastMessage) {
	if gen != s.gen || s.state == stateEnded {
		return
	}
	s.lastSeen = s.m.cfg.Now()
	kind := gjson.Get(msg.Payload, "type").String()

	switch msg.Namespace {
	case namespaceHeartbeat:
		if kind == "PING" {
			_ = s.sendControl(msg.SourceID, namespaceHeartbeat, controlMessage{Type: "PONG"})
		}
	case namespaceConnection:
		if kind == "CLOSE" {
			s.onRemoteClose(gen, msg.SourceID)
		}
	case namespaceReceiver:
		switch kind {
		case "RECEIVER_STATUS":
			s.onReceiverStatus(parseReceiverStatus(msg.Payload))
		case "LAUNCH_ERROR":
			if s.state == stateLaunching {
				reason := gjson.Get(msg.Payload, "reason").String()
				s.m.startFailed(s, fmt.Errorf("launch error: %s", reason))
			}
		}
	default:
		if s.state != stateConnected {
			return
		}
		if fn, ok := s.callbacks[msg.Namespace]; ok {
			fn(s.sink, msg.Namespace, msg.Payload)
		}
	}
}

func (s *Session) onRemoteClose(gen int, source string) {
	if source == receiverID {
		s.onConnectionLost(gen)
		return
	}
	if s.state == stateConnected && source == s.meta.TransportID {
		s.m.logger.Info("cast_application_closed", "session_id", s.sessionID)
		s.m.endSession(s, false, nil)
	}
}

func (s *Session) onReceiverStatus(st receiverStatus) {
	volumeChanged := !sameVolume(s.volume, st.volume) || s.muted != st.muted
	s.volume, s.muted, s.activeInput = st.volume, st.muted, st.activeInput

	switch s.state {
	case stateLaunching:
		app, ok := st.find("", s.appID)
		if !ok || app.TransportID == "" {
			return
		}
		if !s.attachApplication(app) {
			return
		}
		s.m.logger.Info("cast_session_started", "session_id", s.sessionID, "app_id", app.AppID)
		s.m.notify(func(l router.SessionManagerListener) { l.OnSessionStarted(s, s.sessionID) })

	case stateResuming:
		app, ok := st.find(s.sessionID, "")
		if !ok {
			s.m.resumeFailed(s, ErrSessionGone)
			return
		}
		if !s.attachApplication(app) {
			return
		}
		s.m.logger.Info("cast_session_resumed", "session_id", s.sessionID)
		s.m.notify(func(l router.SessionManagerListener) { l.OnSessionResumed(s, true) })

	case stateConnected:
		app, ok := st.find(s.sessionID, "")
		if !ok {
			s.m.logger.Info("cast_application_stopped", "session_id", s.sessionID)
			s.m.endSession(s, false, nil)
			return
		}
		metaChanged := app.DisplayName != s.meta.DisplayName || !slices.Equal(app.Namespaces, s.meta.Namespaces)
		statusChanged := app.StatusText != s.statusText
		s.applyApplication(app)
		if metaChanged {
			s.eachListener(func(l router.SessionListener) { l.OnApplicationMetadataChanged() })
		}
		if statusChanged {
			s.eachListener(func(l router.SessionListener) { l.OnApplicationStatusChanged() })
		}
		if volumeChanged {
			s.eachListener(func(l router.SessionListener) { l.OnVolumeChanged() })
		}
	}
}

// attachApplication opens the virtual connection to the application and
// marks the session connected.
func (s *Session) attachApplication(app appStatus) bool {
	s.applyApplication(app)
	if err := s.sendControl(s.meta.TransportID, namespaceConnection, controlMessage{Type: "CONNECT"}); err != nil {
		s.m.logger.Warn("cast_transport_connect_failed", "session_id", s.sessionID, "error", err)
		return false
	}
	s.state = stateConnected
	s.stopLaunchTimer()
	return true
}

func (s *Session) applyApplication(app appStatus) {
	s.sessionID = app.SessionID
	s.statusText = app.StatusText
	s.meta = router.ApplicationMetadata{
		AppID:       app.AppID,
		DisplayName: app.DisplayName,
		TransportID: app.TransportID,
		Namespaces:  slices.Clone(app.Namespaces),
	}
}

func (s *Session) onConnectionLost(gen int) {
	if gen != s.gen {
		return
	}
	switch s.state {
	case stateConnected:
		s.closeConn()
		s.state = stateResuming
		s.m.logger.Warn("cast_session_suspended", "session_id", s.sessionID)
		s.m.notify(func(l router.SessionManagerListener) { l.OnSessionSuspended(s, SuspendReasonNetworkLost) })
		if s.state != stateResuming {
			return
		}
		s.m.notify(func(l router.SessionManagerListener) { l.OnSessionResuming(s, s.sessionID) })
		s.dial(true)
	case stateConnecting, stateLaunching:
		s.m.startFailed(s, ErrConnectionLost)
	case stateResuming:
		s.m.resumeFailed(s, ErrConnectionLost)
	}
}

func (s *Session) stopLaunchTimer() {
	if s.launchTimer != nil {
		s.launchTimer.Stop()
		s.launchTimer = nil
	}
}

func (s *Session) closeConn() {
	s.stopLaunchTimer()
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// teardown releases the connection; later events of this session are
// ignored.
func (s *Session) teardown() {
	s.closeConn()
	s.state = stateEnded
	s.gen++
}

func sameVolume(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

func splitSinkAddress(address string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("sink address %q: %w", address, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("sink address %q: invalid port", address)
	}
	return host, port, nil
}
