package router

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

const testAppID = "CC1AD845"

func testSource(clientID string, policy AutoJoinPolicy) string {
	id := "cast:" + testAppID + "?clientId=" + clientID
	if policy != "" {
		id += "&autoJoinPolicy=" + string(policy)
	}
	return id
}

var testSink = Sink{ID: "sink-1", Name: "Living Room", Address: "192.168.1.20:8009", Capabilities: CapabilityAudioOut | CapabilityVideoOut}

type sentCastMessage struct {
	namespace string
	message   string
}

type fakeMedia struct {
	received []string
	status   json.RawMessage
}

func (m *fakeMedia) OnMessageReceived(namespace, message string) {
	m.received = append(m.received, message)
}

func (m *fakeMedia) MediaStatus() json.RawMessage { return m.status }

type fakeSession struct {
	id          string
	connected   bool
	device      Sink
	meta        *ApplicationMetadata
	status      string
	volume      float64
	muted       bool
	activeInput ActiveInputState
	media       *fakeMedia

	sendErr   error
	sent      []sentCastMessage
	volumes   []float64
	mutes     []bool
	callbacks map[string]MessageReceivedFunc
	listeners []SessionListener
}

func newFakeSession(id string, namespaces ...string) *fakeSession {
	return &fakeSession{
		id:          id,
		connected:   true,
		device:      testSink,
		meta:        &ApplicationMetadata{AppID: testAppID, DisplayName: "Default Media Receiver", TransportID: "transport-" + id, Namespaces: namespaces},
		status:      "Ready To Cast",
		volume:      0.5,
		activeInput: ActiveInputUnknown,
		media:       &fakeMedia{},
		callbacks:   map[string]MessageReceivedFunc{},
	}
}

func (s *fakeSession) SessionID() string                         { return s.id }
func (s *fakeSession) IsConnected() bool                         { return s.connected }
func (s *fakeSession) Device() Sink                              { return s.device }
func (s *fakeSession) ApplicationMetadata() *ApplicationMetadata { return s.meta }
func (s *fakeSession) ApplicationStatus() string                 { return s.status }
func (s *fakeSession) Volume() float64                           { return s.volume }
func (s *fakeSession) IsMute() bool                              { return s.muted }
func (s *fakeSession) ActiveInputState() ActiveInputState        { return s.activeInput }

func (s *fakeSession) SetVolume(level float64) error {
	s.volumes = append(s.volumes, level)
	return nil
}

func (s *fakeSession) SetMute(muted bool) error {
	s.mutes = append(s.mutes, muted)
	return nil
}

func (s *fakeSession) SendMessage(namespace, message string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentCastMessage{namespace: namespace, message: message})
	return nil
}

func (s *fakeSession) SetMessageReceivedCallback(namespace string, fn MessageReceivedFunc) {
	s.callbacks[namespace] = fn
}

func (s *fakeSession) RemoveMessageReceivedCallback(namespace string) {
	delete(s.callbacks, namespace)
}

func (s *fakeSession) AddListener(l SessionListener) {
	s.listeners = append(s.listeners, l)
}

func (s *fakeSession) RemoveListener(l SessionListener) {
	if idx := slices.Index(s.listeners, l); idx >= 0 {
		s.listeners = slices.Delete(s.listeners, idx, idx+1)
	}
}

func (s *fakeSession) RemoteMedia() RemoteMediaClient {
	if s.media == nil {
		return nil
	}
	return s.media
}

// deliver simulates the receiver sending message on namespace.
func (s *fakeSession) deliver(t *testing.T, namespace, message string) {
	t.Helper()
	fn, ok := s.callbacks[namespace]
	require.True(t, ok, "no callback for %s", namespace)
	fn(s.device, namespace, message)
}

type startCall struct {
	sink  Sink
	appID string
}

type fakeSessionManager struct {
	listeners     []SessionManagerListener
	current       Session
	starts        []startCall
	ends          []bool
	defaultRoutes int
}

func (m *fakeSessionManager) AddSessionManagerListener(l SessionManagerListener) {
	m.listeners = append(m.listeners, l)
}

func (m *fakeSessionManager) RemoveSessionManagerListener(l SessionManagerListener) {
	if idx := slices.Index(m.listeners, l); idx >= 0 {
		m.listeners = slices.Delete(m.listeners, idx, idx+1)
	}
}

func (m *fakeSessionManager) CurrentSession() Session { return m.current }

func (m *fakeSessionManager) StartSession(sink Sink, appID string) {
	m.starts = append(m.starts, startCall{sink: sink, appID: appID})
}

func (m *fakeSessionManager) EndCurrentSession(stopCasting bool) {
	m.ends = append(m.ends, stopCasting)
}

func (m *fakeSessionManager) SelectDefaultRoute() { m.defaultRoutes++ }

type createdRoute struct {
	routeID         string
	sinkID          string
	nativeRequestID int
	local           bool
}

type closedRoute struct {
	routeID string
	errMsg  string
}

type requestError struct {
	reason          string
	nativeRequestID int
}

type routeMessage struct {
	routeID string
	message string
}

type fakeRouteManager struct {
	sinks        map[string][]Sink
	created      []createdRoute
	closed       []closedRoute
	terminated   []string
	createErrors []requestError
	joinErrors   []requestError
	messages     []routeMessage
}

func newFakeRouteManager() *fakeRouteManager {
	return &fakeRouteManager{sinks: map[string][]Sink{}}
}

func (m *fakeRouteManager) OnSinksReceived(sourceID string, provider RouteProvider, sinks []Sink) {
	m.sinks[sourceID] = sinks
}

func (m *fakeRouteManager) OnRouteCreated(routeID, sinkID string, nativeRequestID int, provider RouteProvider, isLocal bool) {
	m.created = append(m.created, createdRoute{routeID: routeID, sinkID: sinkID, nativeRequestID: nativeRequestID, local: isLocal})
}

func (m *fakeRouteManager) OnRouteClosed(routeID, errMsg string) {
	m.closed = append(m.closed, closedRoute{routeID: routeID, errMsg: errMsg})
}

func (m *fakeRouteManager) OnRouteTerminated(routeID string) {
	m.terminated = append(m.terminated, routeID)
}

func (m *fakeRouteManager) OnCreateRouteRequestError(reason string, nativeRequestID int) {
	m.createErrors = append(m.createErrors, requestError{reason: reason, nativeRequestID: nativeRequestID})
}

func (m *fakeRouteManager) OnJoinRouteRequestError(reason string, nativeRequestID int) {
	m.joinErrors = append(m.joinErrors, requestError{reason: reason, nativeRequestID: nativeRequestID})
}

func (m *fakeRouteManager) OnMessage(routeID, message string) {
	m.messages = append(m.messages, routeMessage{routeID: routeID, message: message})
}

// messagesFor decodes every client message delivered to routeID.
func (m *fakeRouteManager) messagesFor(t *testing.T, routeID string) []decodedMessage {
	t.Helper()
	var out []decodedMessage
	for _, msg := range m.messages {
		if msg.routeID == routeID {
			out = append(out, decodeClientMessage(t, msg.message))
		}
	}
	return out
}

type decodedMessage struct {
	Type           string          `json:"type"`
	SequenceNumber int             `json:"sequenceNumber"`
	TimeoutMillis  int             `json:"timeoutMillis"`
	ClientID       string          `json:"clientId"`
	Message        json.RawMessage `json:"message"`
}

func decodeClientMessage(t *testing.T, raw string) decodedMessage {
	t.Helper()
	var msg decodedMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func messageTypes(msgs []decodedMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

type fakeDiscovery struct {
	sinks []Sink
	err   error
}

func (d *fakeDiscovery) DiscoverSinks(ctx context.Context) ([]Sink, error) {
	return d.sinks, d.err
}

var errSendFailed = errors.New("send failed")

var nan = math.NaN()

type testEnv struct {
	provider *Provider
	sessions *fakeSessionManager
	routes   *fakeRouteManager
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions: &fakeSessionManager{},
		routes:   newFakeRouteManager(),
	}
	env.provider = NewProvider(env.sessions, env.routes, cfg)
	env.provider.UpdateSinks([]Sink{testSink})
	return env
}

// launch creates a route for sourceID and completes the session start with s.
// It returns the id of the new route.
func (e *testEnv) launch(t *testing.T, sourceID string, s *fakeSession, origin string, tabID, nativeRequestID int) string {
	t.Helper()
	e.provider.CreateRoute(sourceID, testSink.ID, "pres-1", origin, tabID, false, nativeRequestID)
	require.NotNil(t, e.provider.PendingCreateRouteRequestInfo())
	e.sessions.current = s
	e.provider.OnSessionStarted(s, s.id)
	require.Nil(t, e.provider.PendingCreateRouteRequestInfo())
	routes := e.provider.Routes()
	require.NotEmpty(t, routes)
	return routes[len(routes)-1].ID
}

// connect sends client_connect for clientID and drops the messages it produced.
func (e *testEnv) connect(t *testing.T, clientID string) {
	t.Helper()
	require.True(t, e.provider.MessageHandler().HandleMessageFromClient(`{"type":"client_connect","clientId":"`+clientID+`"}`))
	e.routes.messages = nil
}
