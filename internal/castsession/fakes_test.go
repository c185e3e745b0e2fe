package castsession

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go2tv.app/cast-router/internal/adapters"
	"go2tv.app/cast-router/internal/eventloop"
	"go2tv.app/cast-router/internal/router"
)

const testAppID = "CC1AD845"

var testSink = router.Sink{ID: "sink-1", Name: "Living Room", Address: "192.168.1.20:8009", Capabilities: router.CapabilityAudioOut | router.CapabilityVideoOut}

type sentFrame struct {
	source      string
	destination string
	namespace   string
	payload     string
}

func (f sentFrame) kind() string {
	return gjson.Get(f.payload, "type").String()
}

type fakeConn struct {
	connectErr error

	mu        sync.Mutex
	host      string
	port      int
	sent      []sentFrame
	closed    bool
	messages  chan adapters.CastMessage
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan adapters.CastMessage, 16)}
}

func (c *fakeConn) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host, c.port = host, port
	return c.connectErr
}

func (c *fakeConn) Send(sourceID, destinationID, namespace string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("use of closed connection")
	}
	c.sent = append(c.sent, sentFrame{source: sourceID, destination: destinationID, namespace: namespace, payload: string(payload)})
	return nil
}

func (c *fakeConn) Messages() <-chan adapters.CastMessage { return c.messages }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.messages) })
	return nil
}

func (c *fakeConn) frames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

func (c *fakeConn) endpoint() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host, c.port
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lastOfKind returns the most recent frame of the given message type.
func (c *fakeConn) lastOfKind(kind string) (sentFrame, bool) {
	frames := c.frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].kind() == kind {
			return frames[i], true
		}
	}
	return sentFrame{}, false
}

func (c *fakeConn) receive(namespace, source, payload string) {
	c.messages <- adapters.CastMessage{SourceID: source, DestinationID: senderID, Namespace: namespace, Payload: payload}
}

type fakeConnFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	made  []*fakeConn
}

func (f *fakeConnFactory) NewCastConn() adapters.CastConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var conn *fakeConn
	if len(f.conns) > 0 {
		conn, f.conns = f.conns[0], f.conns[1:]
	} else {
		conn = newFakeConn()
	}
	f.made = append(f.made, conn)
	return conn
}

func (f *fakeConnFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.made) {
		return nil
	}
	return f.made[i]
}

type recordingListener struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *recordingListener) record(event string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func (l *recordingListener) OnSessionStarting(router.Session) { l.record("starting", nil) }
func (l *recordingListener) OnSessionStarted(_ router.Session, id string) {
	l.record("started:"+id, nil)
}
func (l *recordingListener) OnSessionStartFailed(_ router.Session, err error) {
	l.record("start_failed", err)
}
func (l *recordingListener) OnSessionEnding(router.Session) { l.record("ending", nil) }
func (l *recordingListener) OnSessionEnded(_ router.Session, err error) {
	l.record("ended", err)
}
func (l *recordingListener) OnSessionResuming(_ router.Session, id string) {
	l.record("resuming:"+id, nil)
}
func (l *recordingListener) OnSessionResumed(router.Session, bool) { l.record("resumed", nil) }
func (l *recordingListener) OnSessionResumeFailed(_ router.Session, err error) {
	l.record("resume_failed", err)
}
func (l *recordingListener) OnSessionSuspended(router.Session, int) { l.record("suspended", nil) }

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) lastErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil
	}
	return l.errs[len(l.errs)-1]
}

type testHarness struct {
	loop     *eventloop.Loop
	factory  *fakeConnFactory
	manager  *Manager
	listener *recordingListener
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	h := &testHarness{
		loop:     eventloop.New(nil),
		factory:  &fakeConnFactory{},
		listener: &recordingListener{},
	}
	t.Cleanup(h.loop.Close)

	cfg.Conns = h.factory
	cfg.Post = h.loop.Post
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = RetryPolicy{Attempts: 1, BaseBackoff: time.Millisecond}
	}
	h.manager = NewManager(cfg)
	h.do(t, func() { h.manager.AddSessionManagerListener(h.listener) })
	t.Cleanup(func() { _ = h.loop.Do(context.Background(), h.manager.Close) })
	return h
}

// do runs fn on the loop and waits for it.
func (h *testHarness) do(t *testing.T, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.loop.Do(ctx, fn))
}

func (h *testHarness) waitForEvent(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, got := range h.listener.snapshot() {
			if got == event {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "event %q never arrived, got %v", event, h.listener.snapshot())
}

func (h *testHarness) waitForFrame(t *testing.T, conn *fakeConn, kind string) sentFrame {
	t.Helper()
	var frame sentFrame
	require.Eventually(t, func() bool {
		var ok bool
		frame, ok = conn.lastOfKind(kind)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "frame %q never sent", kind)
	return frame
}

func (h *testHarness) waitForConn(t *testing.T, i int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool { return h.factory.conn(i) != nil }, 2*time.Second, 5*time.Millisecond)
	return h.factory.conn(i)
}

// launched starts a session and answers the LAUNCH request with a running
// application.
func (h *testHarness) launched(t *testing.T, sessionID string, namespaces ...string) (*Session, *fakeConn) {
	t.Helper()
	h.do(t, func() { h.manager.StartSession(testSink, testAppID) })
	conn := h.waitForConn(t, 0)
	h.waitForFrame(t, conn, "LAUNCH")
	conn.receive(namespaceReceiver, receiverID, receiverStatusPayload(sessionID, 0.5, false, namespaces...))
	h.waitForEvent(t, "started:"+sessionID)

	var s *Session
	h.do(t, func() { s = h.manager.current })
	require.NotNil(t, s)
	return s, conn
}

func receiverStatusPayload(sessionID string, level float64, muted bool, namespaces ...string) string {
	ns := ""
	for i, name := range namespaces {
		if i > 0 {
			ns += ","
		}
		ns += fmt.Sprintf(`{"name":%q}`, name)
	}
	app := ""
	if sessionID != "" {
		app = fmt.Sprintf(`{"appId":%q,"displayName":"Default Media Receiver","sessionId":%q,"transportId":"transport-%s","statusText":"Ready To Cast","namespaces":[%s]}`,
			testAppID, sessionID, sessionID, ns)
	}
	return fmt.Sprintf(`{"type":"RECEIVER_STATUS","requestId":1,"status":{"applications":[%s],"isActiveInput":true,"volume":{"level":%g,"muted":%t}}}`,
		app, level, muted)
}
