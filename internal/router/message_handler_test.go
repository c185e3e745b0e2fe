package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const appNamespace = "urn:x-cast:com.example.game"

func TestClientConnectSendsNewSessionThenFlushesPending(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", MediaNamespace)
	routeID := env.launch(t, testSource("c1", OriginScoped), session, "https://a.example", 1, 1)

	record := env.provider.ClientRecord("c1")
	require.NotNil(t, record)
	require.False(t, record.Connected)
	require.Len(t, record.PendingMessages(), 1)
	assert.Empty(t, env.routes.messages)

	ok := env.provider.MessageHandler().HandleMessageFromClient(`{"type":"client_connect","clientId":"c1"}`)

	require.True(t, ok)
	assert.True(t, record.Connected)
	assert.Empty(t, record.PendingMessages())

	msgs := env.routes.messagesFor(t, routeID)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"new_session", "receiver_action"}, messageTypes(msgs))
	assert.Equal(t, VoidSequenceNumber, msgs[0].SequenceNumber)
	assert.Equal(t, "c1", msgs[0].ClientID)
	assert.Equal(t, 0, msgs[0].TimeoutMillis)
	assert.Equal(t, "sess-1", gjson.GetBytes(msgs[0].Message, "sessionId").String())
	assert.Equal(t, "cast", gjson.GetBytes(msgs[1].Message, "action").String())
}

func TestClientConnectWithoutSessionStillFlushes(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1")
	routeID := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	session.connected = false

	require.True(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"client_connect","clientId":"c1"}`))

	assert.Equal(t, []string{"receiver_action"}, messageTypes(env.routes.messagesFor(t, routeID)))
}

func TestUnknownClientFails(t *testing.T) {
	env := newTestEnv(t, Config{})
	handler := env.provider.MessageHandler()

	for _, raw := range []string{
		`{"type":"client_connect","clientId":"ghost"}`,
		`{"type":"client_disconnect","clientId":"ghost"}`,
		`{"type":"leave_session","clientId":"ghost","message":"sess-1"}`,
		`{"type":"v2_message","clientId":"ghost","message":{"type":"STOP"}}`,
	} {
		assert.False(t, handler.HandleMessageFromClient(raw), raw)
	}
	assert.Empty(t, env.sessions.ends)
}

func TestClientDisconnectRemovesRoute(t *testing.T) {
	env := newTestEnv(t, Config{})
	routeID := env.launch(t, testSource("c1", ""), newFakeSession("sess-1"), "https://a.example", 1, 1)

	require.True(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"client_disconnect","clientId":"c1"}`))

	assert.Empty(t, env.provider.Routes())
	assert.Nil(t, env.provider.ClientRecord("c1"))
	assert.Equal(t, []closedRoute{{routeID: routeID}}, env.routes.closed)
}

func TestLeaveSessionScopesRemovalByPolicy(t *testing.T) {
	cases := []struct {
		name      string
		policy    AutoJoinPolicy
		remaining []string
	}{
		{name: "tab and origin", policy: TabAndOriginScoped, remaining: []string{"other-tab", "other-origin"}},
		{name: "origin", policy: OriginScoped, remaining: []string{"other-origin"}},
		{name: "page", policy: PageScoped, remaining: []string{"leaver", "same-tab", "other-tab", "other-origin"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			session := newFakeSession("sess-1")
			env.launch(t, testSource("leaver", tc.policy), session, "https://a.example", 1, 1)
			env.provider.JoinRoute(testSource("same-tab", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 1, 2)
			env.provider.JoinRoute(testSource("other-tab", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 2, 3)
			env.provider.JoinRoute(testSource("other-origin", ""), SessionPresentationIDPrefix+"sess-1", "https://b.example", 1, 4)
			require.Len(t, env.provider.Routes(), 4)
			env.connect(t, "leaver")

			ok := env.provider.MessageHandler().HandleMessageFromClient(`{"type":"leave_session","clientId":"leaver","sequenceNumber":3,"message":"sess-1"}`)
			require.True(t, ok)

			var remaining []string
			for _, record := range env.provider.ClientRecords() {
				remaining = append(remaining, record.ClientID)
			}
			assert.Equal(t, tc.remaining, remaining)

			require.NotEmpty(t, env.routes.messages)
			ack := decodeClientMessage(t, env.routes.messages[0].message)
			assert.Equal(t, "leave_session", ack.Type)
			assert.Equal(t, 3, ack.SequenceNumber)
			assert.Equal(t, "null", string(ack.Message))
		})
	}
}

func TestLeaveSessionRequiresMatchingConnectedSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1")
	env.launch(t, testSource("c1", OriginScoped), session, "https://a.example", 1, 1)
	handler := env.provider.MessageHandler()

	assert.False(t, handler.HandleMessageFromClient(`{"type":"leave_session","clientId":"c1","message":"other"}`))

	session.connected = false
	assert.False(t, handler.HandleMessageFromClient(`{"type":"leave_session","clientId":"c1","message":"sess-1"}`))
	assert.Len(t, env.provider.Routes(), 1)
}

func TestStopRequestsAcknowledgedInOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1")
	stopper := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	env.provider.JoinRoute(testSource("c2", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 1, 2)
	env.provider.JoinRoute(testSource("c3", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 1, 3)
	routes := env.provider.Routes()
	require.Len(t, routes, 3)
	env.connect(t, "c1")
	env.connect(t, "c2")
	env.connect(t, "c3")

	handler := env.provider.MessageHandler()
	require.True(t, handler.HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":5,"message":{"type":"STOP"}}`))
	require.True(t, handler.HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":9,"message":{"type":"STOP"}}`))
	assert.Equal(t, []bool{true, true}, env.sessions.ends)
	assert.Empty(t, env.routes.messages)

	session.connected = false
	env.provider.OnSessionEnded(session, nil)

	stopperMsgs := env.routes.messagesFor(t, stopper)
	require.Len(t, stopperMsgs, 2)
	assert.Equal(t, "remove_session", stopperMsgs[0].Type)
	assert.Equal(t, 5, stopperMsgs[0].SequenceNumber)
	assert.Equal(t, 9, stopperMsgs[1].SequenceNumber)
	assert.JSONEq(t, `"sess-1"`, string(stopperMsgs[0].Message))

	for _, other := range routes[1:] {
		msgs := env.routes.messagesFor(t, other.ID)
		require.Len(t, msgs, 1)
		assert.Equal(t, "remove_session", msgs[0].Type)
		assert.Equal(t, VoidSequenceNumber, msgs[0].SequenceNumber)
	}
	assert.Len(t, env.routes.terminated, 3)
}

func TestSetVolumeDefersAckUntilVolumeChanged(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1")
	routeID := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	env.connect(t, "c1")
	handler := env.provider.MessageHandler()

	require.True(t, handler.HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":7,"message":{"type":"SET_VOLUME","volume":{"level":0.8,"muted":true}}}`))
	assert.Equal(t, []float64{0.8}, session.volumes)
	assert.Equal(t, []bool{true}, session.mutes)
	assert.Empty(t, env.routes.messages)

	session.volume, session.muted = 0.8, true
	session.listeners[0].OnVolumeChanged()

	msgs := env.routes.messagesFor(t, routeID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "update_session", msgs[0].Type)
	assert.Equal(t, "v2_message", msgs[1].Type)
	assert.Equal(t, 7, msgs[1].SequenceNumber)
	assert.Equal(t, "null", string(msgs[1].Message))

	env.routes.messages = nil
	session.listeners[0].OnVolumeChanged()
	assert.Equal(t, []string{"update_session"}, messageTypes(env.routes.messagesFor(t, routeID)))
}

func TestSetVolumeUnchangedAcksImmediately(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1")
	routeID := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	env.connect(t, "c1")

	require.True(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":3,"message":{"type":"SET_VOLUME","volume":{"level":0.5,"muted":false}}}`))

	assert.Empty(t, session.volumes)
	assert.Empty(t, session.mutes)
	msgs := env.routes.messagesFor(t, routeID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "v2_message", msgs[0].Type)
	assert.Equal(t, 3, msgs[0].SequenceNumber)
}

func TestSetVolumeUnknownCurrentLevelIsNotApplied(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1")
	session.volume = nan
	env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)

	require.True(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","message":{"type":"SET_VOLUME","volume":{"level":0.3}}}`))
	assert.Empty(t, session.volumes)
}

func TestMediaMessageRewritesOverloadedTypeAndTracksReply(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", MediaNamespace)
	requester := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	env.provider.JoinRoute(testSource("c2", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 1, 2)
	other := env.provider.Routes()[1].ID
	env.connect(t, "c1")
	env.connect(t, "c2")
	handler := env.provider.MessageHandler()

	require.True(t, handler.HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":11,"message":{"type":"STOP_MEDIA","mediaSessionId":1,"customData":null}}`))
	require.Len(t, session.sent, 1)
	sent := session.sent[0]
	assert.Equal(t, MediaNamespace, sent.namespace)
	assert.Equal(t, "STOP", gjson.Get(sent.message, "type").String())
	assert.False(t, gjson.Get(sent.message, "customData").Exists())
	requestID := gjson.Get(sent.message, "requestId").Int()
	require.NotZero(t, requestID)
	assert.Equal(t, 1, handler.PendingRequests())

	reply := `{"type":"MEDIA_STATUS","requestId":` + gjson.Get(sent.message, "requestId").Raw + `,"status":[]}`
	session.deliver(t, MediaNamespace, reply)

	requesterMsgs := env.routes.messagesFor(t, requester)
	require.Len(t, requesterMsgs, 1)
	assert.Equal(t, 11, requesterMsgs[0].SequenceNumber)
	assert.JSONEq(t, reply, string(requesterMsgs[0].Message))

	otherMsgs := env.routes.messagesFor(t, other)
	require.Len(t, otherMsgs, 1)
	assert.Equal(t, VoidSequenceNumber, otherMsgs[0].SequenceNumber)
	assert.Equal(t, 0, handler.PendingRequests())

	// The same request id is not delivered twice.
	env.routes.messages = nil
	session.deliver(t, MediaNamespace, reply)
	for _, msg := range env.routes.messages {
		assert.Equal(t, VoidSequenceNumber, decodeClientMessage(t, msg.message).SequenceNumber)
	}
	assert.Len(t, env.routes.messages, 2)
}

func TestMediaReplyThatIsNotStatusOnlyReachesRequester(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", MediaNamespace)
	requester := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	env.provider.JoinRoute(testSource("c2", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 1, 2)
	env.connect(t, "c1")
	env.connect(t, "c2")

	require.True(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":4,"message":{"type":"LOAD","requestId":77,"media":{"contentId":"http://x/a.mp4"}}}`))
	session.deliver(t, MediaNamespace, `{"type":"LOAD_FAILED","requestId":77}`)

	require.Len(t, env.routes.messages, 1)
	assert.Equal(t, requester, env.routes.messages[0].routeID)
	assert.Equal(t, 4, decodeClientMessage(t, env.routes.messages[0].message).SequenceNumber)
}

func TestMediaMessageFailsWithoutSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", MediaNamespace)
	env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	session.connected = false

	assert.False(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":1,"message":{"type":"PLAY"}}`))
	assert.Empty(t, session.sent)
	assert.Equal(t, 0, env.provider.MessageHandler().PendingRequests())
}

func TestFailedSendDropsTrackedRequest(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", MediaNamespace)
	env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	session.sendErr = errSendFailed

	assert.False(t, env.provider.MessageHandler().HandleMessageFromClient(`{"type":"v2_message","clientId":"c1","sequenceNumber":1,"message":{"type":"PAUSE"}}`))
	assert.Equal(t, 0, env.provider.MessageHandler().PendingRequests())
}

func TestAppMessageValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", appNamespace)
	env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	handler := env.provider.MessageHandler()

	assert.False(t, handler.HandleMessageFromClient(`{"type":"app_message","clientId":"c1","message":{"sessionId":"wrong","namespaceName":"`+appNamespace+`","message":"x"}}`))
	assert.False(t, handler.HandleMessageFromClient(`{"type":"app_message","clientId":"c1","message":{"sessionId":"sess-1","namespaceName":"urn:x-cast:unknown","message":"x"}}`))
	assert.Empty(t, session.sent)

	require.True(t, handler.HandleMessageFromClient(`{"type":"app_message","clientId":"c1","message":{"sessionId":"sess-1","namespaceName":"`+appNamespace+`","message":"raw text"}}`))
	require.True(t, handler.HandleMessageFromClient(`{"type":"app_message","clientId":"c1","sequenceNumber":2,"message":{"sessionId":"sess-1","namespaceName":"`+appNamespace+`","message":{"move":"e4"}}}`))

	require.Len(t, session.sent, 2)
	assert.Equal(t, sentCastMessage{namespace: appNamespace, message: "raw text"}, session.sent[0])
	assert.Equal(t, "e4", gjson.Get(session.sent[1].message, "move").String())
	assert.True(t, gjson.Get(session.sent[1].message, "requestId").Exists())
	assert.Equal(t, 1, handler.PendingRequests())
}

func TestAppReplyWrappedForRequesterOrBroadcast(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", appNamespace)
	requester := env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	env.provider.JoinRoute(testSource("c2", ""), SessionPresentationIDPrefix+"sess-1", "https://a.example", 1, 2)
	env.connect(t, "c1")
	env.connect(t, "c2")
	handler := env.provider.MessageHandler()

	require.True(t, handler.HandleMessageFromClient(`{"type":"app_message","clientId":"c1","sequenceNumber":6,"message":{"sessionId":"sess-1","namespaceName":"`+appNamespace+`","message":{"requestId":500,"move":"e4"}}}`))
	session.deliver(t, appNamespace, `{"requestId":500,"ok":true}`)

	require.Len(t, env.routes.messages, 1)
	reply := decodeClientMessage(t, env.routes.messages[0].message)
	assert.Equal(t, requester, env.routes.messages[0].routeID)
	assert.Equal(t, "app_message", reply.Type)
	assert.Equal(t, 6, reply.SequenceNumber)
	var body struct {
		SessionID     string `json:"sessionId"`
		NamespaceName string `json:"namespaceName"`
		Message       string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(reply.Message, &body))
	assert.Equal(t, "sess-1", body.SessionID)
	assert.Equal(t, appNamespace, body.NamespaceName)
	assert.Equal(t, `{"requestId":500,"ok":true}`, body.Message)

	env.routes.messages = nil
	session.deliver(t, appNamespace, `{"event":"tick"}`)
	assert.Len(t, env.routes.messages, 2)
}

func TestStringAppMessageWithRequestIDIsTracked(t *testing.T) {
	env := newTestEnv(t, Config{})
	session := newFakeSession("sess-1", appNamespace)
	env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)
	handler := env.provider.MessageHandler()

	raw := `{"type":"app_message","clientId":"c1","sequenceNumber":8,"message":{"sessionId":"sess-1","namespaceName":"` + appNamespace + `","message":"{\"requestId\":31}"}}`

	require.True(t, handler.HandleMessageFromClient(raw))
	assert.Equal(t, 1, handler.PendingRequests())
}

func TestBuildSessionMessage(t *testing.T) {
	env := newTestEnv(t, Config{})
	handler := env.provider.MessageHandler()
	assert.Equal(t, "{}", handler.BuildSessionMessage())

	session := newFakeSession("sess-1", MediaNamespace, appNamespace)
	session.activeInput = ActiveInputYes
	session.media.status = json.RawMessage(`{"mediaSessionId":1,"playerState":"PLAYING"}`)
	env.launch(t, testSource("c1", ""), session, "https://a.example", 1, 1)

	msg := handler.BuildSessionMessage()
	assert.Equal(t, "sess-1", gjson.Get(msg, "sessionId").String())
	assert.Equal(t, "Ready To Cast", gjson.Get(msg, "statusText").String())
	assert.Equal(t, "connected", gjson.Get(msg, "status").String())
	assert.Equal(t, "transport-sess-1", gjson.Get(msg, "transportId").String())
	assert.Equal(t, testAppID, gjson.Get(msg, "appId").String())
	assert.Equal(t, "Default Media Receiver", gjson.Get(msg, "displayName").String())
	assert.Equal(t, "sink-1", gjson.Get(msg, "receiver.label").String())
	assert.Equal(t, "Living Room", gjson.Get(msg, "receiver.friendlyName").String())
	assert.Equal(t, "cast", gjson.Get(msg, "receiver.receiverType").String())
	assert.True(t, gjson.Get(msg, "receiver.isActiveInput").Bool())
	assert.InDelta(t, 0.5, gjson.Get(msg, "receiver.volume.level").Float(), 1e-9)
	assert.False(t, gjson.Get(msg, "receiver.volume.muted").Bool())
	assert.JSONEq(t, `["audio_out","video_out"]`, gjson.Get(msg, "receiver.capabilities").Raw)
	assert.JSONEq(t, `[{"name":"`+MediaNamespace+`"},{"name":"`+appNamespace+`"}]`, gjson.Get(msg, "namespaces").Raw)
	assert.Equal(t, "PLAYING", gjson.Get(msg, "media.0.playerState").String())

	session.activeInput = ActiveInputUnknown
	session.volume = nan
	msg = handler.BuildSessionMessage()
	assert.Equal(t, gjson.Null, gjson.Get(msg, "receiver.isActiveInput").Type)
	assert.Equal(t, gjson.Null, gjson.Get(msg, "receiver.volume.level").Type)
}

func TestRequestTableEvictsOldest(t *testing.T) {
	table := newRequestTable(2)
	table.put(1, RequestRecord{ClientID: "a", SequenceNumber: 1})
	table.put(2, RequestRecord{ClientID: "b", SequenceNumber: 2})
	table.put(3, RequestRecord{ClientID: "c", SequenceNumber: 3})

	_, ok := table.take(1)
	assert.False(t, ok)
	record, ok := table.take(3)
	require.True(t, ok)
	assert.Equal(t, "c", record.ClientID)
	_, ok = table.take(3)
	assert.False(t, ok)
	assert.Equal(t, 1, table.len())
}
