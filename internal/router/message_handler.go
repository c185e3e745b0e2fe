package router

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/tidwall/gjson"
)

const (
	// DefaultRequestTableCap bounds the number of outstanding tracked requests.
	DefaultRequestTableCap = 1024

	minVolumeLevelDelta = 1e-7
)

// clientRegistry is the part of the Provider the handler needs: client
// lookup, route removal and delivery of outbound client messages.
type clientRegistry interface {
	clientRecord(clientID string) *ClientRecord
	clientRecords() []*ClientRecord
	removeRoute(routeID, errMsg string)
	sendMessageToClient(clientID, message string)
}

// MessageHandler speaks the JSON client protocol on one side and drives the
// SessionController on the other.
type MessageHandler struct {
	logger     *slog.Logger
	controller *SessionController
	clients    clientRegistry

	requests       *requestTable
	nextRequestID  int
	stopRequests   map[string][]int
	volumeRequests []RequestRecord
}

func newMessageHandler(controller *SessionController, clients clientRegistry, requestCap int, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &MessageHandler{
		logger:       logger,
		controller:   controller,
		clients:      clients,
		requests:     newRequestTable(requestCap),
		stopRequests: map[string][]int{},
	}
	controller.setMessageHandler(h)
	return h
}

// HandleMessageFromClient processes one inbound client message. It reports
// false, without side effects, for malformed or unexpected messages.
func (h *MessageHandler) HandleMessageFromClient(raw string) bool {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		h.logger.Warn("client_message_rejected", "error", err)
		return false
	}

	var ok bool
	switch m := msg.(type) {
	case ClientConnectMessage:
		ok = h.handleClientConnect(m)
	case ClientDisconnectMessage:
		ok = h.handleClientDisconnect(m)
	case LeaveSessionMessage:
		ok = h.handleLeaveSession(m)
	case StopMessage:
		ok = h.handleStop(m)
	case SetVolumeMessage:
		ok = h.handleSetVolume(m)
	case MediaMessage:
		ok = h.handleMediaMessage(m)
	case AppMessage:
		ok = h.handleAppMessage(m)
	}
	if !ok {
		h.logger.Warn("client_message_not_handled", "type", msg.Type(), "client_id", msg.Client())
	}
	return ok
}

func (h *MessageHandler) handleClientConnect(m ClientConnectMessage) bool {
	record := h.clients.clientRecord(m.Client())
	if record == nil {
		return false
	}
	record.Connected = true
	if h.controller.IsConnected() {
		h.sendEnclosedMessageToClient(record.ClientID, "new_session", wrapClientMessage(h.BuildSessionMessage()), VoidSequenceNumber)
	}

	pending := record.pending
	record.pending = nil
	for _, message := range pending {
		h.clients.sendMessageToClient(record.ClientID, message)
	}
	return true
}

func (h *MessageHandler) handleClientDisconnect(m ClientDisconnectMessage) bool {
	record := h.clients.clientRecord(m.Client())
	if record == nil {
		return false
	}
	h.clients.removeRoute(record.RouteID, "")
	return true
}

func (h *MessageHandler) handleLeaveSession(m LeaveSessionMessage) bool {
	record := h.clients.clientRecord(m.Client())
	if record == nil {
		return false
	}
	if !h.controller.IsConnected() || m.SessionID != h.controller.SessionID() {
		return false
	}

	h.sendEnclosedMessageToClient(record.ClientID, TypeLeaveSession, nil, m.SequenceNumber())

	var leaving []string
	for _, other := range h.clients.clientRecords() {
		switch record.AutoJoinPolicy {
		case TabAndOriginScoped:
			if sameOrigin(other.Origin, record.Origin) && other.TabID == record.TabID {
				leaving = append(leaving, other.RouteID)
			}
		case OriginScoped:
			if sameOrigin(other.Origin, record.Origin) {
				leaving = append(leaving, other.RouteID)
			}
		}
	}
	for _, routeID := range leaving {
		h.clients.removeRoute(routeID, "")
	}
	return true
}

func (h *MessageHandler) handleStop(m StopMessage) bool {
	if h.clients.clientRecord(m.Client()) == nil {
		return false
	}
	h.stopRequests[m.Client()] = append(h.stopRequests[m.Client()], m.SequenceNumber())
	h.controller.EndSession()
	return true
}

func (h *MessageHandler) handleSetVolume(m SetVolumeMessage) bool {
	if h.clients.clientRecord(m.Client()) == nil || !h.controller.IsConnected() {
		return false
	}
	session := h.controller.Session()

	waitForChange := false
	if m.Muted != nil && session.IsMute() != *m.Muted {
		if err := session.SetMute(*m.Muted); err != nil {
			h.logger.Warn("set_mute_failed", "error", err)
			return false
		}
		waitForChange = true
	}
	if m.Level != nil {
		current := session.Volume()
		if !math.IsNaN(current) && math.Abs(current-*m.Level) > minVolumeLevelDelta {
			if err := session.SetVolume(*m.Level); err != nil {
				h.logger.Warn("set_volume_failed", "error", err)
				return false
			}
			waitForChange = true
		}
	}

	if waitForChange {
		h.volumeRequests = append(h.volumeRequests, RequestRecord{ClientID: m.Client(), SequenceNumber: m.SequenceNumber()})
		return true
	}
	h.sendEnclosedMessageToClient(m.Client(), TypeV2Message, nil, m.SequenceNumber())
	return true
}

func (h *MessageHandler) handleMediaMessage(m MediaMessage) bool {
	if h.clients.clientRecord(m.Client()) == nil {
		return false
	}
	payload := m.Payload
	if wire, ok := overloadedMediaTypes[m.MediaType]; ok {
		payload["type"] = wire
	}
	return h.sendJSONCastMessage(payload, MediaNamespace, m.Client(), m.SequenceNumber())
}

func (h *MessageHandler) handleAppMessage(m AppMessage) bool {
	if h.clients.clientRecord(m.Client()) == nil {
		return false
	}
	if !h.controller.IsConnected() || m.SessionID != h.controller.SessionID() {
		return false
	}
	if !slices.Contains(h.controller.Namespaces(), m.Namespace) {
		return false
	}

	if m.Object != nil {
		return h.sendJSONCastMessage(m.Object, m.Namespace, m.Client(), m.SequenceNumber())
	}

	text := *m.Text
	requestID, tracked := 0, false
	if m.SequenceNumber() != VoidSequenceNumber {
		if requestID, tracked = requestIDOf(text); tracked {
			h.requests.put(requestID, RequestRecord{ClientID: m.Client(), SequenceNumber: m.SequenceNumber()})
		}
	}
	if err := h.controller.Session().SendMessage(m.Namespace, text); err != nil {
		if tracked {
			h.requests.drop(requestID)
		}
		h.logger.Warn("app_message_send_failed", "namespace", m.Namespace, "error", err)
		return false
	}
	return true
}

// sendJSONCastMessage sends payload to the receiver and tracks its request id
// so the reply reaches clientID with sequenceNumber.
func (h *MessageHandler) sendJSONCastMessage(payload map[string]any, namespace, clientID string, sequenceNumber int) bool {
	if !h.controller.IsConnected() {
		return false
	}
	removeNullFields(payload)

	requestID, ok := 0, false
	if raw, present := payload["requestId"]; present {
		requestID, ok = toRequestID(raw)
		if !ok {
			return false
		}
	} else {
		requestID = h.allocateRequestID()
		payload["requestId"] = requestID
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("cast_message_encode_failed", "namespace", namespace, "error", err)
		return false
	}

	if sequenceNumber != VoidSequenceNumber {
		h.requests.put(requestID, RequestRecord{ClientID: clientID, SequenceNumber: sequenceNumber})
	}
	if err := h.controller.Session().SendMessage(namespace, string(data)); err != nil {
		if sequenceNumber != VoidSequenceNumber {
			h.requests.drop(requestID)
		}
		h.logger.Warn("cast_message_send_failed", "namespace", namespace, "request_id", requestID, "error", err)
		return false
	}
	return true
}

func (h *MessageHandler) allocateRequestID() int {
	for {
		h.nextRequestID++
		if h.nextRequestID <= 0 {
			h.nextRequestID = 1
		}
		if !h.requests.has(h.nextRequestID) {
			return h.nextRequestID
		}
	}
}

// OnMessageReceived routes a receiver message back to the client that asked
// for it, or to every client when nobody did.
func (h *MessageHandler) OnMessageReceived(namespace, message string) {
	var request *RequestRecord
	if id, ok := requestIDOf(message); ok {
		if record, found := h.requests.take(id); found {
			request = &record
		}
	}

	if namespace == MediaNamespace {
		h.onMediaMessage(message, request)
		return
	}
	h.onAppMessage(namespace, message, request)
}

func (h *MessageHandler) onMediaMessage(message string, request *RequestRecord) {
	if request == nil || gjson.Get(message, "type").String() == "MEDIA_STATUS" {
		for _, record := range h.clients.clientRecords() {
			if request != nil && record.ClientID == request.ClientID {
				continue
			}
			h.sendEnclosedMessageToClient(record.ClientID, TypeV2Message, wrapClientMessage(message), VoidSequenceNumber)
		}
	}
	if request != nil {
		h.sendEnclosedMessageToClient(request.ClientID, TypeV2Message, wrapClientMessage(message), request.SequenceNumber)
	}
}

type appMessageBody struct {
	SessionID     string `json:"sessionId"`
	NamespaceName string `json:"namespaceName"`
	Message       string `json:"message"`
}

func (h *MessageHandler) onAppMessage(namespace, message string, request *RequestRecord) {
	body, err := json.Marshal(appMessageBody{
		SessionID:     h.controller.SessionID(),
		NamespaceName: namespace,
		Message:       message,
	})
	if err != nil {
		return
	}
	if request != nil {
		h.sendEnclosedMessageToClient(request.ClientID, TypeAppMessage, body, request.SequenceNumber)
		return
	}
	for _, record := range h.clients.clientRecords() {
		h.sendEnclosedMessageToClient(record.ClientID, TypeAppMessage, body, VoidSequenceNumber)
	}
}

// OnSessionEnded acknowledges queued stop requests in order and tells every
// other client the session is gone.
func (h *MessageHandler) OnSessionEnded() {
	sessionID := wrapClientMessage(h.controller.SessionID())
	for _, record := range h.clients.clientRecords() {
		sequenceNumbers, ok := h.stopRequests[record.ClientID]
		if !ok {
			h.sendEnclosedMessageToClient(record.ClientID, "remove_session", sessionID, VoidSequenceNumber)
			continue
		}
		for _, seq := range sequenceNumbers {
			h.sendEnclosedMessageToClient(record.ClientID, "remove_session", sessionID, seq)
		}
	}
	clear(h.stopRequests)
}

// dropStopRequests forgets queued stop requests whose session end will not be
// reported.
func (h *MessageHandler) dropStopRequests() {
	if len(h.stopRequests) > 0 {
		h.logger.Debug("stop_requests_dropped", "clients", len(h.stopRequests))
	}
	clear(h.stopRequests)
}

// OnVolumeChanged acknowledges every SET_VOLUME request waiting for the
// receiver to report the new volume.
func (h *MessageHandler) OnVolumeChanged() {
	pending := h.volumeRequests
	h.volumeRequests = nil
	for _, request := range pending {
		h.sendEnclosedMessageToClient(request.ClientID, TypeV2Message, nil, request.SequenceNumber)
	}
}

func (h *MessageHandler) broadcastClientMessage(messageType, message string) {
	body := wrapClientMessage(message)
	for _, record := range h.clients.clientRecords() {
		h.sendEnclosedMessageToClient(record.ClientID, messageType, body, VoidSequenceNumber)
	}
}

func (h *MessageHandler) sendEnclosedMessageToClient(clientID, messageType string, message json.RawMessage, sequenceNumber int) {
	data, err := buildEnclosedClientMessage(messageType, message, clientID, sequenceNumber)
	if err != nil {
		h.logger.Warn("client_message_encode_failed", "type", messageType, "client_id", clientID, "error", err)
		return
	}
	h.clients.sendMessageToClient(clientID, data)
}

// PendingRequests reports how many tracked requests await a reply.
func (h *MessageHandler) PendingRequests() int {
	return h.requests.len()
}

func requestIDOf(message string) (int, bool) {
	value := gjson.Get(message, "requestId")
	if value.Type != gjson.Number || value.Float() != float64(value.Int()) {
		return 0, false
	}
	return int(value.Int()), true
}

func toRequestID(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func removeNullFields(obj map[string]any) {
	for key, value := range obj {
		switch v := value.(type) {
		case nil:
			delete(obj, key)
		case map[string]any:
			removeNullFields(v)
		}
	}
}
