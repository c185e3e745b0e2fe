package router

import (
	"encoding/json"
	"math"
	"slices"

	"github.com/tidwall/gjson"
)

const receiverTypeCast = "cast"

type enclosedMessage struct {
	Type           string          `json:"type"`
	SequenceNumber int             `json:"sequenceNumber"`
	TimeoutMillis  int             `json:"timeoutMillis"`
	ClientID       string          `json:"clientId"`
	Message        json.RawMessage `json:"message"`
}

func buildEnclosedClientMessage(messageType string, message json.RawMessage, clientID string, sequenceNumber int) (string, error) {
	data, err := json.Marshal(enclosedMessage{
		Type:           messageType,
		SequenceNumber: sequenceNumber,
		ClientID:       clientID,
		Message:        message,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// wrapClientMessage embeds a JSON object as is and anything else as a string.
func wrapClientMessage(message string) json.RawMessage {
	if gjson.Valid(message) && gjson.Parse(message).IsObject() {
		return json.RawMessage(message)
	}
	quoted, _ := json.Marshal(message)
	return quoted
}

type volumeDescription struct {
	Level *float64 `json:"level"`
	Muted bool     `json:"muted"`
}

type receiverDescription struct {
	Label         string             `json:"label"`
	FriendlyName  string             `json:"friendlyName"`
	Capabilities  []string           `json:"capabilities"`
	Volume        *volumeDescription `json:"volume"`
	IsActiveInput *bool              `json:"isActiveInput"`
	DisplayStatus json.RawMessage    `json:"displayStatus"`
	ReceiverType  string             `json:"receiverType"`
}

type namespaceDescription struct {
	Name string `json:"name"`
}

type sessionDescription struct {
	SessionID   string                 `json:"sessionId"`
	StatusText  string                 `json:"statusText"`
	Receiver    receiverDescription    `json:"receiver"`
	Namespaces  []namespaceDescription `json:"namespaces"`
	Media       []json.RawMessage      `json:"media"`
	Status      string                 `json:"status"`
	TransportID string                 `json:"transportId"`
	AppID       string                 `json:"appId"`
	DisplayName string                 `json:"displayName"`
}

// BuildSessionMessage describes the attached session the way clients expect
// it in new_session and update_session messages. It returns "{}" when no
// session is connected.
func (h *MessageHandler) BuildSessionMessage() string {
	if !h.controller.IsConnected() {
		return "{}"
	}
	session := h.controller.Session()
	device := session.Device()

	volume := &volumeDescription{Muted: session.IsMute()}
	if level := session.Volume(); !math.IsNaN(level) {
		volume.Level = &level
	}

	var activeInput *bool
	switch session.ActiveInputState() {
	case ActiveInputYes:
		v := true
		activeInput = &v
	case ActiveInputNo:
		v := false
		activeInput = &v
	}

	desc := sessionDescription{
		SessionID:  session.SessionID(),
		StatusText: session.ApplicationStatus(),
		Receiver: receiverDescription{
			Label:         device.ID,
			FriendlyName:  device.Name,
			Capabilities:  h.controller.Capabilities(),
			Volume:        volume,
			IsActiveInput: activeInput,
			ReceiverType:  receiverTypeCast,
		},
		Namespaces:  []namespaceDescription{},
		Media:       []json.RawMessage{},
		Status:      "connected",
		DisplayName: device.Name,
	}
	for _, ns := range h.controller.Namespaces() {
		desc.Namespaces = append(desc.Namespaces, namespaceDescription{Name: ns})
	}
	if media := session.RemoteMedia(); media != nil {
		if status := media.MediaStatus(); len(status) > 0 && gjson.ValidBytes(status) {
			desc.Media = append(desc.Media, slices.Clone(status))
		}
	}
	if meta := session.ApplicationMetadata(); meta != nil {
		desc.TransportID = meta.TransportID
		desc.AppID = meta.AppID
		if meta.DisplayName != "" {
			desc.DisplayName = meta.DisplayName
		}
	}
	if desc.AppID == "" {
		if source := h.controller.Source(); source != nil {
			desc.AppID = source.AppID
		}
	}

	data, err := json.Marshal(desc)
	if err != nil {
		h.logger.Warn("session_message_encode_failed", "error", err)
		return "{}"
	}
	return string(data)
}

type receiverAction struct {
	Receiver receiverDescription `json:"receiver"`
	Action   string              `json:"action"`
}

// sendReceiverAction tells clientID that the sink started ("cast") or stopped
// ("stop") casting on its behalf.
func (h *MessageHandler) sendReceiverAction(clientID string, sink Sink, action string) {
	data, err := json.Marshal(receiverAction{
		Receiver: receiverDescription{
			Label:        sink.ID,
			FriendlyName: sink.Name,
			Capabilities: sink.Capabilities.Names(),
			ReceiverType: receiverTypeCast,
		},
		Action: action,
	})
	if err != nil {
		return
	}
	h.sendEnclosedMessageToClient(clientID, "receiver_action", data, VoidSequenceNumber)
}

// requestTable maps request ids to the client waiting for the reply. Each
// entry is handed out at most once; the oldest entry is evicted when the
// table is full.
type requestTable struct {
	capacity int
	records  map[int]RequestRecord
	order    []int
}

func newRequestTable(capacity int) *requestTable {
	if capacity <= 0 {
		capacity = DefaultRequestTableCap
	}
	return &requestTable{
		capacity: capacity,
		records:  map[int]RequestRecord{},
	}
}

func (t *requestTable) put(id int, record RequestRecord) {
	if _, ok := t.records[id]; ok {
		t.forget(id)
	}
	for len(t.order) >= t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
	}
	t.records[id] = record
	t.order = append(t.order, id)
}

func (t *requestTable) take(id int) (RequestRecord, bool) {
	record, ok := t.records[id]
	if !ok {
		return RequestRecord{}, false
	}
	t.drop(id)
	return record, true
}

func (t *requestTable) drop(id int) {
	if _, ok := t.records[id]; !ok {
		return
	}
	delete(t.records, id)
	t.forget(id)
}

func (t *requestTable) forget(id int) {
	if idx := slices.Index(t.order, id); idx >= 0 {
		t.order = slices.Delete(t.order, idx, idx+1)
	}
}

func (t *requestTable) has(id int) bool {
	_, ok := t.records[id]
	return ok
}

func (t *requestTable) len() int {
	return len(t.records)
}
