package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Client message types.
const (
	TypeClientConnect    = "client_connect"
	TypeClientDisconnect = "client_disconnect"
	TypeLeaveSession     = "leave_session"
	TypeV2Message        = "v2_message"
	TypeAppMessage       = "app_message"
)

// ParseError reports a client message that does not have the expected shape.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "invalid client message: " + e.Reason
	}
	return fmt.Sprintf("invalid client message: %s: %s", e.Field, e.Reason)
}

// ClientMessage is one parsed inbound client message. The concrete type is one
// of the *Message types below.
type ClientMessage interface {
	Type() string
	Client() string
}

type envelope struct {
	clientID       string
	sequenceNumber int
}

func (e envelope) Client() string { return e.clientID }

// SequenceNumber is VoidSequenceNumber when the client sent none.
func (e envelope) SequenceNumber() int { return e.sequenceNumber }

type ClientConnectMessage struct{ envelope }

func (ClientConnectMessage) Type() string { return TypeClientConnect }

type ClientDisconnectMessage struct{ envelope }

func (ClientDisconnectMessage) Type() string { return TypeClientDisconnect }

type LeaveSessionMessage struct {
	envelope
	SessionID string
}

func (LeaveSessionMessage) Type() string { return TypeLeaveSession }

// StopMessage is the v2 STOP request.
type StopMessage struct{ envelope }

func (StopMessage) Type() string { return TypeV2Message }

// SetVolumeMessage is the v2 SET_VOLUME request. Nil fields are left as they are.
type SetVolumeMessage struct {
	envelope
	Level *float64
	Muted *bool
}

func (SetVolumeMessage) Type() string { return TypeV2Message }

// MediaMessage is a v2 media control request forwarded to the media channel.
type MediaMessage struct {
	envelope
	MediaType string
	Payload   map[string]any
}

func (MediaMessage) Type() string { return TypeV2Message }

// AppMessage carries an application message for a receiver namespace. Exactly
// one of Text and Object is set.
type AppMessage struct {
	envelope
	SessionID string
	Namespace string
	Text      *string
	Object    map[string]any
}

func (AppMessage) Type() string { return TypeAppMessage }

var mediaMessageTypes = map[string]bool{
	"PLAY":             true,
	"LOAD":             true,
	"PAUSE":            true,
	"SEEK":             true,
	"STOP_MEDIA":       true,
	"MEDIA_SET_VOLUME": true,
	"MEDIA_GET_STATUS": true,
	"EDIT_TRACKS_INFO": true,
	"QUEUE_LOAD":       true,
	"QUEUE_INSERT":     true,
	"QUEUE_UPDATE":     true,
	"QUEUE_REMOVE":     true,
	"QUEUE_REORDER":    true,
}

// overloadedMediaTypes renames client media types to the names the receiver
// expects on the wire.
var overloadedMediaTypes = map[string]string{
	"STOP_MEDIA":       "STOP",
	"MEDIA_SET_VOLUME": "SET_VOLUME",
	"MEDIA_GET_STATUS": "GET_STATUS",
}

// ParseClientMessage validates raw and returns the matching message variant.
func ParseClientMessage(raw string) (ClientMessage, error) {
	if !gjson.Valid(raw) {
		return nil, &ParseError{Reason: "not valid JSON"}
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return nil, &ParseError{Reason: "not a JSON object"}
	}

	msgType, err := requiredString(root, "type", "type")
	if err != nil {
		return nil, err
	}
	clientID, err := requiredString(root, "clientId", "clientId")
	if err != nil {
		return nil, err
	}
	seq, err := sequenceNumber(root)
	if err != nil {
		return nil, err
	}
	env := envelope{clientID: clientID, sequenceNumber: seq}

	switch msgType {
	case TypeClientConnect:
		return ClientConnectMessage{env}, nil
	case TypeClientDisconnect:
		return ClientDisconnectMessage{env}, nil
	case TypeLeaveSession:
		sessionID, err := requiredString(root, "message", "message")
		if err != nil {
			return nil, err
		}
		return LeaveSessionMessage{envelope: env, SessionID: sessionID}, nil
	case TypeV2Message:
		return parseV2Message(env, root.Get("message"))
	case TypeAppMessage:
		return parseAppMessage(env, root.Get("message"))
	default:
		return nil, &ParseError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", msgType)}
	}
}

func parseV2Message(env envelope, inner gjson.Result) (ClientMessage, error) {
	if !inner.IsObject() {
		return nil, &ParseError{Field: "message", Reason: "must be an object"}
	}
	innerType, err := requiredString(inner, "type", "message.type")
	if err != nil {
		return nil, err
	}

	switch {
	case innerType == "STOP":
		return StopMessage{env}, nil
	case innerType == "SET_VOLUME":
		return parseSetVolume(env, inner.Get("volume"))
	case mediaMessageTypes[innerType]:
		payload, err := decodeObject(inner.Raw)
		if err != nil {
			return nil, &ParseError{Field: "message", Reason: err.Error()}
		}
		return MediaMessage{envelope: env, MediaType: innerType, Payload: payload}, nil
	default:
		return nil, &ParseError{Field: "message.type", Reason: fmt.Sprintf("unknown v2 message type %q", innerType)}
	}
}

func parseSetVolume(env envelope, volume gjson.Result) (ClientMessage, error) {
	if !volume.IsObject() {
		return nil, &ParseError{Field: "message.volume", Reason: "must be an object"}
	}
	msg := SetVolumeMessage{envelope: env}

	if level := volume.Get("level"); level.Exists() && level.Type != gjson.Null {
		if level.Type != gjson.Number {
			return nil, &ParseError{Field: "message.volume.level", Reason: "must be a number"}
		}
		v := level.Float()
		if v < 0 || v > 1 {
			return nil, &ParseError{Field: "message.volume.level", Reason: "must be within [0, 1]"}
		}
		msg.Level = &v
	}
	if muted := volume.Get("muted"); muted.Exists() && muted.Type != gjson.Null {
		if muted.Type != gjson.True && muted.Type != gjson.False {
			return nil, &ParseError{Field: "message.volume.muted", Reason: "must be a boolean"}
		}
		b := muted.Bool()
		msg.Muted = &b
	}
	return msg, nil
}

func parseAppMessage(env envelope, wrapper gjson.Result) (ClientMessage, error) {
	if !wrapper.IsObject() {
		return nil, &ParseError{Field: "message", Reason: "must be an object"}
	}
	sessionID, err := requiredString(wrapper, "sessionId", "message.sessionId")
	if err != nil {
		return nil, err
	}
	namespace, err := requiredString(wrapper, "namespaceName", "message.namespaceName")
	if err != nil || namespace == "" {
		return nil, &ParseError{Field: "message.namespaceName", Reason: "must be a non-empty string"}
	}

	msg := AppMessage{envelope: env, SessionID: sessionID, Namespace: namespace}
	payload := wrapper.Get("message")
	switch {
	case payload.Type == gjson.String:
		text := payload.String()
		msg.Text = &text
	case payload.IsObject():
		obj, err := decodeObject(payload.Raw)
		if err != nil {
			return nil, &ParseError{Field: "message.message", Reason: err.Error()}
		}
		msg.Object = obj
	default:
		return nil, &ParseError{Field: "message.message", Reason: "must be a string or an object"}
	}
	return msg, nil
}

// requiredString reads obj[key]; errors name the field as label.
func requiredString(obj gjson.Result, key, label string) (string, error) {
	value := obj.Get(key)
	if !value.Exists() {
		return "", &ParseError{Field: label, Reason: "missing"}
	}
	if value.Type != gjson.String {
		return "", &ParseError{Field: label, Reason: "must be a string"}
	}
	return value.String(), nil
}

func sequenceNumber(root gjson.Result) (int, error) {
	value := root.Get("sequenceNumber")
	if !value.Exists() || value.Type == gjson.Null {
		return VoidSequenceNumber, nil
	}
	if value.Type != gjson.Number || value.Float() != float64(value.Int()) {
		return 0, &ParseError{Field: "sequenceNumber", Reason: "must be an integer"}
	}
	return int(value.Int()), nil
}

// decodeObject keeps numbers as json.Number so request ids and media
// positions survive a round trip unchanged.
func decodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
