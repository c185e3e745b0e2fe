package castsession

import (
	"encoding/json"
	"math"

	"github.com/tidwall/gjson"
	"go2tv.app/cast-router/internal/router"
)

const (
	namespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	namespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	namespaceReceiver   = "urn:x-cast:com.google.cast.receiver"

	senderID   = "sender-0"
	receiverID = "receiver-0"
)

type controlMessage struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
	AppID     string `json:"appId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Volume    any    `json:"volume,omitempty"`
}

type volumeLevel struct {
	Level float64 `json:"level"`
}

type volumeMuted struct {
	Muted bool `json:"muted"`
}

func encodeControl(msg controlMessage) []byte {
	// controlMessage only holds strings, ints and plain structs.
	payload, _ := json.Marshal(msg)
	return payload
}

// appStatus is one entry of RECEIVER_STATUS status.applications.
type appStatus struct {
	AppID       string
	DisplayName string
	SessionID   string
	TransportID string
	StatusText  string
	Namespaces  []string
}

type receiverStatus struct {
	apps        []appStatus
	volume      float64
	muted       bool
	activeInput router.ActiveInputState
}

func parseReceiverStatus(payload string) receiverStatus {
	status := gjson.Get(payload, "status")
	out := receiverStatus{
		volume:      math.NaN(),
		activeInput: router.ActiveInputUnknown,
	}

	if level := status.Get("volume.level"); level.Exists() && level.Type == gjson.Number {
		out.volume = level.Float()
	}
	out.muted = status.Get("volume.muted").Bool()
	if active := status.Get("isActiveInput"); active.IsBool() {
		if active.Bool() {
			out.activeInput = router.ActiveInputYes
		} else {
			out.activeInput = router.ActiveInputNo
		}
	}

	status.Get("applications").ForEach(func(_, app gjson.Result) bool {
		entry := appStatus{
			AppID:       app.Get("appId").String(),
			DisplayName: app.Get("displayName").String(),
			SessionID:   app.Get("sessionId").String(),
			TransportID: app.Get("transportId").String(),
			StatusText:  app.Get("statusText").String(),
		}
		app.Get("namespaces.#.name").ForEach(func(_, name gjson.Result) bool {
			entry.Namespaces = append(entry.Namespaces, name.String())
			return true
		})
		out.apps = append(out.apps, entry)
		return true
	})
	return out
}

// find returns the application with sessionID, or the first one running
// appID when sessionID is empty.
func (r receiverStatus) find(sessionID, appID string) (appStatus, bool) {
	for _, app := range r.apps {
		if sessionID != "" {
			if app.SessionID == sessionID {
				return app, true
			}
			continue
		}
		if app.AppID == appID {
			return app, true
		}
	}
	return appStatus{}, false
}
