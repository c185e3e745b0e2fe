package castsession

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"go2tv.app/cast-router/internal/router"
	"go2tv.app/go2tv/v2/castprotocol"
)

// mediaTracker keeps the most recent MEDIA_STATUS of the default media
// channel.
type mediaTracker struct {
	raw      json.RawMessage
	snapshot castprotocol.CastStatus
	known    bool
}

var _ router.RemoteMediaClient = (*mediaTracker)(nil)

func (m *mediaTracker) OnMessageReceived(namespace, message string) {
	if namespace != router.MediaNamespace || gjson.Get(message, "type").String() != "MEDIA_STATUS" {
		return
	}

	first := gjson.Get(message, "status.0")
	if !first.Exists() || !first.IsObject() {
		m.raw = nil
		m.snapshot = castprotocol.CastStatus{}
		m.known = false
		return
	}

	m.raw = json.RawMessage(first.Raw)
	m.known = true
	m.snapshot = castprotocol.CastStatus{
		PlayerState: first.Get("playerState").String(),
		CurrentTime: float32(first.Get("currentTime").Float()),
		Duration:    float32(first.Get("media.duration").Float()),
		Volume:      float32(first.Get("volume.level").Float()),
		Muted:       first.Get("volume.muted").Bool(),
		MediaTitle:  first.Get("media.metadata.title").String(),
		ContentType: first.Get("media.contentType").String(),
	}
}

func (m *mediaTracker) MediaStatus() json.RawMessage {
	return m.raw
}

// Snapshot reports the playback state parsed from the last media status.
func (m *mediaTracker) Snapshot() (castprotocol.CastStatus, bool) {
	return m.snapshot, m.known
}
