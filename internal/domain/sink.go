package domain

// Sink is a cast receiver as reported to tool callers.
type Sink struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Address      string   `json:"address"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	IsAudioOnly  bool     `json:"is_audio_only"`
	Capabilities []string `json:"capabilities"`
}
