package domain

type CreateRouteRequest struct {
	SourceID       string `json:"source_id"`
	SinkID         string `json:"sink_id"`
	PresentationID string `json:"presentation_id,omitempty"`
	Origin         string `json:"origin"`
	TabID          int    `json:"tab_id"`
	OffTheRecord   bool   `json:"off_the_record,omitempty"`
}

type JoinRouteRequest struct {
	SourceID       string `json:"source_id"`
	PresentationID string `json:"presentation_id"`
	Origin         string `json:"origin"`
	TabID          int    `json:"tab_id"`
}

type RouteResult struct {
	OK      bool   `json:"ok"`
	RouteID string `json:"route_id"`
	SinkID  string `json:"sink_id"`
	IsLocal bool   `json:"is_local"`
}

type RouteInfo struct {
	RouteID        string `json:"route_id"`
	SinkID         string `json:"sink_id"`
	SourceID       string `json:"source_id"`
	PresentationID string `json:"presentation_id"`
	Origin         string `json:"origin"`
	TabID          int    `json:"tab_id"`
	ClientID       string `json:"client_id,omitempty"`
	Connected      bool   `json:"connected"`
	Local          bool   `json:"local"`
	Closed         bool   `json:"closed,omitempty"`
	CloseError     string `json:"close_error,omitempty"`
}

// ClientMessages is the drained outbound queue of one route.
type ClientMessages struct {
	RouteID  string   `json:"route_id"`
	Messages []string `json:"messages"`
	Dropped  int      `json:"dropped"`
	Closed   bool     `json:"closed"`
}

type RouteActionResult struct {
	OK      bool   `json:"ok"`
	RouteID string `json:"route_id"`
	Action  string `json:"action"`
}

// SessionInfo describes the physical cast session shared by all local routes.
type SessionInfo struct {
	SessionID   string  `json:"session_id"`
	SinkID      string  `json:"sink_id"`
	AppID       string  `json:"app_id"`
	State       string  `json:"state"`
	StatusText  string  `json:"status_text,omitempty"`
	MediaLoaded bool    `json:"media_loaded"`
	PlayerState string  `json:"player_state,omitempty"`
	MediaTitle  string  `json:"media_title,omitempty"`
	CurrentTime float64 `json:"current_time,omitempty"`
	Duration    float64 `json:"duration,omitempty"`
}

type RouteList struct {
	Routes  []RouteInfo  `json:"routes"`
	Session *SessionInfo `json:"session,omitempty"`
}
