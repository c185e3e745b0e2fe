// Package router multiplexes logical client routes onto a single physical
// Cast session and implements the JSON client protocol spoken by those
// clients.
//
// None of the types in this package are safe for concurrent use. They are
// driven from one goroutine (see internal/eventloop); asynchronous platform
// events must be posted to that goroutine before they reach a Provider.
package router

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

const (
	// MediaNamespace is the Cast namespace used by the default media channel.
	MediaNamespace = "urn:x-cast:com.google.cast.media"

	// VoidSequenceNumber marks a fire-and-forget client message.
	VoidSequenceNumber = -1

	// AutoJoinPresentationID asks the provider to join whatever session the
	// auto-join policy allows.
	AutoJoinPresentationID = "auto-join"

	// SessionPresentationIDPrefix prefixes a session id to form an explicit
	// reconnect presentation id.
	SessionPresentationIDPrefix = "cast-session_"
)

// Reasons reported to the RouteManager. Callers match on these strings.
const (
	ReasonUnsupportedSource       = "Unsupported source URL"
	ReasonNoSink                  = "No sink"
	ReasonRequestReplaced         = "Request replaced"
	ReasonLaunchError             = "Launch error"
	ReasonUnsupportedPresentation = "Unsupported presentation URL"
	ReasonNoPresentation          = "No presentation"
	ReasonNoMatchingRoute         = "No matching route"
)

// AutoJoinPolicy controls whether a page may attach to an already running
// session instead of launching a new one.
type AutoJoinPolicy string

const (
	PageScoped         AutoJoinPolicy = "page_scoped"
	TabAndOriginScoped AutoJoinPolicy = "tab_and_origin_scoped"
	OriginScoped       AutoJoinPolicy = "origin_scoped"
)

// Capability is a receiver capability bit as reported by Cast devices.
type Capability uint8

const (
	CapabilityVideoOut Capability = 1 << iota
	CapabilityVideoIn
	CapabilityAudioOut
	CapabilityAudioIn
)

var capabilityNames = []struct {
	bit  Capability
	name string
}{
	{CapabilityAudioIn, "audio_in"},
	{CapabilityAudioOut, "audio_out"},
	{CapabilityVideoIn, "video_in"},
	{CapabilityVideoOut, "video_out"},
}

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Names lists the capability names in protocol order.
func (c Capability) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, entry := range capabilityNames {
		if c.Has(entry.bit) {
			names = append(names, entry.name)
		}
	}
	return names
}

// ParseCapability maps a protocol capability name to its bit.
func ParseCapability(name string) (Capability, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, entry := range capabilityNames {
		if entry.name == name {
			return entry.bit, true
		}
	}
	return 0, false
}

// Sink is a cast-capable receiver device.
type Sink struct {
	ID           string
	Name         string
	Address      string
	Capabilities Capability
}

// Route is a logical casting session as seen by one client.
type Route struct {
	ID             string
	SinkID         string
	SourceID       string
	PresentationID string
	Origin         string
	TabID          int
	OffTheRecord   bool
	Local          bool
}

func newRouteID() string {
	return "route:" + uuid.NewString()
}

// ClientRecord is the per-client protocol state of one Route.
type ClientRecord struct {
	RouteID        string
	ClientID       string
	AppID          string
	AutoJoinPolicy AutoJoinPolicy
	Origin         string
	TabID          int
	Connected      bool

	pending []string
}

// PendingMessages returns the messages queued until the client connects.
func (c *ClientRecord) PendingMessages() []string {
	return slices.Clone(c.pending)
}

// CreateRouteRequestInfo holds a create-route request between the user asking
// to cast and the physical session being attached.
type CreateRouteRequestInfo struct {
	Source          *Source
	Sink            Sink
	PresentationID  string
	Origin          string
	TabID           int
	OffTheRecord    bool
	NativeRequestID int
}

// RequestRecord ties an outbound request to the client waiting on its reply.
type RequestRecord struct {
	ClientID       string
	SequenceNumber int
}

func sameOrigin(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), "/"), strings.TrimRight(strings.TrimSpace(b), "/"))
}
