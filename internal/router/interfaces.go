package router

import (
	"context"
	"encoding/json"
)

// ApplicationMetadata describes the receiver application running in a session.
type ApplicationMetadata struct {
	AppID       string
	DisplayName string
	TransportID string
	Namespaces  []string
}

// ActiveInputState reports whether the receiver is the active TV input.
type ActiveInputState int

const (
	ActiveInputUnknown ActiveInputState = -1
	ActiveInputNo      ActiveInputState = 0
	ActiveInputYes     ActiveInputState = 1
)

// MessageReceivedFunc receives messages for one namespace of a session.
type MessageReceivedFunc func(device Sink, namespace, message string)

// SessionListener observes state changes of a physical session.
type SessionListener interface {
	OnApplicationStatusChanged()
	OnApplicationMetadataChanged()
	OnVolumeChanged()
}

// RemoteMediaClient tracks media playback on the default media channel.
type RemoteMediaClient interface {
	OnMessageReceived(namespace, message string)
	// MediaStatus returns the latest media status object, or nil when
	// nothing is loaded.
	MediaStatus() json.RawMessage
}

// Session is the facade over one physical cast session. Implementations must
// be pointer types: sessions are compared by identity.
type Session interface {
	SessionID() string
	IsConnected() bool
	Device() Sink
	ApplicationMetadata() *ApplicationMetadata
	ApplicationStatus() string
	Volume() float64
	IsMute() bool
	ActiveInputState() ActiveInputState

	SetVolume(level float64) error
	SetMute(muted bool) error
	SendMessage(namespace, message string) error

	SetMessageReceivedCallback(namespace string, fn MessageReceivedFunc)
	RemoveMessageReceivedCallback(namespace string)
	AddListener(l SessionListener)
	RemoveListener(l SessionListener)

	// RemoteMedia may return nil when the session has no media channel.
	RemoteMedia() RemoteMediaClient
}

// SessionManagerListener receives platform session lifecycle callbacks.
type SessionManagerListener interface {
	OnSessionStarting(s Session)
	OnSessionStarted(s Session, sessionID string)
	OnSessionStartFailed(s Session, err error)
	OnSessionEnding(s Session)
	OnSessionEnded(s Session, err error)
	OnSessionResuming(s Session, sessionID string)
	OnSessionResumed(s Session, wasSuspended bool)
	OnSessionResumeFailed(s Session, err error)
	OnSessionSuspended(s Session, reason int)
}

// SessionManager is the platform component that starts and ends physical
// sessions. Lifecycle results arrive later through SessionManagerListener.
type SessionManager interface {
	AddSessionManagerListener(l SessionManagerListener)
	RemoveSessionManagerListener(l SessionManagerListener)
	CurrentSession() Session
	StartSession(sink Sink, appID string)
	EndCurrentSession(stopCasting bool)
	SelectDefaultRoute()
}

// RouteProvider is the surface a RouteManager drives.
type RouteProvider interface {
	SupportsSource(sourceID string) bool
	StartObservingSinks(sourceID string)
	StopObservingSinks(sourceID string)
	CreateRoute(sourceID, sinkID, presentationID, origin string, tabID int, offTheRecord bool, nativeRequestID int)
	JoinRoute(sourceID, presentationID, origin string, tabID int, nativeRequestID int)
	CloseRoute(routeID string)
	DetachRoute(routeID string)
	SendStringMessage(routeID, message string) bool
}

// RouteManager receives route lifecycle events and outbound client messages.
// An empty errMsg in OnRouteClosed means the route closed cleanly.
type RouteManager interface {
	OnSinksReceived(sourceID string, provider RouteProvider, sinks []Sink)
	OnRouteCreated(routeID, sinkID string, nativeRequestID int, provider RouteProvider, isLocal bool)
	OnRouteClosed(routeID, errMsg string)
	OnRouteTerminated(routeID string)
	OnCreateRouteRequestError(reason string, nativeRequestID int)
	OnJoinRouteRequestError(reason string, nativeRequestID int)
	OnMessage(routeID, message string)
}

// SinkDiscovery lists the sinks currently visible on the network.
type SinkDiscovery interface {
	DiscoverSinks(ctx context.Context) ([]Sink, error)
}

// SessionObserver is notified when the controller's session starts or ends.
type SessionObserver interface {
	OnSessionStarted()
	OnSessionEnded()
}
