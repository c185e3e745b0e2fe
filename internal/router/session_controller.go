package router

import (
	"io"
	"log/slog"
	"slices"
)

// SessionController owns the attachment to at most one physical session and
// exposes a uniform view of it to the MessageHandler and the Provider.
type SessionController struct {
	logger  *slog.Logger
	manager SessionManager
	handler *MessageHandler

	session      Session
	namespaces   []string
	creationInfo *CreateRouteRequestInfo
	observers    callbackList[SessionObserver]
}

func NewSessionController(manager SessionManager, logger *slog.Logger) *SessionController {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SessionController{
		logger:  logger,
		manager: manager,
	}
}

func (c *SessionController) setMessageHandler(h *MessageHandler) {
	c.handler = h
}

// AttachToCastSession binds the controller to s. Attaching the session that is
// already attached does nothing.
func (c *SessionController) AttachToCastSession(s Session) {
	if s == nil || c.session == s {
		return
	}
	if c.session != nil {
		c.DetachFromCastSession()
	}

	c.session = s
	s.AddListener(c)
	c.UpdateNamespaces()
	c.logger.Debug("session_attached", "session_id", s.SessionID())
}

func (c *SessionController) DetachFromCastSession() {
	if c.session == nil {
		return
	}

	for _, ns := range c.namespaces {
		c.session.RemoveMessageReceivedCallback(ns)
	}
	c.namespaces = nil
	c.session.RemoveListener(c)
	c.logger.Debug("session_detached", "session_id", c.session.SessionID())
	c.session = nil
}

// UpdateNamespaces registers message callbacks for namespaces the receiver
// application started supporting and drops those it no longer supports.
func (c *SessionController) UpdateNamespaces() {
	if !c.IsConnected() {
		return
	}
	meta := c.session.ApplicationMetadata()
	if meta == nil {
		return
	}

	var current []string
	for _, ns := range meta.Namespaces {
		if ns != "" && !slices.Contains(current, ns) {
			current = append(current, ns)
		}
	}

	kept := c.namespaces[:0:0]
	for _, ns := range c.namespaces {
		if slices.Contains(current, ns) {
			kept = append(kept, ns)
			continue
		}
		c.session.RemoveMessageReceivedCallback(ns)
	}
	for _, ns := range current {
		if slices.Contains(kept, ns) {
			continue
		}
		c.session.SetMessageReceivedCallback(ns, c.OnMessageReceived)
		kept = append(kept, ns)
	}
	c.namespaces = kept
}

func (c *SessionController) OnApplicationStatusChanged() {
	c.sessionChanged()
}

func (c *SessionController) OnApplicationMetadataChanged() {
	c.sessionChanged()
}

func (c *SessionController) OnVolumeChanged() {
	c.sessionChanged()
	if c.handler != nil {
		c.handler.OnVolumeChanged()
	}
}

func (c *SessionController) sessionChanged() {
	c.UpdateNamespaces()
	if c.handler != nil {
		c.handler.broadcastClientMessage("update_session", c.handler.BuildSessionMessage())
	}
}

// OnMessageReceived is registered as the callback of every observed namespace.
func (c *SessionController) OnMessageReceived(device Sink, namespace, message string) {
	c.logger.Debug("session_message_received", "device", device.ID, "namespace", namespace)
	if c.handler != nil {
		c.handler.OnMessageReceived(namespace, message)
	}
	if namespace != MediaNamespace || c.session == nil {
		return
	}
	if media := c.session.RemoteMedia(); media != nil {
		media.OnMessageReceived(namespace, message)
	}
}

func (c *SessionController) IsConnected() bool {
	return c.session != nil && c.session.IsConnected()
}

// Session returns the attached session or nil.
func (c *SessionController) Session() Session {
	return c.session
}

// SessionID returns the id of the attached session, connected or not.
func (c *SessionController) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.SessionID()
}

// Capabilities lists the receiver capability names of the attached device.
func (c *SessionController) Capabilities() []string {
	if !c.IsConnected() {
		return []string{}
	}
	return c.session.Device().Capabilities.Names()
}

func (c *SessionController) Namespaces() []string {
	return slices.Clone(c.namespaces)
}

// Sink returns the device of the attached session, falling back to the sink of
// the last launch request.
func (c *SessionController) Sink() (Sink, bool) {
	if c.session != nil {
		return c.session.Device(), true
	}
	if c.creationInfo != nil {
		return c.creationInfo.Sink, true
	}
	return Sink{}, false
}

// Source returns the source of the last launch request, or nil.
func (c *SessionController) Source() *Source {
	if c.creationInfo == nil {
		return nil
	}
	return c.creationInfo.Source
}

// CreationInfo returns the last launch request, or nil.
func (c *SessionController) CreationInfo() *CreateRouteRequestInfo {
	return c.creationInfo
}

// RequestSessionLaunch asks the platform to start a session for info. The
// result arrives through the SessionManagerListener callbacks.
func (c *SessionController) RequestSessionLaunch(info *CreateRouteRequestInfo) {
	c.creationInfo = info
	c.logger.Info("session_launch_requested", "sink_id", info.Sink.ID, "app_id", info.Source.AppID)
	c.manager.StartSession(info.Sink, info.Source.AppID)
}

// EndSession stops the receiver application of the current session.
func (c *SessionController) EndSession() {
	c.manager.EndCurrentSession(true)
}

func (c *SessionController) AddCallback(o SessionObserver) {
	c.observers.add(o)
}

func (c *SessionController) RemoveCallback(o SessionObserver) {
	c.observers.remove(o)
}

func (c *SessionController) OnSessionStarted() {
	c.observers.each(func(o SessionObserver) { o.OnSessionStarted() })
}

func (c *SessionController) OnSessionEnded() {
	if c.handler != nil {
		c.handler.OnSessionEnded()
	}
	c.observers.each(func(o SessionObserver) { o.OnSessionEnded() })
}
