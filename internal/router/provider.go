package router

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"time"
)

const DefaultDiscoveryTimeout = 5 * time.Second

// Config tunes a Provider. The zero value is usable.
type Config struct {
	Logger          *slog.Logger
	RequestTableCap int

	// LastRemovedTTL bounds how long a removed route still counts as the
	// reference for tab and origin scoped auto-join. Zero keeps it until the
	// next removal.
	LastRemovedTTL time.Duration
	Now            func() time.Time

	// Discovery and Post enable StartObservingSinks. Post must run fn on the
	// goroutine that owns the Provider.
	Discovery        SinkDiscovery
	Post             func(fn func()) bool
	DiscoveryTimeout time.Duration
}

var (
	_ RouteProvider          = (*Provider)(nil)
	_ SessionManagerListener = (*Provider)(nil)
	_ clientRegistry         = (*Provider)(nil)
)

type observation struct {
	cancel context.CancelFunc
}

// Provider owns the route table and mediates route creation, joining and
// closing against one SessionController.
type Provider struct {
	logger   *slog.Logger
	manager  RouteManager
	sessions SessionManager
	cfg      Config

	controller *SessionController
	handler    *MessageHandler

	routes        []*Route
	records       []*ClientRecord
	lastRemoved   *ClientRecord
	lastRemovedAt time.Time

	pending   *CreateRouteRequestInfo
	listening bool
	suspended Session

	sinks     map[string]Sink
	observing map[string]*observation
}

func NewProvider(sessions SessionManager, manager RouteManager, cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}

	p := &Provider{
		logger:    cfg.Logger,
		manager:   manager,
		sessions:  sessions,
		cfg:       cfg,
		sinks:     map[string]Sink{},
		observing: map[string]*observation{},
	}
	p.controller = NewSessionController(sessions, cfg.Logger)
	p.handler = newMessageHandler(p.controller, p, cfg.RequestTableCap, cfg.Logger)
	return p
}

func (p *Provider) SessionController() *SessionController { return p.controller }

func (p *Provider) MessageHandler() *MessageHandler { return p.handler }

// PendingCreateRouteRequestInfo returns the create request waiting for a
// session, or nil.
func (p *Provider) PendingCreateRouteRequestInfo() *CreateRouteRequestInfo {
	return p.pending
}

// Routes returns a copy of the open routes in creation order.
func (p *Provider) Routes() []Route {
	out := make([]Route, 0, len(p.routes))
	for _, route := range p.routes {
		out = append(out, *route)
	}
	return out
}

// ClientRecords returns a copy of every client record in route order.
func (p *Provider) ClientRecords() []ClientRecord {
	out := make([]ClientRecord, 0, len(p.records))
	for _, record := range p.records {
		out = append(out, *record)
	}
	return out
}

// ClientRecord returns the live record of clientID, or nil.
func (p *Provider) ClientRecord(clientID string) *ClientRecord {
	return p.clientRecord(clientID)
}

func (p *Provider) SupportsSource(sourceID string) bool {
	_, err := ParseSource(sourceID)
	return err == nil
}

// UpdateSinks merges sinks into the set CreateRoute resolves sink ids from.
func (p *Provider) UpdateSinks(sinks []Sink) {
	for _, sink := range sinks {
		if sink.ID != "" {
			p.sinks[sink.ID] = sink
		}
	}
}

// StartObservingSinks discovers sinks in the background and reports the ones
// able to play sourceID to the RouteManager.
func (p *Provider) StartObservingSinks(sourceID string) {
	source, err := ParseSource(sourceID)
	if err != nil {
		p.manager.OnSinksReceived(sourceID, p, []Sink{})
		return
	}
	if p.cfg.Discovery == nil || p.cfg.Post == nil {
		p.manager.OnSinksReceived(sourceID, p, p.sinksFor(source))
		return
	}
	if _, ok := p.observing[sourceID]; ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DiscoveryTimeout)
	obs := &observation{cancel: cancel}
	p.observing[sourceID] = obs
	discovery := p.cfg.Discovery

	go func() {
		defer cancel()
		sinks, err := discovery.DiscoverSinks(ctx)
		p.cfg.Post(func() {
			p.onSinksDiscovered(sourceID, source, obs, sinks, err)
		})
	}()
}

func (p *Provider) StopObservingSinks(sourceID string) {
	obs, ok := p.observing[sourceID]
	if !ok {
		return
	}
	delete(p.observing, sourceID)
	obs.cancel()
}

func (p *Provider) onSinksDiscovered(sourceID string, source *Source, obs *observation, sinks []Sink, err error) {
	if p.observing[sourceID] != obs {
		return
	}
	delete(p.observing, sourceID)
	if err != nil {
		p.logger.Warn("sink_discovery_failed", "source_id", sourceID, "error", err)
	}
	p.UpdateSinks(sinks)
	p.manager.OnSinksReceived(sourceID, p, p.sinksFor(source))
}

func (p *Provider) sinksFor(source *Source) []Sink {
	out := []Sink{}
	for _, sink := range p.sinks {
		if source.Accepts(sink) {
			out = append(out, sink)
		}
	}
	slices.SortFunc(out, func(a, b Sink) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// CreateRoute launches the source's receiver application on sinkID. The route
// is reported once the session starts.
func (p *Provider) CreateRoute(sourceID, sinkID, presentationID, origin string, tabID int, offTheRecord bool, nativeRequestID int) {
	source, err := ParseSource(sourceID)
	if err != nil {
		p.logger.Info("create_route_rejected", "reason", ReasonUnsupportedSource, "source_id", sourceID)
		p.manager.OnCreateRouteRequestError(ReasonUnsupportedSource, nativeRequestID)
		return
	}
	sink, ok := p.sinks[sinkID]
	if !ok {
		p.logger.Info("create_route_rejected", "reason", ReasonNoSink, "sink_id", sinkID)
		p.manager.OnCreateRouteRequestError(ReasonNoSink, nativeRequestID)
		return
	}

	if previous := p.pending; previous != nil {
		p.pending = nil
		p.logger.Info("create_route_replaced", "native_request_id", previous.NativeRequestID)
		p.manager.OnCreateRouteRequestError(ReasonRequestReplaced, previous.NativeRequestID)
	}

	info := &CreateRouteRequestInfo{
		Source:          source,
		Sink:            sink,
		PresentationID:  presentationID,
		Origin:          origin,
		TabID:           tabID,
		OffTheRecord:    offTheRecord,
		NativeRequestID: nativeRequestID,
	}
	// Pending must be set first so the end of the current session is not
	// treated as the end of all routes.
	p.pending = info
	if p.controller.IsConnected() {
		p.controller.EndSession()
	}

	p.addSessionManagerListener()
	p.controller.RequestSessionLaunch(info)
}

// JoinRoute attaches a new route to the running session when the source's
// auto-join policy allows it.
func (p *Provider) JoinRoute(sourceID, presentationID, origin string, tabID int, nativeRequestID int) {
	source, err := ParseSource(sourceID)
	if err != nil || source.ClientID == "" {
		p.manager.OnJoinRouteRequestError(ReasonUnsupportedPresentation, nativeRequestID)
		return
	}
	if !p.controller.IsConnected() {
		p.manager.OnJoinRouteRequestError(ReasonNoPresentation, nativeRequestID)
		return
	}
	if !p.canJoinExistingSession(presentationID, origin, tabID, source) {
		p.manager.OnJoinRouteRequestError(ReasonNoMatchingRoute, nativeRequestID)
		return
	}

	sink, _ := p.controller.Sink()
	route := &Route{
		ID:             newRouteID(),
		SinkID:         sink.ID,
		SourceID:       sourceID,
		PresentationID: presentationID,
		Origin:         origin,
		TabID:          tabID,
	}
	p.AddRoute(route, origin, tabID, nativeRequestID, false)
}

func (p *Provider) canJoinExistingSession(presentationID, origin string, tabID int, source *Source) bool {
	sessionID := p.controller.SessionID()
	if sessionID != "" && presentationID == SessionPresentationIDPrefix+sessionID {
		return true
	}

	if p.sessionAppID() != source.AppID {
		return false
	}

	switch source.AutoJoinPolicy {
	case TabAndOriginScoped:
		refOrigin, refTab, ok := p.autoJoinReference()
		return ok && sameOrigin(refOrigin, origin) && refTab == tabID
	case OriginScoped, "":
		refOrigin, _, ok := p.autoJoinReference()
		return ok && sameOrigin(refOrigin, origin)
	default:
		return false
	}
}

func (p *Provider) sessionAppID() string {
	if session := p.controller.Session(); session != nil {
		if meta := session.ApplicationMetadata(); meta != nil && meta.AppID != "" {
			return meta.AppID
		}
	}
	if source := p.controller.Source(); source != nil {
		return source.AppID
	}
	return ""
}

// autoJoinReference returns the origin and tab auto-join requests are
// compared with: the launch request of the attached session while routes are
// open, else the most recently removed client.
func (p *Provider) autoJoinReference() (string, int, bool) {
	if len(p.records) > 0 {
		if info := p.controller.CreationInfo(); info != nil && info != p.pending {
			return info.Origin, info.TabID, true
		}
		return p.records[0].Origin, p.records[0].TabID, true
	}
	if p.lastRemoved == nil {
		return "", 0, false
	}
	if ttl := p.cfg.LastRemovedTTL; ttl > 0 && p.cfg.Now().Sub(p.lastRemovedAt) > ttl {
		return "", 0, false
	}
	return p.lastRemoved.Origin, p.lastRemoved.TabID, true
}

// AddRoute registers route together with its client record and reports it.
// A client id already in use hands its record over to the new route.
func (p *Provider) AddRoute(route *Route, origin string, tabID int, nativeRequestID int, wasLaunched bool) {
	source, err := ParseSource(route.SourceID)
	if err != nil {
		p.logger.Warn("add_route_rejected", "route_id", route.ID, "error", err)
		return
	}
	clientID := source.ClientID
	if clientID == "" {
		clientID = route.ID
	}
	if existing := p.clientRecord(clientID); existing != nil {
		p.RemoveRoute(existing.RouteID, "")
	}

	p.routes = append(p.routes, route)
	p.records = append(p.records, &ClientRecord{
		RouteID:        route.ID,
		ClientID:       clientID,
		AppID:          source.AppID,
		AutoJoinPolicy: source.AutoJoinPolicy,
		Origin:         origin,
		TabID:          tabID,
	})
	p.logger.Info("route_created", "route_id", route.ID, "sink_id", route.SinkID, "client_id", clientID, "local", wasLaunched)
	p.manager.OnRouteCreated(route.ID, route.SinkID, nativeRequestID, p, wasLaunched)
}

// RemoveRoute drops routeID and its client record. Unknown ids are ignored.
func (p *Provider) RemoveRoute(routeID, errMsg string) {
	idx := p.routeIndex(routeID)
	if idx < 0 {
		return
	}
	p.routes = slices.Delete(p.routes, idx, idx+1)
	if rIdx := p.recordIndexByRoute(routeID); rIdx >= 0 {
		p.lastRemoved = p.records[rIdx]
		p.lastRemovedAt = p.cfg.Now()
		p.records = slices.Delete(p.records, rIdx, rIdx+1)
	}
	p.logger.Info("route_removed", "route_id", routeID, "error", errMsg)
	p.manager.OnRouteClosed(routeID, errMsg)
}

func (p *Provider) RemoveAllRoutes(errMsg string) {
	for _, route := range slices.Clone(p.routes) {
		p.RemoveRoute(route.ID, errMsg)
	}
}

// TerminateAllRoutes drops every route because the session is gone.
func (p *Provider) TerminateAllRoutes() {
	routes := p.routes
	p.routes = nil
	p.records = nil
	for _, route := range routes {
		p.logger.Info("route_terminated", "route_id", route.ID)
		p.manager.OnRouteTerminated(route.ID)
	}
}

// DetachRoute forgets routeID without touching the session.
func (p *Provider) DetachRoute(routeID string) {
	p.RemoveRoute(routeID, "")
}

// CloseRoute stops casting for routeID. With a connected session the route
// stays until the session-ended callback terminates it.
func (p *Provider) CloseRoute(routeID string) {
	if p.routeIndex(routeID) < 0 {
		return
	}
	sink, ok := p.controller.Sink()
	if !p.controller.IsConnected() || !ok {
		p.RemoveRoute(routeID, "")
		return
	}
	if record := p.recordByRoute(routeID); record != nil {
		p.handler.sendReceiverAction(record.ClientID, sink, "stop")
	}
	p.controller.EndSession()
}

// SendStringMessage hands a client protocol message for routeID to the
// MessageHandler.
func (p *Provider) SendStringMessage(routeID, message string) bool {
	if p.routeIndex(routeID) < 0 {
		return false
	}
	return p.handler.HandleMessageFromClient(message)
}

func (p *Provider) addSessionManagerListener() {
	if p.listening {
		return
	}
	p.listening = true
	p.sessions.AddSessionManagerListener(p)
}

func (p *Provider) removeSessionManagerListener() {
	if !p.listening {
		return
	}
	p.listening = false
	p.sessions.RemoveSessionManagerListener(p)
}

func (p *Provider) OnSessionStarting(s Session) {
	p.logger.Debug("session_starting")
}

func (p *Provider) OnSessionStarted(s Session, sessionID string) {
	if s == nil || s != p.sessions.CurrentSession() {
		p.logger.Debug("session_started_ignored", "session_id", sessionID)
		return
	}
	if p.controller.Session() == s {
		return
	}

	info := p.pending
	if info != nil {
		if meta := s.ApplicationMetadata(); meta != nil && meta.AppID != "" && meta.AppID != info.Source.AppID {
			p.logger.Warn("session_app_mismatch", "session_id", sessionID, "want", info.Source.AppID, "got", meta.AppID)
			p.launchFailed()
			return
		}
	}

	if previous := p.controller.Session(); previous != nil && len(p.routes) > 0 {
		p.logger.Info("session_replaced", "previous_session_id", previous.SessionID(), "session_id", sessionID)
		p.TerminateAllRoutes()
	}
	p.controller.AttachToCastSession(s)
	p.controller.OnSessionStarted()
	p.logger.Info("session_started", "session_id", sessionID)

	if info == nil {
		return
	}
	p.pending = nil
	route := &Route{
		ID:             newRouteID(),
		SinkID:         info.Sink.ID,
		SourceID:       info.Source.ID,
		PresentationID: info.PresentationID,
		Origin:         info.Origin,
		TabID:          info.TabID,
		OffTheRecord:   info.OffTheRecord,
		Local:          true,
	}
	p.AddRoute(route, info.Origin, info.TabID, info.NativeRequestID, true)
	if record := p.recordByRoute(route.ID); record != nil {
		p.handler.sendReceiverAction(record.ClientID, info.Sink, "cast")
	}
}

func (p *Provider) OnSessionStartFailed(s Session, err error) {
	p.logger.Warn("session_start_failed", "error", err)
	p.launchFailed()
}

func (p *Provider) launchFailed() {
	info := p.pending
	if info == nil {
		return
	}
	p.RemoveAllRoutes(ReasonLaunchError)
	p.pending = nil
	p.manager.OnCreateRouteRequestError(ReasonLaunchError, info.NativeRequestID)
}

func (p *Provider) OnSessionEnding(s Session) {
	p.handleSessionEnded(s)
}

func (p *Provider) OnSessionEnded(s Session, err error) {
	if err != nil {
		p.logger.Info("session_ended_with_error", "error", err)
	}
	p.handleSessionEnded(s)
}

func (p *Provider) handleSessionEnded(s Session) {
	wasSuspended := s != nil && s == p.suspended
	if wasSuspended {
		p.suspended = nil
	}
	if p.pending != nil {
		p.logger.Debug("session_end_while_launching")
		p.handler.dropStopRequests()
		return
	}
	attached := p.controller.Session()
	if attached == nil && wasSuspended {
		// Reattach so the end sequence reports the suspended session's id.
		p.controller.AttachToCastSession(s)
		attached = s
	}
	if attached == nil || attached != s {
		return
	}

	p.controller.OnSessionEnded()
	p.controller.DetachFromCastSession()
	p.sessions.SelectDefaultRoute()
	p.TerminateAllRoutes()
	p.removeSessionManagerListener()
	p.logger.Info("session_ended")
}

func (p *Provider) OnSessionResuming(s Session, sessionID string) {
	p.logger.Debug("session_resuming", "session_id", sessionID)
}

func (p *Provider) OnSessionResumed(s Session, wasSuspended bool) {
	if p.suspended == s {
		p.suspended = nil
	}
	p.controller.AttachToCastSession(s)
}

// OnSessionResumeFailed terminates the routes of a suspended session that
// will not come back.
func (p *Provider) OnSessionResumeFailed(s Session, err error) {
	p.logger.Warn("session_resume_failed", "error", err)
	if s == nil || p.suspended != s {
		return
	}
	p.suspended = nil
	if p.pending != nil || p.controller.Session() != nil {
		return
	}
	p.TerminateAllRoutes()
	p.removeSessionManagerListener()
}

func (p *Provider) OnSessionSuspended(s Session, reason int) {
	p.logger.Info("session_suspended", "reason", reason)
	if attached := p.controller.Session(); attached != nil && attached == s {
		p.suspended = s
	}
	p.controller.DetachFromCastSession()
}

func (p *Provider) clientRecord(clientID string) *ClientRecord {
	for _, record := range p.records {
		if record.ClientID == clientID {
			return record
		}
	}
	return nil
}

func (p *Provider) clientRecords() []*ClientRecord {
	return slices.Clone(p.records)
}

func (p *Provider) removeRoute(routeID, errMsg string) {
	p.RemoveRoute(routeID, errMsg)
}

// sendMessageToClient queues message until clientID has connected.
func (p *Provider) sendMessageToClient(clientID, message string) {
	record := p.clientRecord(clientID)
	if record == nil {
		p.logger.Debug("client_message_dropped", "client_id", clientID)
		return
	}
	if !record.Connected {
		record.pending = append(record.pending, message)
		return
	}
	p.manager.OnMessage(record.RouteID, message)
}

func (p *Provider) routeIndex(routeID string) int {
	return slices.IndexFunc(p.routes, func(r *Route) bool { return r.ID == routeID })
}

func (p *Provider) recordIndexByRoute(routeID string) int {
	return slices.IndexFunc(p.records, func(r *ClientRecord) bool { return r.RouteID == routeID })
}

func (p *Provider) recordByRoute(routeID string) *ClientRecord {
	if idx := p.recordIndexByRoute(routeID); idx >= 0 {
		return p.records[idx]
	}
	return nil
}
