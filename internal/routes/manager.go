// Package routes exposes the route provider to callers outside the event
// loop. Every provider call is marshalled onto the loop and every route
// outcome is awaited through the hub.
package routes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/cast-router/internal/castsession"
	"go2tv.app/cast-router/internal/discovery"
	"go2tv.app/cast-router/internal/domain"
	"go2tv.app/cast-router/internal/hub"
	"go2tv.app/cast-router/internal/router"
)

const DefaultRouteTimeout = 30 * time.Second

type executor interface {
	Do(ctx context.Context, fn func()) error
}

// routeProvider is the part of *router.Provider the manager drives. It is
// only called on the loop.
type routeProvider interface {
	UpdateSinks(sinks []router.Sink)
	StartObservingSinks(sourceID string)
	StopObservingSinks(sourceID string)
	CreateRoute(sourceID, sinkID, presentationID, origin string, tabID int, offTheRecord bool, nativeRequestID int)
	JoinRoute(sourceID, presentationID, origin string, tabID int, nativeRequestID int)
	CloseRoute(routeID string)
	DetachRoute(routeID string)
	SendStringMessage(routeID, message string) bool
	Routes() []router.Route
	ClientRecords() []router.ClientRecord
}

// sessionReporter is the part of *castsession.Manager the manager drives. It
// is only called on the loop.
type sessionReporter interface {
	Status() (castsession.Status, bool)
	Close()
}

type sinkLister interface {
	ListSinks(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Sink, error)
}

type Config struct {
	Logger       *slog.Logger
	Loop         executor
	Provider     routeProvider
	Hub          *hub.Hub
	Sessions     sessionReporter
	Discovery    sinkLister
	RouteTimeout time.Duration
}

var (
	_ routeProvider   = (*router.Provider)(nil)
	_ sessionReporter = (*castsession.Manager)(nil)
	_ sinkLister      = (*discovery.Service)(nil)
)

type Manager struct {
	logger       *slog.Logger
	loop         executor
	provider     routeProvider
	hub          *hub.Hub
	sessions     sessionReporter
	discovery    sinkLister
	routeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error

	mu     sync.Mutex
	closed bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = DefaultRouteTimeout
	}
	return &Manager{
		logger:       cfg.Logger,
		loop:         cfg.Loop,
		provider:     cfg.Provider,
		hub:          cfg.Hub,
		sessions:     cfg.Sessions,
		discovery:    cfg.Discovery,
		routeTimeout: cfg.RouteTimeout,
	}
}

// ListSinks discovers sinks on the network and makes them available to
// CreateRoute.
func (m *Manager) ListSinks(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Sink, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if m.discovery == nil {
		return nil, toolError("INTERNAL_ERROR", "discovery service is not configured")
	}

	sinks, err := m.discovery.ListSinks(ctx, timeoutMS, includeUnreachable)
	if err != nil {
		return nil, toolError("DISCOVERY_FAILED", err.Error())
	}
	known := make([]router.Sink, 0, len(sinks))
	for _, sink := range sinks {
		known = append(known, discovery.ToRouterSink(sink))
	}
	if err := m.onLoop(ctx, func() { m.provider.UpdateSinks(known) }); err != nil {
		return nil, err
	}
	return sinks, nil
}

// SinksForSource returns the sinks able to play sourceID, observing the
// network once.
func (m *Manager) SinksForSource(ctx context.Context, sourceID string) ([]domain.Sink, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	sinks, err := m.observe(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Sink, 0, len(sinks))
	for _, sink := range sinks {
		out = append(out, fromRouterSink(sink))
	}
	return out, nil
}

func (m *Manager) observe(ctx context.Context, sourceID string) ([]router.Sink, error) {
	watch := m.hub.WatchSinks(sourceID)
	if err := m.onLoop(ctx, func() { m.provider.StartObservingSinks(sourceID) }); err != nil {
		return nil, err
	}

	select {
	case sinks := <-watch:
		return sinks, nil
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.loop.Do(stopCtx, func() { m.provider.StopObservingSinks(sourceID) })
		return nil, toolError("DISCOVERY_FAILED", ctx.Err().Error())
	}
}

// CreateRoute launches the source's receiver on a sink. A sink unknown to
// the provider triggers one observation for the source before giving up.
func (m *Manager) CreateRoute(ctx context.Context, req domain.CreateRouteRequest) (*domain.RouteResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	req.SinkID = strings.TrimSpace(req.SinkID)
	if req.SourceID == "" || req.SinkID == "" {
		return nil, toolError("INVALID_ARGUMENT", "source_id and sink_id are required")
	}

	create := func(id int) {
		m.provider.CreateRoute(req.SourceID, req.SinkID, req.PresentationID, req.Origin, req.TabID, req.OffTheRecord, id)
	}
	outcome, err := m.request(ctx, create)
	if err != nil {
		return nil, err
	}

	var reqErr *hub.RequestError
	if errors.As(outcome.Err, &reqErr) && reqErr.Reason == router.ReasonNoSink {
		m.logger.Debug("create_route_refreshing_sinks", "sink_id", req.SinkID)
		if _, err := m.observe(ctx, req.SourceID); err != nil {
			return nil, err
		}
		if outcome, err = m.request(ctx, create); err != nil {
			return nil, err
		}
	}
	return routeResult(outcome)
}

// JoinRoute attaches to the running session when the source's auto-join
// policy allows it.
func (m *Manager) JoinRoute(ctx context.Context, req domain.JoinRouteRequest) (*domain.RouteResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SourceID == "" || strings.TrimSpace(req.PresentationID) == "" {
		return nil, toolError("INVALID_ARGUMENT", "source_id and presentation_id are required")
	}

	outcome, err := m.request(ctx, func(id int) {
		m.provider.JoinRoute(req.SourceID, req.PresentationID, req.Origin, req.TabID, id)
	})
	if err != nil {
		return nil, err
	}
	return routeResult(outcome)
}

func (m *Manager) CloseRoute(ctx context.Context, routeID string) (*domain.RouteActionResult, error) {
	return m.routeAction(ctx, routeID, "closed", func() { m.provider.CloseRoute(routeID) })
}

func (m *Manager) DetachRoute(ctx context.Context, routeID string) (*domain.RouteActionResult, error) {
	return m.routeAction(ctx, routeID, "detached", func() { m.provider.DetachRoute(routeID) })
}

func (m *Manager) routeAction(ctx context.Context, routeID, action string, call func()) (*domain.RouteActionResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if !m.hub.RouteExists(routeID) {
		return nil, routeNotFoundError(routeID)
	}
	if err := m.onLoop(ctx, call); err != nil {
		return nil, err
	}
	m.logger.Info("route_"+action, "route_id", routeID)
	return &domain.RouteActionResult{OK: true, RouteID: routeID, Action: action}, nil
}

// SendClientMessage hands one client protocol message to the route's
// message handler.
func (m *Manager) SendClientMessage(ctx context.Context, routeID, message string) (*domain.RouteActionResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if !m.hub.RouteExists(routeID) {
		return nil, routeNotFoundError(routeID)
	}

	var accepted bool
	if err := m.onLoop(ctx, func() { accepted = m.provider.SendStringMessage(routeID, message) }); err != nil {
		return nil, err
	}
	m.hub.ClientMessageReceived()
	if !accepted {
		return nil, &domain.ToolError{
			Code:    "MESSAGE_REJECTED",
			Message: "the client message was not handled",
			SuggestedFixes: []string{
				"Check that the message is a JSON object with type, clientId and message fields.",
				"Send client_connect before session messages.",
			},
			Details: map[string]any{"route_id": routeID},
		}
	}
	return &domain.RouteActionResult{OK: true, RouteID: routeID, Action: "sent"}, nil
}

// PollClientMessages drains the messages routed to the client of routeID.
func (m *Manager) PollClientMessages(_ context.Context, routeID string) (*domain.ClientMessages, error) {
	drained, ok := m.hub.Drain(routeID)
	if !ok {
		return nil, routeNotFoundError(routeID)
	}
	return &drained, nil
}

// ListRoutes reports the open routes with their client state, the routes
// closed since their queue was last drained and the physical session.
func (m *Manager) ListRoutes(ctx context.Context) (*domain.RouteList, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	var (
		open    []router.Route
		records []router.ClientRecord
		status  castsession.Status
		active  bool
	)
	if err := m.onLoop(ctx, func() {
		open = m.provider.Routes()
		records = m.provider.ClientRecords()
		if m.sessions != nil {
			status, active = m.sessions.Status()
		}
	}); err != nil {
		return nil, err
	}

	byRoute := make(map[string]router.ClientRecord, len(records))
	for _, record := range records {
		byRoute[record.RouteID] = record
	}
	list := &domain.RouteList{Routes: make([]domain.RouteInfo, 0, len(open))}
	seen := make(map[string]bool, len(open))
	for _, route := range open {
		info := domain.RouteInfo{
			RouteID:        route.ID,
			SinkID:         route.SinkID,
			SourceID:       route.SourceID,
			PresentationID: route.PresentationID,
			Origin:         route.Origin,
			TabID:          route.TabID,
			Local:          route.Local,
		}
		if record, ok := byRoute[route.ID]; ok {
			info.ClientID = record.ClientID
			info.Connected = record.Connected
		}
		seen[route.ID] = true
		list.Routes = append(list.Routes, info)
	}
	for _, info := range m.hub.Routes() {
		if info.Closed && !seen[info.RouteID] {
			list.Routes = append(list.Routes, info)
		}
	}

	if active {
		list.Session = &domain.SessionInfo{
			SessionID:   status.SessionID,
			SinkID:      status.SinkID,
			AppID:       status.AppID,
			State:       status.State,
			StatusText:  status.StatusText,
			MediaLoaded: status.MediaLoaded,
		}
		if status.MediaLoaded {
			list.Session.PlayerState = status.Media.PlayerState
			list.Session.MediaTitle = status.Media.MediaTitle
			list.Session.CurrentTime = float64(status.Media.CurrentTime)
			list.Session.Duration = float64(status.Media.Duration)
		}
	}
	return list, nil
}

// Close ends the physical session without stopping the receiver
// application. Later calls return the first result.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		if m.sessions == nil {
			return
		}
		m.closeErr = m.loop.Do(ctx, m.sessions.Close)
	})
	return m.closeErr
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return toolError("INTERNAL_ERROR", "route manager is shutting down")
	}
	if m.loop == nil || m.provider == nil || m.hub == nil {
		return toolError("INTERNAL_ERROR", "route manager is not configured")
	}
	return nil
}

func (m *Manager) onLoop(ctx context.Context, fn func()) error {
	if err := m.loop.Do(ctx, fn); err != nil {
		return toolError("INTERNAL_ERROR", fmt.Sprintf("event loop unavailable: %v", err))
	}
	return nil
}

// request runs call on the loop with a fresh native request id and waits for
// the route outcome.
func (m *Manager) request(ctx context.Context, call func(nativeRequestID int)) (hub.Outcome, error) {
	id, wait := m.hub.Expect()
	if err := m.onLoop(ctx, func() { call(id) }); err != nil {
		m.hub.Abandon(id)
		return hub.Outcome{}, err
	}

	timer := time.NewTimer(m.routeTimeout)
	defer timer.Stop()
	select {
	case outcome := <-wait:
		return outcome, nil
	case <-timer.C:
		m.hub.Abandon(id)
		return hub.Outcome{}, &domain.ToolError{
			Code:           "ROUTE_TIMEOUT",
			Message:        fmt.Sprintf("no route outcome within %s", m.routeTimeout),
			SuggestedFixes: []string{"Check that the receiver is powered on and reachable, then retry."},
		}
	case <-ctx.Done():
		m.hub.Abandon(id)
		return hub.Outcome{}, toolError("INTERNAL_ERROR", ctx.Err().Error())
	}
}

func routeResult(outcome hub.Outcome) (*domain.RouteResult, error) {
	if outcome.Err != nil {
		return nil, requestError(outcome.Err)
	}
	return &domain.RouteResult{
		OK:      true,
		RouteID: outcome.RouteID,
		SinkID:  outcome.SinkID,
		IsLocal: outcome.IsLocal,
	}, nil
}

var reasonCodes = map[string]string{
	router.ReasonUnsupportedSource:       "UNSUPPORTED_SOURCE",
	router.ReasonNoSink:                  "SINK_NOT_FOUND",
	router.ReasonRequestReplaced:         "REQUEST_REPLACED",
	router.ReasonLaunchError:             "LAUNCH_FAILED",
	router.ReasonUnsupportedPresentation: "UNSUPPORTED_PRESENTATION",
	router.ReasonNoPresentation:          "NO_PRESENTATION",
	router.ReasonNoMatchingRoute:         "NO_MATCHING_ROUTE",
}

func requestError(err error) *domain.ToolError {
	var reqErr *hub.RequestError
	if !errors.As(err, &reqErr) {
		return toolError("INTERNAL_ERROR", err.Error())
	}
	code, ok := reasonCodes[reqErr.Reason]
	if !ok {
		code = "ROUTE_REQUEST_FAILED"
	}
	tErr := &domain.ToolError{Code: code, Message: reqErr.Reason}
	switch reqErr.Reason {
	case router.ReasonNoSink:
		tErr.SuggestedFixes = []string{"Call list_sinks and use one of the returned sink ids."}
	case router.ReasonUnsupportedSource:
		tErr.SuggestedFixes = []string{"Use a cast:<appId>?clientId=... source id."}
	}
	return tErr
}

func toolError(code, message string) *domain.ToolError {
	return &domain.ToolError{Code: code, Message: message}
}

func routeNotFoundError(routeID string) *domain.ToolError {
	return &domain.ToolError{
		Code:           "ROUTE_NOT_FOUND",
		Message:        fmt.Sprintf("no route with id %q", routeID),
		SuggestedFixes: []string{"Call list_routes to see the open routes."},
	}
}

func fromRouterSink(sink router.Sink) domain.Sink {
	out := domain.Sink{
		ID:           sink.ID,
		Name:         sink.Name,
		Type:         "Chromecast",
		Address:      sink.Address,
		Capabilities: sink.Capabilities.Names(),
		IsAudioOnly:  !sink.Capabilities.Has(router.CapabilityVideoOut),
	}
	if host, port, err := net.SplitHostPort(sink.Address); err == nil {
		out.Host = host
		out.Port, _ = strconv.Atoi(port)
	}
	return out
}
