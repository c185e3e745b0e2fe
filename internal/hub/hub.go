// Package hub implements router.RouteManager for callers outside the event
// loop: it hands out native request ids, turns route callbacks into waitable
// outcomes and queues outbound client messages per route.
package hub

import (
	"io"
	"log/slog"
	"slices"
	"sync"

	"go2tv.app/cast-router/internal/domain"
	"go2tv.app/cast-router/internal/metrics"
	"go2tv.app/cast-router/internal/router"
)

const DefaultQueueCap = 256

// RequestError carries the reason a create or join request was refused.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string {
	return e.Reason
}

// Outcome resolves a create or join request.
type Outcome struct {
	RouteID string
	SinkID  string
	IsLocal bool
	Err     error
}

type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	QueueCap int
}

type routeState struct {
	info       domain.RouteInfo
	outbox     []string
	dropped    int
	closed     bool
	closeError string
}

// Hub is safe for concurrent use.
type Hub struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	queueCap int

	mu            sync.Mutex
	nextRequestID int
	waiters       map[int]chan Outcome
	sinkWaiters   map[string][]chan []router.Sink
	routes        map[string]*routeState
	order         []string
}

var _ router.RouteManager = (*Hub)(nil)

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	return &Hub{
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		queueCap:    cfg.QueueCap,
		waiters:     map[int]chan Outcome{},
		sinkWaiters: map[string][]chan []router.Sink{},
		routes:      map[string]*routeState{},
	}
}

// Expect allocates a native request id whose outcome is delivered on the
// returned channel exactly once.
func (h *Hub) Expect() (int, <-chan Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextRequestID++
	ch := make(chan Outcome, 1)
	h.waiters[h.nextRequestID] = ch
	return h.nextRequestID, ch
}

// Abandon forgets a request whose caller stopped waiting.
func (h *Hub) Abandon(nativeRequestID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, nativeRequestID)
}

// WatchSinks returns a channel receiving the next sink list for sourceID.
func (h *Hub) WatchSinks(sourceID string) <-chan []router.Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []router.Sink, 1)
	h.sinkWaiters[sourceID] = append(h.sinkWaiters[sourceID], ch)
	return ch
}

func (h *Hub) OnSinksReceived(sourceID string, _ router.RouteProvider, sinks []router.Sink) {
	h.mu.Lock()
	waiters := h.sinkWaiters[sourceID]
	delete(h.sinkWaiters, sourceID)
	h.mu.Unlock()

	h.logger.Debug("sinks_received", "source_id", sourceID, "count", len(sinks))
	for _, ch := range waiters {
		ch <- slices.Clone(sinks)
	}
}

func (h *Hub) OnRouteCreated(routeID, sinkID string, nativeRequestID int, _ router.RouteProvider, isLocal bool) {
	h.mu.Lock()
	h.routes[routeID] = &routeState{info: domain.RouteInfo{RouteID: routeID, SinkID: sinkID, Local: isLocal}}
	h.order = append(h.order, routeID)
	h.mu.Unlock()

	h.metrics.RouteCreated(isLocal)
	h.resolve(nativeRequestID, Outcome{RouteID: routeID, SinkID: sinkID, IsLocal: isLocal})
}

func (h *Hub) OnRouteClosed(routeID, errMsg string) {
	cause := "closed"
	if errMsg != "" {
		cause = "error"
	}
	h.markClosed(routeID, errMsg, cause)
}

func (h *Hub) OnRouteTerminated(routeID string) {
	h.markClosed(routeID, "", "terminated")
}

func (h *Hub) markClosed(routeID, errMsg, cause string) {
	h.mu.Lock()
	state, ok := h.routes[routeID]
	if ok && !state.closed {
		state.closed = true
		state.closeError = errMsg
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		h.metrics.RouteClosed(cause)
		h.logger.Debug("route_closed", "route_id", routeID, "cause", cause, "error", errMsg)
	}
}

func (h *Hub) OnCreateRouteRequestError(reason string, nativeRequestID int) {
	h.metrics.RequestError("create", reason)
	h.resolve(nativeRequestID, Outcome{Err: &RequestError{Reason: reason}})
}

func (h *Hub) OnJoinRouteRequestError(reason string, nativeRequestID int) {
	h.metrics.RequestError("join", reason)
	h.resolve(nativeRequestID, Outcome{Err: &RequestError{Reason: reason}})
}

// OnMessage queues message for routeID. The oldest message is dropped when the
// queue is full.
func (h *Hub) OnMessage(routeID, message string) {
	h.mu.Lock()
	state, ok := h.routes[routeID]
	dropped := false
	if ok {
		if len(state.outbox) >= h.queueCap {
			state.outbox = state.outbox[1:]
			state.dropped++
			dropped = true
		}
		state.outbox = append(state.outbox, message)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("route_message_dropped", "route_id", routeID)
		return
	}
	h.metrics.ClientMessage("outbound")
	if dropped {
		h.metrics.ClientMessageDropped()
	}
}

// Drain returns and clears the queued messages of routeID. A closed route is
// forgotten once drained.
func (h *Hub) Drain(routeID string) (domain.ClientMessages, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.routes[routeID]
	if !ok {
		return domain.ClientMessages{}, false
	}
	out := domain.ClientMessages{
		RouteID:  routeID,
		Messages: state.outbox,
		Dropped:  state.dropped,
		Closed:   state.closed,
	}
	if out.Messages == nil {
		out.Messages = []string{}
	}
	state.outbox = nil
	state.dropped = 0
	if state.closed {
		h.forgetLocked(routeID)
	}
	return out, true
}

// Routes lists the routes the hub knows of, closed ones included until they
// are drained.
func (h *Hub) Routes() []domain.RouteInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.RouteInfo, 0, len(h.order))
	for _, id := range h.order {
		state := h.routes[id]
		info := state.info
		info.Closed = state.closed
		info.CloseError = state.closeError
		out = append(out, info)
	}
	return out
}

func (h *Hub) RouteExists(routeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.routes[routeID]
	return ok && !state.closed
}

func (h *Hub) ClientMessageReceived() {
	h.metrics.ClientMessage("inbound")
}

func (h *Hub) forgetLocked(routeID string) {
	delete(h.routes, routeID)
	if idx := slices.Index(h.order, routeID); idx >= 0 {
		h.order = slices.Delete(h.order, idx, idx+1)
	}
}

func (h *Hub) resolve(nativeRequestID int, outcome Outcome) {
	h.mu.Lock()
	ch, ok := h.waiters[nativeRequestID]
	delete(h.waiters, nativeRequestID)
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("route_request_unclaimed", "native_request_id", nativeRequestID)
		return
	}
	ch <- outcome
}
