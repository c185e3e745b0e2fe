// Package metrics exposes route and tool counters on a private prometheus
// registry.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "cast_router"

// Metrics records route and tool activity. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	routesOpen    prometheus.Gauge
	routeCreated  *prometheus.CounterVec
	routeClosed   *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
	clientMsgs    *prometheus.CounterVec
	clientDropped prometheus.Counter
	toolExecCnt   *prometheus.CounterVec
	toolExecDur   *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	routesOpen := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "routes_open"})
	routeCreated := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "routes_created_total"}, []string{"local"})
	routeClosed := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "routes_closed_total"}, []string{"cause"})
	requestErrors := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "route_request_errors_total"}, []string{"request", "reason"})
	r.MustRegister(routesOpen, routeCreated, routeClosed, requestErrors)

	clientMsgs := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "client_messages_total"}, []string{"direction"})
	clientDropped := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "client_messages_dropped_total"})
	r.MustRegister(clientMsgs, clientDropped)

	toolExecCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "tool_execution_total"}, []string{"tool_name", "status"})
	toolExecDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "tool_execution_duration_seconds"}, []string{"tool_name", "status"})
	r.MustRegister(toolExecCnt, toolExecDur)

	return &Metrics{
		registry:      r,
		routesOpen:    routesOpen,
		routeCreated:  routeCreated,
		routeClosed:   routeClosed,
		requestErrors: requestErrors,
		clientMsgs:    clientMsgs,
		clientDropped: clientDropped,
		toolExecCnt:   toolExecCnt,
		toolExecDur:   toolExecDur,
	}
}

func (m *Metrics) RouteCreated(local bool) {
	if m == nil {
		return
	}
	label := "false"
	if local {
		label = "true"
	}
	m.routeCreated.WithLabelValues(label).Inc()
	m.routesOpen.Inc()
}

// RouteClosed records the end of a route; cause is "closed", "error" or
// "terminated".
func (m *Metrics) RouteClosed(cause string) {
	if m == nil {
		return
	}
	m.routeClosed.WithLabelValues(cause).Inc()
	m.routesOpen.Dec()
}

func (m *Metrics) RequestError(request, reason string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(request, reason).Inc()
}

func (m *Metrics) ClientMessage(direction string) {
	if m == nil {
		return
	}
	m.clientMsgs.WithLabelValues(direction).Inc()
}

func (m *Metrics) ClientMessageDropped() {
	if m == nil {
		return
	}
	m.clientDropped.Inc()
}

func (m *Metrics) ToolExecDone(toolName string, since time.Time, status string) {
	if m == nil {
		return
	}
	m.toolExecCnt.WithLabelValues(toolName, status).Inc()
	m.toolExecDur.WithLabelValues(toolName, status).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
