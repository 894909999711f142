// Package metrics exposes rconsole's Prometheus instruments and keeps them
// current from EventBus traffic.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/rconsole/internal/events"
)

const namespace = "rconsole"

// sessionStates lists every label value of the session_state gauge.
var sessionStates = []string{"disconnected", "connecting", "awaiting_auth", "ready", "closed", "failed"}

// Metrics owns a registry and the instruments registered on it.
type Metrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration prometheus.Histogram
	sessionState    *prometheus.GaugeVec
	packetsDropped  *prometheus.CounterVec
	reconnects      prometheus.Counter
	keepaliveFails  prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the instruments on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "RCON commands by outcome.",
			},
			[]string{"outcome"},
		),
		commandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Time from sending a command to its complete response.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "1 for the current session state, 0 otherwise.",
			},
			[]string{"state"},
		),
		packetsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Undecodable frames dropped by the session.",
			},
			[]string{"resynced"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Reconnect attempts scheduled by the connector.",
			},
		),
		keepaliveFails: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_failures_total",
				Help:      "Keepalive probes that failed and forced a reconnect.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		m.commands,
		m.commandDuration,
		m.sessionState,
		m.packetsDropped,
		m.reconnects,
		m.keepaliveFails,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetSessionState("disconnected")
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand counts one finished command.
func (m *Metrics) ObserveCommand(outcome string, took time.Duration) {
	m.commands.WithLabelValues(outcome).Inc()
	if outcome == events.OutcomeOK {
		m.commandDuration.Observe(took.Seconds())
	}
}

// SetSessionState marks state as the current one.
func (m *Metrics) SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// ObserveDrop counts one dropped frame.
func (m *Metrics) ObserveDrop(resynced bool) {
	m.packetsDropped.WithLabelValues(strconv.FormatBool(resynced)).Inc()
}

// Subscribe keeps the instruments current from bus events.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventCommandCompleted, "metrics", func(_ context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.CommandPayload); ok {
			m.ObserveCommand(p.Outcome, p.Duration)
		}
		return nil
	})
	bus.Subscribe(events.EventSessionState, "metrics", func(_ context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.SessionStatePayload); ok {
			m.SetSessionState(p.To)
		}
		return nil
	})
	bus.Subscribe(events.EventPacketDropped, "metrics", func(_ context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.PacketDroppedPayload); ok {
			m.ObserveDrop(p.Resynced)
		}
		return nil
	})
	bus.Subscribe(events.EventReconnectScheduled, "metrics", func(context.Context, events.Event) error {
		m.reconnects.Inc()
		return nil
	})
	bus.Subscribe(events.EventKeepaliveFailed, "metrics", func(context.Context, events.Event) error {
		m.keepaliveFails.Inc()
		return nil
	})
}

// GinMiddleware records request counts and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
