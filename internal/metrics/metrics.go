// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/leadline/internal/gateway"
)

const namespace = "leadline"

// Connection state values reported by the push_connected gauge.
const (
	connDown = 0
	connUp   = 1
)

// Metrics holds the collectors. Each instance owns its own registry so
// tests can create as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	anomalies  *prometheus.CounterVec
	drops      *prometheus.CounterVec
	reconnects prometheus.Counter
	connected  prometheus.Gauge
	sends      *prometheus.CounterVec
	requests   *prometheus.CounterVec
	rooms      prometheus.Gauge
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_anomalies_total",
			Help:      "Inputs the reconciler could not apply, by kind.",
		}, []string{"kind"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_frames_dropped_total",
			Help:      "Push frames that could not be decoded, by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_reconnect_attempts_total",
			Help:      "Push channel reconnect attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connected",
			Help:      "1 while the push channel is connected.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound sends, by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Messaging Gateway requests, by operation and outcome.",
		}, []string{"op", "outcome"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_visible",
			Help:      "Rooms currently visible to the viewer.",
		}),
	}
	m.reg.MustRegister(
		m.anomalies, m.drops, m.reconnects, m.connected, m.sends, m.requests, m.rooms,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Anomaly counts one reconciliation anomaly.
func (m *Metrics) Anomaly(kind string) {
	m.anomalies.WithLabelValues(kind).Inc()
}

// FrameDropped counts one undecodable push frame.
func (m *Metrics) FrameDropped(reason string) {
	m.drops.WithLabelValues(reason).Inc()
}

// Reconnect counts one reconnect attempt.
func (m *Metrics) Reconnect(int) {
	m.reconnects.Inc()
}

// Connected sets the connection gauge.
func (m *Metrics) Connected(up bool) {
	if up {
		m.connected.Set(connUp)
		return
	}
	m.connected.Set(connDown)
}

// Send counts one send by result.
func (m *Metrics) Send(err error) {
	if err != nil {
		m.sends.WithLabelValues("failed").Inc()
		return
	}
	m.sends.WithLabelValues("ok").Inc()
}

// Request counts one gateway request. It matches gateway.Opts.OnRequest.
func (m *Metrics) Request(op string, err error) {
	m.requests.WithLabelValues(op, Outcome(err)).Inc()
}

// RoomsVisible sets the visible room gauge.
func (m *Metrics) RoomsVisible(n int) {
	m.rooms.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Outcome classifies a gateway error for labelling.
func Outcome(err error) string {
	var gwErr *gateway.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &gwErr) && gwErr.StatusCode >= 500:
		return "server_error"
	case errors.As(err, &gwErr) && gwErr.StatusCode >= 400:
		return "client_error"
	default:
		return "transport_error"
	}
}
