// Package metrics exposes the service's Prometheus instrumentation. One
// Metrics value is shared by the room registry and the gateway; all methods
// are nil-safe so components can run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "foyer"
	subsystem = "sfu_signaling"
)

type Metrics struct {
	registry *prometheus.Registry

	rooms     prometheus.Gauge
	peers     prometheus.Gauge
	producers prometheus.Gauge
	consumers prometheus.Gauge
	events    *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		registry:  reg,
		rooms:     gauge("rooms", "Number of active rooms."),
		peers:     gauge("peers", "Number of joined peers across all rooms."),
		producers: gauge("producers", "Number of live producers across all rooms."),
		consumers: gauge("consumers", "Number of live consumers across all rooms."),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Lifecycle and gateway events by type.",
		}, []string{"event"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rooms,
		m.peers,
		m.producers,
		m.consumers,
		m.events,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event counts a one-off occurrence under events_total{event=name}.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.rooms.Inc()
	m.events.WithLabelValues("room_created").Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.rooms.Dec()
	m.events.WithLabelValues("room_closed").Inc()
}

func (m *Metrics) PeerJoined() {
	if m == nil {
		return
	}
	m.peers.Inc()
	m.events.WithLabelValues("peer_joined").Inc()
}

func (m *Metrics) PeerLeft() {
	if m == nil {
		return
	}
	m.peers.Dec()
	m.events.WithLabelValues("peer_left").Inc()
}

func (m *Metrics) ProducerCreated() {
	if m == nil {
		return
	}
	m.producers.Inc()
	m.events.WithLabelValues("producer_created").Inc()
}

func (m *Metrics) ProducerClosed() {
	if m == nil {
		return
	}
	m.producers.Dec()
	m.events.WithLabelValues("producer_closed").Inc()
}

func (m *Metrics) ConsumerCreated() {
	if m == nil {
		return
	}
	m.consumers.Inc()
	m.events.WithLabelValues("consumer_created").Inc()
}

func (m *Metrics) ConsumerClosed() {
	if m == nil {
		return
	}
	m.consumers.Dec()
	m.events.WithLabelValues("consumer_closed").Inc()
}
