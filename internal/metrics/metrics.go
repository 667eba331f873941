package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamquery"

// Metrics holds the Prometheus collectors shared by the cache, the bridge and
// the relay. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Subscription registry
	liveSlots prometheus.Gauge

	// Stream bridge
	streamsOpened   prometheus.Counter
	streamEmissions prometheus.Counter
	streamErrors    *prometheus.CounterVec // phase: subscribe, emit

	// Query cache
	queries prometheus.Gauge
	fetches *prometheus.CounterVec // outcome: success, error, cancelled
	retries prometheus.Counter

	// Relay
	relayClients       prometheus.Gauge
	relaySubscriptions prometheus.Gauge
}

// New creates the collectors and registers them on a dedicated registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		liveSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "live_subscriptions",
			Help:      "Number of live stream subscriptions held by the subscription registry",
		}),

		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened by fetches",
		}),
		streamEmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "emissions_total",
			Help:      "Total number of values written to the cache by background listeners",
		}),
		streamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "stream_errors_total",
			Help:      "Total number of stream failures",
		}, []string{"phase"}),

		queries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "queries",
			Help:      "Number of queries held by the cache",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Total number of settled fetches",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "retries_total",
			Help:      "Total number of fetch retries",
		}),

		relayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Number of connected relay clients",
		}),
		relaySubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "subscriptions",
			Help:      "Number of active relay subscriptions",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.liveSlots,
		m.streamsOpened,
		m.streamEmissions,
		m.streamErrors,
		m.queries,
		m.fetches,
		m.retries,
		m.relayClients,
		m.relaySubscriptions,
	)

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SlotStored() {
	if m != nil {
		m.liveSlots.Inc()
	}
}

func (m *Metrics) SlotsReleased(n int) {
	if m != nil && n > 0 {
		m.liveSlots.Sub(float64(n))
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.streamsOpened.Inc()
	}
}

func (m *Metrics) StreamEmitted() {
	if m != nil {
		m.streamEmissions.Inc()
	}
}

// StreamFailed counts a failure; phase is "subscribe" or "emit"
func (m *Metrics) StreamFailed(phase string) {
	if m != nil {
		m.streamErrors.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) QueryAdded() {
	if m != nil {
		m.queries.Inc()
	}
}

func (m *Metrics) QueryRemoved() {
	if m != nil {
		m.queries.Dec()
	}
}

// FetchSettled counts a fetch outcome: "success", "error" or "cancelled"
func (m *Metrics) FetchSettled(outcome string) {
	if m != nil {
		m.fetches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) FetchRetried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.relayClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.relayClients.Dec()
	}
}

func (m *Metrics) RelaySubscribed() {
	if m != nil {
		m.relaySubscriptions.Inc()
	}
}

func (m *Metrics) RelayUnsubscribed() {
	if m != nil {
		m.relaySubscriptions.Dec()
	}
}
