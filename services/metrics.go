package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gossip outcome labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeOwnEcho   = "own_echo"
)

// Metrics holds the node's Prometheus collectors. Each node gets its own
// registry so tests can build several nodes in one process.
type Metrics struct {
	Registry *prometheus.Registry

	gossipMessages   *prometheus.CounterVec
	relays           prometheus.Counter
	peerSendFailures prometheus.Counter
	providerFetches  *prometheus.CounterVec
	connectedPeers   prometheus.Gauge
	cachedAssets     prometheus.Gauge
	activeProviders  prometheus.Gauge
	breakerState     prometheus.Gauge
	droppedEvents    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		gossipMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshprice",
				Subsystem: "gossip",
				Name:      "messages_total",
				Help:      "Inbound price updates by processing outcome.",
			},
			[]string{"outcome"},
		),
		relays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meshprice",
				Subsystem: "gossip",
				Name:      "relays_total",
				Help:      "Price updates forwarded to peers.",
			},
		),
		peerSendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meshprice",
				Subsystem: "gossip",
				Name:      "peer_send_failures_total",
				Help:      "Individual peer sends that failed or timed out.",
			},
		),
		providerFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshprice",
				Subsystem: "provider",
				Name:      "fetches_total",
				Help:      "Provider fetch cycles by result.",
			},
			[]string{"result"},
		),
		connectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meshprice",
				Subsystem: "network",
				Name:      "connected_peers",
				Help:      "Currently connected peers.",
			},
		),
		cachedAssets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meshprice",
				Subsystem: "cache",
				Name:      "assets",
				Help:      "Assets held in the in-memory price cache.",
			},
		),
		activeProviders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meshprice",
				Subsystem: "network",
				Name:      "active_providers",
				Help:      "Providers currently considered active.",
			},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "meshprice",
				Subsystem: "provider",
				Name:      "breaker_state",
				Help:      "Upstream circuit breaker state (0 closed, 1 half-open, 2 open).",
			},
		),
		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meshprice",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped because a subscriber buffer was full.",
			},
		),
	}

	m.Registry.MustRegister(
		m.gossipMessages,
		m.relays,
		m.peerSendFailures,
		m.providerFetches,
		m.connectedPeers,
		m.cachedAssets,
		m.activeProviders,
		m.breakerState,
		m.droppedEvents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// The recorders below are nil-safe so components can run without metrics.

func (m *Metrics) gossipOutcome(outcome string) {
	if m != nil {
		m.gossipMessages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) relayed() {
	if m != nil {
		m.relays.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.peerSendFailures.Inc()
	}
}

func (m *Metrics) providerFetch(result string) {
	if m != nil {
		m.providerFetches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setConnectedPeers(n int) {
	if m != nil {
		m.connectedPeers.Set(float64(n))
	}
}

func (m *Metrics) setCachedAssets(n int) {
	if m != nil {
		m.cachedAssets.Set(float64(n))
	}
}

func (m *Metrics) setActiveProviders(n int) {
	if m != nil {
		m.activeProviders.Set(float64(n))
	}
}

func (m *Metrics) setBreakerState(state float64) {
	if m != nil {
		m.breakerState.Set(state)
	}
}

func (m *Metrics) eventDropped() {
	if m != nil {
		m.droppedEvents.Inc()
	}
}
