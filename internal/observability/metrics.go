package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	pushEventsTotal     *prometheus.CounterVec
	sendsTotal          *prometheus.CounterVec
	historyFetchesTotal *prometheus.CounterVec
	reconnectsTotal     prometheus.Counter
	relayConnections    prometheus.Counter
	relayMessagesTotal  *prometheus.CounterVec
	relayLatencySeconds *prometheus.HistogramVec
)

// RegisterMetrics initialises the Prometheus collectors used by the sync client and the relay.
func RegisterMetrics() {
	registerOnce.Do(func() {
		pushEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_push_events_total",
			Help: "Inbound push frames by decode result.",
		}, []string{"result"})

		sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Optimistic sends by final outcome.",
		}, []string{"outcome"})

		historyFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_history_fetches_total",
			Help: "History backfill requests by outcome.",
		}, []string{"outcome"})

		reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Automatic reconnect attempts made by the sync client.",
		})

		relayConnections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_relay_connections_total",
			Help: "Total number of websocket connections accepted by the relay.",
		})

		relayMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Messages persisted by the relay, labelled by delivery path.",
		}, []string{"delivery"})

		relayLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_relay_request_latency_seconds",
			Help:    "Latency of relay send and history calls by outcome.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"operation", "outcome"})

		prometheus.MustRegister(
			pushEventsTotal,
			sendsTotal,
			historyFetchesTotal,
			reconnectsTotal,
			relayConnections,
			relayMessagesTotal,
			relayLatencySeconds,
		)
	})
}

// PushEvents exposes the counter for decoded push frames.
func PushEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return pushEventsTotal
}

// Sends exposes the counter for optimistic send outcomes.
func Sends() *prometheus.CounterVec {
	RegisterMetrics()
	return sendsTotal
}

// HistoryFetches exposes the counter for history backfills.
func HistoryFetches() *prometheus.CounterVec {
	RegisterMetrics()
	return historyFetchesTotal
}

// Reconnects exposes the counter for automatic reconnect attempts.
func Reconnects() prometheus.Counter {
	RegisterMetrics()
	return reconnectsTotal
}

// RelayConnections exposes the counter for accepted relay sockets.
func RelayConnections() prometheus.Counter {
	RegisterMetrics()
	return relayConnections
}

// RelayMessages exposes the counter for relayed messages.
func RelayMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return relayMessagesTotal
}

// RelayLatency exposes the latency histogram for relay send and history calls.
func RelayLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return relayLatencySeconds
}
