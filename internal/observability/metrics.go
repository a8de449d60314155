// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "liquidation_watch"

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Feed metrics
	UpdatesReceived   *prometheus.CounterVec
	HighestSlotSeen   prometheus.Gauge
	ConnectAttempts   prometheus.Counter
	Disconnects       *prometheus.CounterVec
	SubscriptionState prometheus.Gauge

	// Filter metrics
	Outcomes *prometheus.CounterVec

	// Sink metrics
	SinkWrites       *prometheus.CounterVec
	SinkWriteLatency prometheus.Histogram

	// Health metrics
	LastLiquidation prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Feed metrics
		UpdatesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "updates_received_total",
			Help:      "Total number of feed updates received by kind",
		}, []string{"kind"}),
		HighestSlotSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),
		ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "disconnects_total",
			Help:      "Total number of returns to the disconnected state by reason",
		}, []string{"reason"}),
		SubscriptionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscription_state",
			Help:      "Current subscription state (0=disconnected, 1=connected, 2=streaming)",
		}),

		// Filter metrics
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filter",
			Name:      "outcomes_total",
			Help:      "Total number of filtered transactions by outcome",
		}, []string{"outcome"}),

		// Sink metrics
		SinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Total number of sink writes by status",
		}, []string{"status"}),
		SinkWriteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "write_latency_seconds",
			Help:      "Sink write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Health metrics
		LastLiquidation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_liquidation_timestamp",
			Help:      "Unix timestamp of the last stored liquidation",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint of the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordUpdate counts a received feed update and tracks the highest slot.
func (m *Metrics) RecordUpdate(kind string, slot uint64) {
	if m == nil {
		return
	}
	m.UpdatesReceived.WithLabelValues(kind).Inc()
	if slot > 0 {
		// Gauge has no max; slots only grow within a subscription.
		m.HighestSlotSeen.Set(float64(slot))
	}
}

// RecordOutcome counts a filter outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

// RecordConnectAttempt counts a connection attempt.
func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// RecordDisconnect counts a transition back to the disconnected state.
func (m *Metrics) RecordDisconnect(reason string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(reason).Inc()
}

// SetSubscriptionState records the current subscription state.
func (m *Metrics) SetSubscriptionState(state int) {
	if m == nil {
		return
	}
	m.SubscriptionState.Set(float64(state))
}

// RecordSinkWrite records a sink write result and its latency.
func (m *Metrics) RecordSinkWrite(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SinkWriteLatency.Observe(d.Seconds())
	if err != nil {
		m.SinkWrites.WithLabelValues("error").Inc()
		return
	}
	m.SinkWrites.WithLabelValues("ok").Inc()
	m.LastLiquidation.SetToCurrentTime()
}
