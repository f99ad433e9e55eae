package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the delivery engine.
type Metrics struct {
	// Message counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	MessagesRetriedTotal *prometheus.CounterVec

	// Campaign gauges
	CampaignsRunning prometheus.Gauge

	// Rate limiting
	RateLimitWaitSeconds *prometheus.HistogramVec

	// Rotation / server health
	ServerSelectionsTotal *prometheus.CounterVec
	ServerHealthy         *prometheus.GaugeVec
	SendDurationSeconds   *prometheus.HistogramVec

	// Push channel
	EventsPublishedTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsblast_messages_sent_total",
				Help: "Total number of successfully sent messages",
			},
			[]string{"carrier"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsblast_messages_failed_total",
				Help: "Total number of permanently failed messages",
			},
			[]string{"carrier", "category"},
		),
		MessagesRetriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsblast_messages_retried_total",
				Help: "Total number of messages requeued for retry",
			},
			[]string{"carrier", "category"},
		),
		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "smsblast_campaigns_running",
				Help: "Number of campaigns currently sending",
			},
		),
		RateLimitWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smsblast_ratelimit_wait_seconds",
				Help:    "Time spent waiting for carrier rate-limit clearance",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"carrier"},
		),
		ServerSelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsblast_server_selections_total",
				Help: "Total number of rotation selections per server",
			},
			[]string{"server", "strategy"},
		),
		ServerHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smsblast_server_healthy",
				Help: "Server health flag (1 healthy, 0 unhealthy)",
			},
			[]string{"server", "type"},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smsblast_send_duration_seconds",
				Help:    "Delivery attempt duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"server"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smsblast_events_published_total",
				Help: "Total number of monitoring events published",
			},
			[]string{"type"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesRetriedTotal,
		m.CampaignsRunning,
		m.RateLimitWaitSeconds,
		m.ServerSelectionsTotal,
		m.ServerHealthy,
		m.SendDurationSeconds,
		m.EventsPublishedTotal,
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance.
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter.
func IncMessagesSent(carrier string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(carrier).Inc()
	}
}

// IncMessagesFailed increments the failed message counter.
func IncMessagesFailed(carrier, category string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(carrier, category).Inc()
	}
}

// IncMessagesRetried increments the retried message counter.
func IncMessagesRetried(carrier, category string) {
	if m := Global(); m != nil {
		m.MessagesRetriedTotal.WithLabelValues(carrier, category).Inc()
	}
}

// SetCampaignsRunning updates the running-campaigns gauge.
func SetCampaignsRunning(delta float64) {
	if m := Global(); m != nil {
		m.CampaignsRunning.Add(delta)
	}
}

// ObserveRateLimitWait records time spent waiting for clearance.
func ObserveRateLimitWait(carrier string, seconds float64) {
	if m := Global(); m != nil {
		m.RateLimitWaitSeconds.WithLabelValues(carrier).Observe(seconds)
	}
}

// IncServerSelection increments the rotation selection counter.
func IncServerSelection(server, strategy string) {
	if m := Global(); m != nil {
		m.ServerSelectionsTotal.WithLabelValues(server, strategy).Inc()
	}
}

// SetServerHealthy updates the server health gauge.
func SetServerHealthy(server, typ string, healthy bool) {
	if m := Global(); m != nil {
		v := 0.0
		if healthy {
			v = 1.0
		}
		m.ServerHealthy.WithLabelValues(server, typ).Set(v)
	}
}

// ObserveSendDuration records one delivery attempt's duration.
func ObserveSendDuration(server string, seconds float64) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.WithLabelValues(server).Observe(seconds)
	}
}

// IncEventsPublished increments the published-events counter.
func IncEventsPublished(eventType string) {
	if m := Global(); m != nil {
		m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
	}
}
