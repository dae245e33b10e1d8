// Package metrics exposes Prometheus collectors for the gateway:
// message and command throughput, model call latency, image backend
// latency, and conversation store gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bot records. Each instance owns its
// registry, so constructing a second one (tests) never collides with
// the first.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time

	// Traffic
	MessagesTotal *prometheus.CounterVec
	CommandsTotal *prometheus.CounterVec

	// Model calls
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec

	// Image generation
	ImageRequestsTotal   *prometheus.CounterVec
	ImageRequestDuration *prometheus.HistogramVec

	// Conversation store
	ScopesGauge   *prometheus.GaugeVec
	MessagesGauge prometheus.Gauge

	// Persistence and retention
	SavesTotal  *prometheus.CounterVec
	PrunedTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	f := promauto.With(m.registry)

	m.MessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_messages_total",
			Help: "Inbound messages handled, by channel and kind",
		},
		[]string{"channel", "kind"},
	)

	m.CommandsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_commands_total",
			Help: "Slash commands handled, by command and status",
		},
		[]string{"command", "status"},
	)

	m.LLMRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_llm_requests_total",
			Help: "Chat completion requests, by model and status",
		},
		[]string{"model", "status"},
	)

	m.LLMRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_llm_request_duration_seconds",
			Help:    "Chat completion latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
		[]string{"model"},
	)

	m.ImageRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_image_requests_total",
			Help: "Image generations, by backend and status",
		},
		[]string{"backend", "status"},
	)

	m.ImageRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribe_image_request_duration_seconds",
			Help:    "Image generation latency in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300},
		},
		[]string{"backend"},
	)

	m.ScopesGauge = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scribe_scopes",
			Help: "Tracked conversation scopes, by kind",
		},
		[]string{"kind"},
	)

	m.MessagesGauge = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_stored_messages",
			Help: "Messages currently held across all scopes",
		},
	)

	m.SavesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_saves_total",
			Help: "State snapshot attempts, by status",
		},
		[]string{"status"},
	)

	m.PrunedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_pruned_total",
			Help: "Entities removed by retention sweeps, by kind",
		},
		[]string{"kind"},
	)

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "scribe_uptime_seconds",
			Help: "Seconds since the gateway started",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// Handler serves this instance's registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying gatherer for tests.
func (m *Metrics) Registry() prometheus.Gatherer { return m.registry }

// RecordMessage counts one inbound message. Kind is "command",
// "thread", "mention", or "plain".
func (m *Metrics) RecordMessage(channel, kind string) {
	m.MessagesTotal.WithLabelValues(channel, kind).Inc()
}

// RecordCommand counts one handled command with its outcome.
func (m *Metrics) RecordCommand(command, status string) {
	m.CommandsTotal.WithLabelValues(command, status).Inc()
}

// RecordLLMRequest records a completion call with its latency.
func (m *Metrics) RecordLLMRequest(model, status string, d time.Duration) {
	m.LLMRequestsTotal.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordImageRequest records an image generation with its latency.
func (m *Metrics) RecordImageRequest(backend, status string, d time.Duration) {
	m.ImageRequestsTotal.WithLabelValues(backend, status).Inc()
	m.ImageRequestDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// UpdateStoreStats refreshes the store gauges from a snapshot.
func (m *Metrics) UpdateStoreStats(channels, threads, adventures, messages int) {
	m.ScopesGauge.WithLabelValues("channel").Set(float64(channels))
	m.ScopesGauge.WithLabelValues("thread").Set(float64(threads))
	m.ScopesGauge.WithLabelValues("adventure").Set(float64(adventures))
	m.MessagesGauge.Set(float64(messages))
}

// RecordSave counts one snapshot attempt ("ok" or "error").
func (m *Metrics) RecordSave(status string) {
	m.SavesTotal.WithLabelValues(status).Inc()
}

// RecordSweep counts entities removed by a retention pass.
func (m *Metrics) RecordSweep(channels, threads, adventures int) {
	m.PrunedTotal.WithLabelValues("channel").Add(float64(channels))
	m.PrunedTotal.WithLabelValues("thread").Add(float64(threads))
	m.PrunedTotal.WithLabelValues("adventure").Add(float64(adventures))
}
