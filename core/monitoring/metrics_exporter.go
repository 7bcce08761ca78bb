package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	releases        *prometheus.CounterVec
	liveInstances   prometheus.Gauge
	reaped          *prometheus.CounterVec
}

// NewMetrics creates and registers every collector on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lora_messages_total",
			Help: "Queue messages handled, by task kind and result.",
		}, []string{"task", "result"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lora_handler_duration_seconds",
			Help:    "Stage handler latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"task"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lora_gpu_releases_total",
			Help: "Confirmed GPU instance teardowns, by reason.",
		}, []string{"reason"}),
		liveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lora_reaper_live_instances",
			Help: "Instances the provider reported live at the last sweep.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lora_reaper_reaped_total",
			Help: "Instances released by the reaper, by cause.",
		}, []string{"cause"}),
	}

	m.registry.MustRegister(
		m.messages,
		m.handlerDuration,
		m.releases,
		m.liveInstances,
		m.reaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// MessageHandled records one processed message
func (m *Metrics) MessageHandled(task, result string, took time.Duration) {
	m.messages.WithLabelValues(task, result).Inc()
	if took > 0 {
		m.handlerDuration.WithLabelValues(task).Observe(took.Seconds())
	}
}

// GpuReleased records a confirmed teardown
func (m *Metrics) GpuReleased(reason string) {
	m.releases.WithLabelValues(reason).Inc()
}

// SweepObserved records the live instance count of a reaper sweep
func (m *Metrics) SweepObserved(live int) {
	m.liveInstances.Set(float64(live))
}

// Reaped records one instance released by the reaper
func (m *Metrics) Reaped(cause string) {
	m.reaped.WithLabelValues(cause).Inc()
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
