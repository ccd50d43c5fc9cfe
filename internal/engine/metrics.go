package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics bundles the Prometheus collectors the engine exposes.
// Adapted from ariadne's engine/telemetry/metrics provider: a handful of
// named counters/gauges/histograms registered against a private registry so
// multiple sessions in the same process don't collide, with an exported
// *prometheus.Registry for the caller to mount behind an HTTP handler.
type engineMetrics struct {
	registry *prometheus.Registry

	eventsPublished prometheus.Counter
	eventsDropped   prometheus.Counter

	streamsActive    *prometheus.GaugeVec
	streamsCreated   *prometheus.CounterVec
	streamsTerminated *prometheus.CounterVec

	throughputMbps *prometheus.GaugeVec
	latencyMs      prometheus.Histogram
	latencyTimeouts prometheus.Counter

	phaseDuration *prometheus.HistogramVec
	barrierResets prometheus.Counter

	discoveryBackoffs *prometheus.CounterVec
}

// newEngineMetrics constructs and registers a fresh metric set. Safe to call
// once per Session; each session gets its own registry to avoid
// cross-session label collisions within a single process.
func newEngineMetrics() *engineMetrics {
	reg := prometheus.NewRegistry()
	m := &engineMetrics{
		registry: reg,
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "bus", Name: "events_published_total",
			Help: "Total events published on the engine bus.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "bus", Name: "events_dropped_total",
			Help: "Total events dropped due to a full subscriber buffer.",
		}),
		streamsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bufferbloat", Subsystem: "streams", Name: "active",
			Help: "Currently active streams by direction.",
		}, []string{"direction"}),
		streamsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "streams", Name: "created_total",
			Help: "Streams created by direction.",
		}, []string{"direction"}),
		streamsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "streams", Name: "terminated_total",
			Help: "Streams terminated by direction.",
		}, []string{"direction"}),
		throughputMbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bufferbloat", Subsystem: "throughput", Name: "mbps",
			Help: "Latest smoothed throughput sample by direction.",
		}, []string{"direction"}),
		latencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bufferbloat", Subsystem: "latency", Name: "rtt_ms",
			Help:    "Round-trip latency probe samples in milliseconds.",
			Buckets: []float64{5, 10, 20, 35, 50, 75, 100, 150, 250, 400, 700, 1000, 2000},
		}),
		latencyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "latency", Name: "timeouts_total",
			Help: "Probe timeouts observed.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bufferbloat", Subsystem: "phase", Name: "duration_seconds",
			Help:    "Observed phase durations.",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60},
		}, []string{"phase"}),
		barrierResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "barrier", Name: "emergency_resets_total",
			Help: "Times the phase barrier had to force-reset the stream registry.",
		}),
		discoveryBackoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bufferbloat", Subsystem: "discovery", Name: "backoffs_total",
			Help: "Parameter backoffs taken during warmup, by direction and cause.",
		}, []string{"direction", "cause"}),
	}
	reg.MustRegister(
		m.eventsPublished, m.eventsDropped,
		m.streamsActive, m.streamsCreated, m.streamsTerminated,
		m.throughputMbps, m.latencyMs, m.latencyTimeouts,
		m.phaseDuration, m.barrierResets, m.discoveryBackoffs,
	)
	return m
}

// Registry exposes the session's private Prometheus registry so a caller can
// mount it behind promhttp.HandlerFor in whatever process embeds the engine.
func (m *engineMetrics) Registry() *prometheus.Registry { return m.registry }
