// Package metrics holds the Prometheus collectors for the pipeline:
// per-broadcaster delivery/drop counters, session gauges, decoder restart
// counters, observation transitions, and process resource gauges.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Broadcaster metrics (with 'broadcaster' and 'subscriber' labels)
	BroadcasterDelivered *prometheus.CounterVec
	BroadcasterDropped   *prometheus.CounterVec

	// Session metrics
	ActiveSessions   prometheus.Gauge // Active user sessions
	InternalSessions prometheus.Gauge // Active internal (observation) sessions

	// Pipeline metrics
	ActiveSDRWorkers  prometheus.Gauge       // SDR workers currently running
	ActiveDemods      prometheus.Gauge       // Demodulators currently running
	FFTRowsTotal      prometheus.Counter     // Waterfall rows emitted
	AudioBytesTotal   prometheus.Counter     // Audio bytes sent to clients
	DecoderFramesTotal *prometheus.CounterVec // Decoded frames (by decoder type)
	DecoderRestarts   *prometheus.CounterVec // Decoder restarts (by decoder type)

	// Observation metrics (with 'status' label)
	ObservationTransitions *prometheus.CounterVec

	// WebSocket metrics
	WSConnectionsTotal prometheus.Counter
	WSDisconnectsTotal prometheus.Counter

	// Resource metrics
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	gcPauseSeconds   prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry, so tests
// and the live process can each own an instance without collisions.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		BroadcasterDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groundstation_broadcaster_delivered_total",
			Help: "Messages delivered per broadcaster subscriber",
		}, []string{"broadcaster", "subscriber"}),
		BroadcasterDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groundstation_broadcaster_dropped_total",
			Help: "Messages dropped per broadcaster subscriber (queue full)",
		}, []string{"broadcaster", "subscriber"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_active_sessions",
			Help: "Active user sessions",
		}),
		InternalSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_internal_sessions",
			Help: "Active internal observation sessions",
		}),

		ActiveSDRWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_sdr_workers",
			Help: "SDR workers currently running",
		}),
		ActiveDemods: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_demodulators",
			Help: "Demodulators currently running",
		}),
		FFTRowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundstation_fft_rows_total",
			Help: "Waterfall rows emitted",
		}),
		AudioBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundstation_audio_bytes_total",
			Help: "Audio bytes sent to clients",
		}),
		DecoderFramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groundstation_decoder_frames_total",
			Help: "Telemetry frames decoded",
		}, []string{"decoder_type"}),
		DecoderRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groundstation_decoder_restarts_total",
			Help: "Decoder subprocess restarts",
		}, []string{"decoder_type"}),

		ObservationTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "groundstation_observation_transitions_total",
			Help: "Scheduled observation status transitions",
		}, []string{"status"}),

		WSConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundstation_ws_connections_total",
			Help: "WebSocket connections established",
		}),
		WSDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "groundstation_ws_disconnects_total",
			Help: "WebSocket disconnections",
		}),

		goroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_goroutines",
			Help: "Current number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_memory_alloc_bytes",
			Help: "Current memory allocated in bytes",
		}),
		memoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_memory_heap_bytes",
			Help: "Current heap memory in bytes",
		}),
		gcPauseSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "groundstation_gc_pause_seconds",
			Help: "Last GC pause duration in seconds",
		}),
	}
}

// Gatherer exposes the underlying registry for consumers that re-publish
// metrics elsewhere (the MQTT publisher gathers from it).
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateResourceMetrics refreshes the goroutine/memory/GC gauges.
func (m *Metrics) UpdateResourceMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.goroutineCount.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(ms.Alloc))
	m.memoryHeapBytes.Set(float64(ms.HeapAlloc))
	if ms.NumGC > 0 {
		m.gcPauseSeconds.Set(float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e9)
	}
}

// StartResourceLoop refreshes resource gauges every interval until ctx is
// cancelled.
func (m *Metrics) StartResourceLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateResourceMetrics()
			}
		}
	}()
}

// BroadcasterSample carries one subscriber's delivered/dropped deltas.
// Counters are monotonic, so the caller tracks what it last reported and
// hands the difference to AddBroadcasterDelta.
type BroadcasterSample struct {
	Broadcaster string
	Subscriber  string
	Delivered   uint64
	Dropped     uint64
}

// AddBroadcasterDelta adds delivery/drop deltas for one subscriber.
func (m *Metrics) AddBroadcasterDelta(s BroadcasterSample) {
	if s.Delivered > 0 {
		m.BroadcasterDelivered.WithLabelValues(s.Broadcaster, s.Subscriber).Add(float64(s.Delivered))
	}
	if s.Dropped > 0 {
		m.BroadcasterDropped.WithLabelValues(s.Broadcaster, s.Subscriber).Add(float64(s.Dropped))
	}
}
