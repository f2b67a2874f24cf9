// Package metrics exposes Prometheus instrumentation for the relay.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns every relay collector.
type Recorder struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	joinFailures   *prometheus.CounterVec
	frames         *prometheus.CounterVec
	frameLatency   *prometheus.HistogramVec
	decryptFailure *prometheus.CounterVec
	decrypts       prometheus.Counter
	cacheLookups   *prometheus.CounterVec
	busDropped     prometheus.Counter
	appendFailures *prometheus.CounterVec
	roomsPurged    prometheus.Counter
	entriesTrimmed prometheus.Counter
	sweepDuration  prometheus.Histogram
	pushDeliveries *prometheus.CounterVec
}

// NewRecorder builds a Recorder and registers it with reg, or the default registerer when nil.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomrelay_sessions_active",
			Help: "Current number of active room sessions.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_sessions_total",
			Help: "Total number of sessions that reached the active state.",
		}),
		joinFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_join_failures_total",
			Help: "Joins aborted before the session became active.",
		}, []string{"reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_frames_total",
			Help: "Inbound frames handled, grouped by type and outcome.",
		}, []string{"type", "outcome"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomrelay_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"type"}),
		decryptFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_decrypt_failures_total",
			Help: "Envelopes that failed to decrypt, grouped by path.",
		}, []string{"path"}),
		decrypts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_decrypts_total",
			Help: "AEAD open operations performed after a cache miss.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_decrypt_cache_lookups_total",
			Help: "Decrypt cache lookups grouped by result.",
		}, []string{"result"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_bus_dropped_total",
			Help: "Broadcasts dropped because a subscriber buffer was full.",
		}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_append_failures_total",
			Help: "Message log appends that failed, grouped by frame type.",
		}, []string{"type"}),
		roomsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_rooms_purged_total",
			Help: "Rooms purged by retention or explicit deletion.",
		}),
		entriesTrimmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomrelay_log_entries_trimmed_total",
			Help: "Log entries removed by retention trimming.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomrelay_retention_sweep_seconds",
			Help:    "Duration of retention sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		pushDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomrelay_push_deliveries_total",
			Help: "Push deliveries grouped by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		r.activeSessions,
		r.sessionTotal,
		r.joinFailures,
		r.frames,
		r.frameLatency,
		r.decryptFailure,
		r.decrypts,
		r.cacheLookups,
		r.busDropped,
		r.appendFailures,
		r.roomsPurged,
		r.entriesTrimmed,
		r.sweepDuration,
		r.pushDeliveries,
	)
	return r
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.activeSessions.Inc()
	r.sessionTotal.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.activeSessions.Dec()
}

func (r *Recorder) JoinFailed(reason string) {
	if r == nil {
		return
	}
	r.joinFailures.WithLabelValues(reason).Inc()
}

// FrameHandled records one inbound frame and how long it took.
func (r *Recorder) FrameHandled(frameType, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.frames.WithLabelValues(frameType, outcome).Inc()
	r.frameLatency.WithLabelValues(frameType).Observe(elapsed.Seconds())
}

func (r *Recorder) DecryptFailed(path string) {
	if r == nil {
		return
	}
	r.decryptFailure.WithLabelValues(path).Inc()
}

func (r *Recorder) Decrypted() {
	if r == nil {
		return
	}
	r.decrypts.Inc()
}

func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues("hit").Inc()
}

func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues("miss").Inc()
}

func (r *Recorder) BusDropped() {
	if r == nil {
		return
	}
	r.busDropped.Inc()
}

func (r *Recorder) AppendFailed(frameType string) {
	if r == nil {
		return
	}
	r.appendFailures.WithLabelValues(frameType).Inc()
}

func (r *Recorder) RoomPurged() {
	if r == nil {
		return
	}
	r.roomsPurged.Inc()
}

// SweepCompleted records a finished retention sweep.
func (r *Recorder) SweepCompleted(trimmed int64, elapsed time.Duration) {
	if r == nil {
		return
	}
	if trimmed > 0 {
		r.entriesTrimmed.Add(float64(trimmed))
	}
	r.sweepDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) PushDelivered(outcome string) {
	if r == nil {
		return
	}
	r.pushDeliveries.WithLabelValues(outcome).Inc()
}
