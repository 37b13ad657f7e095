package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the live session engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Audio
	ChunksCaptured prometheus.Counter
	ChunkSize      prometheus.Histogram

	// Session channel
	ChunksSent     prometheus.Counter
	ChunkRetries   prometheus.Counter
	ChunksDropped  prometheus.Counter
	Backlog        prometheus.Gauge
	ChannelSignals *prometheus.CounterVec

	// Transcript and note
	SegmentsStored    prometheus.Counter
	SegmentsDuplicate prometheus.Counter
	SegmentsInvalid   prometheus.Counter
	SegmentsHeld      *prometheus.CounterVec
	LateEvents        prometheus.Counter

	// Risk
	AlertsRaised       *prometheus.CounterVec
	AlertsAcknowledged prometheus.Counter

	// Lifecycle
	StateTransitions *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Note-quality service
	QualityRequests *prometheus.CounterVec
	QualityDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ChunksCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_audio_chunks_captured_total",
			Help: "Total number of audio chunks produced by the chunker",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livenote_audio_chunk_size_bytes",
			Help:    "Size of captured audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_channel_chunks_sent_total",
			Help: "Total number of audio chunks written to the session channel",
		}),
		ChunkRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_channel_chunk_retries_total",
			Help: "Total number of audio chunk write retries",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_channel_chunks_dropped_total",
			Help: "Total number of audio chunks dropped beyond the backlog limit",
		}),
		Backlog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livenote_channel_backlog",
			Help: "Current number of unsent audio chunks",
		}),
		ChannelSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livenote_channel_signals_total",
			Help: "Transport health signals raised by the session channel",
		}, []string{"kind"}),

		SegmentsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_transcript_segments_stored_total",
			Help: "Total number of transcript segments stored",
		}),
		SegmentsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_transcript_segments_duplicate_total",
			Help: "Total number of redelivered transcript segments ignored",
		}),
		SegmentsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_transcript_segments_invalid_total",
			Help: "Total number of transcript segments rejected by validation",
		}),
		SegmentsHeld: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livenote_note_segments_held_total",
			Help: "Segments held for manual assignment",
		}, []string{"reason"}),
		LateEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_late_events_discarded_total",
			Help: "Events discarded because the session had already ended",
		}),

		AlertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livenote_risk_alerts_total",
			Help: "Risk alerts raised",
		}, []string{"severity", "source"}),
		AlertsAcknowledged: factory.NewCounter(prometheus.CounterOpts{
			Name: "livenote_risk_alerts_acknowledged_total",
			Help: "Risk alerts acknowledged by the clinician",
		}),

		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livenote_session_state_transitions_total",
			Help: "Session state transitions",
		}, []string{"state", "reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livenote_session_duration_seconds",
			Help:    "Duration of ended sessions",
			Buckets: prometheus.ExponentialBuckets(60, 2, 8), // 1m to ~2h
		}),

		QualityRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livenote_quality_requests_total",
			Help: "Note-quality service requests",
		}, []string{"operation", "outcome"}),
		QualityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livenote_quality_request_duration_seconds",
			Help:    "Duration of note-quality service requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"operation"}),
	}
}

// RecordChunkCaptured counts a chunk handed to the session channel.
func (m *Metrics) RecordChunkCaptured(size int) {
	if m == nil {
		return
	}
	m.ChunksCaptured.Inc()
	m.ChunkSize.Observe(float64(size))
}

func (m *Metrics) RecordChunkSent() {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
}

func (m *Metrics) RecordChunkRetry() {
	if m == nil {
		return
	}
	m.ChunkRetries.Inc()
}

func (m *Metrics) RecordChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

func (m *Metrics) SetBacklog(size int) {
	if m == nil {
		return
	}
	m.Backlog.Set(float64(size))
}

func (m *Metrics) RecordChannelSignal(kind string) {
	if m == nil {
		return
	}
	m.ChannelSignals.WithLabelValues(kind).Inc()
}

// RecordSegment counts a stored or duplicate segment.
func (m *Metrics) RecordSegment(stored bool) {
	if m == nil {
		return
	}
	if stored {
		m.SegmentsStored.Inc()
		return
	}
	m.SegmentsDuplicate.Inc()
}

func (m *Metrics) RecordInvalidSegment() {
	if m == nil {
		return
	}
	m.SegmentsInvalid.Inc()
}

func (m *Metrics) RecordSegmentHeld(reason string) {
	if m == nil {
		return
	}
	m.SegmentsHeld.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLateEvent() {
	if m == nil {
		return
	}
	m.LateEvents.Inc()
}

func (m *Metrics) RecordAlert(severity, source string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(severity, source).Inc()
}

func (m *Metrics) RecordAlertAcknowledged() {
	if m == nil {
		return
	}
	m.AlertsAcknowledged.Inc()
}

func (m *Metrics) RecordStateTransition(state, reason string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionDuration.Observe(durationSeconds)
}

// RecordQualityRequest records one note-quality call; outcome is "success" or "failure".
func (m *Metrics) RecordQualityRequest(operation, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.QualityRequests.WithLabelValues(operation, outcome).Inc()
	m.QualityDuration.WithLabelValues(operation).Observe(durationSeconds)
}
