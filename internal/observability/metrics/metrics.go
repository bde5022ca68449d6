// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "call_transcription"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Call metrics
	CallsTotal   prometheus.Counter
	CallsActive  prometheus.Gauge
	CallDuration prometheus.Histogram

	// Ingestion metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	ProtocolErrors      prometheus.Counter
	SessionsReaped      prometheus.Counter

	// Transcript metrics
	TranscriptsFinal prometheus.Counter
	InterimsDropped  prometheus.Counter
	EngineErrors     prometheus.Counter
	EngineOpenFailed prometheus.Counter

	// Store metrics
	StoreAppendTotal   prometheus.Counter
	StoreAppendErrors  prometheus.Counter
	StoreAppendLatency prometheus.Histogram

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CallsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of call sessions started",
		}),
		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of currently active call sessions",
		}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of call sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from the telephony provider",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total media frames received",
		}),
		FramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total media frames dropped",
		}, []string{"reason"}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total malformed or invalid control frames",
		}),
		SessionsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Total call sessions force-closed by the idle reaper",
		}),

		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total finalized transcript events produced",
		}),
		InterimsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interims_dropped_total",
			Help:      "Total interim engine results dropped before persistence",
		}),
		EngineErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Total speech engine stream errors",
		}),
		EngineOpenFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_open_failed_total",
			Help:      "Total failures opening a speech engine session",
		}),

		StoreAppendTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_append_total",
			Help:      "Total transcript store append attempts",
		}),
		StoreAppendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_append_errors_total",
			Help:      "Total transcript store append failures (logged and swallowed)",
		}),
		StoreAppendLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_latency_seconds",
			Help:      "Transcript store append latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordCallStart records a new call session starting.
func (m *Metrics) RecordCallStart() {
	m.CallsTotal.Inc()
	m.CallsActive.Inc()
}

// RecordCallEnd records a call session ending.
func (m *Metrics) RecordCallEnd(durationSeconds float64) {
	m.CallsActive.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordFrameDropped records a media frame dropped with a reason.
func (m *Metrics) RecordFrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordProtocolError records an invalid control frame.
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrors.Inc()
}

// RecordSessionReaped records an idle call session force-closed by the reaper.
func (m *Metrics) RecordSessionReaped() {
	m.SessionsReaped.Inc()
}

// RecordFinalTranscript records a finalized transcript event.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordInterimDropped records an interim engine result being discarded.
func (m *Metrics) RecordInterimDropped() {
	m.InterimsDropped.Inc()
}

// RecordEngineError records a speech engine stream error.
func (m *Metrics) RecordEngineError() {
	m.EngineErrors.Inc()
}

// RecordEngineOpenFailed records a failed engine session open.
func (m *Metrics) RecordEngineOpenFailed() {
	m.EngineOpenFailed.Inc()
}

// RecordStoreAppend records a transcript store append attempt.
func (m *Metrics) RecordStoreAppend(err error, latencySeconds float64) {
	m.StoreAppendTotal.Inc()
	m.StoreAppendLatency.Observe(latencySeconds)
	if err != nil {
		m.StoreAppendErrors.Inc()
	}
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic).Inc()
	}
}
