package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay service.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	ChunksReceived prometheus.Counter
	BytesReceived  prometheus.Counter
	BlobsSent      prometheus.Counter
	ChunksPerBlob  prometheus.Histogram

	// Transcription metrics
	TranscriptMessages prometheus.Counter
	TranscriptsDropped prometheus.Counter
	UpstreamErrors     prometheus.Counter

	// Completion metrics
	CompletionRequests *prometheus.CounterVec
	CompletionFailures *prometheus.CounterVec
	CompletionDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broca_active_sessions",
			Help: "Current number of open transcription sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_sessions_started_total",
			Help: "Total number of transcription sessions accepted",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broca_sessions_ended_total",
			Help: "Total number of transcription sessions ended, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "broca_session_duration_seconds",
			Help:    "Duration of transcription sessions",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_audio_chunks_received_total",
			Help: "Total number of audio frames received from clients",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_audio_bytes_received_total",
			Help: "Total number of audio bytes received from clients",
		}),
		BlobsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_audio_blobs_sent_total",
			Help: "Total number of coalesced audio writes to the speech service",
		}),
		ChunksPerBlob: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "broca_audio_chunks_per_blob",
			Help:    "Number of client frames coalesced into one speech service write",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),

		TranscriptMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_transcript_messages_total",
			Help: "Total number of transcript messages forwarded to clients",
		}),
		TranscriptsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_transcript_messages_dropped_total",
			Help: "Transcript messages dropped because the client was gone",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "broca_upstream_errors_total",
			Help: "Total number of speech service sessions ending in error",
		}),

		CompletionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broca_completion_requests_total",
			Help: "Total number of completion API requests",
		}, []string{"kind"}),
		CompletionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "broca_completion_failures_total",
			Help: "Total number of failed completion API requests",
		}, []string{"kind"}),
		CompletionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broca_completion_duration_seconds",
			Help:    "Completion API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

// NewNop returns metrics registered with a private registry, for tests and
// tools that do not expose /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
