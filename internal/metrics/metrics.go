package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the sync layer. Every
// recording method is safe to call on a nil *Metrics.
type Metrics struct {
	// Socket channels
	ConnectionStatus *prometheus.GaugeVec
	Reconnects       *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Audio chunk uploads
	ChunksUploaded      prometheus.Counter
	ChunksSkipped       prometheus.Counter
	ChunkUploadRetries  prometheus.Counter
	ChunkUploadFailures prometheus.Counter
	ChunkSize           prometheus.Histogram
	UploadDuration      prometheus.Histogram

	// Captions and transcript
	CaptionRestarts    *prometheus.CounterVec
	CaptionsFinalized  prometheus.Counter
	TranscriptSegments prometheus.Gauge

	// Meeting
	MeetingStatus *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetsync_connection_status",
			Help: "Current socket status per channel (1 for the active status)",
		}, []string{"channel", "status"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetsync_reconnects_total",
			Help: "Reconnect attempts scheduled per channel",
		}, []string{"channel"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetsync_messages_received_total",
			Help: "Inbound socket messages per channel",
		}, []string{"channel"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetsync_messages_dropped_total",
			Help: "Outbound socket messages dropped because the channel was not open",
		}, []string{"channel"}),

		ChunksUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "meetsync_audio_chunks_uploaded_total",
			Help: "Audio chunks accepted by the transcription endpoint",
		}),
		ChunksSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "meetsync_audio_chunks_skipped_total",
			Help: "Audio chunks dropped for being below the minimum size",
		}),
		ChunkUploadRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "meetsync_audio_chunk_retries_total",
			Help: "Audio chunk upload retries",
		}),
		ChunkUploadFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meetsync_audio_chunk_failures_total",
			Help: "Audio chunks abandoned after the retry failed",
		}),
		ChunkSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetsync_audio_chunk_size_bytes",
			Help:    "Size of uploaded audio chunks",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetsync_audio_upload_duration_seconds",
			Help:    "Time spent uploading one audio chunk",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		CaptionRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meetsync_caption_restarts_total",
			Help: "Speech recognizer restarts by cause",
		}, []string{"cause"}),
		CaptionsFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "meetsync_captions_finalized_total",
			Help: "Final captions produced locally",
		}),
		TranscriptSegments: f.NewGauge(prometheus.GaugeOpts{
			Name: "meetsync_transcript_segments",
			Help: "Segments in the merged transcript timeline",
		}),

		MeetingStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetsync_meeting_status",
			Help: "Current meeting status (1 for the active status)",
		}, []string{"status"}),
	}
}

// SetConnectionStatus marks status as the only active status of channel.
func (m *Metrics) SetConnectionStatus(channel, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(channel, s).Set(v)
	}
}

func (m *Metrics) ReconnectScheduled(channel string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) MessageReceived(channel string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) MessageDropped(channel string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) ChunkUploaded(size int, seconds float64) {
	if m == nil {
		return
	}
	m.ChunksUploaded.Inc()
	m.ChunkSize.Observe(float64(size))
	m.UploadDuration.Observe(seconds)
}

func (m *Metrics) ChunkSkipped() {
	if m == nil {
		return
	}
	m.ChunksSkipped.Inc()
}

func (m *Metrics) ChunkRetried() {
	if m == nil {
		return
	}
	m.ChunkUploadRetries.Inc()
}

func (m *Metrics) ChunkAbandoned() {
	if m == nil {
		return
	}
	m.ChunkUploadFailures.Inc()
}

func (m *Metrics) CaptionRestarted(cause string) {
	if m == nil {
		return
	}
	m.CaptionRestarts.WithLabelValues(cause).Inc()
}

func (m *Metrics) CaptionFinalized() {
	if m == nil {
		return
	}
	m.CaptionsFinalized.Inc()
}

func (m *Metrics) SetTranscriptSegments(n int) {
	if m == nil {
		return
	}
	m.TranscriptSegments.Set(float64(n))
}

// SetMeetingStatus marks status as the only active meeting status.
func (m *Metrics) SetMeetingStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.MeetingStatus.WithLabelValues(s).Set(v)
	}
}
