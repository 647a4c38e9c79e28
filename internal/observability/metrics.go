package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_engine_active_sessions",
		Help: "Number of active conversation sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_sessions_total",
		Help: "Total number of conversation sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_session_duration_seconds",
		Help:    "Duration of conversation sessions in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // "in" or "out"

	jitterChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_jitter_chunks_total",
		Help: "Inbound audio chunks by jitter buffer disposition",
	}, []string{"disposition"}) // played, held, dropped_late, dropped_budget

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_reconnect_attempts_total",
		Help: "Total transport reconnection attempts",
	})

	interrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_interrupts_total",
		Help: "Playback interrupts by trigger",
	}, []string{"trigger"}) // vad, user

	segmentsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_segments_finalized_total",
		Help: "Total reply segments finalized by board arrival",
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_errors_total",
		Help: "Total errors by type and component",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single conversation session.
type SessionMetrics struct {
	mu        sync.Mutex
	startTime time.Time
	ended     bool
}

// NewSessionMetrics creates a tracker and records the session start.
func NewSessionMetrics() *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	return &SessionMetrics{startTime: time.Now()}
}

// RecordSessionEnd records the end of the session. Safe to call twice.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordAudioBytes records audio bytes by direction ("in" or "out").
func (m *SessionMetrics) RecordAudioBytes(direction string, n int64) {
	audioBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordJitterChunk records a jitter buffer disposition for one chunk.
func (m *SessionMetrics) RecordJitterChunk(disposition string) {
	jitterChunks.WithLabelValues(disposition).Inc()
}

// RecordReconnectAttempt records a transport reconnection attempt.
func (m *SessionMetrics) RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordInterrupt records a playback interrupt by trigger ("vad" or "user").
func (m *SessionMetrics) RecordInterrupt(trigger string) {
	interrupts.WithLabelValues(trigger).Inc()
}

// RecordSegmentFinalized records one segment finalized by board arrival.
func (m *SessionMetrics) RecordSegmentFinalized() {
	segmentsFinalized.Inc()
}

// RecordError records an error by type and component.
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
