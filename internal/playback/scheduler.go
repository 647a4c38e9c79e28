// Package playback reassembles out-of-order, sequence-numbered TTS audio
// chunks into a smooth, correctly ordered write sequence to the audio sink,
// for exactly one segment at a time.
package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkboard/voice-engine/internal/audio"
	"github.com/talkboard/voice-engine/internal/config"
	"github.com/talkboard/voice-engine/internal/device"
	"github.com/talkboard/voice-engine/internal/observability"
	"github.com/talkboard/voice-engine/internal/protocol"
)

// Options are the jitter buffer thresholds.
type Options struct {
	MaxBuffer      time.Duration // budget for queued + in-flight audio
	StartWatermark time.Duration // playback does not begin below this
	LowWatermark   time.Duration // empty queue at or below this ends the segment
	Tick           time.Duration // in-flight decrement interval; <= 0 disables the clock (tests)
	OnSegmentEnd   func(segmentID int64)
}

// OptionsFromConfig builds Options from the engine thresholds table.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxBuffer:      time.Duration(cfg.PlaybackMaxBufferMs) * time.Millisecond,
		StartWatermark: time.Duration(cfg.PlaybackStartWatermarkMs) * time.Millisecond,
		LowWatermark:   time.Duration(cfg.PlaybackLowWatermarkMs) * time.Millisecond,
		Tick:           time.Duration(cfg.PlaybackTickMs) * time.Millisecond,
	}
}

type chunk struct {
	seq    int
	hasSeq bool
	data   []byte
	dur    time.Duration
}

// Scheduler is the jitter buffer. All methods are safe for concurrent use;
// Interrupt may be called at any time, including mid-write, and is
// idempotent.
type Scheduler struct {
	sink    device.Playback
	opts    Options
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	mu          sync.Mutex
	tracking    bool
	segmentID   int64
	interrupted int64 // last interrupted segment; its late chunks are discarded
	wasCut      bool
	expectedSeq int
	held        map[int]chunk // early arrivals keyed by sequence number
	pending     []chunk       // in-order chunks not yet written to the sink
	queued      time.Duration // total duration of held + pending
	inFlight    time.Duration // estimated audio already written, still playing
	started     bool          // sink is playing the current segment
	eos         bool          // current segment's stream is complete, watermark waived
	sinkInited  bool
	sinkFormat  protocol.AudioFormat
	closed      bool
	stopClock   chan struct{}
}

// NewScheduler creates a scheduler over the given sink and starts its
// pacing clock unless Tick is disabled.
func NewScheduler(sink device.Playback, opts Options, metrics *observability.SessionMetrics, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		sink:    sink,
		opts:    opts,
		logger:  logger.With().Str("component", "playback").Logger(),
		metrics: metrics,
		held:    make(map[int]chunk),
	}
	if opts.Tick > 0 {
		s.stopClock = make(chan struct{})
		go s.clock()
	}
	return s
}

// Enqueue accepts one inbound audio chunk. A nil seq bypasses sequence
// tracking and plays serialized behind whatever is already queued.
func (s *Scheduler) Enqueue(segmentID int64, seq *int, format protocol.AudioFormat, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	// Late chunks for an interrupted segment never restart playback.
	if s.wasCut && segmentID == s.interrupted {
		s.logger.Debug().Int64("segment_id", segmentID).Msg("discarding chunk for interrupted segment")
		return
	}
	if !s.tracking || segmentID != s.segmentID {
		// New segment: silence the old segment's tail before its buffer
		// state is thrown away.
		if s.started {
			if err := s.sink.Stop(); err != nil {
				s.logger.Warn().Err(err).Msg("sink stop on segment switch")
			}
		}
		s.resetLocked()
		s.tracking = true
		s.segmentID = segmentID
		s.wasCut = false
		s.ensureSinkFormatLocked(format)
	}

	dur := audio.Duration(format, len(data))

	// Backpressure: favor ongoing playback smoothness over completeness.
	for s.queued+dur+s.inFlight > s.opts.MaxBuffer {
		if !s.dropOldestLocked() {
			break
		}
	}

	c := chunk{data: data, dur: dur}
	if seq == nil {
		s.pending = append(s.pending, c)
		s.queued += dur
	} else {
		c.seq, c.hasSeq = *seq, true
		switch {
		case c.seq < s.expectedSeq:
			s.recordChunk("dropped_late")
			s.logger.Debug().Int64("segment_id", segmentID).Int("seq", c.seq).Msg("dropping late duplicate")
			return
		case c.seq == s.expectedSeq:
			s.pending = append(s.pending, c)
			s.queued += dur
			s.expectedSeq++
			s.drainHeldLocked()
		default:
			if _, dup := s.held[c.seq]; dup {
				s.recordChunk("dropped_late")
				return
			}
			s.held[c.seq] = c
			s.queued += dur
			s.recordChunk("held")
		}
	}

	s.maybeStartLocked()
	if s.started {
		s.flushPendingLocked()
	}
}

// EndOfStream marks the tracked segment's audio stream complete: no further
// chunks are coming, so the start watermark is waived and any remaining
// sequence gap is declared lost. lastSeq is the final sequence number the
// server sent, or a negative value for unsequenced clips.
func (s *Scheduler) EndOfStream(segmentID int64, lastSeq int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.tracking || segmentID != s.segmentID {
		return
	}
	s.eos = true
	if !s.started && len(s.pending) == 0 && len(s.held) == 0 {
		return
	}

	if len(s.pending) == 0 && len(s.held) > 0 {
		s.skipGapLocked()
	}
	s.maybeStartLocked()
	if s.started {
		s.flushPendingLocked()
		for len(s.held) > 0 {
			s.skipGapLocked()
			s.flushPendingLocked()
		}
	}
	if lastSeq > 0 && s.expectedSeq <= lastSeq {
		s.logger.Warn().
			Int64("segment_id", segmentID).
			Int("expected", s.expectedSeq).
			Int("last_seq", lastSeq).
			Msg("stream ended with trailing chunks missing")
	}
}

// Interrupt hard-stops the sink, clears all buffers for the current segment,
// and resets sequence tracking. Safe to call at any time; idempotent.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracking {
		s.interrupted = s.segmentID
		s.wasCut = true
	}
	if err := s.sink.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("sink stop during interrupt")
	}
	s.resetLocked()
}

// Close stops the pacing clock and releases the sink. Called once at engine
// teardown; safe to call twice.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.stopClock != nil {
		close(s.stopClock)
	}
	_ = s.sink.Stop()
	_ = s.sink.Release()
	s.resetLocked()
	s.mu.Unlock()
}

// QueuedDuration reports buffered-but-unplayed audio, for observability.
func (s *Scheduler) QueuedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// resetLocked clears all per-segment state.
func (s *Scheduler) resetLocked() {
	s.tracking = false
	s.expectedSeq = 0
	s.held = make(map[int]chunk)
	s.pending = nil
	s.queued = 0
	s.inFlight = 0
	s.started = false
	s.eos = false
}

func (s *Scheduler) ensureSinkFormatLocked(format protocol.AudioFormat) {
	if s.sinkInited && format == s.sinkFormat {
		return
	}
	if s.sinkInited {
		_ = s.sink.Stop()
	}
	if err := s.sink.Init(format); err != nil {
		s.logger.Error().Err(err).Msg("sink init failed")
		if s.metrics != nil {
			s.metrics.RecordError("device_error", "playback")
		}
		return
	}
	s.sinkInited = true
	s.sinkFormat = format
}

// drainHeldLocked promotes held chunks that became contiguous.
func (s *Scheduler) drainHeldLocked() {
	for {
		c, ok := s.held[s.expectedSeq]
		if !ok {
			return
		}
		delete(s.held, s.expectedSeq)
		s.pending = append(s.pending, c)
		s.expectedSeq++
	}
}

// dropOldestLocked evicts the oldest buffered chunk. When a sequence gap is
// the only thing blocking the buffer, the gap is declared lost first so the
// buffer never stalls indefinitely on a missing chunk.
func (s *Scheduler) dropOldestLocked() bool {
	if len(s.pending) == 0 && len(s.held) > 0 {
		s.skipGapLocked()
	}
	if len(s.pending) == 0 {
		return false
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	s.queued -= c.dur
	s.recordChunk("dropped_budget")
	s.logger.Warn().
		Int64("segment_id", s.segmentID).
		Int("seq", c.seq).
		Dur("queued", s.queued).
		Msg("buffer budget exceeded, dropping oldest chunk")
	return true
}

// skipGapLocked advances expectedSeq past a lost chunk to the lowest held
// sequence number and promotes everything now contiguous.
func (s *Scheduler) skipGapLocked() {
	lowest := -1
	for seq := range s.held {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	if lowest < 0 {
		return
	}
	s.logger.Warn().
		Int64("segment_id", s.segmentID).
		Int("expected", s.expectedSeq).
		Int("resuming_at", lowest).
		Msg("sequence gap declared lost")
	s.expectedSeq = lowest
	s.drainHeldLocked()
}

// maybeStartLocked opens the sink once enough audio is buffered to absorb
// jitter.
func (s *Scheduler) maybeStartLocked() {
	if s.started || !s.sinkInited {
		return
	}
	// A completed stream waives the watermark; a short segment plays out
	// instead of waiting for audio that will never come.
	if !s.eos && s.queued+s.inFlight < s.opts.StartWatermark {
		return
	}
	if err := s.sink.Start(); err != nil {
		s.logger.Error().Err(err).Msg("sink start failed")
		if s.metrics != nil {
			s.metrics.RecordError("device_error", "playback")
		}
		return
	}
	s.started = true
}

// flushPendingLocked writes every playable chunk to the sink.
func (s *Scheduler) flushPendingLocked() {
	for len(s.pending) > 0 {
		c := s.pending[0]
		s.pending = s.pending[1:]
		s.queued -= c.dur
		if err := s.sink.Write(c.data); err != nil {
			s.logger.Error().Err(err).Int("seq", c.seq).Msg("sink write failed")
			if s.metrics != nil {
				s.metrics.RecordError("device_error", "playback")
			}
			continue
		}
		s.inFlight += c.dur
		s.recordChunk("played")
	}
}

// clock decrements the in-flight estimate on a wall-clock ticker and stops
// the sink cleanly when the segment has drained to the low watermark.
func (s *Scheduler) clock() {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopClock:
			return
		case <-ticker.C:
			s.tickOnce(s.opts.Tick)
		}
	}
}

// tickOnce advances the playback clock by d. Exposed within the package for
// deterministic tests.
func (s *Scheduler) tickOnce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight -= d
		if s.inFlight < 0 {
			s.inFlight = 0
		}
	}

	// End of segment: nothing buffered and the tail is nearly played out.
	if s.started && len(s.pending) == 0 && len(s.held) == 0 && s.inFlight <= s.opts.LowWatermark {
		if err := s.sink.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("sink stop at segment end")
		}
		s.started = false
		s.inFlight = 0
		if s.opts.OnSegmentEnd != nil {
			seg := s.segmentID
			// Fire outside the lock; the callback may re-enter.
			s.mu.Unlock()
			s.opts.OnSegmentEnd(seg)
			s.mu.Lock()
		}
	}
}

func (s *Scheduler) recordChunk(disposition string) {
	if s.metrics != nil {
		s.metrics.RecordJitterChunk(disposition)
	}
}
