// Package engine is the conversation orchestrator: it owns segment
// lifecycle, turn-taking, interrupts, and the mapping between server and
// local state. All mutations of session state are serialized behind one
// mutex, whatever event source they arrive from (socket messages, microphone
// frames, playback clock).
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/talkboard/voice-engine/internal/audio"
	"github.com/talkboard/voice-engine/internal/capture"
	"github.com/talkboard/voice-engine/internal/config"
	"github.com/talkboard/voice-engine/internal/observability"
	"github.com/talkboard/voice-engine/internal/playback"
	"github.com/talkboard/voice-engine/internal/protocol"
	"github.com/talkboard/voice-engine/internal/transport"
)

// segmentState accumulates one reply segment until its board arrives.
type segmentState struct {
	id        int64
	index     int
	text      string
	audioDone bool
}

// Engine is one conversation session. Multiple engines can coexist; there
// is no ambient singleton state beyond process-wide observability.
type Engine struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics
	transport *transport.Client
	capture   *capture.Pipeline
	scheduler *playback.Scheduler
	vad       *audio.Detector
	onUpdate  UpdateHandler

	mu             sync.Mutex
	convID         int64
	connState      transport.Status
	serverState    string
	status         Status
	everConnected  bool
	aiSpeaking     bool
	transmitting   bool
	segments       map[int64]*segmentState
	currentSeg     int64
	hasCurrent     bool
	finalized      []FinalSegment
	userTranscript string
	closed         bool
}

// New assembles an engine from its capabilities. Nothing connects or touches
// the devices until Start.
func New(cfg *config.Config, opts Options) *Engine {
	e := &Engine{
		cfg:      cfg,
		convID:   opts.ConvID,
		onUpdate: opts.OnUpdate,
		status:   StatusIdle,
		segments: make(map[int64]*segmentState),
	}
	e.logger = observability.SessionLogger(e.convID, "")
	if cfg.MetricsEnabled {
		e.metrics = observability.NewSessionMetrics()
	}

	e.vad = audio.NewDetector(&audio.VADConfig{
		SilenceThresholdDB: cfg.VADSilenceThresholdDB,
		SilenceWindow:      cfg.VADSilenceWindow(),
		MaxSpeechDuration:  cfg.VADMaxSpeech(),
	}, e.handleSpeechStart, e.handleSilenceDetected)

	e.capture = capture.New(cfg, opts.Capture, e.vad, e.emitChunk, e.handleDeviceError, e.logger)

	schedOpts := playback.OptionsFromConfig(cfg)
	schedOpts.OnSegmentEnd = func(segmentID int64) {
		e.logger.Debug().Int64("segment_id", segmentID).Msg("segment playback drained")
	}
	e.scheduler = playback.NewScheduler(opts.Playback, schedOpts, e.metrics, e.logger)

	e.transport = transport.NewClient(cfg, e.convID, transport.Handlers{
		OnMessage: e.handleEnvelope,
		OnStatus:  e.handleTransportStatus,
		OnClose:   e.handleClose,
	}, e.metrics, e.logger)

	return e
}

// Start connects to the server. It suspends until the socket opens or the
// handshake fails.
func (e *Engine) Start(ctx context.Context) error {
	return e.transport.Connect(ctx)
}

// Close tears the session down: stop capture, stop playback, release the
// native handles, close the socket. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.status = StatusIdle
	e.mu.Unlock()

	_ = e.capture.StopRecording()
	e.scheduler.Interrupt()
	e.capture.Release()
	e.scheduler.Close()
	e.transport.Disconnect()
	if e.metrics != nil {
		e.metrics.RecordSessionEnd()
	}
	e.logger.Info().Msg("engine closed")
}

// Interrupt cuts off AI playback on explicit user action. Idempotent.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	notice := e.interruptLocked("user")
	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

// SendImage notifies the server of an uploaded problem image. Upload itself
// happens out of band.
func (e *Engine) SendImage(url string) {
	env, err := protocol.New(protocol.TypeImage, e.convID, protocol.Image{URL: url})
	if err != nil {
		e.logger.Error().Err(err).Msg("image envelope")
		return
	}
	e.transport.Send(env)
}

// ---- transport events ----

func (e *Engine) handleTransportStatus(status transport.Status) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.connState = status

	var notice *Notice
	switch status {
	case transport.StatusConnected:
		wasConnected := e.everConnected
		e.everConnected = true
		e.status = StatusIdle
		e.sendHelloLocked()
		if e.cfg.AutoListen {
			notice = e.startTransmitStreamLocked()
		}
		if wasConnected {
			e.logger.Info().Msg("session resumed after reconnect")
		}
	case transport.StatusConnecting:
		e.status = StatusConnecting
		if e.everConnected {
			notice = &Notice{
				Kind:      NoticeTransient,
				Code:      "reconnecting",
				Message:   "Connection interrupted, retrying…",
				Retryable: true,
			}
		}
	case transport.StatusError:
		e.status = StatusError
		e.stopAudioLocked()
		notice = &Notice{
			Kind:    NoticeTerminal,
			Code:    "connection_lost",
			Message: "Connection lost, please restart the conversation.",
		}
	case transport.StatusDisconnected:
		e.status = StatusIdle
		e.stopAudioLocked()
	}

	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleClose(code int, reason string) {
	outcome := protocol.ClassifyClose(code, reason)
	if outcome == protocol.CloseResumable {
		// Silent retry is the transport's job; the connecting status
		// transition carries the transient notice.
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.stopAudioLocked()

	var notice *Notice
	if outcome == protocol.CloseTerminal {
		e.status = StatusError
		notice = &Notice{
			Kind:    NoticeTerminal,
			Code:    "session_ended",
			Message: protocol.UserFacingReason(reason),
		}
	} else {
		e.status = StatusIdle
	}
	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

// ---- server envelopes ----

func (e *Engine) handleEnvelope(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeState:
		var p protocol.State
		if e.decode(env, &p) {
			e.handleState(p)
		}
	case protocol.TypeASRPartial, protocol.TypeASRFinal:
		var p protocol.ASRText
		if e.decode(env, &p) {
			e.handleTranscript(p.Text)
		}
	case protocol.TypeSegmentStart:
		var p protocol.SegmentStart
		if e.decode(env, &p) {
			e.handleSegmentStart(p)
		}
	case protocol.TypeAITextDelta:
		var p protocol.AITextDelta
		if e.decode(env, &p) {
			e.handleTextDelta(p)
		}
	case protocol.TypeAudioChunk:
		var p protocol.AudioChunk
		if e.decode(env, &p) {
			e.handleAudioChunk(p)
		}
	case protocol.TypeAudioEnd:
		var p protocol.AudioEnd
		if e.decode(env, &p) {
			e.handleAudioEnd(p)
		}
	case protocol.TypeBoard:
		var p protocol.Board
		if e.decode(env, &p) {
			e.handleBoard(p)
		}
	case protocol.TypeDone:
		var p protocol.Done
		if e.decode(env, &p) {
			e.handleDone(p)
		}
	case protocol.TypeError:
		var p protocol.ServerError
		if e.decode(env, &p) {
			e.handleServerError(p)
		}
	case protocol.TypePong:
		// Tracked by the transport heartbeat.
	default:
		e.logger.Debug().Str("type", env.Type).Msg("ignoring unknown envelope type")
	}
}

func (e *Engine) decode(env *protocol.Envelope, v interface{}) bool {
	if err := env.DecodePayload(v); err != nil {
		e.logger.Warn().Err(err).Str("type", env.Type).Msg("dropping envelope with bad payload")
		if e.metrics != nil {
			e.metrics.RecordError("decode_error", "engine")
		}
		return false
	}
	return true
}

func (e *Engine) handleState(p protocol.State) {
	e.mu.Lock()
	e.serverState = p.State

	var notice *Notice
	switch p.State {
	case protocol.StateSpeaking:
		e.aiSpeaking = true
		e.status = StatusSpeaking
		// Keep the microphone hot with the gate closed so the VAD can
		// detect barge-in while the AI is talking.
		notice = e.startMonitorLocked()
	case protocol.StateProcessing:
		e.status = StatusProcessing
	case protocol.StateListening:
		e.status = StatusListening
	case protocol.StateIdle:
		e.status = StatusIdle
	}

	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleTranscript(text string) {
	e.mu.Lock()
	e.userTranscript = text
	upd := e.snapshotLocked(nil)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleSegmentStart(p protocol.SegmentStart) {
	e.mu.Lock()
	// Opens fresh accumulators for this id; previously finalized segments
	// are untouched.
	e.segments[p.SegmentID] = &segmentState{id: p.SegmentID, index: p.Index}
	e.currentSeg = p.SegmentID
	e.hasCurrent = true
	upd := e.snapshotLocked(nil)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleTextDelta(p protocol.AITextDelta) {
	e.mu.Lock()
	if !e.hasCurrent || e.currentSeg != p.SegmentID {
		// Late or duplicate delta for a stale segment: dropped, not queued.
		e.logger.Debug().Int64("segment_id", p.SegmentID).Msg("dropping delta for stale segment")
		e.mu.Unlock()
		return
	}
	seg := e.segments[p.SegmentID]
	seg.text += p.Delta
	upd := e.snapshotLocked(nil)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleAudioChunk(p protocol.AudioChunk) {
	if e.metrics != nil {
		e.metrics.RecordAudioBytes("in", int64(len(p.Data)))
	}
	e.scheduler.Enqueue(p.SegmentID, p.Seq, p.Format, p.Data)
}

func (e *Engine) handleAudioEnd(p protocol.AudioEnd) {
	// Waive the start watermark: a segment shorter than it must still play.
	e.scheduler.EndOfStream(p.SegmentID, p.LastSeq)

	e.mu.Lock()
	if seg, ok := e.segments[p.SegmentID]; ok {
		seg.audioDone = true
	}
	// Re-emit so the displayed text is the full accumulated text even if a
	// delta-complete signal raced the last delta.
	upd := e.snapshotLocked(nil)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleBoard(p protocol.Board) {
	e.mu.Lock()
	seg, ok := e.segments[p.SegmentID]
	if !ok {
		e.logger.Warn().Int64("segment_id", p.SegmentID).Msg("board for unknown segment, dropping")
		e.mu.Unlock()
		return
	}
	// The board is the finalizer: this is the only event that makes a
	// segment visible to consumers, in board-arrival order.
	e.finalized = append(e.finalized, FinalSegment{
		SegmentID:  seg.id,
		SpeechText: seg.text,
		Board:      p.Content,
	})
	delete(e.segments, p.SegmentID)
	if e.hasCurrent && e.currentSeg == p.SegmentID {
		e.hasCurrent = false
	}
	if e.metrics != nil {
		e.metrics.RecordSegmentFinalized()
	}
	upd := e.snapshotLocked(nil)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleDone(p protocol.Done) {
	e.mu.Lock()
	e.aiSpeaking = false
	e.logger.Info().Int("total_segments", p.TotalSegments).Str("reason", p.Reason).Msg("turn complete")
	var notice *Notice
	if e.cfg.AutoListen && !e.transmitting {
		notice = e.startTransmitStreamLocked()
	} else if !e.transmitting {
		e.status = StatusIdle
	}
	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleServerError(p protocol.ServerError) {
	e.mu.Lock()
	kind := NoticeTerminal
	if p.Retryable {
		kind = NoticeTransient
	}
	notice := &Notice{Kind: kind, Code: p.Code, Message: p.Message, Retryable: p.Retryable}
	// The server decides whether to close the socket; the engine only
	// surfaces the error.
	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
	if e.metrics != nil {
		e.metrics.RecordError("protocol_error", "engine")
	}
}

// ---- microphone events ----

// handleSpeechStart fires on the capture goroutine the moment the VAD sees
// speech. The interrupt must happen synchronously here so no stale audio
// plays after the user starts talking.
func (e *Engine) handleSpeechStart() {
	e.mu.Lock()
	if !e.aiSpeaking {
		e.mu.Unlock()
		return
	}
	notice := e.interruptLocked("vad")
	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleSilenceDetected() {
	e.mu.Lock()
	if !e.transmitting {
		e.mu.Unlock()
		return
	}
	e.transmitting = false
	streamID := e.capture.StreamID()
	lastSeq := e.capture.LastSeq()
	if err := e.capture.StopRecording(); err != nil {
		e.logger.Warn().Err(err).Msg("stop recording after silence")
	}
	e.status = StatusProcessing
	e.sendLocked(protocol.TypeMicEnd, protocol.MicEnd{StreamID: streamID, LastSeq: lastSeq})
	upd := e.snapshotLocked(nil)
	e.mu.Unlock()
	e.emit(upd)
}

func (e *Engine) handleDeviceError(err error) {
	e.mu.Lock()
	e.transmitting = false
	notice := &Notice{Kind: NoticeTerminal, Code: "device_error", Message: err.Error()}
	if e.metrics != nil {
		e.metrics.RecordError("device_error", "capture")
	}
	upd := e.snapshotLocked(notice)
	e.mu.Unlock()
	e.emit(upd)
}

// emitChunk forwards one gated microphone frame as a sequenced chunk.
// Runs on the capture device goroutine.
func (e *Engine) emitChunk(streamID string, seq int, frame []byte) {
	env, err := protocol.New(protocol.TypeUserAudioChunk, e.convID, protocol.UserAudioChunk{
		StreamID: streamID,
		Seq:      seq,
		Format:   e.captureFormat(),
		Data:     frame,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("audio chunk envelope")
		return
	}
	e.transport.Send(env)
	if e.metrics != nil {
		e.metrics.RecordAudioBytes("out", int64(len(frame)))
	}
}

// ---- internals ----

// interruptLocked cuts playback before anything else so the sink is silent
// by the time the interrupt envelope is on the wire. Returns a device
// notice if the follow-up listening stream could not start.
func (e *Engine) interruptLocked(trigger string) *Notice {
	e.scheduler.Interrupt()
	e.aiSpeaking = false
	e.sendLocked(protocol.TypeInterrupt, nil)
	if e.metrics != nil {
		e.metrics.RecordInterrupt(trigger)
	}
	e.logger.Info().Str("trigger", trigger).Msg("playback interrupted")
	// The user is talking: open a fresh transmitting stream right away.
	return e.startTransmitStreamLocked()
}

// startTransmitStreamLocked opens (or rotates to) a new MicStream with the
// ASR gate open and announces it to the server. A non-nil return is the
// device failure notice for the caller's snapshot.
func (e *Engine) startTransmitStreamLocked() *Notice {
	if _, err := e.capture.StartRecording(); err != nil {
		return e.deviceNoticeLocked(err)
	}
	streamID := e.capture.OpenStream()
	e.capture.SetGate(true)
	e.transmitting = true
	e.status = StatusListening
	e.sendLocked(protocol.TypeMicStart, protocol.MicStart{StreamID: streamID})
	return nil
}

// startMonitorLocked keeps the device capturing with the gate closed, so
// frames feed the VAD but nothing is transmitted during AI playback.
func (e *Engine) startMonitorLocked() *Notice {
	if e.transmitting {
		return nil
	}
	if _, err := e.capture.StartRecording(); err != nil {
		return e.deviceNoticeLocked(err)
	}
	e.capture.SetGate(false)
	return nil
}

func (e *Engine) stopAudioLocked() {
	e.transmitting = false
	e.aiSpeaking = false
	_ = e.capture.StopRecording()
	e.scheduler.Interrupt()
}

func (e *Engine) sendHelloLocked() {
	e.sendLocked(protocol.TypeClientHello, protocol.ClientHello{
		Token:        e.cfg.AuthToken,
		AudioFormat:  e.captureFormat(),
		Capabilities: []string{"interrupt", "board", "asr_partial"},
	})
}

func (e *Engine) sendLocked(msgType string, payload interface{}) {
	env, err := protocol.New(msgType, e.convID, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("type", msgType).Msg("envelope build failed")
		return
	}
	e.transport.Send(env)
}

// deviceNoticeLocked records a capture device failure and builds the
// notice the presentation layer shows for it.
func (e *Engine) deviceNoticeLocked(err error) *Notice {
	e.logger.Error().Err(err).Msg("capture unavailable")
	if e.metrics != nil {
		e.metrics.RecordError("device_error", "capture")
	}
	return &Notice{Kind: NoticeTerminal, Code: "device_error", Message: err.Error()}
}

func (e *Engine) captureFormat() protocol.AudioFormat {
	return protocol.AudioFormat{
		SampleRate:    e.cfg.CaptureSampleRate,
		Channels:      e.cfg.CaptureChannels,
		BitsPerSample: e.cfg.CaptureBitsPerSample,
	}
}

func (e *Engine) snapshotLocked(notice *Notice) Update {
	var speechText string
	if e.hasCurrent {
		if seg, ok := e.segments[e.currentSeg]; ok {
			speechText = seg.text
		}
	}
	finalized := make([]FinalSegment, len(e.finalized))
	copy(finalized, e.finalized)
	return Update{
		ConnectionState:   e.connState,
		ServerState:       e.serverState,
		Status:            e.status,
		SpeechText:        speechText,
		UserTranscript:    e.userTranscript,
		FinalizedSegments: finalized,
		Notice:            notice,
	}
}

func (e *Engine) emit(upd Update) {
	if e.onUpdate != nil {
		e.onUpdate(upd)
	}
}
