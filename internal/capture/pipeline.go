// Package capture owns the microphone lifecycle and turns raw frames into
// sequenced outbound audio chunks. Frames always feed the voice activity
// detector; they are forwarded for transmission only while the ASR gate is
// open, so nothing is sent during AI playback.
package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talkboard/voice-engine/internal/audio"
	"github.com/talkboard/voice-engine/internal/config"
	"github.com/talkboard/voice-engine/internal/device"
	"github.com/talkboard/voice-engine/internal/protocol"
	"github.com/talkboard/voice-engine/internal/resilience"
)

// ChunkEmitter receives each sequenced outbound chunk while the gate is open.
type ChunkEmitter func(streamID string, seq int, frame []byte)

// ErrorHandler receives non-fatal device errors surfaced by the pipeline.
type ErrorHandler func(err error)

// Pipeline drives the capture device. The device is initialized exactly once
// per engine session and reused across start/stop cycles; it is released only
// at engine teardown, avoiding per-utterance device-open latency.
type Pipeline struct {
	cfg     *config.Config
	dev     device.Capture
	vad     *audio.Detector
	emit    ChunkEmitter
	onError ErrorHandler
	logger  zerolog.Logger

	mu          sync.Mutex
	format      protocol.AudioFormat
	initialized bool
	recording   bool
	gateOpen    bool
	streamID    string
	seq         int
	framesSeen  bool
	recoveries  int
	watchdog    *time.Timer
}

// New wires a pipeline to its device. The emitter and error handler may be
// nil while the pipeline is only monitoring.
func New(cfg *config.Config, dev device.Capture, vad *audio.Detector, emit ChunkEmitter, onError ErrorHandler, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		dev:     dev,
		vad:     vad,
		emit:    emit,
		onError: onError,
		logger:  logger.With().Str("component", "capture").Logger(),
		format: protocol.AudioFormat{
			SampleRate:    cfg.CaptureSampleRate,
			Channels:      cfg.CaptureChannels,
			BitsPerSample: cfg.CaptureBitsPerSample,
		},
	}
	dev.SetFrameHandler(p.handleFrame)
	return p
}

// StartRecording starts the device and opens a fresh stream. It is
// idempotent: if already recording it returns the current stream ID.
func (p *Pipeline) StartRecording() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.recording {
		return p.streamID, nil
	}

	if !p.initialized {
		if err := p.dev.Init(p.format); err != nil {
			return "", &device.DeviceError{Device: "capture", Op: "init", Err: err}
		}
		p.initialized = true
	}
	if err := p.dev.Start(); err != nil {
		return "", &device.DeviceError{Device: "capture", Op: "start", Err: err}
	}

	p.recording = true
	p.framesSeen = false
	p.openStreamLocked()
	p.armWatchdogLocked()

	p.logger.Debug().Str("stream_id", p.streamID).Msg("recording started")
	return p.streamID, nil
}

// OpenStream rotates to a new stream ID and resets the sequence counter,
// invalidating the prior counter. The device keeps running.
func (p *Pipeline) OpenStream() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openStreamLocked()
	return p.streamID
}

func (p *Pipeline) openStreamLocked() {
	p.streamID = fmt.Sprintf("mic-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
	p.seq = 0
}

// StopRecording stops the device without releasing it. Idempotent.
func (p *Pipeline) StopRecording() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.recording {
		return nil
	}
	p.recording = false
	p.gateOpen = false
	p.disarmWatchdogLocked()
	p.vad.Reset()

	if err := p.dev.Stop(); err != nil {
		return &device.DeviceError{Device: "capture", Op: "stop", Err: err}
	}
	p.logger.Debug().Str("stream_id", p.streamID).Msg("recording stopped")
	return nil
}

// SetGate opens or closes the ASR gate. Frames still reach the VAD while
// the gate is closed.
func (p *Pipeline) SetGate(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateOpen = open
}

// StreamID returns the current stream ID.
func (p *Pipeline) StreamID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamID
}

// LastSeq returns the last sequence number sent on the current stream,
// or -1 when nothing was sent.
func (p *Pipeline) LastSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq - 1
}

// Recording reports whether the device is capturing.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Release stops and releases the device. Called once at engine teardown.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = false
	p.gateOpen = false
	p.disarmWatchdogLocked()
	if p.initialized {
		_ = p.dev.Stop()
		_ = p.dev.Release()
		p.initialized = false
	}
}

// handleFrame runs on the device's delivery goroutine.
func (p *Pipeline) handleFrame(frame []byte) {
	p.mu.Lock()
	p.framesSeen = true
	recording := p.recording
	gateOpen := p.gateOpen
	streamID := p.streamID
	seq := p.seq
	if recording && gateOpen {
		p.seq++
	}
	emit := p.emit
	p.mu.Unlock()

	if !recording {
		return
	}

	// VAD sees every frame, gated or not, so barge-in detection keeps
	// working during AI playback.
	p.vad.ProcessFrame(audio.SamplesFromPCM16(frame))

	if gateOpen && emit != nil {
		emit(streamID, seq, frame)
	}
}

// armWatchdogLocked schedules the no-frames check after start.
func (p *Pipeline) armWatchdogLocked() {
	p.disarmWatchdogLocked()
	window := time.Duration(p.cfg.CaptureStartupMs) * time.Millisecond
	p.watchdog = time.AfterFunc(window, p.checkFrames)
}

func (p *Pipeline) disarmWatchdogLocked() {
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
}

// checkFrames fires if the startup window elapsed. A quiet device gets a
// single bounded re-init; repeated failure is surfaced and left to the
// caller, never retried in a loop.
func (p *Pipeline) checkFrames() {
	p.mu.Lock()
	if !p.recording || p.framesSeen {
		p.mu.Unlock()
		return
	}
	if p.recoveries >= p.cfg.CaptureMaxRecoveries {
		p.mu.Unlock()
		p.surface(&device.DeviceError{
			Device: "capture",
			Op:     "read",
			Err:    fmt.Errorf("no frames after %d recovery attempt(s)", p.cfg.CaptureMaxRecoveries),
		})
		return
	}
	p.recoveries++
	p.logger.Warn().Int("attempt", p.recoveries).Msg("no frames from capture device, re-initializing")
	p.mu.Unlock()

	err := resilience.Retry(func() error {
		_ = p.dev.Stop()
		_ = p.dev.Release()
		if err := p.dev.Init(p.format); err != nil {
			return err
		}
		return p.dev.Start()
	}, &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2.0}, nil)

	p.mu.Lock()
	if err != nil {
		p.recording = false
		p.mu.Unlock()
		p.surface(&device.DeviceError{Device: "capture", Op: "reinit", Err: err})
		return
	}
	if p.recording {
		p.armWatchdogLocked()
	}
	p.mu.Unlock()
}

func (p *Pipeline) surface(err error) {
	p.logger.Error().Err(err).Msg("capture device failure")
	if p.onError != nil {
		p.onError(err)
	}
}
