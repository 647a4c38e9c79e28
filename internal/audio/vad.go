package audio

import (
	"sync"
	"time"
)

// VADConfig holds configuration for voice activity detection.
type VADConfig struct {
	SilenceThresholdDB float64       // Frames above this level count as speech
	SilenceWindow      time.Duration // Continuous silence span that ends an utterance
	MaxSpeechDuration  time.Duration // Continuous speech auto-cutoff; 0 disables
}

// DefaultVADConfig returns a default VAD configuration.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		SilenceThresholdDB: -45.0,
		SilenceWindow:      1500 * time.Millisecond,
	}
}

// Detector classifies PCM frames as speech or silence and fires
// edge-triggered events. Detection is a function of the fixed threshold
// only; no resampling or filtering is performed, so the threshold is a
// tunable, not an adaptive system.
//
// The silence edge requires a continuous run of silence frames whose
// wall-clock span reaches SilenceWindow; any speech frame inside the run
// resets the timer.
type Detector struct {
	mu  sync.Mutex
	cfg *VADConfig
	now func() time.Time

	enabled      bool
	speaking     bool
	speechStart  time.Time
	silenceStart time.Time // zero while no silence run is open

	onSpeechStart     func()
	onSilenceDetected func()
}

// NewDetector creates an enabled detector. The handlers may be nil.
func NewDetector(cfg *VADConfig, onSpeechStart, onSilenceDetected func()) *Detector {
	if cfg == nil {
		cfg = DefaultVADConfig()
	}
	return &Detector{
		cfg:               cfg,
		now:               time.Now,
		enabled:           true,
		onSpeechStart:     onSpeechStart,
		onSilenceDetected: onSilenceDetected,
	}
}

// ProcessFrame classifies one frame of signed 16-bit PCM samples and fires
// any edge events synchronously, on the caller's goroutine.
func (d *Detector) ProcessFrame(samples []int16) {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}

	level := RMSToDecibels(CalculateRMS(samples))
	frameHasSpeech := level > d.cfg.SilenceThresholdDB
	now := d.now()

	var fireStart, fireSilence bool

	if frameHasSpeech {
		d.silenceStart = time.Time{}
		if !d.speaking {
			d.speaking = true
			d.speechStart = now
			fireStart = true
		} else if d.cfg.MaxSpeechDuration > 0 && now.Sub(d.speechStart) >= d.cfg.MaxSpeechDuration {
			// Optional cutoff for runaway utterances, disabled by default.
			d.speaking = false
			d.silenceStart = time.Time{}
			fireSilence = true
		}
	} else if d.speaking {
		if d.silenceStart.IsZero() {
			d.silenceStart = now
		} else if now.Sub(d.silenceStart) >= d.cfg.SilenceWindow {
			d.speaking = false
			d.silenceStart = time.Time{}
			fireSilence = true
		}
	}
	d.mu.Unlock()

	if fireStart && d.onSpeechStart != nil {
		d.onSpeechStart()
	}
	if fireSilence && d.onSilenceDetected != nil {
		d.onSilenceDetected()
	}
}

// SetEnabled toggles detection without losing frame throughput. Disabling
// clears internal timers so re-enabling starts from a clean state.
func (d *Detector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled == enabled {
		return
	}
	d.enabled = enabled
	if !enabled {
		d.speaking = false
		d.silenceStart = time.Time{}
		d.speechStart = time.Time{}
	}
}

// Reset clears detection state while leaving the detector enabled.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
	d.silenceStart = time.Time{}
	d.speechStart = time.Time{}
}

// IsSpeaking reports whether speech is currently detected.
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// setClock substitutes the wall clock, for tests.
func (d *Detector) setClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}
