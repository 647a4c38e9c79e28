package device

import (
	"math"
	"sync"
	"time"

	"github.com/talkboard/voice-engine/internal/protocol"
)

// SyntheticCapture generates alternating bursts of tone and silence on a
// frame ticker. It stands in for a microphone when exercising the engine
// end to end without audio hardware (see cmd/voiceprobe).
type SyntheticCapture struct {
	FrameDuration time.Duration // defaults to 20ms
	SpeechSpan    time.Duration // tone burst length, defaults to 2s
	SilenceSpan   time.Duration // silence length, defaults to 2s

	mu      sync.Mutex
	format  protocol.AudioFormat
	handler FrameHandler
	stop    chan struct{}
	inited  bool
	running bool
}

func (s *SyntheticCapture) Init(format protocol.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	s.inited = true
	if s.FrameDuration == 0 {
		s.FrameDuration = 20 * time.Millisecond
	}
	if s.SpeechSpan == 0 {
		s.SpeechSpan = 2 * time.Second
	}
	if s.SilenceSpan == 0 {
		s.SilenceSpan = 2 * time.Second
	}
	return nil
}

func (s *SyntheticCapture) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited {
		return ErrNotInitialized
	}
	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	go s.run(s.stop)
	return nil
}

func (s *SyntheticCapture) run(stop chan struct{}) {
	ticker := time.NewTicker(s.FrameDuration)
	defer ticker.Stop()

	start := time.Now()
	cycle := s.SpeechSpan + s.SilenceSpan
	var phase float64

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			h := s.handler
			format := s.format
			frameDur := s.FrameDuration
			speechSpan := s.SpeechSpan
			s.mu.Unlock()
			if h == nil {
				continue
			}

			inSpeech := now.Sub(start)%cycle < speechSpan
			samples := int(frameDur.Seconds() * float64(format.SampleRate))
			frame := make([]byte, samples*2)
			if inSpeech {
				// 440Hz tone at roughly -12 dBFS.
				step := 2 * math.Pi * 440 / float64(format.SampleRate)
				for i := 0; i < samples; i++ {
					v := int16(8000 * math.Sin(phase))
					frame[i*2] = byte(v)
					frame[i*2+1] = byte(v >> 8)
					phase += step
				}
			}
			h(frame)
		}
	}
}

func (s *SyntheticCapture) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stop)
		s.running = false
	}
	return nil
}

func (s *SyntheticCapture) Release() error {
	_ = s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited = false
	return nil
}

func (s *SyntheticCapture) SetFrameHandler(h FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// DiscardPlayback is a sink that drops audio, for headless runs.
type DiscardPlayback struct{}

func (DiscardPlayback) Init(protocol.AudioFormat) error { return nil }
func (DiscardPlayback) Start() error                    { return nil }
func (DiscardPlayback) Write([]byte) error              { return nil }
func (DiscardPlayback) Stop() error                     { return nil }
func (DiscardPlayback) Release() error                  { return nil }
