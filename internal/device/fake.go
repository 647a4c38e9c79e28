package device

import (
	"errors"
	"sync"

	"github.com/talkboard/voice-engine/internal/protocol"
)

// ErrNotInitialized is returned by fakes for operations before Init.
var ErrNotInitialized = errors.New("device not initialized")

// FakeCapture is an in-memory capture double. Tests push frames with
// EmitFrame and script failures through the error fields.
type FakeCapture struct {
	mu      sync.Mutex
	handler FrameHandler

	InitErr    error // returned by Init once, then cleared
	StartErr   error // returned by Start once, then cleared
	Mute       bool  // swallow emitted frames, simulating a dead device
	inited     bool
	running    bool
	released   bool
	InitCalls  int
	StartCalls int
	StopCalls  int
}

// NewFakeCapture returns a capture double in the uninitialized state.
func NewFakeCapture() *FakeCapture {
	return &FakeCapture{}
}

func (f *FakeCapture) Init(format protocol.AudioFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InitCalls++
	if f.InitErr != nil {
		err := f.InitErr
		f.InitErr = nil
		return err
	}
	f.inited = true
	f.released = false
	return nil
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls++
	if !f.inited {
		return ErrNotInitialized
	}
	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		return err
	}
	f.running = true
	return nil
}

func (f *FakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls++
	f.running = false
	return nil
}

func (f *FakeCapture) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.inited = false
	f.released = true
	return nil
}

func (f *FakeCapture) SetFrameHandler(h FrameHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// EmitFrame delivers one frame to the registered handler, as the native
// layer would. Frames emitted while stopped or muted are dropped.
func (f *FakeCapture) EmitFrame(frame []byte) {
	f.mu.Lock()
	h := f.handler
	deliver := f.running && !f.Mute
	f.mu.Unlock()
	if deliver && h != nil {
		h(frame)
	}
}

// Running reports whether the fake is between Start and Stop.
func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Released reports whether Release was called.
func (f *FakeCapture) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// FakePlayback is an in-memory sink double that records every write.
type FakePlayback struct {
	mu     sync.Mutex
	writes [][]byte

	WriteErr   error // returned by every Write while set
	inited     bool
	running    bool
	released   bool
	StopCalls  int
	StartCalls int
}

// NewFakePlayback returns a playback double in the uninitialized state.
func NewFakePlayback() *FakePlayback {
	return &FakePlayback{}
}

func (f *FakePlayback) Init(format protocol.AudioFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inited = true
	f.released = false
	return nil
}

func (f *FakePlayback) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inited {
		return ErrNotInitialized
	}
	f.StartCalls++
	f.running = true
	return nil
}

func (f *FakePlayback) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.writes = append(f.writes, buf)
	return nil
}

func (f *FakePlayback) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls++
	f.running = false
	return nil
}

func (f *FakePlayback) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.inited = false
	f.released = true
	return nil
}

// Writes returns a copy of every chunk written, in write order.
func (f *FakePlayback) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Bytes returns all written audio concatenated in write order.
func (f *FakePlayback) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

// Running reports whether the sink is between Start and Stop.
func (f *FakePlayback) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Released reports whether Release was called.
func (f *FakePlayback) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}
