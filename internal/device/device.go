// Package device abstracts the native audio boundary. The engine never
// touches platform capture/playback primitives directly; it is handed
// implementations of these interfaces, and tests substitute in-memory
// doubles that simulate frame timing and failures.
package device

import (
	"fmt"

	"github.com/talkboard/voice-engine/internal/protocol"
)

// DeviceError reports a capture or playback init/IO failure. Device failures
// are surfaced to the caller; the engine does not pretend to have a working
// microphone or speaker.
type DeviceError struct {
	Device string // "capture" or "playback"
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s device %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// FrameHandler receives one raw PCM frame from the capture device. It is
// invoked from the device's delivery goroutine.
type FrameHandler func(frame []byte)

// Capture is the microphone capability. Init is called once per engine
// session and the device is reused across start/stop cycles; Release happens
// only at engine teardown.
type Capture interface {
	Init(format protocol.AudioFormat) error
	Start() error
	Stop() error
	Release() error
	SetFrameHandler(h FrameHandler)
}

// Playback is the audio sink capability. Only the playback scheduler
// writes to it.
type Playback interface {
	Init(format protocol.AudioFormat) error
	Start() error
	Write(data []byte) error
	Stop() error
	Release() error
}
