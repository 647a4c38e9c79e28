package engine

import (
	"github.com/talkboard/voice-engine/internal/device"
	"github.com/talkboard/voice-engine/internal/transport"
)

// Status is the local conversation status. The server is authoritative for
// listening/processing/speaking/idle; connecting and error are local
// transport-derived overlays.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
	StatusSpeaking   Status = "speaking"
	StatusError      Status = "error"
)

// NoticeKind distinguishes user-visible failure behavior: a transient
// degradation being retried versus a terminal loss requiring a restart.
type NoticeKind string

const (
	NoticeTransient NoticeKind = "transient"
	NoticeTerminal  NoticeKind = "terminal"
)

// Notice is a user-facing condition attached to one update.
type Notice struct {
	Kind      NoticeKind
	Code      string
	Message   string
	Retryable bool
}

// FinalSegment is a finalized reply unit: spoken text paired with its board
// markup. Segments are exposed strictly in board-arrival order.
type FinalSegment struct {
	SegmentID  int64
	SpeechText string
	Board      string
}

// Update is the presentation-layer snapshot emitted after every state
// change. FinalizedSegments grows append-only across updates.
type Update struct {
	ConnectionState   transport.Status
	ServerState       string
	Status            Status
	SpeechText        string // accumulated text of the segment being received
	UserTranscript    string
	FinalizedSegments []FinalSegment
	Notice            *Notice
}

// UpdateHandler receives presentation updates. It is invoked outside the
// engine lock but must not block for long; handlers run on engine event
// goroutines.
type UpdateHandler func(Update)

// Options wire an engine to its collaborators. Capture and Playback are the
// injectable native audio capabilities.
type Options struct {
	ConvID   int64
	Capture  device.Capture
	Playback device.Playback
	OnUpdate UpdateHandler
}
