package protocol

// Client-to-server message types.
const (
	TypeClientHello    = "client_hello"
	TypeMicStart       = "mic_start"
	TypeUserAudioChunk = "user_audio_chunk"
	TypeMicEnd         = "mic_end"
	TypeImage          = "image"
	TypeInterrupt      = "interrupt"
	TypePing           = "ping"
)

// Server-to-client message types.
const (
	TypeState        = "state"
	TypeASRPartial   = "asr_partial"
	TypeASRFinal     = "asr_final"
	TypeSegmentStart = "segment_start"
	TypeAITextDelta  = "ai_text_delta"
	TypeAudioChunk   = "audio_chunk"
	TypeAudioEnd     = "audio_end"
	TypeBoard        = "board"
	TypeDone         = "done"
	TypeError        = "error"
	TypePong         = "pong"
)

// Server-authoritative conversation states carried in state messages.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateProcessing = "processing"
	StateSpeaking   = "speaking"
)

// AudioFormat describes the PCM framing of an audio chunk.
type AudioFormat struct {
	SampleRate    int `json:"sampleRate"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bitsPerSample"`
}

// ClientHello is sent once per connection for capability negotiation.
type ClientHello struct {
	Token        string      `json:"token,omitempty"`
	AudioFormat  AudioFormat `json:"audioFormat"`
	Capabilities []string    `json:"capabilities,omitempty"`
}

// MicStart announces a new outbound capture stream.
type MicStart struct {
	StreamID string `json:"streamId"`
}

// UserAudioChunk carries one sequenced outbound PCM fragment.
// Data is base64 in JSON via the standard []byte encoding.
type UserAudioChunk struct {
	StreamID string      `json:"streamId"`
	Seq      int         `json:"seq"`
	Format   AudioFormat `json:"format"`
	Data     []byte      `json:"data"`
}

// MicEnd closes a capture stream, carrying the last sequence number sent
// so the server can detect trailing loss.
type MicEnd struct {
	StreamID string `json:"streamId"`
	LastSeq  int    `json:"lastSeq"`
}

// Image notifies the server of an uploaded problem image.
type Image struct {
	URL string `json:"url"`
}

// State carries the server-authoritative conversation state.
type State struct {
	State string `json:"state"`
}

// ASRText carries a partial or final user transcript.
type ASRText struct {
	Text string `json:"text"`
}

// SegmentStart opens a new reply segment.
type SegmentStart struct {
	SegmentID int64 `json:"segmentId"`
	Index     int   `json:"index"`
}

// AITextDelta appends to a segment's spoken text.
type AITextDelta struct {
	SegmentID int64  `json:"segmentId"`
	Delta     string `json:"delta"`
	Seq       int    `json:"seq"`
}

// AudioChunk carries one inbound TTS PCM fragment. Seq is nil for
// single-shot clips that need no ordering.
type AudioChunk struct {
	SegmentID int64       `json:"segmentId"`
	Seq       *int        `json:"seq,omitempty"`
	Format    AudioFormat `json:"format"`
	Data      []byte      `json:"data"`
}

// AudioEnd marks the end of a segment's audio stream.
type AudioEnd struct {
	SegmentID int64 `json:"segmentId"`
	LastSeq   int   `json:"lastSeq"`
}

// Board carries a segment's board markup. Its arrival finalizes the segment.
type Board struct {
	SegmentID int64  `json:"segmentId"`
	Content   string `json:"content"`
}

// Done marks the AI turn complete.
type Done struct {
	TotalSegments int    `json:"totalSegments"`
	Reason        string `json:"reason,omitempty"`
}

// ServerError is a server-reported protocol error. The engine surfaces it
// and never unilaterally disconnects in response.
type ServerError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
