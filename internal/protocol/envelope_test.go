package protocol

import (
	"errors"
	"testing"
)

func TestNew_RoundTrip(t *testing.T) {
	env, err := New(TypeMicStart, 42, MicStart{StreamID: "mic-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if env.MsgID == "" {
		t.Error("expected a generated message id")
	}
	if env.SentAtMs == 0 {
		t.Error("expected a send timestamp")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type != TypeMicStart || decoded.ConvID != 42 {
		t.Errorf("got type=%s convId=%d, want mic_start/42", decoded.Type, decoded.ConvID)
	}

	var payload MicStart
	if err := decoded.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.StreamID != "mic-1" {
		t.Errorf("got stream id %q, want mic-1", payload.StreamID)
	}
}

func TestNew_NilPayload(t *testing.T) {
	env, err := New(TypePing, 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Errorf("expected empty payload, got %s", env.Payload)
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"type": "state"`},
		{"missing type", `{"convId": 1, "payload": {}}`},
		{"wrong envelope shape", `[1, 2, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("expected a decode error")
			}
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Errorf("got %T, want *DecodeError", err)
			}
		})
	}
}

func TestDecode_UnknownTypeAccepted(t *testing.T) {
	env, err := Decode([]byte(`{"type": "future_thing", "convId": 7, "payload": {"x": 1}}`))
	if err != nil {
		t.Fatalf("unknown type must decode: %v", err)
	}
	if env.Type != "future_thing" {
		t.Errorf("got type %q", env.Type)
	}
}

func TestDecodePayload_Errors(t *testing.T) {
	env := &Envelope{Type: TypeState}
	var st State
	if err := env.DecodePayload(&st); err == nil {
		t.Error("expected error for missing payload")
	}

	env.Payload = []byte(`"not an object"`)
	if err := env.DecodePayload(&st); err == nil {
		t.Error("expected error for mismatched payload shape")
	}
}

func TestAudioChunk_OptionalSeq(t *testing.T) {
	// Sequenced chunk keeps its zero seq distinct from an absent one.
	seq := 0
	env, err := New(TypeAudioChunk, 1, AudioChunk{SegmentID: 5, Seq: &seq, Data: []byte{1}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, _ := env.Encode()
	decoded, _ := Decode(data)
	var chunk AudioChunk
	if err := decoded.DecodePayload(&chunk); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if chunk.Seq == nil || *chunk.Seq != 0 {
		t.Errorf("seq 0 must survive the round trip, got %v", chunk.Seq)
	}

	// Unsequenced chunk omits seq entirely.
	env, _ = New(TypeAudioChunk, 1, AudioChunk{SegmentID: 5, Data: []byte{1}})
	data, _ = env.Encode()
	decoded, _ = Decode(data)
	chunk = AudioChunk{}
	if err := decoded.DecodePayload(&chunk); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if chunk.Seq != nil {
		t.Errorf("absent seq must decode as nil, got %d", *chunk.Seq)
	}
}
