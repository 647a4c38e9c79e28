package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the uniform wire-message wrapper carried in both directions.
// It is immutable once sent or received.
type Envelope struct {
	Type     string          `json:"type"`
	ConvID   int64           `json:"convId"`
	MsgID    string          `json:"msgId"`
	SentAtMs int64           `json:"sentAtMs"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DecodeError reports a malformed inbound envelope. Malformed messages are
// dropped and logged by the transport, never propagated as fatal.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// New builds an outbound envelope with a fresh message ID and timestamp.
func New(msgType string, convID int64, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:     msgType,
		ConvID:   convID,
		MsgID:    uuid.New().String(),
		SentAtMs: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode parses a wire frame into an envelope. Unknown message types decode
// fine; only structurally invalid JSON or a missing type is an error.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Err: fmt.Errorf("missing type field")}
	}
	return &env, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// DecodePayload unmarshals the opaque payload into a typed struct.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return &DecodeError{Err: fmt.Errorf("%s envelope has no payload", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &DecodeError{Err: fmt.Errorf("%s payload: %w", e.Type, err)}
	}
	return nil
}
