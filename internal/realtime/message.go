// Package realtime is the reconnecting WebSocket client core: one
// transport session at a time, bearer authentication, exponential
// reconnect backoff, heartbeat liveness checks and per-type message
// routing.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/lyo-realtime/internal/errors"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// System message types. The connection consumes these itself and never
// forwards them to registered handlers.
const (
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatResponse     = "heartbeat_response"
	TypeAuthRequired          = "auth_required"
	TypeConnectionEstablished = "connection_established"
)

// IsSystemType reports whether t is consumed by the connection core.
func IsSystemType(t string) bool {
	switch t {
	case TypeHeartbeat, TypeHeartbeatResponse, TypeAuthRequired, TypeConnectionEstablished:
		return true
	}

	return false
}

// Message is one wire message. Data is schema-less; handlers decode the
// shape they expect with DecodeData.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage stamps a new message with a random id and the current UTC
// time.
func NewMessage(typ string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}

	return Message{
		ID:        uuid.NewString(),
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// DecodeData re-decodes the payload into v.
func (m Message) DecodeData(v any) error {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return &apperrors.EncodingError{Err: fmt.Errorf("re-encoding %s payload: %w", m.Type, err)}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &apperrors.EncodingError{Err: fmt.Errorf("decoding %s payload: %w", m.Type, err)}
	}

	return nil
}

// Encode serializes m as a JSON text frame.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, &apperrors.EncodingError{Err: fmt.Errorf("message has no type")}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, &apperrors.EncodingError{Err: fmt.Errorf("marshalling %s: %w", m.Type, err)}
	}

	return data, nil
}

// Decode parses a JSON text frame. A missing id or timestamp is
// tolerated; a missing type, a non-object payload or a malformed
// timestamp is an EncodingError.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, &apperrors.EncodingError{Err: fmt.Errorf("invalid JSON frame (%d bytes)", len(data))}
	}

	frame := gjson.ParseBytes(data)
	if !frame.IsObject() {
		return Message{}, &apperrors.EncodingError{Err: fmt.Errorf("frame is not an object")}
	}

	typ := frame.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Message{}, &apperrors.EncodingError{Err: fmt.Errorf("frame has no type")}
	}

	msg := Message{
		ID:   frame.Get("id").String(),
		Type: typ.Str,
		Data: map[string]any{},
	}

	if payload := frame.Get("data"); payload.Exists() && payload.Type != gjson.Null {
		if !payload.IsObject() {
			return Message{}, &apperrors.EncodingError{Err: fmt.Errorf("%s data is not an object", msg.Type)}
		}

		if err := json.Unmarshal([]byte(payload.Raw), &msg.Data); err != nil {
			return Message{}, &apperrors.EncodingError{Err: fmt.Errorf("decoding %s data: %w", msg.Type, err)}
		}
	}

	if ts := frame.Get("timestamp"); ts.Exists() && ts.Type != gjson.Null {
		t, err := time.Parse(time.RFC3339Nano, ts.String())
		if err != nil {
			return Message{}, &apperrors.EncodingError{Err: fmt.Errorf("%s timestamp: %w", msg.Type, err)}
		}

		msg.Timestamp = t
	}

	return msg, nil
}
