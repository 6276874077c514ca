package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxFrameSize is the maximum accepted frame size (1 MB).
	MaxFrameSize = 1 << 20
)

const (
	EventMessageNew  = "message_new"
	EventMessageRead = "message_read"
	EventKeyExchange = "key_exchange"
	EventCallRequest = "call_request"
	EventCallAccept  = "call_accept"
	EventCallReject  = "call_reject"
	EventCallEnd     = "call_end"
	EventCallSignal  = "call_signal"
)

var (
	// ErrNotConnected indicates the realtime channel is down.
	ErrNotConnected = errors.New("network: not connected")
	// ErrIdentityMismatch indicates Connect was called for a second identity.
	ErrIdentityMismatch = errors.New("network: already connected as another identity")
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidFrame indicates a frame is missing its id or event.
	ErrInvalidFrame = errors.New("network: invalid frame")
)

// Frame is the envelope for every realtime event.
type Frame struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sent_at"`
}

// Time returns SentAt as a time.Time.
func (f Frame) Time() time.Time {
	return time.UnixMilli(f.SentAt)
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", f.Event)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}

// NewFrame builds a frame with a fresh id. payload may be nil, raw JSON, or any marshalable value.
func NewFrame(event, from, to string, payload any) (Frame, error) {
	if event == "" {
		return Frame{}, ErrInvalidFrame
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = encoded
	}

	return Frame{
		ID:      uuid.NewString(),
		Event:   event,
		From:    from,
		To:      to,
		Payload: raw,
		SentAt:  time.Now().UnixMilli(),
	}, nil
}

// EncodeFrame marshals a frame and enforces the size limit.
func EncodeFrame(frame Frame) ([]byte, error) {
	if frame.ID == "" || frame.Event == "" {
		return nil, ErrInvalidFrame
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// DecodeFrame parses and validates an inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if frame.ID == "" || frame.Event == "" {
		return Frame{}, ErrInvalidFrame
	}
	return frame, nil
}
