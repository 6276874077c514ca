package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessageKind is returned when an inbound payload has no recognized kind.
var ErrUnknownMessageKind = errors.New("models: unknown message kind")

// Message is the canonical stored form of a chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	ReadBy         []string  `json:"read_by,omitempty"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
}

// IsReadBy reports whether identityID appears in the read set.
func (m Message) IsReadBy(identityID string) bool {
	for _, id := range m.ReadBy {
		if id == identityID {
			return true
		}
	}
	return false
}

// InboundMessage is implemented by DirectMessage and GroupMessage.
type InboundMessage interface {
	Kind() ConversationKind
	Base() Message
}

// DirectMessage is a message delivered in a one-to-one conversation.
type DirectMessage struct {
	Message
	RecipientID string `json:"recipient_id"`
}

// Kind implements InboundMessage.
func (DirectMessage) Kind() ConversationKind { return KindDirect }

// Base implements InboundMessage.
func (m DirectMessage) Base() Message { return m.Message }

// GroupMessage is a message delivered in a group conversation.
type GroupMessage struct {
	Message
	SenderRole Role `json:"sender_role"`
}

// Kind implements InboundMessage.
func (GroupMessage) Kind() ConversationKind { return KindGroup }

// Base implements InboundMessage.
func (m GroupMessage) Base() Message { return m.Message }

type messageKindEnvelope struct {
	Kind ConversationKind `json:"kind"`
}

// DecodeInbound decodes a message payload into its tagged variant.
func DecodeInbound(payload []byte) (InboundMessage, error) {
	var envelope messageKindEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode message kind: %w", err)
	}

	switch envelope.Kind {
	case KindDirect:
		var msg DirectMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode direct message: %w", err)
		}
		if err := validateBase(msg.Message); err != nil {
			return nil, err
		}
		return msg, nil
	case KindGroup:
		var msg GroupMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode group message: %w", err)
		}
		if err := validateBase(msg.Message); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageKind, envelope.Kind)
	}
}

// EncodeInbound encodes a tagged variant with its kind discriminator.
func EncodeInbound(msg InboundMessage) ([]byte, error) {
	switch m := msg.(type) {
	case DirectMessage:
		return json.Marshal(struct {
			Kind ConversationKind `json:"kind"`
			DirectMessage
		}{Kind: KindDirect, DirectMessage: m})
	case GroupMessage:
		return json.Marshal(struct {
			Kind ConversationKind `json:"kind"`
			GroupMessage
		}{Kind: KindGroup, GroupMessage: m})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageKind, msg)
	}
}

func validateBase(msg Message) error {
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	return nil
}
