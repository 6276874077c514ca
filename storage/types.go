package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// KeyExchangeExchanged means the peer has been sent this key.
	KeyExchangeExchanged = "exchanged"
	// KeyExchangePending means delivery to the peer failed and must be retried.
	KeyExchangePending = "pending"
	// KeyExchangeReceived means the key arrived from the peer.
	KeyExchangeReceived = "received"
)

const (
	DeliveryQueued    = "queued"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// ConversationKey is the locally persisted symmetric key of one conversation.
type ConversationKey struct {
	ConversationID string
	KeyMaterial    []byte
	ExchangeState  string
	PeerIdentityID string
	CreatedAt      int64
	UpdatedAt      int64
}

// Message is the local cache row of a sent or received message.
type Message struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Body           string
	SentAt         int64
	ReplyToID      *string
	DeliveryStatus string
	OutboxEntryID  *string
}

// OutboxEntry is one durable mutating request awaiting replay.
type OutboxEntry struct {
	EntryID  string
	Endpoint string
	Method   string
	Payload  []byte
	// IdempotencyKey is sent on replay. Empty means EntryID is used.
	IdempotencyKey string
	CreatedAt      int64
	Attempts       int
	LastError      *string
}

// OutboxFailure records an outbox entry dropped after permanent rejection.
type OutboxFailure struct {
	ID           int64
	EntryID      string
	Endpoint     string
	Method       string
	Payload      []byte
	Attempts     int
	Reason       string
	FailedAt     int64
	Acknowledged bool
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID             int64
	EventType      string
	ConversationID *string
	Details        string
	Severity       string
	Timestamp      int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType      string
	ConversationID string
	Severity       string
	FromTimestamp  *int64
	Limit          int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateExchangeState(state string) error {
	switch state {
	case KeyExchangeExchanged, KeyExchangePending, KeyExchangeReceived:
		return nil
	default:
		return fmt.Errorf("invalid key exchange state %q", state)
	}
}

func validateDeliveryStatus(status string) error {
	switch status {
	case DeliveryQueued, DeliverySent, DeliveryDelivered, DeliveryFailed:
		return nil
	default:
		return fmt.Errorf("invalid delivery status %q", status)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
