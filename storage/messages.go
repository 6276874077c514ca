package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessage inserts or refreshes a cached message row.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if message.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if message.DeliveryStatus == "" {
		message.DeliveryStatus = DeliveryQueued
	}
	if err := validateDeliveryStatus(message.DeliveryStatus); err != nil {
		return err
	}
	if message.SentAt == 0 {
		message.SentAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			body,
			sent_at,
			reply_to_id,
			delivery_status,
			outbox_entry_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			body = excluded.body,
			sent_at = excluded.sent_at,
			delivery_status = excluded.delivery_status`,
		message.MessageID,
		message.ConversationID,
		message.SenderID,
		message.Body,
		message.SentAt,
		nullString(message.ReplyToID),
		message.DeliveryStatus,
		nullString(message.OutboxEntryID),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}
	return nil
}

// GetConversationMessages returns cached messages of a conversation ordered by sent time.
func (s *Store) GetConversationMessages(conversationID string, limit, offset int) ([]Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			body,
			sent_at,
			reply_to_id,
			delivery_status,
			outbox_entry_id
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			body,
			sent_at,
			reply_to_id,
			delivery_status,
			outbox_entry_id
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// UpdateDeliveryStatus updates delivery_status for a message.
func (s *Store) UpdateDeliveryStatus(messageID, status string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateDeliveryStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages SET delivery_status = ? WHERE message_id = ?`,
		status,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status for message %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update delivery status %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeliveryStatusByOutboxEntry updates the message that was queued as entryID.
func (s *Store) UpdateDeliveryStatusByOutboxEntry(entryID, status string) error {
	if entryID == "" {
		return errors.New("outbox_entry_id is required")
	}
	if err := validateDeliveryStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages SET delivery_status = ? WHERE outbox_entry_id = ?`,
		status,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("update delivery status for outbox entry %q: %w", entryID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for outbox entry %q: %w", entryID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		message       Message
		replyToID     sql.NullString
		outboxEntryID sql.NullString
	)

	if err := row.Scan(
		&message.MessageID,
		&message.ConversationID,
		&message.SenderID,
		&message.Body,
		&message.SentAt,
		&replyToID,
		&message.DeliveryStatus,
		&outboxEntryID,
	); err != nil {
		return nil, err
	}

	message.ReplyToID = stringPtr(replyToID)
	message.OutboxEntryID = stringPtr(outboxEntryID)
	return &message, nil
}
