package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// PutConversationKey inserts or replaces the key of a conversation.
func (s *Store) PutConversationKey(key ConversationKey) error {
	if key.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if len(key.KeyMaterial) == 0 {
		return errors.New("key_material is required")
	}
	if key.ExchangeState == "" {
		key.ExchangeState = KeyExchangePending
	}
	if err := validateExchangeState(key.ExchangeState); err != nil {
		return err
	}
	now := nowUnixMilli()
	if key.CreatedAt == 0 {
		key.CreatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO conversation_keys (
			conversation_id,
			key_material,
			exchange_state,
			peer_identity_id,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			key_material = excluded.key_material,
			exchange_state = excluded.exchange_state,
			peer_identity_id = excluded.peer_identity_id,
			updated_at = excluded.updated_at`,
		key.ConversationID,
		key.KeyMaterial,
		key.ExchangeState,
		key.PeerIdentityID,
		key.CreatedAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("put conversation key %q: %w", key.ConversationID, err)
	}
	return nil
}

// GetConversationKey returns ErrNotFound when the conversation has no key.
func (s *Store) GetConversationKey(conversationID string) (*ConversationKey, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := s.db.QueryRow(
		`SELECT conversation_id, key_material, exchange_state, peer_identity_id, created_at, updated_at
		FROM conversation_keys
		WHERE conversation_id = ?`,
		conversationID,
	)
	key, err := scanConversationKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation key %q: %w", conversationID, err)
	}
	return key, nil
}

// SetKeyExchangeState updates the exchange state of an existing key.
func (s *Store) SetKeyExchangeState(conversationID, state string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if err := validateExchangeState(state); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE conversation_keys SET exchange_state = ?, updated_at = ? WHERE conversation_id = ?`,
		state,
		nowUnixMilli(),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("set key exchange state %q: %w", conversationID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for key exchange state %q: %w", conversationID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingKeyExchanges returns keys whose delivery to the peer must be retried.
func (s *Store) ListPendingKeyExchanges() ([]ConversationKey, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, key_material, exchange_state, peer_identity_id, created_at, updated_at
		FROM conversation_keys
		WHERE exchange_state = ?
		ORDER BY created_at ASC`,
		KeyExchangePending,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending key exchanges: %w", err)
	}
	defer rows.Close()

	keys := make([]ConversationKey, 0)
	for rows.Next() {
		key, err := scanConversationKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation key row: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation key rows: %w", err)
	}
	return keys, nil
}

func scanConversationKey(row scanner) (*ConversationKey, error) {
	var key ConversationKey
	if err := row.Scan(
		&key.ConversationID,
		&key.KeyMaterial,
		&key.ExchangeState,
		&key.PeerIdentityID,
		&key.CreatedAt,
		&key.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &key, nil
}
