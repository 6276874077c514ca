package storage

import (
	"errors"
	"fmt"
)

// MarkSeen records messageID and reports whether this is its first sighting.
func (s *Store) MarkSeen(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID,
		nowUnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark seen message ID %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen ID %q: %w", messageID, err)
	}
	return rowsAffected == 1, nil
}

// PruneSeenIDs removes seen_message_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}
	return rowsAffected, nil
}
