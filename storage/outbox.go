package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// AppendOutboxEntry durably appends a queued request. Entry IDs must sort in creation order.
func (s *Store) AppendOutboxEntry(entry OutboxEntry) error {
	if entry.EntryID == "" {
		return errors.New("entry_id is required")
	}
	if entry.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if entry.Method == "" {
		return errors.New("method is required")
	}
	if entry.Payload == nil {
		entry.Payload = []byte{}
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox_entries (entry_id, endpoint, method, payload, idempotency_key, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		entry.EntryID,
		entry.Endpoint,
		entry.Method,
		entry.Payload,
		entry.IdempotencyKey,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append outbox entry %q: %w", entry.EntryID, err)
	}
	return nil
}

// ListOutboxEntries returns queued entries in key order.
func (s *Store) ListOutboxEntries(limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT entry_id, endpoint, method, payload, idempotency_key, created_at, attempts, last_error
		FROM outbox_entries
		ORDER BY entry_id ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	entries := make([]OutboxEntry, 0)
	for rows.Next() {
		var (
			entry     OutboxEntry
			lastError sql.NullString
		)
		if err := rows.Scan(
			&entry.EntryID,
			&entry.Endpoint,
			&entry.Method,
			&entry.Payload,
			&entry.IdempotencyKey,
			&entry.CreatedAt,
			&entry.Attempts,
			&lastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry row: %w", err)
		}
		entry.LastError = stringPtr(lastError)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entry rows: %w", err)
	}
	return entries, nil
}

// CountOutboxEntries returns the queue depth.
func (s *Store) CountOutboxEntries() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM outbox_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outbox entries: %w", err)
	}
	return count, nil
}

// DeleteOutboxEntry removes a delivered entry.
func (s *Store) DeleteOutboxEntry(entryID string) error {
	if entryID == "" {
		return errors.New("entry_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM outbox_entries WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("delete outbox entry %q: %w", entryID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for outbox delete %q: %w", entryID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutboxAttempt increments the attempt counter and returns the new value.
func (s *Store) RecordOutboxAttempt(entryID, lastError string) (int, error) {
	if entryID == "" {
		return 0, errors.New("entry_id is required")
	}

	var attempts int
	err := s.db.QueryRow(
		`UPDATE outbox_entries
		SET attempts = attempts + 1, last_error = ?
		WHERE entry_id = ?
		RETURNING attempts`,
		lastError,
		entryID,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record outbox attempt %q: %w", entryID, err)
	}
	return attempts, nil
}

// DropOutboxEntry moves an entry into outbox_failures in one transaction.
func (s *Store) DropOutboxEntry(entry OutboxEntry, reason string) (int64, error) {
	if entry.EntryID == "" {
		return 0, errors.New("entry_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin outbox drop transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(
		`INSERT INTO outbox_failures (entry_id, endpoint, method, payload, attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID,
		entry.Endpoint,
		entry.Method,
		entry.Payload,
		entry.Attempts,
		reason,
		nowUnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert outbox failure %q: %w", entry.EntryID, err)
	}
	failureID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read outbox failure id: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbox_entries WHERE entry_id = ?`, entry.EntryID); err != nil {
		return 0, fmt.Errorf("delete dropped outbox entry %q: %w", entry.EntryID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox drop: %w", err)
	}
	return failureID, nil
}

// ListOutboxFailures returns recorded drops, newest first.
func (s *Store) ListOutboxFailures(unacknowledgedOnly bool) ([]OutboxFailure, error) {
	query := `SELECT id, entry_id, endpoint, method, payload, attempts, reason, failed_at, acknowledged
		FROM outbox_failures`
	if unacknowledgedOnly {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY failed_at DESC, id DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list outbox failures: %w", err)
	}
	defer rows.Close()

	failures := make([]OutboxFailure, 0)
	for rows.Next() {
		var (
			failure      OutboxFailure
			acknowledged int
		)
		if err := rows.Scan(
			&failure.ID,
			&failure.EntryID,
			&failure.Endpoint,
			&failure.Method,
			&failure.Payload,
			&failure.Attempts,
			&failure.Reason,
			&failure.FailedAt,
			&acknowledged,
		); err != nil {
			return nil, fmt.Errorf("scan outbox failure row: %w", err)
		}
		failure.Acknowledged = acknowledged == 1
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox failure rows: %w", err)
	}
	return failures, nil
}

// AcknowledgeOutboxFailure marks a failure notice as seen by the user.
func (s *Store) AcknowledgeOutboxFailure(id int64) error {
	res, err := s.db.Exec(`UPDATE outbox_failures SET acknowledged = ? WHERE id = ?`, boolToInt(true), id)
	if err != nil {
		return fmt.Errorf("acknowledge outbox failure %d: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for outbox failure %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
