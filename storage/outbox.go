package storage

import (
	"errors"
	"fmt"

	"possync/models"
)

// PendingOutbox returns unacknowledged local events in sequence order.
func (s *Store) PendingOutbox(limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT e.log_index, e.event_id, e.origin_terminal_id, e.sequence_no, e.kind, e.payload, e.occurred_at, o.attempts
		FROM outbox o
		JOIN event_log e ON e.event_id = o.event_id
		ORDER BY o.sequence_no ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := make([]OutboxEntry, 0)
	for rows.Next() {
		var entry OutboxEntry
		var kind string
		var occurredAt int64
		if err := rows.Scan(
			&entry.Event.LogIndex,
			&entry.Event.EventID,
			&entry.Event.OriginTerminalID,
			&entry.Event.SequenceNo,
			&kind,
			&entry.Event.Payload,
			&occurredAt,
			&entry.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entry.Event.Kind = models.EventKind(kind)
		entry.Event.OccurredAt = fromUnixMilli(occurredAt)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// MarkOutboxAttempt records one delivery attempt for an outbox event.
func (s *Store) MarkOutboxAttempt(eventID string) error {
	if eventID == "" {
		return errors.New("event_id is required")
	}
	if _, err := s.db.Exec(
		`UPDATE outbox SET attempts = attempts + 1, last_attempt_at = ? WHERE event_id = ?`,
		nowUnixMilli(),
		eventID,
	); err != nil {
		return fmt.Errorf("mark outbox attempt %q: %w", eventID, err)
	}
	return nil
}

// AckOutbox removes an acknowledged event from the outbox. It reports false
// when the event was not pending.
func (s *Store) AckOutbox(eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event_id is required")
	}
	res, err := s.db.Exec(`DELETE FROM outbox WHERE event_id = ?`, eventID)
	if err != nil {
		return false, fmt.Errorf("ack outbox event %q: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for outbox ack: %w", err)
	}
	return n > 0, nil
}

// OutboxCount returns the replication backlog size.
func (s *Store) OutboxCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
