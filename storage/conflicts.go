package storage

import (
	"database/sql"
	"fmt"

	"possync/models"
)

func insertConflictTx(tx *sql.Tx, event models.ReplicatedEvent, conflict *models.ConflictError) error {
	if _, err := tx.Exec(
		`INSERT INTO conflicts (
			event_id,
			origin_terminal_id,
			sequence_no,
			kind,
			entity,
			entity_id,
			existing_origin,
			detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.OriginTerminalID,
		event.SequenceNo,
		string(event.Kind),
		conflict.Entity,
		conflict.EntityID,
		conflict.ExistingOrigin,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("insert conflict for %s: %w", event.Key(), err)
	}
	return nil
}

// ListConflicts returns the most recent conflicts first.
func (s *Store) ListConflicts(limit int) ([]models.Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT id, event_id, origin_terminal_id, sequence_no, kind, entity, entity_id, existing_origin, detected_at
		FROM conflicts
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Conflict, 0)
	for rows.Next() {
		var (
			c          models.Conflict
			kind       string
			detectedAt int64
		)
		if err := rows.Scan(
			&c.ID,
			&c.EventID,
			&c.OriginTerminalID,
			&c.SequenceNo,
			&kind,
			&c.Entity,
			&c.EntityID,
			&c.ExistingOrigin,
			&detectedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		c.Kind = models.EventKind(kind)
		c.DetectedAt = fromUnixMilli(detectedAt)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

// CountConflicts returns the number of recorded conflicts.
func (s *Store) CountConflicts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM conflicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conflicts: %w", err)
	}
	return n, nil
}
