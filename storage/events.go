package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"possync/models"
)

// AppendLocalEvent records an event originated by this terminal. It assigns
// the next per-origin sequence number and the log index, and when queue is
// set also places the event in the outbox for delivery to the Master.
//
// The local mutation the event describes has already been committed by the
// caller, so the domain tables are not touched.
func (s *Store) AppendLocalEvent(event *models.ReplicatedEvent, queue bool) error {
	if event == nil {
		return errors.New("event is required")
	}
	if strings.TrimSpace(event.OriginTerminalID) == "" {
		return errors.New("origin_terminal_id is required")
	}

	return s.withTx(func(tx *sql.Tx) error {
		seq, err := nextSequenceTx(tx, event.OriginTerminalID)
		if err != nil {
			return err
		}
		event.SequenceNo = seq
		if err := event.Validate(); err != nil {
			return err
		}

		logIndex, err := insertLogTx(tx, *event, outcomeApplied)
		if err != nil {
			return err
		}
		event.LogIndex = logIndex

		if !queue {
			return nil
		}
		if _, err := tx.Exec(
			`INSERT INTO outbox (event_id, sequence_no, enqueued_at) VALUES (?, ?, ?)`,
			event.EventID,
			event.SequenceNo,
			nowUnixMilli(),
		); err != nil {
			return fmt.Errorf("enqueue outbox event %q: %w", event.EventID, err)
		}
		return nil
	})
}

// ApplyEvent applies a remote event exactly once. The dedup check, the domain
// effect and the dedup insert share one transaction.
//
// When apply returns a *models.ConflictError the domain effect is rolled back,
// and the event is recorded as seen with a conflict row so redelivery stays a
// no-op.
func (s *Store) ApplyEvent(event models.ReplicatedEvent, apply func(models.DomainWriter) error) (models.ApplyResult, error) {
	if err := event.Validate(); err != nil {
		return "", err
	}

	var conflict *models.ConflictError
	result := models.ApplyApplied
	err := s.withTx(func(tx *sql.Tx) error {
		seen, err := hasAppliedTx(tx, event.Key())
		if err != nil {
			return err
		}
		if seen {
			result = models.ApplyDuplicate
			return errDuplicate
		}

		if err := apply(txDomain{tx: tx}); err != nil {
			if errors.As(err, &conflict) {
				return err
			}
			return fmt.Errorf("apply %s event %s: %w", event.Kind, event.Key(), err)
		}

		if _, err := insertLogTx(tx, event, outcomeApplied); err != nil {
			return err
		}
		return nil
	})

	switch {
	case errors.Is(err, errDuplicate):
		return models.ApplyDuplicate, nil
	case conflict != nil && errors.As(err, &conflict):
		if err := s.recordConflict(event, conflict); err != nil {
			return "", err
		}
		return models.ApplyConflict, nil
	case err != nil:
		return "", err
	}
	return result, nil
}

var errDuplicate = errors.New("storage: duplicate event")

func (s *Store) recordConflict(event models.ReplicatedEvent, conflict *models.ConflictError) error {
	return s.withTx(func(tx *sql.Tx) error {
		seen, err := hasAppliedTx(tx, event.Key())
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		if _, err := insertLogTx(tx, event, outcomeConflict); err != nil {
			return err
		}
		return insertConflictTx(tx, event, conflict)
	})
}

// HasApplied reports whether (origin, sequence) is already in the dedup set.
func (s *Store) HasApplied(key models.EventKey) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM event_log WHERE origin_terminal_id = ? AND sequence_no = ?)`,
		key.Origin,
		key.SequenceNo,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check applied event %s: %w", key, err)
	}
	return exists == 1, nil
}

// EventsAfter returns applied log entries after logIndex in log order,
// skipping events that originated at excludeOrigin.
func (s *Store) EventsAfter(logIndex uint64, excludeOrigin string, limit int) ([]models.ReplicatedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT log_index, event_id, origin_terminal_id, sequence_no, kind, payload, occurred_at
		FROM event_log
		WHERE log_index > ? AND outcome = ? AND origin_terminal_id <> ?
		ORDER BY log_index ASC
		LIMIT ?`,
		logIndex,
		outcomeApplied,
		excludeOrigin,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", logIndex, err)
	}
	defer rows.Close()

	out := make([]models.ReplicatedEvent, 0)
	for rows.Next() {
		event, err := scanLogRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log: %w", err)
	}
	return out, nil
}

// LastLogIndex returns the highest log index, or 0 for an empty log.
func (s *Store) LastLogIndex() (uint64, error) {
	var idx sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(log_index) FROM event_log`).Scan(&idx); err != nil {
		return 0, fmt.Errorf("read last log index: %w", err)
	}
	if !idx.Valid {
		return 0, nil
	}
	return uint64(idx.Int64), nil
}

// LastSequence returns the last sequence number allocated for origin.
func (s *Store) LastSequence(origin string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(
		`SELECT last_sequence FROM sequence_counters WHERE origin_terminal_id = ?`,
		origin,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence counter for %q: %w", origin, err)
	}
	return seq, nil
}

func nextSequenceTx(tx *sql.Tx, origin string) (uint64, error) {
	var seq uint64
	if err := tx.QueryRow(
		`INSERT INTO sequence_counters (origin_terminal_id, last_sequence)
		VALUES (?, 1)
		ON CONFLICT(origin_terminal_id) DO UPDATE SET last_sequence = last_sequence + 1
		RETURNING last_sequence`,
		origin,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("allocate sequence for %q: %w", origin, err)
	}
	return seq, nil
}

func hasAppliedTx(tx *sql.Tx, key models.EventKey) (bool, error) {
	var exists int
	if err := tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM event_log WHERE origin_terminal_id = ? AND sequence_no = ?)`,
		key.Origin,
		key.SequenceNo,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check applied event %s: %w", key, err)
	}
	return exists == 1, nil
}

func insertLogTx(tx *sql.Tx, event models.ReplicatedEvent, outcome string) (uint64, error) {
	payload := event.Payload
	if payload == nil {
		payload = []byte{}
	}
	res, err := tx.Exec(
		`INSERT INTO event_log (
			event_id,
			origin_terminal_id,
			sequence_no,
			kind,
			payload,
			occurred_at,
			recorded_at,
			outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID,
		event.OriginTerminalID,
		event.SequenceNo,
		string(event.Kind),
		payload,
		toUnixMilli(event.OccurredAt),
		nowUnixMilli(),
		outcome,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", event.Key(), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read log index for %s: %w", event.Key(), err)
	}
	return uint64(id), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogRow(row rowScanner) (models.ReplicatedEvent, error) {
	var (
		event      models.ReplicatedEvent
		kind       string
		occurredAt int64
	)
	if err := row.Scan(
		&event.LogIndex,
		&event.EventID,
		&event.OriginTerminalID,
		&event.SequenceNo,
		&kind,
		&event.Payload,
		&occurredAt,
	); err != nil {
		return models.ReplicatedEvent{}, fmt.Errorf("scan event row: %w", err)
	}
	event.Kind = models.EventKind(kind)
	event.OccurredAt = fromUnixMilli(occurredAt)
	return event, nil
}
