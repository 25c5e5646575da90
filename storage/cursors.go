package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncCursor returns how far this terminal has consumed peerID's log.
// A peer never synced returns a zero cursor.
func (s *Store) SyncCursor(peerID string) (SyncCursor, error) {
	cursor := SyncCursor{PeerTerminalID: peerID}
	var lastSyncAt int64
	err := s.db.QueryRow(
		`SELECT last_log_index, last_sync_at FROM sync_cursors WHERE peer_terminal_id = ?`,
		peerID,
	).Scan(&cursor.LastLogIndex, &lastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return SyncCursor{}, fmt.Errorf("read sync cursor for %q: %w", peerID, err)
	}
	cursor.LastSyncAt = fromUnixMilli(lastSyncAt)
	return cursor, nil
}

// AdvanceSyncCursor moves the cursor for peerID forward. It never moves it back.
func (s *Store) AdvanceSyncCursor(peerID string, logIndex uint64, at time.Time) error {
	if peerID == "" {
		return errors.New("peer_terminal_id is required")
	}
	if _, err := s.db.Exec(
		`INSERT INTO sync_cursors (peer_terminal_id, last_log_index, last_sync_at)
		VALUES (?, ?, ?)
		ON CONFLICT(peer_terminal_id) DO UPDATE SET
			last_log_index = MAX(last_log_index, excluded.last_log_index),
			last_sync_at = MAX(last_sync_at, excluded.last_sync_at)`,
		peerID,
		logIndex,
		toUnixMilli(at),
	); err != nil {
		return fmt.Errorf("advance sync cursor for %q: %w", peerID, err)
	}
	return nil
}

// LastSyncAt returns the most recent sync time across all peers, or the zero time.
func (s *Store) LastSyncAt() (time.Time, error) {
	var at sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(last_sync_at) FROM sync_cursors`).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("read last sync time: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return fromUnixMilli(at.Int64), nil
}
