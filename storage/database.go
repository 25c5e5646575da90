package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "sync.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS event_log (
  log_index          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id           TEXT NOT NULL,
  origin_terminal_id TEXT NOT NULL,
  sequence_no        INTEGER NOT NULL,
  kind               TEXT NOT NULL,
  payload            BLOB NOT NULL,
  occurred_at        INTEGER NOT NULL,
  recorded_at        INTEGER NOT NULL,
  outcome            TEXT NOT NULL CHECK(outcome IN ('applied','conflict')) DEFAULT 'applied',
  UNIQUE (origin_terminal_id, sequence_no)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_event_log_event_id
ON event_log (event_id);
`,
	`
CREATE TABLE IF NOT EXISTS sequence_counters (
  origin_terminal_id TEXT PRIMARY KEY,
  last_sequence      INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS outbox (
  event_id        TEXT PRIMARY KEY,
  sequence_no     INTEGER NOT NULL,
  enqueued_at     INTEGER NOT NULL,
  attempts        INTEGER NOT NULL DEFAULT 0,
  last_attempt_at INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_outbox_sequence
ON outbox (sequence_no);
`,
	`
CREATE TABLE IF NOT EXISTS sync_cursors (
  peer_terminal_id TEXT PRIMARY KEY,
  last_log_index   INTEGER NOT NULL DEFAULT 0,
  last_sync_at     INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS conflicts (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id           TEXT NOT NULL,
  origin_terminal_id TEXT NOT NULL,
  sequence_no        INTEGER NOT NULL,
  kind               TEXT NOT NULL,
  entity             TEXT NOT NULL,
  entity_id          TEXT NOT NULL,
  existing_origin    TEXT NOT NULL,
  detected_at        INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_conflicts_time
ON conflicts (detected_at DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS stock_levels (
  product_id TEXT PRIMARY KEY,
  quantity   INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS sales (
  sale_id            TEXT PRIMARY KEY,
  origin_terminal_id TEXT NOT NULL,
  cash_session_id    TEXT,
  total_cents        INTEGER NOT NULL,
  item_count         INTEGER NOT NULL,
  occurred_at        INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS cash_sessions (
  session_id         TEXT PRIMARY KEY,
  origin_terminal_id TEXT NOT NULL,
  operator_id        TEXT NOT NULL DEFAULT '',
  opening_cents      INTEGER NOT NULL DEFAULT 0,
  closing_cents      INTEGER,
  status             TEXT NOT NULL CHECK(status IN ('open','closed')) DEFAULT 'open',
  opened_at          INTEGER,
  closed_at          INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS cash_movements (
  movement_id        TEXT PRIMARY KEY,
  session_id         TEXT NOT NULL,
  origin_terminal_id TEXT NOT NULL,
  kind               TEXT NOT NULL,
  amount_cents       INTEGER NOT NULL,
  reason             TEXT NOT NULL DEFAULT '',
  occurred_at        INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_cash_movements_session_time
ON cash_movements (session_id, occurred_at, movement_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) sync.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
//
// Transactions take the write lock up front so that check-then-write
// sequences (dedup, sequence allocation) cannot interleave.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

// withTx runs fn in a write transaction, committing on nil error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
