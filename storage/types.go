package storage

import (
	"database/sql"
	"errors"
	"time"

	"possync/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	outcomeApplied  = "applied"
	outcomeConflict = "conflict"
)

const (
	cashSessionOpen   = "open"
	cashSessionClosed = "closed"
)

// SyncCursor tracks how far this terminal has consumed a peer's event log.
type SyncCursor struct {
	PeerTerminalID string
	LastLogIndex   uint64
	LastSyncAt     time.Time
}

// SaleRow is the stored form of a replicated or local sale.
type SaleRow struct {
	SaleID           string
	OriginTerminalID string
	CashSessionID    string
	TotalCents       int64
	ItemCount        int
	OccurredAt       time.Time
}

// CashSessionRow is the stored form of a cash session.
type CashSessionRow struct {
	SessionID        string
	OriginTerminalID string
	OperatorID       string
	OpeningCents     int64
	ClosingCents     *int64
	Status           string
	OpenedAt         *time.Time
	ClosedAt         *time.Time
}

// CashMovementRow is one ledger line of a cash session.
type CashMovementRow struct {
	MovementID       string
	SessionID        string
	OriginTerminalID string
	Kind             string
	AmountCents      int64
	Reason           string
	OccurredAt       time.Time
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return nowUnixMilli()
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixMilli(v.Int64)
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

// OutboxEntry is one unacknowledged local event.
type OutboxEntry struct {
	Event    models.ReplicatedEvent
	Attempts int
}
