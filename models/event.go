package models

import (
	"errors"
	"fmt"
	"time"
)

// EventKind identifies the domain mutation carried by a ReplicatedEvent.
type EventKind string

const (
	KindSaleCompleted        EventKind = "sale_completed"
	KindStockAdjusted        EventKind = "stock_adjusted"
	KindCashSessionOpened    EventKind = "cash_session_opened"
	KindCashSessionClosed    EventKind = "cash_session_closed"
	KindCashMovementRecorded EventKind = "cash_movement_recorded"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case KindSaleCompleted, KindStockAdjusted, KindCashSessionOpened, KindCashSessionClosed, KindCashMovementRecorded:
		return true
	default:
		return false
	}
}

// ReplicatedEvent is an immutable record of one domain mutation.
//
// The pair (OriginTerminalID, SequenceNo) identifies the event for
// de-duplication. LogIndex is the position in the local log of the terminal
// that relays the event and is not part of its identity.
type ReplicatedEvent struct {
	EventID          string    `json:"event_id"`
	OriginTerminalID string    `json:"origin_terminal_id"`
	SequenceNo       uint64    `json:"sequence_no"`
	Kind             EventKind `json:"kind"`
	Payload          []byte    `json:"payload"`
	OccurredAt       time.Time `json:"occurred_at"`
	LogIndex         uint64    `json:"log_index,omitempty"`
}

// EventKey is the de-duplication key of a ReplicatedEvent.
type EventKey struct {
	Origin     string
	SequenceNo uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s#%d", k.Origin, k.SequenceNo)
}

// Key returns the de-duplication key.
func (e ReplicatedEvent) Key() EventKey {
	return EventKey{Origin: e.OriginTerminalID, SequenceNo: e.SequenceNo}
}

// Validate checks the fields every event must carry.
func (e ReplicatedEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.OriginTerminalID == "" {
		return errors.New("origin_terminal_id is required")
	}
	if e.SequenceNo == 0 {
		return errors.New("sequence_no must be > 0")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// ApplyResult is the outcome of applying a remote event.
type ApplyResult string

const (
	ApplyApplied   ApplyResult = "applied"
	ApplyDuplicate ApplyResult = "duplicate"
	ApplyConflict  ApplyResult = "conflict"
)
