package models

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Sale is the payload of a SaleCompleted event.
type Sale struct {
	SaleID        string     `msgpack:"sale_id"`
	CashSessionID string     `msgpack:"cash_session_id"`
	TotalCents    int64      `msgpack:"total_cents"`
	Items         []SaleItem `msgpack:"items"`
}

// SaleItem is one line of a sale.
type SaleItem struct {
	ProductID  string `msgpack:"product_id"`
	Quantity   int64  `msgpack:"quantity"`
	PriceCents int64  `msgpack:"price_cents"`
}

// StockAdjustment is the payload of a StockAdjusted event.
type StockAdjustment struct {
	ProductID string `msgpack:"product_id"`
	Delta     int64  `msgpack:"delta"`
	Reason    string `msgpack:"reason,omitempty"`
}

// CashSession is the payload of CashSessionOpened and CashSessionClosed events.
type CashSession struct {
	SessionID    string `msgpack:"session_id"`
	OperatorID   string `msgpack:"operator_id"`
	OpeningCents int64  `msgpack:"opening_cents"`
	ClosingCents int64  `msgpack:"closing_cents,omitempty"`
}

// CashMovement is the payload of a CashMovementRecorded event.
type CashMovement struct {
	MovementID  string `msgpack:"movement_id"`
	SessionID   string `msgpack:"session_id"`
	Kind        string `msgpack:"kind"`
	AmountCents int64  `msgpack:"amount_cents"`
	Reason      string `msgpack:"reason,omitempty"`
}

// EncodePayload serializes a domain record for a ReplicatedEvent.
func EncodePayload(record any) ([]byte, error) {
	raw, err := msgpack.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// DecodePayload deserializes a ReplicatedEvent payload into out.
func DecodePayload(raw []byte, out any) error {
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// DomainWriter is the local data-access interface replicated effects are
// applied through. Implementations return *ConflictError when a keyed record
// already exists under another terminal's authorship.
type DomainWriter interface {
	AdjustStock(productID string, delta int64) error
	InsertSale(origin string, sale Sale, occurredAt time.Time) error
	OpenCashSession(origin string, session CashSession, occurredAt time.Time) error
	CloseCashSession(origin string, session CashSession, occurredAt time.Time) error
	AppendCashMovement(origin string, movement CashMovement, occurredAt time.Time) error
}

// ConflictError reports a keyed record authored by a different terminal.
type ConflictError struct {
	Entity         string
	EntityID       string
	ExistingOrigin string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists under terminal %s", e.Entity, e.EntityID, e.ExistingOrigin)
}

// Conflict is an operator-facing record of an event that was not applied.
type Conflict struct {
	ID               int64     `json:"id"`
	EventID          string    `json:"event_id"`
	OriginTerminalID string    `json:"origin_terminal_id"`
	SequenceNo       uint64    `json:"sequence_no"`
	Kind             EventKind `json:"kind"`
	Entity           string    `json:"entity"`
	EntityID         string    `json:"entity_id"`
	ExistingOrigin   string    `json:"existing_origin"`
	DetectedAt       time.Time `json:"detected_at"`
}
