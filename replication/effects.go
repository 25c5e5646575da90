package replication

import (
	"fmt"

	"possync/models"
)

// effectFor returns the domain mutation an event describes.
//
// StockAdjusted and CashMovementRecorded commute and are applied as deltas or
// ledger appends. The keyed kinds insert by primary key and report a conflict
// when another terminal already authored the key.
func effectFor(event models.ReplicatedEvent) (func(models.DomainWriter) error, error) {
	switch event.Kind {
	case models.KindStockAdjusted:
		var adj models.StockAdjustment
		if err := models.DecodePayload(event.Payload, &adj); err != nil {
			return nil, err
		}
		if adj.ProductID == "" {
			return nil, fmt.Errorf("stock adjustment %s: product_id is required", event.Key())
		}
		return func(w models.DomainWriter) error {
			return w.AdjustStock(adj.ProductID, adj.Delta)
		}, nil

	case models.KindSaleCompleted:
		var sale models.Sale
		if err := models.DecodePayload(event.Payload, &sale); err != nil {
			return nil, err
		}
		if sale.SaleID == "" {
			return nil, fmt.Errorf("sale %s: sale_id is required", event.Key())
		}
		return func(w models.DomainWriter) error {
			return w.InsertSale(event.OriginTerminalID, sale, event.OccurredAt)
		}, nil

	case models.KindCashSessionOpened, models.KindCashSessionClosed:
		var session models.CashSession
		if err := models.DecodePayload(event.Payload, &session); err != nil {
			return nil, err
		}
		if session.SessionID == "" {
			return nil, fmt.Errorf("cash session %s: session_id is required", event.Key())
		}
		if event.Kind == models.KindCashSessionOpened {
			return func(w models.DomainWriter) error {
				return w.OpenCashSession(event.OriginTerminalID, session, event.OccurredAt)
			}, nil
		}
		return func(w models.DomainWriter) error {
			return w.CloseCashSession(event.OriginTerminalID, session, event.OccurredAt)
		}, nil

	case models.KindCashMovementRecorded:
		var movement models.CashMovement
		if err := models.DecodePayload(event.Payload, &movement); err != nil {
			return nil, err
		}
		if movement.MovementID == "" || movement.SessionID == "" {
			return nil, fmt.Errorf("cash movement %s: movement_id and session_id are required", event.Key())
		}
		return func(w models.DomainWriter) error {
			return w.AppendCashMovement(event.OriginTerminalID, movement, event.OccurredAt)
		}, nil
	}

	return nil, fmt.Errorf("unknown event kind %q", event.Kind)
}

// kindForRecord maps a domain record to the event kind that carries it.
// Cash sessions are ambiguous and must be published with an explicit kind.
func kindForRecord(record any) (models.EventKind, bool) {
	switch record.(type) {
	case models.Sale, *models.Sale:
		return models.KindSaleCompleted, true
	case models.StockAdjustment, *models.StockAdjustment:
		return models.KindStockAdjusted, true
	case models.CashMovement, *models.CashMovement:
		return models.KindCashMovementRecorded, true
	}
	return "", false
}
