package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"possync/models"
)

// txDomain applies domain effects inside an open transaction.
type txDomain struct {
	tx *sql.Tx
}

var _ models.DomainWriter = txDomain{}

// WithDomain runs fn against the local domain tables in one transaction. The
// business layer uses it for its own local mutations before publishing.
func (s *Store) WithDomain(fn func(models.DomainWriter) error) error {
	return s.withTx(func(tx *sql.Tx) error {
		return fn(txDomain{tx: tx})
	})
}

func (d txDomain) AdjustStock(productID string, delta int64) error {
	if strings.TrimSpace(productID) == "" {
		return errors.New("product_id is required")
	}
	if _, err := d.tx.Exec(
		`INSERT INTO stock_levels (product_id, quantity, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			quantity = quantity + excluded.quantity,
			updated_at = excluded.updated_at`,
		productID,
		delta,
		nowUnixMilli(),
	); err != nil {
		return fmt.Errorf("adjust stock for %q: %w", productID, err)
	}
	return nil
}

func (d txDomain) InsertSale(origin string, sale models.Sale, occurredAt time.Time) error {
	if strings.TrimSpace(sale.SaleID) == "" {
		return errors.New("sale_id is required")
	}

	existing, err := d.authorOf(`SELECT origin_terminal_id FROM sales WHERE sale_id = ?`, sale.SaleID)
	if err != nil {
		return fmt.Errorf("look up sale %q: %w", sale.SaleID, err)
	}
	if existing != "" {
		if existing != origin {
			return &models.ConflictError{Entity: "sale", EntityID: sale.SaleID, ExistingOrigin: existing}
		}
		return nil
	}

	if _, err := d.tx.Exec(
		`INSERT INTO sales (sale_id, origin_terminal_id, cash_session_id, total_cents, item_count, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sale.SaleID,
		origin,
		sale.CashSessionID,
		sale.TotalCents,
		len(sale.Items),
		toUnixMilli(occurredAt),
	); err != nil {
		return fmt.Errorf("insert sale %q: %w", sale.SaleID, err)
	}
	return nil
}

func (d txDomain) OpenCashSession(origin string, session models.CashSession, occurredAt time.Time) error {
	if strings.TrimSpace(session.SessionID) == "" {
		return errors.New("session_id is required")
	}

	existing, err := d.authorOf(`SELECT origin_terminal_id FROM cash_sessions WHERE session_id = ?`, session.SessionID)
	if err != nil {
		return fmt.Errorf("look up cash session %q: %w", session.SessionID, err)
	}
	if existing != "" {
		if existing != origin {
			return &models.ConflictError{Entity: "cash_session", EntityID: session.SessionID, ExistingOrigin: existing}
		}
		// A close from the same terminal may have arrived first.
		if _, err := d.tx.Exec(
			`UPDATE cash_sessions SET operator_id = ?, opening_cents = ?, opened_at = ? WHERE session_id = ?`,
			session.OperatorID,
			session.OpeningCents,
			toUnixMilli(occurredAt),
			session.SessionID,
		); err != nil {
			return fmt.Errorf("update cash session %q: %w", session.SessionID, err)
		}
		return nil
	}

	if _, err := d.tx.Exec(
		`INSERT INTO cash_sessions (session_id, origin_terminal_id, operator_id, opening_cents, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		origin,
		session.OperatorID,
		session.OpeningCents,
		cashSessionOpen,
		toUnixMilli(occurredAt),
	); err != nil {
		return fmt.Errorf("insert cash session %q: %w", session.SessionID, err)
	}
	return nil
}

func (d txDomain) CloseCashSession(origin string, session models.CashSession, occurredAt time.Time) error {
	if strings.TrimSpace(session.SessionID) == "" {
		return errors.New("session_id is required")
	}

	existing, err := d.authorOf(`SELECT origin_terminal_id FROM cash_sessions WHERE session_id = ?`, session.SessionID)
	if err != nil {
		return fmt.Errorf("look up cash session %q: %w", session.SessionID, err)
	}
	if existing != "" && existing != origin {
		return &models.ConflictError{Entity: "cash_session", EntityID: session.SessionID, ExistingOrigin: existing}
	}

	if existing == "" {
		if _, err := d.tx.Exec(
			`INSERT INTO cash_sessions (session_id, origin_terminal_id, operator_id, opening_cents, closing_cents, status, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			session.SessionID,
			origin,
			session.OperatorID,
			session.OpeningCents,
			session.ClosingCents,
			cashSessionClosed,
			toUnixMilli(occurredAt),
		); err != nil {
			return fmt.Errorf("insert closed cash session %q: %w", session.SessionID, err)
		}
		return nil
	}

	if _, err := d.tx.Exec(
		`UPDATE cash_sessions SET closing_cents = ?, status = ?, closed_at = ? WHERE session_id = ?`,
		session.ClosingCents,
		cashSessionClosed,
		toUnixMilli(occurredAt),
		session.SessionID,
	); err != nil {
		return fmt.Errorf("close cash session %q: %w", session.SessionID, err)
	}
	return nil
}

func (d txDomain) AppendCashMovement(origin string, movement models.CashMovement, occurredAt time.Time) error {
	if strings.TrimSpace(movement.MovementID) == "" {
		return errors.New("movement_id is required")
	}
	if strings.TrimSpace(movement.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if _, err := d.tx.Exec(
		`INSERT INTO cash_movements (movement_id, session_id, origin_terminal_id, kind, amount_cents, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(movement_id) DO NOTHING`,
		movement.MovementID,
		movement.SessionID,
		origin,
		movement.Kind,
		movement.AmountCents,
		movement.Reason,
		toUnixMilli(occurredAt),
	); err != nil {
		return fmt.Errorf("append cash movement %q: %w", movement.MovementID, err)
	}
	return nil
}

func (d txDomain) authorOf(query, id string) (string, error) {
	var origin string
	err := d.tx.QueryRow(query, id).Scan(&origin)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return origin, nil
}

// StockLevel returns the current quantity of a product, 0 when unknown.
func (s *Store) StockLevel(productID string) (int64, error) {
	var qty int64
	err := s.db.QueryRow(`SELECT quantity FROM stock_levels WHERE product_id = ?`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stock level for %q: %w", productID, err)
	}
	return qty, nil
}

// GetSale returns one stored sale.
func (s *Store) GetSale(saleID string) (*SaleRow, error) {
	var (
		row        SaleRow
		sessionID  sql.NullString
		occurredAt int64
	)
	err := s.db.QueryRow(
		`SELECT sale_id, origin_terminal_id, cash_session_id, total_cents, item_count, occurred_at
		FROM sales WHERE sale_id = ?`,
		saleID,
	).Scan(&row.SaleID, &row.OriginTerminalID, &sessionID, &row.TotalCents, &row.ItemCount, &occurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sale %q: %w", saleID, err)
	}
	row.CashSessionID = sessionID.String
	row.OccurredAt = fromUnixMilli(occurredAt)
	return &row, nil
}

// CountSales returns the number of stored sales.
func (s *Store) CountSales() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM sales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sales: %w", err)
	}
	return n, nil
}

// GetCashSession returns one stored cash session.
func (s *Store) GetCashSession(sessionID string) (*CashSessionRow, error) {
	var (
		row      CashSessionRow
		closing  sql.NullInt64
		openedAt sql.NullInt64
		closedAt sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT session_id, origin_terminal_id, operator_id, opening_cents, closing_cents, status, opened_at, closed_at
		FROM cash_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&row.SessionID, &row.OriginTerminalID, &row.OperatorID, &row.OpeningCents, &closing, &row.Status, &openedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cash session %q: %w", sessionID, err)
	}
	row.ClosingCents = int64Ptr(closing)
	row.OpenedAt = timePtr(openedAt)
	row.ClosedAt = timePtr(closedAt)
	return &row, nil
}

// ListCashMovements returns a session's ledger in occurredAt order.
func (s *Store) ListCashMovements(sessionID string) ([]CashMovementRow, error) {
	rows, err := s.db.Query(
		`SELECT movement_id, session_id, origin_terminal_id, kind, amount_cents, reason, occurred_at
		FROM cash_movements
		WHERE session_id = ?
		ORDER BY occurred_at ASC, origin_terminal_id ASC, movement_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list cash movements for %q: %w", sessionID, err)
	}
	defer rows.Close()

	out := make([]CashMovementRow, 0)
	for rows.Next() {
		var row CashMovementRow
		var occurredAt int64
		if err := rows.Scan(&row.MovementID, &row.SessionID, &row.OriginTerminalID, &row.Kind, &row.AmountCents, &row.Reason, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan cash movement: %w", err)
		}
		row.OccurredAt = fromUnixMilli(occurredAt)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cash movements: %w", err)
	}
	return out, nil
}
