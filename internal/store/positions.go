package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalbridge/pkg/types"
)

const positionColumns = `id, signal_id, channel_id, sub_account_id, venue_symbol,
	side, quantity, entry_price, current_price, exit_price, leverage,
	unrealized_pnl, realized_pnl, fees, tp_levels, tp_distribution, stop_loss,
	status, venue_order_id, note, opened_at, closed_at`

// InsertPosition persists a freshly opened position.
func (s *Store) InsertPosition(ctx context.Context, p *types.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}

	var closedAt any
	if p.ClosedAt != nil {
		closedAt = encTime(*p.ClosedAt)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SignalID, p.ChannelID, p.SubAccountID, p.VenueSymbol,
		string(p.Side), p.Quantity.String(), p.EntryPrice.String(),
		p.CurrentPrice.String(), p.ExitPrice.String(), p.Leverage,
		p.UnrealizedPnl.String(), p.RealizedPnl.String(), p.Fees.String(),
		encDecimals(p.TPLevels), encDecimals(p.TPDistribution), p.StopLoss.String(),
		string(p.Status), p.VenueOrderID, p.Note, encTime(p.OpenedAt), closedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition fetches one position by ID.
func (s *Store) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

// PositionFilter narrows ListPositions. Zero values mean "any".
type PositionFilter struct {
	ChannelID    string
	SubAccountID string
	Status       types.PositionStatus
	Limit        int
}

// ListPositions returns positions newest first.
func (s *Store) ListPositions(ctx context.Context, f PositionFilter) ([]*types.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE 1=1`
	var args []any
	if f.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, f.ChannelID)
	}
	if f.SubAccountID != "" {
		query += ` AND sub_account_id = ?`
		args = append(args, f.SubAccountID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY opened_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// LivePositions returns every position the reconciler must still track
// (OPEN and PARTIALLY_CLOSED).
func (s *Store) LivePositions(ctx context.Context) ([]*types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE status IN (?, ?) ORDER BY opened_at`,
		string(types.PositionOpen), string(types.PositionPartiallyClosed))
	if err != nil {
		return nil, fmt.Errorf("live positions: %w", err)
	}
	defer rows.Close()
	return collectPositions(rows)
}

// CountLivePositionsByChannel reports how many non-closed positions a
// channel still owns. The registry's delete guard uses this.
func (s *Store) CountLivePositionsByChannel(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions
		WHERE channel_id = ? AND status IN (?, ?)`,
		channelID, string(types.PositionOpen), string(types.PositionPartiallyClosed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live positions: %w", err)
	}
	return n, nil
}

// UpdatePositionSnapshot patches the live fields the reconciler refreshes.
// Closed positions are immutable.
func (s *Store) UpdatePositionSnapshot(ctx context.Context, id string, current, unrealizedPnl, quantity decimal.Decimal, leverage int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET
		current_price = ?, unrealized_pnl = ?, quantity = ?, leverage = ?
		WHERE id = ? AND status != ?`,
		current.String(), unrealizedPnl.String(), quantity.String(), leverage,
		id, string(types.PositionClosed))
	if err != nil {
		return fmt.Errorf("update position snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetPosition(ctx, id); getErr != nil {
			return fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("position %s: %w", id, ErrTerminalState)
	}
	return nil
}

// MarkPartiallyClosed records a venue-side reduction: smaller quantity,
// realized pnl delta, PARTIALLY_CLOSED status.
func (s *Store) MarkPartiallyClosed(ctx context.Context, id string, quantity, realizedDelta decimal.Decimal) error {
	p, err := s.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return fmt.Errorf("position %s: %w", id, ErrTerminalState)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE positions SET
		quantity = ?, realized_pnl = ?, status = ?
		WHERE id = ? AND status != ?`,
		quantity.String(), p.RealizedPnl.Add(realizedDelta).String(),
		string(types.PositionPartiallyClosed), id, string(types.PositionClosed))
	if err != nil {
		return fmt.Errorf("mark partially closed: %w", err)
	}
	return nil
}

// ClosePosition transitions a position to CLOSED exactly once. A closed
// position holds no quantity and carries no unrealized PnL. Returns true
// when this call performed the transition; false when the position was
// already closed. Callers emit the closed event only on true.
func (s *Store) ClosePosition(ctx context.Context, id string, exitPrice, realizedPnl decimal.Decimal, closedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET
		status = ?, quantity = '0', exit_price = ?, realized_pnl = ?, unrealized_pnl = '0', closed_at = ?
		WHERE id = ? AND status != ?`,
		string(types.PositionClosed), exitPrice.String(), realizedPnl.String(),
		encTime(closedAt), id, string(types.PositionClosed))
	if err != nil {
		return false, fmt.Errorf("close position: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetPosition(ctx, id); getErr != nil {
			return false, fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}

// AppendPositionNote adds an annotation line (price drift, compensation)
// to the position's note field.
func (s *Store) AppendPositionNote(ctx context.Context, id, note string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE positions SET
		note = CASE WHEN note = '' THEN ? ELSE note || '; ' || ? END
		WHERE id = ?`, note, note, id)
	if err != nil {
		return fmt.Errorf("append position note: %w", err)
	}
	return nil
}

func collectPositions(rows *sql.Rows) ([]*types.Position, error) {
	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var (
		p                                            types.Position
		side, qty, entry, current, exit              string
		upnl, rpnl, fees, tps, dist, stop, status, opened string
		closed                                       sql.NullString
	)
	err := row.Scan(&p.ID, &p.SignalID, &p.ChannelID, &p.SubAccountID, &p.VenueSymbol,
		&side, &qty, &entry, &current, &exit, &p.Leverage,
		&upnl, &rpnl, &fees, &tps, &dist, &stop,
		&status, &p.VenueOrderID, &p.Note, &opened, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	p.Side = types.Side(side)
	p.Quantity = decDecimal(qty)
	p.EntryPrice = decDecimal(entry)
	p.CurrentPrice = decDecimal(current)
	p.ExitPrice = decDecimal(exit)
	p.UnrealizedPnl = decDecimal(upnl)
	p.RealizedPnl = decDecimal(rpnl)
	p.Fees = decDecimal(fees)
	p.TPLevels = decDecimals(tps)
	p.TPDistribution = decDecimals(dist)
	p.StopLoss = decDecimal(stop)
	p.Status = types.PositionStatus(status)
	p.OpenedAt = decTime(opened)
	if closed.Valid {
		t := decTime(closed.String)
		p.ClosedAt = &t
	}
	return &p, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// InsertOrder records one venue-side leg of a position.
func (s *Store) InsertOrder(ctx context.Context, o *types.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO orders
		(venue_order_id, position_id, kind, client_order_tag, price, quantity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.VenueOrderID, o.PositionID, string(o.Kind), o.ClientOrderTag,
		o.Price.String(), o.Quantity.String(), o.Status, encTime(o.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.VenueOrderID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// OrdersByPosition returns all legs of a position in placement order.
func (s *Store) OrdersByPosition(ctx context.Context, positionID string) ([]*types.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		venue_order_id, position_id, kind, client_order_tag, price, quantity, status, created_at
		FROM orders WHERE position_id = ? ORDER BY created_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("orders by position: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		var (
			o                     types.Order
			kind, price, qty, created string
		)
		if err := rows.Scan(&o.VenueOrderID, &o.PositionID, &kind, &o.ClientOrderTag,
			&price, &qty, &o.Status, &created); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Kind = types.OrderKind(kind)
		o.Price = decDecimal(price)
		o.Quantity = decDecimal(qty)
		o.CreatedAt = decTime(created)
		out = append(out, &o)
	}
	return out, rows.Err()
}
