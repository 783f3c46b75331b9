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

const channelColumns = `id, external_channel_id, name, active, paused, auto_execute,
	max_position_percent, risk_percent, tp_distribution, sub_account_id,
	created_at, updated_at`

// CreateChannel inserts a new channel, assigning its ID and timestamps.
// A second channel with the same external ID fails with ErrDuplicate.
func (s *Store) CreateChannel(ctx context.Context, ch *types.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ch.CreatedAt, ch.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.ExternalChannelID, ch.Name, ch.Active, ch.Paused, ch.AutoExecute,
		ch.MaxPositionPercent.String(), ch.RiskPercent.String(), encDecimals(ch.TPDistribution),
		ch.SubAccountID, encTime(ch.CreatedAt), encTime(ch.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("channel %s: %w", ch.ExternalChannelID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// UpdateChannel persists the mutable fields of an existing channel.
func (s *Store) UpdateChannel(ctx context.Context, ch *types.Channel) error {
	ch.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET
		name = ?, active = ?, paused = ?, auto_execute = ?,
		max_position_percent = ?, risk_percent = ?, tp_distribution = ?,
		sub_account_id = ?, updated_at = ?
		WHERE id = ?`,
		ch.Name, ch.Active, ch.Paused, ch.AutoExecute,
		ch.MaxPositionPercent.String(), ch.RiskPercent.String(), encDecimals(ch.TPDistribution),
		ch.SubAccountID, encTime(ch.UpdatedAt), ch.ID)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", ch.ID, ErrNotFound)
	}
	return nil
}

// DeleteChannel removes a channel row. Lifecycle guards (open positions,
// fund sweep) live in the registry, not here.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetChannel fetches one channel by internal ID.
func (s *Store) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByExternalID fetches one channel by its chat-platform ID.
func (s *Store) GetChannelByExternalID(ctx context.Context, externalID string) (*types.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE external_channel_id = ?`, externalID)
	return scanChannel(row)
}

// ListChannels returns all channels ordered by creation time.
func (s *Store) ListChannels(ctx context.Context) ([]*types.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*types.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*types.Channel, error) {
	var (
		ch                              types.Channel
		maxPct, riskPct, dist, created, updated string
	)
	err := row.Scan(&ch.ID, &ch.ExternalChannelID, &ch.Name, &ch.Active, &ch.Paused,
		&ch.AutoExecute, &maxPct, &riskPct, &dist, &ch.SubAccountID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.MaxPositionPercent = decDecimal(maxPct)
	ch.RiskPercent = decDecimal(riskPct)
	ch.TPDistribution = decDecimals(dist)
	ch.CreatedAt = decTime(created)
	ch.UpdatedAt = decTime(updated)
	return &ch, nil
}

// ————————————————————————————————————————————————————————————————————————
// Sub-accounts
// ————————————————————————————————————————————————————————————————————————

const subAccountColumns = `id, venue_sub_account_id, name, total_balance,
	available_balance, unrealized_pnl, total_pnl, updated_at`

// CreateSubAccount inserts a sub-account record, assigning its ID.
func (s *Store) CreateSubAccount(ctx context.Context, sa *types.SubAccount) error {
	if sa.ID == "" {
		sa.ID = uuid.NewString()
	}
	sa.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `INSERT INTO sub_accounts (`+subAccountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sa.ID, sa.VenueSubAccountID, sa.Name,
		sa.TotalBalance.String(), sa.AvailableBalance.String(),
		sa.UnrealizedPnl.String(), sa.TotalPnl.String(), encTime(sa.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create sub-account: %w", err)
	}
	return nil
}

// UpdateSubAccountBalances refreshes the advisory balance snapshot.
func (s *Store) UpdateSubAccountBalances(ctx context.Context, id string, info types.AccountInfo, totalPnl decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sub_accounts SET
		total_balance = ?, available_balance = ?, unrealized_pnl = ?, total_pnl = ?, updated_at = ?
		WHERE id = ?`,
		info.TotalBalance.String(), info.AvailableBalance.String(),
		info.UnrealizedPnl.String(), totalPnl.String(), encTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update sub-account balances: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sub-account %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSubAccount fetches one sub-account.
func (s *Store) GetSubAccount(ctx context.Context, id string) (*types.SubAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subAccountColumns+` FROM sub_accounts WHERE id = ?`, id)
	return scanSubAccount(row)
}

// ListSubAccounts returns all sub-accounts.
func (s *Store) ListSubAccounts(ctx context.Context) ([]*types.SubAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subAccountColumns+` FROM sub_accounts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sub-accounts: %w", err)
	}
	defer rows.Close()

	var out []*types.SubAccount
	for rows.Next() {
		sa, err := scanSubAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sa)
	}
	return out, rows.Err()
}

func scanSubAccount(row rowScanner) (*types.SubAccount, error) {
	var (
		sa                              types.SubAccount
		total, avail, upnl, tpnl, updated string
	)
	err := row.Scan(&sa.ID, &sa.VenueSubAccountID, &sa.Name, &total, &avail, &upnl, &tpnl, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sub-account: %w", err)
	}
	sa.TotalBalance = decDecimal(total)
	sa.AvailableBalance = decDecimal(avail)
	sa.UnrealizedPnl = decDecimal(upnl)
	sa.TotalPnl = decDecimal(tpnl)
	sa.UpdatedAt = decTime(updated)
	return &sa, nil
}
