package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signalbridge/pkg/types"
)

const signalColumns = `id, channel_id, asset, direction, leverage, entry_price,
	tp_levels, stop_loss, suggested_volume, confidence, raw_message, parsed,
	message_id, message_ts, processed_at, type, status, status_reason`

// InsertSignal persists a newly recognized signal. The (channel, message)
// pair is unique: a redelivered message fails with ErrDuplicate, which is
// how the pipeline stays idempotent under at-least-once delivery.
func (s *Store) InsertSignal(ctx context.Context, sig *types.Signal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ProcessedAt.IsZero() {
		sig.ProcessedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.ChannelID, sig.Asset, string(sig.Direction), sig.Leverage,
		sig.EntryPrice.String(), encDecimals(sig.TPLevels), sig.StopLoss.String(),
		sig.SuggestedVolume.String(), sig.Confidence, sig.RawMessage, sig.Parsed,
		sig.MessageID, encTime(sig.MessageTimestamp), encTime(sig.ProcessedAt),
		string(sig.Type), string(sig.Status), sig.StatusReason)
	if isUniqueViolation(err) {
		return fmt.Errorf("signal for message %s/%s: %w", sig.ChannelID, sig.MessageID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal fetches one signal by ID.
func (s *Store) GetSignal(ctx context.Context, id string) (*types.Signal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	return scanSignal(row)
}

// SignalFilter narrows ListSignals. Zero values mean "any".
type SignalFilter struct {
	ChannelID string
	Status    types.SignalStatus
	Type      types.SignalType
	Limit     int
}

// ListSignals returns signals newest first.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]*types.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE 1=1`
	var args []any
	if f.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, f.ChannelID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY processed_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []*types.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// UpdateSignalStatus transitions a signal's lifecycle state. Terminal
// signals never transition again; such an update fails with
// ErrTerminalState.
func (s *Store) UpdateSignalStatus(ctx context.Context, id string, status types.SignalStatus, reason string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE signals SET status = ?, status_reason = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(status), reason, id,
		string(types.SignalExecuted), string(types.SignalIgnored),
		string(types.SignalFailed), string(types.SignalClosed))
	if err != nil {
		return fmt.Errorf("update signal status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetSignal(ctx, id); getErr != nil {
			return fmt.Errorf("signal %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("signal %s: %w", id, ErrTerminalState)
	}
	return nil
}

// RecentEntrySignals returns the ENTRY signals for one (channel, asset,
// direction) processed at or after since, excluding ignored and failed
// ones. The dedup check compares entry prices against this set.
func (s *Store) RecentEntrySignals(ctx context.Context, channelID, asset string, dir types.Direction, since time.Time) ([]*types.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+signalColumns+` FROM signals
		WHERE channel_id = ? AND asset = ? AND direction = ? AND type = ?
		  AND processed_at >= ? AND status IN (?, ?, ?)
		ORDER BY processed_at DESC`,
		channelID, asset, string(dir), string(types.SignalEntry), encTime(since),
		string(types.SignalPending), string(types.SignalApproved), string(types.SignalExecuted))
	if err != nil {
		return nil, fmt.Errorf("recent entry signals: %w", err)
	}
	defer rows.Close()

	var out []*types.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func scanSignal(row rowScanner) (*types.Signal, error) {
	var (
		sig                                     types.Signal
		dir, entry, tps, stop, vol, msgTS, procAt, typ, status string
	)
	err := row.Scan(&sig.ID, &sig.ChannelID, &sig.Asset, &dir, &sig.Leverage, &entry,
		&tps, &stop, &vol, &sig.Confidence, &sig.RawMessage, &sig.Parsed,
		&sig.MessageID, &msgTS, &procAt, &typ, &status, &sig.StatusReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	sig.Direction = types.Direction(dir)
	sig.EntryPrice = decDecimal(entry)
	sig.TPLevels = decDecimals(tps)
	sig.StopLoss = decDecimal(stop)
	sig.SuggestedVolume = decDecimal(vol)
	sig.MessageTimestamp = decTime(msgTS)
	sig.ProcessedAt = decTime(procAt)
	sig.Type = types.SignalType(typ)
	sig.Status = types.SignalStatus(status)
	return &sig, nil
}
