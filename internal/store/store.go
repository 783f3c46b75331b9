// Package store persists channels, sub-accounts, signals, positions, and
// orders in a single SQLite database.
//
// The store is the authoritative local record. Writes that would revive a
// terminal row (an executed signal, a closed position) are rejected here so
// no caller can regress a lifecycle by accident. Monetary values are stored
// as decimal strings; timestamps as RFC 3339 UTC text.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with a unique key,
	// e.g. a second signal for the same (channel, message).
	ErrDuplicate = errors.New("duplicate")
	// ErrTerminalState is returned when an update targets a row whose
	// lifecycle has already ended.
	ErrTerminalState = errors.New("terminal state")
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and applies any
// pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer; serialise through a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// migrations are applied in order; each entry runs at most once. Additive
// only — never edit an entry that has shipped.
var migrations = []string{
	`CREATE TABLE channels (
		id                   TEXT PRIMARY KEY,
		external_channel_id  TEXT NOT NULL UNIQUE,
		name                 TEXT NOT NULL,
		active               INTEGER NOT NULL DEFAULT 1,
		paused               INTEGER NOT NULL DEFAULT 0,
		auto_execute         INTEGER NOT NULL DEFAULT 0,
		max_position_percent TEXT NOT NULL,
		risk_percent         TEXT NOT NULL,
		tp_distribution      TEXT NOT NULL,
		sub_account_id       TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	);
	CREATE TABLE sub_accounts (
		id                    TEXT PRIMARY KEY,
		venue_sub_account_id  TEXT NOT NULL,
		name                  TEXT NOT NULL,
		total_balance         TEXT NOT NULL DEFAULT '0',
		available_balance     TEXT NOT NULL DEFAULT '0',
		unrealized_pnl        TEXT NOT NULL DEFAULT '0',
		total_pnl             TEXT NOT NULL DEFAULT '0',
		updated_at            TEXT NOT NULL
	);`,
	`CREATE TABLE signals (
		id                TEXT PRIMARY KEY,
		channel_id        TEXT NOT NULL,
		asset             TEXT NOT NULL,
		direction         TEXT NOT NULL,
		leverage          INTEGER NOT NULL DEFAULT 0,
		entry_price       TEXT NOT NULL DEFAULT '0',
		tp_levels         TEXT NOT NULL DEFAULT '[]',
		stop_loss         TEXT NOT NULL DEFAULT '0',
		suggested_volume  TEXT NOT NULL DEFAULT '0',
		confidence        REAL NOT NULL DEFAULT 0,
		raw_message       TEXT NOT NULL DEFAULT '',
		parsed            TEXT NOT NULL DEFAULT '',
		message_id        TEXT NOT NULL,
		message_ts        TEXT NOT NULL,
		processed_at      TEXT NOT NULL,
		type              TEXT NOT NULL,
		status            TEXT NOT NULL,
		status_reason     TEXT NOT NULL DEFAULT '',
		UNIQUE (channel_id, message_id)
	);
	CREATE INDEX idx_signals_dedup ON signals (channel_id, asset, direction, processed_at);`,
	`CREATE TABLE positions (
		id              TEXT PRIMARY KEY,
		signal_id       TEXT NOT NULL DEFAULT '',
		channel_id      TEXT NOT NULL DEFAULT '',
		sub_account_id  TEXT NOT NULL DEFAULT '',
		venue_symbol    TEXT NOT NULL,
		side            TEXT NOT NULL,
		quantity        TEXT NOT NULL,
		entry_price     TEXT NOT NULL,
		current_price   TEXT NOT NULL DEFAULT '0',
		exit_price      TEXT NOT NULL DEFAULT '0',
		leverage        INTEGER NOT NULL DEFAULT 1,
		unrealized_pnl  TEXT NOT NULL DEFAULT '0',
		realized_pnl    TEXT NOT NULL DEFAULT '0',
		fees            TEXT NOT NULL DEFAULT '0',
		tp_levels       TEXT NOT NULL DEFAULT '[]',
		tp_distribution TEXT NOT NULL DEFAULT '[]',
		stop_loss       TEXT NOT NULL DEFAULT '0',
		status          TEXT NOT NULL,
		venue_order_id  TEXT NOT NULL DEFAULT '',
		note            TEXT NOT NULL DEFAULT '',
		opened_at       TEXT NOT NULL,
		closed_at       TEXT
	);
	CREATE INDEX idx_positions_status ON positions (status);
	CREATE TABLE orders (
		venue_order_id    TEXT PRIMARY KEY,
		position_id       TEXT NOT NULL,
		kind              TEXT NOT NULL,
		client_order_tag  TEXT NOT NULL,
		price             TEXT NOT NULL DEFAULT '0',
		quantity          TEXT NOT NULL DEFAULT '0',
		status            TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL
	);
	CREATE INDEX idx_orders_position ON orders (position_id);`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate %d: %w", i+1, err)
		}
		s.logger.Info("applied migration", "version", i+1)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ————————————————————————————————————————————————————————————————————————
// Column encoding helpers
// ————————————————————————————————————————————————————————————————————————

func encTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func encDecimals(ds []decimal.Decimal) string {
	ss := make([]string, len(ds))
	for i, d := range ds {
		ss[i] = d.String()
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decDecimals(s string) []decimal.Decimal {
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil
	}
	ds := make([]decimal.Decimal, 0, len(ss))
	for _, v := range ss {
		ds = append(ds, decDecimal(v))
	}
	return ds
}
