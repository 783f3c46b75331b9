// Package reconcile converges the local position book with the venue.
//
// The venue is the source of truth for what is actually open: TP and SL
// legs fill server-side without the bot hearing about it, positions get
// liquidated, operators close trades by hand. The reconciler periodically
// lists the venue's open positions per sub-account and folds the
// differences back into the store, so the book an operator sees is the
// book that exists.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

// Venue is the read slice of the exchange client the reconciler needs.
type Venue interface {
	Positions(ctx context.Context, subAccountID string) ([]types.VenuePosition, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Balances refreshes sub-account balances. *registry.Registry implements it.
type Balances interface {
	RefreshBalances(ctx context.Context) error
}

// Reconciler runs the periodic venue sweep.
type Reconciler struct {
	venue    Venue
	store    *store.Store
	balances Balances
	bus      *bus.Bus
	interval time.Duration
	logger   *slog.Logger
}

// New creates a reconciler. balances may be nil.
func New(venue Venue, st *store.Store, balances Balances, b *bus.Bus,
	cfg config.ReconcileConfig, logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		venue:    venue,
		store:    st,
		balances: balances,
		bus:      b,
		interval: cfg.Interval,
		logger:   logger.With("component", "reconciler"),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		r.logger.Error("reconcile sweep failed", "error", err)
	}
	if r.balances != nil {
		if err := r.balances.RefreshBalances(ctx); err != nil {
			r.logger.Warn("balance refresh failed", "error", err)
		}
	}
}

// Reconcile folds the venue's open positions into the local book once.
// A sub-account whose venue listing fails is skipped whole: never close
// local positions on a read error.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	live, err := r.store.LivePositions(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}

	bySub := make(map[string][]*types.Position)
	for _, pos := range live {
		bySub[pos.SubAccountID] = append(bySub[pos.SubAccountID], pos)
	}

	for sub, positions := range bySub {
		// Positions carry our sub-account record key; the venue wants its
		// own ID.
		sa, err := r.store.GetSubAccount(ctx, sub)
		if err != nil {
			r.logger.Warn("sub-account lookup failed, skipping",
				"sub_account", sub, "error", err)
			continue
		}
		venuePositions, err := r.venue.Positions(ctx, sa.VenueSubAccountID)
		if err != nil {
			r.logger.Warn("venue position listing failed, skipping sub-account",
				"sub_account", sa.VenueSubAccountID, "error", err)
			continue
		}

		open := make(map[string]types.VenuePosition, len(venuePositions))
		for _, vp := range venuePositions {
			if vp.Size.IsZero() {
				continue
			}
			open[venueKey(vp.Symbol, vp.PositionSide)] = vp
		}

		for _, pos := range positions {
			vp, found := open[venueKey(pos.VenueSymbol, positionSideOf(pos.Side))]
			if !found {
				r.closeVanished(ctx, pos)
				continue
			}
			r.converge(ctx, pos, vp)
		}
	}
	return nil
}

// closeVanished marks a position the venue no longer reports as closed.
// The exact fill price is gone with it; the last mark price is the best
// available estimate for the realized leg.
func (r *Reconciler) closeVanished(ctx context.Context, pos *types.Position) {
	exit := pos.CurrentPrice
	if price, err := r.venue.Price(ctx, pos.VenueSymbol); err == nil && price.Sign() > 0 {
		exit = price
	}
	if exit.Sign() <= 0 {
		exit = pos.EntryPrice
	}

	realized := pos.RealizedPnl.Add(pnl(pos.Side, pos.EntryPrice, exit, pos.Quantity))
	transitioned, err := r.store.ClosePosition(ctx, pos.ID, exit, realized, time.Now().UTC())
	if err != nil {
		r.logger.Error("closing vanished position failed", "position", pos.ID, "error", err)
		return
	}
	if !transitioned {
		return // raced with an operator close, already terminal
	}
	r.logger.Info("position closed on venue, book updated",
		"position", pos.ID, "symbol", pos.VenueSymbol, "exit", exit, "realized", realized)
	r.bus.Publish(types.Event{
		Topic:      types.TopicPositionClosed,
		PositionID: pos.ID,
		ChannelID:  pos.ChannelID,
		Reason:     "venue",
	})
}

// converge updates a still-open position from the venue snapshot, folding
// in any partial close the venue executed since the last sweep.
func (r *Reconciler) converge(ctx context.Context, pos *types.Position, vp types.VenuePosition) {
	venueQty := vp.Size.Abs()

	if venueQty.LessThan(pos.Quantity) {
		closedQty := pos.Quantity.Sub(venueQty)
		delta := pnl(pos.Side, pos.EntryPrice, vp.MarkPrice, closedQty)
		if err := r.store.MarkPartiallyClosed(ctx, pos.ID, venueQty, delta); err != nil {
			r.logger.Error("partial close update failed", "position", pos.ID, "error", err)
			return
		}
		r.logger.Info("partial close detected",
			"position", pos.ID, "symbol", pos.VenueSymbol,
			"closed_qty", closedQty, "remaining", venueQty, "realized_delta", delta)
	}

	leverage := vp.Leverage
	if leverage <= 0 {
		leverage = pos.Leverage
	}
	if err := r.store.UpdatePositionSnapshot(ctx, pos.ID, vp.MarkPrice, vp.UnrealizedPnl, venueQty, leverage); err != nil {
		r.logger.Error("snapshot update failed", "position", pos.ID, "error", err)
		return
	}
	r.bus.Publish(types.Event{
		Topic:      types.TopicPositionUpdated,
		PositionID: pos.ID,
		ChannelID:  pos.ChannelID,
	})
}

func venueKey(symbol string, side types.PositionSide) string {
	return symbol + "|" + string(side)
}

func positionSideOf(side types.Side) types.PositionSide {
	if side == types.SELL {
		return types.PositionShort
	}
	return types.PositionLong
}

func pnl(side types.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == types.SELL {
		diff = entry.Sub(exit)
	}
	return diff.Mul(qty)
}
