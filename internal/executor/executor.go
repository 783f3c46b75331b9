// Package executor turns sized signals into venue orders.
//
// An execution is a short pipeline: size, set leverage, place the market
// entry, place the take-profit ladder, record. The entry always carries an
// embedded stop-loss so the position is never unprotected, even if the
// process dies between legs. Writes are never retried; when a later leg
// fails the executor compensates by cancelling what it placed and closing
// the position with a reduce-only market order. If compensation itself
// fails, the position is recorded as-is and a compensation-required event
// asks an operator to intervene.
//
// Executions are serialised per channel: one keyed mutex guarantees a
// channel's signals hit the venue in the order they were approved. Once the
// entry order is placed the execution no longer honours cancellation — an
// interrupted run must finish placing protection or compensating.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/internal/exchange"
	"signalbridge/internal/risk"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

// Venue is the slice of the exchange client the executor needs.
type Venue interface {
	SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error)
	AccountInfo(ctx context.Context, subAccountID string) (types.AccountInfo, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID, subAccountID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int, side types.PositionSide, subAccountID string) error
	QuoteAsset() string
}

// Executor places and records multi-leg positions.
type Executor struct {
	venue  Venue
	sizer  *risk.Sizer
	store  *store.Store
	bus    *bus.Bus
	cfg    config.TradingConfig
	logger *slog.Logger

	locks keyedMutex
}

// New creates an executor.
func New(venue Venue, sizer *risk.Sizer, st *store.Store, b *bus.Bus, cfg config.TradingConfig, logger *slog.Logger) *Executor {
	return &Executor{
		venue:  venue,
		sizer:  sizer,
		store:  st,
		bus:    b,
		cfg:    cfg,
		logger: logger.With("component", "executor"),
	}
}

// keyedMutex serialises work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func tag(kind types.OrderKind, signalID string, leg int) string {
	return fmt.Sprintf("%s_%s_%d", kind, signalID, leg)
}

// Execute runs one signal to completion. Idempotent against redelivery: a
// signal already in a terminal state is a no-op.
func (e *Executor) Execute(ctx context.Context, sig *types.Signal, ch *types.Channel) error {
	unlock := e.locks.lock(ch.ID)
	defer unlock()

	current, err := e.store.GetSignal(ctx, sig.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		e.logger.Info("skipping signal in terminal state", "signal", sig.ID, "status", current.Status)
		return nil
	}

	symbol := exchange.PairSymbol(sig.Asset, e.venue.QuoteAsset())
	logger := e.logger.With("signal", sig.ID, "symbol", symbol, "channel", ch.ID)

	info, err := e.venue.SymbolInfo(ctx, symbol)
	if err != nil {
		if errors.Is(err, exchange.ErrUnknownSymbol) {
			return e.fail(ctx, sig.ID, "UNKNOWN_SYMBOL: "+sig.Asset)
		}
		return err
	}

	// The venue addresses sub-accounts by its own ID; our record key is
	// only a store reference.
	sub, err := e.store.GetSubAccount(ctx, ch.SubAccountID)
	if err != nil {
		return fmt.Errorf("execute %s: resolve sub-account: %w", sig.ID, err)
	}

	account, err := e.venue.AccountInfo(ctx, sub.VenueSubAccountID)
	if err != nil {
		return fmt.Errorf("execute %s: balance: %w", sig.ID, err)
	}

	plan, err := e.sizer.Plan(sig, ch, account.AvailableBalance, info)
	if err != nil {
		switch {
		case errors.Is(err, risk.ErrIncoherent):
			return e.fail(ctx, sig.ID, "INCOHERENT_SIGNAL: "+err.Error())
		case errors.Is(err, risk.ErrBelowNotional):
			return e.fail(ctx, sig.ID, "BELOW_NOTIONAL: "+err.Error())
		}
		return err
	}

	posSide := types.PositionLong
	if sig.Direction == types.SHORT {
		posSide = types.PositionShort
	}

	// Best effort: venues cap out-of-range leverage themselves, and a
	// rejection here must not strand an approved signal.
	if err := e.venue.SetLeverage(ctx, symbol, plan.Leverage, posSide, sub.VenueSubAccountID); err != nil {
		logger.Warn("set leverage failed, continuing", "leverage", plan.Leverage, "error", err)
	}

	entrySpec := types.OrderSpec{
		VenueSymbol:    symbol,
		Side:           sig.Direction.Side(),
		PositionSide:   posSide,
		Type:           types.OrderMarket,
		Quantity:       plan.Quantity,
		ClientOrderTag: tag(types.KindEntry, sig.ID, 0),
		EmbeddedSL:     &types.EmbeddedLeg{StopPrice: plan.StopLoss},
		SubAccountID:   sub.VenueSubAccountID,
	}
	// A single take-profit rides on the entry too; a ladder is placed as
	// standalone legs after the fill.
	embedAll := len(plan.TPLegs) == 1
	if embedAll {
		entrySpec.EmbeddedTP = &types.EmbeddedLeg{StopPrice: plan.TPLegs[0].Price}
	}

	entryAck, err := e.venue.PlaceOrder(ctx, entrySpec)
	if err != nil {
		logger.Error("entry rejected", "error", err)
		return e.fail(ctx, sig.ID, "ENTRY_REJECTED: "+err.Error())
	}
	logger.Info("entry filled",
		"order_id", entryAck.OrderID, "price", entryAck.ExecutedPrice.String(),
		"qty", entryAck.ExecutedQty.String())

	// Point of no return: from here on the execution must finish even if
	// the caller's context is cancelled.
	post := context.WithoutCancel(ctx)

	filledQty := entryAck.ExecutedQty
	if filledQty.Sign() <= 0 {
		filledQty = plan.Quantity
	}
	filledPrice := entryAck.ExecutedPrice
	if filledPrice.Sign() <= 0 {
		filledPrice = plan.EntryPrice
	}

	var note string
	if drift := driftPct(plan.EntryPrice, filledPrice); drift.GreaterThan(decimal.NewFromFloat(e.cfg.PriceDriftPct)) {
		note = fmt.Sprintf("entry drift %s%% (signal %s, filled %s)",
			drift.Round(2), plan.EntryPrice, filledPrice)
		logger.Warn("entry price drifted past threshold", "note", note)
	}

	pos := &types.Position{
		SignalID:       sig.ID,
		ChannelID:      ch.ID,
		SubAccountID:   ch.SubAccountID,
		VenueSymbol:    symbol,
		Side:           sig.Direction.Side(),
		Quantity:       filledQty,
		EntryPrice:     filledPrice,
		Leverage:       plan.Leverage,
		StopLoss:       plan.StopLoss,
		TPDistribution: ch.TPDistribution,
		Status:         types.PositionOpen,
		VenueOrderID:   entryAck.OrderID,
		Note:           note,
	}
	orders := []*types.Order{{
		VenueOrderID:   entryAck.OrderID,
		Kind:           types.KindEntry,
		ClientOrderTag: entrySpec.ClientOrderTag,
		Price:          filledPrice,
		Quantity:       filledQty,
		Status:         entryAck.Status,
	}}
	for _, leg := range plan.TPLegs {
		pos.TPLevels = append(pos.TPLevels, leg.Price)
	}

	if !embedAll {
		tpOrders, err := e.placeTPLadder(post, sig, plan, info, posSide, sub.VenueSubAccountID, filledQty, filledPrice, logger)
		if err != nil {
			return e.compensate(post, sig, pos, sub.VenueSubAccountID, orders, tpOrders, err, logger)
		}
		orders = append(orders, tpOrders...)
	}

	if err := e.record(post, sig.ID, pos, orders); err != nil {
		return err
	}
	logger.Info("signal executed", "position", pos.ID, "legs", len(orders))
	e.bus.Publish(types.Event{Topic: types.TopicSignalExecuted, SignalID: sig.ID, ChannelID: ch.ID})
	e.bus.Publish(types.Event{Topic: types.TopicPositionOpened, PositionID: pos.ID, ChannelID: ch.ID})
	return nil
}

// placeTPLadder places the standalone take-profit legs. Legs that the fill
// price has already run past would trigger instantly; they are dropped and
// their quantity folded into the next surviving leg.
func (e *Executor) placeTPLadder(ctx context.Context, sig *types.Signal, plan *risk.Plan, info types.SymbolInfo,
	posSide types.PositionSide, subAccountID string, filledQty, filledPrice decimal.Decimal, logger *slog.Logger,
) ([]*types.Order, error) {
	long := sig.Direction == types.LONG

	legs := make([]risk.TPLeg, 0, len(plan.TPLegs))
	carried := decimal.Zero
	for _, leg := range plan.TPLegs {
		wrongSide := !leg.Price.GreaterThan(filledPrice)
		if !long {
			wrongSide = !leg.Price.LessThan(filledPrice)
		}
		if wrongSide {
			logger.Warn("dropping take-profit overtaken by fill price",
				"tp", leg.Price.String(), "filled", filledPrice.String())
			carried = carried.Add(leg.Quantity)
			continue
		}
		leg.Quantity = leg.Quantity.Add(carried)
		carried = decimal.Zero
		legs = append(legs, leg)
	}
	if carried.Sign() > 0 && len(legs) > 0 {
		legs[len(legs)-1].Quantity = legs[len(legs)-1].Quantity.Add(carried)
	}
	if len(legs) == 0 {
		// The stop still protects the position; flag for the operator.
		logger.Warn("no take-profit survives the fill price, position has stop only")
		return nil, nil
	}

	var placed []*types.Order
	for i, leg := range legs {
		spec := types.OrderSpec{
			VenueSymbol:    info.Symbol,
			Side:           sig.Direction.Side().Opposite(),
			PositionSide:   posSide,
			Type:           types.OrderTakeProfit,
			Quantity:       leg.Quantity,
			StopPrice:      leg.Price,
			ReduceOnly:     true,
			ClientOrderTag: tag(types.KindTP, sig.ID, i),
			SubAccountID:   subAccountID,
		}
		ack, err := e.venue.PlaceOrder(ctx, spec)
		if err != nil {
			return placed, fmt.Errorf("tp leg %d: %w", i, err)
		}
		placed = append(placed, &types.Order{
			VenueOrderID:   ack.OrderID,
			Kind:           types.KindTP,
			ClientOrderTag: spec.ClientOrderTag,
			Price:          leg.Price,
			Quantity:       leg.Quantity,
			Status:         ack.Status,
		})
	}
	return placed, nil
}

// compensate unwinds a partially placed execution: cancel the legs that
// made it to the venue, close the entry with a reduce-only market order,
// and fail the signal. If the unwind itself fails, the position is
// recorded with an annotation and escalated.
func (e *Executor) compensate(ctx context.Context, sig *types.Signal, pos *types.Position, venueSub string,
	entryOrders, tpOrders []*types.Order, cause error, logger *slog.Logger,
) error {
	logger.Error("execution failed after entry, compensating", "error", cause)

	var unwindErrs []string
	for _, o := range tpOrders {
		if err := e.venue.CancelOrder(ctx, pos.VenueSymbol, o.VenueOrderID, venueSub); err != nil {
			unwindErrs = append(unwindErrs, fmt.Sprintf("cancel %s: %v", o.VenueOrderID, err))
		}
	}

	_, err := e.venue.PlaceOrder(ctx, types.OrderSpec{
		VenueSymbol:    pos.VenueSymbol,
		Side:           pos.Side.Opposite(),
		PositionSide:   positionSideOf(pos.Side),
		Type:           types.OrderMarket,
		Quantity:       pos.Quantity,
		ReduceOnly:     true,
		ClientOrderTag: tag(types.KindSL, sig.ID, 99),
		SubAccountID:   venueSub,
	})
	if err != nil {
		unwindErrs = append(unwindErrs, fmt.Sprintf("close: %v", err))
	}

	if len(unwindErrs) > 0 {
		// The venue holds a position we could not unwind. Record it so the
		// reconciler tracks it, and ask a human to look.
		pos.Note = strings.TrimPrefix(pos.Note+"; compensation incomplete: "+strings.Join(unwindErrs, "; "), "; ")
		if recErr := e.record(ctx, sig.ID, pos, append(entryOrders, tpOrders...)); recErr != nil {
			logger.Error("failed to record uncompensated position", "error", recErr)
		}
		e.failQuiet(ctx, sig.ID, "COMPENSATION_FAILED: "+cause.Error())
		e.bus.Publish(types.Event{
			Topic:      types.TopicCompensationRequired,
			SignalID:   sig.ID,
			PositionID: pos.ID,
			ChannelID:  pos.ChannelID,
			Reason:     strings.Join(unwindErrs, "; "),
		})
		return fmt.Errorf("execute %s: compensation incomplete: %s", sig.ID, strings.Join(unwindErrs, "; "))
	}

	logger.Info("compensation complete, position closed")
	return e.fail(ctx, sig.ID, "COMPENSATED: "+cause.Error())
}

// record persists the position, its legs, and the signal transition.
func (e *Executor) record(ctx context.Context, signalID string, pos *types.Position, orders []*types.Order) error {
	if err := e.store.InsertPosition(ctx, pos); err != nil {
		return err
	}
	for _, o := range orders {
		o.PositionID = pos.ID
		if err := e.store.InsertOrder(ctx, o); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	if err := e.store.UpdateSignalStatus(ctx, signalID, types.SignalExecuted, ""); err != nil && !errors.Is(err, store.ErrTerminalState) {
		return err
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, signalID, reason string) error {
	e.failQuiet(ctx, signalID, reason)
	return nil
}

func (e *Executor) failQuiet(ctx context.Context, signalID, reason string) {
	err := e.store.UpdateSignalStatus(ctx, signalID, types.SignalFailed, reason)
	if err != nil && !errors.Is(err, store.ErrTerminalState) {
		e.logger.Error("failed to mark signal failed", "signal", signalID, "error", err)
	}
	e.bus.Publish(types.Event{Topic: types.TopicSignalFailed, SignalID: signalID, Reason: reason})
}

// ClosePosition closes a live position at market: cancel its resting legs,
// send a reduce-only market order for the remaining quantity, and record
// the close.
func (e *Executor) ClosePosition(ctx context.Context, positionID string) error {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.Status.Terminal() {
		return fmt.Errorf("position %s: %w", positionID, store.ErrTerminalState)
	}

	unlock := e.locks.lock(pos.ChannelID)
	defer unlock()

	sub, err := e.store.GetSubAccount(ctx, pos.SubAccountID)
	if err != nil {
		return fmt.Errorf("close position %s: resolve sub-account: %w", positionID, err)
	}

	legs, err := e.store.OrdersByPosition(ctx, positionID)
	if err != nil {
		return err
	}
	for _, o := range legs {
		if o.Kind == types.KindEntry {
			continue
		}
		if err := e.venue.CancelOrder(ctx, pos.VenueSymbol, o.VenueOrderID, sub.VenueSubAccountID); err != nil {
			// May already be filled or cancelled; the close below decides.
			e.logger.Warn("cancel before close failed", "order", o.VenueOrderID, "error", err)
		}
	}

	ack, err := e.venue.PlaceOrder(ctx, types.OrderSpec{
		VenueSymbol:    pos.VenueSymbol,
		Side:           pos.Side.Opposite(),
		PositionSide:   positionSideOf(pos.Side),
		Type:           types.OrderMarket,
		Quantity:       pos.Quantity,
		ReduceOnly:     true,
		ClientOrderTag: "CLOSE_" + positionID,
		SubAccountID:   sub.VenueSubAccountID,
	})
	if err != nil {
		return fmt.Errorf("close position %s: %w", positionID, err)
	}

	exitPrice := ack.ExecutedPrice
	if exitPrice.Sign() <= 0 {
		exitPrice, err = e.venue.Price(ctx, pos.VenueSymbol)
		if err != nil {
			exitPrice = pos.CurrentPrice
		}
	}
	realized := pos.RealizedPnl.Add(realizedPnl(pos.Side, pos.EntryPrice, exitPrice, pos.Quantity))

	transitioned, err := e.store.ClosePosition(ctx, positionID, exitPrice, realized, time.Now().UTC())
	if err != nil {
		return err
	}
	if transitioned {
		e.logger.Info("position closed at market",
			"position", positionID, "exit", exitPrice.String(), "realized", realized.String())
		e.bus.Publish(types.Event{Topic: types.TopicPositionClosed, PositionID: positionID, ChannelID: pos.ChannelID})
	}
	return nil
}

func positionSideOf(side types.Side) types.PositionSide {
	if side == types.SELL {
		return types.PositionShort
	}
	return types.PositionLong
}

func realizedPnl(side types.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if side == types.SELL {
		diff = entry.Sub(exit)
	}
	return diff.Mul(qty)
}

func driftPct(expected, actual decimal.Decimal) decimal.Decimal {
	if expected.Sign() <= 0 {
		return decimal.Zero
	}
	return actual.Sub(expected).Abs().Div(expected).Mul(hundredPct)
}

var hundredPct = decimal.NewFromInt(100)
