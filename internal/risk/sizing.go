// Package risk turns an approved signal into a concrete, venue-legal order
// plan.
//
// Sizing is risk-first: the quantity is what puts exactly the configured
// fraction of the sub-account balance at risk between entry and stop, then
// capped by the channel's position limit and quantized to the symbol's step
// size. Sanity checks reject incoherent signals (stop or take-profits on
// the wrong side of entry) before any money moves. The emergency
// risk-management override skips the sanity checks and the dedup upstream,
// but sizing itself always runs — there is no code path that sends an
// unsized order.
//
// All arithmetic is decimal; the package is pure and safe for concurrent
// use.
package risk

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"signalbridge/internal/config"
	"signalbridge/internal/exchange"
	"signalbridge/pkg/types"
)

var (
	// ErrIncoherent rejects a signal whose levels contradict its direction.
	ErrIncoherent = errors.New("incoherent signal")
	// ErrBelowNotional rejects a plan whose sized quantity falls under the
	// venue minimums.
	ErrBelowNotional = errors.New("sized below venue minimum")
)

// TPLeg is one take-profit slice of the plan.
type TPLeg struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Plan is a fully sized, quantized order plan ready for the executor. The
// TP leg quantities sum to at most Quantity; flooring run-off stays on the
// position, covered by the stop until closed manually.
type Plan struct {
	Quantity   decimal.Decimal
	Leverage   int
	RiskAmount decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	TPLegs     []TPLeg
}

// Sizer computes order plans from signals and channel policy.
type Sizer struct {
	cfg    config.TradingConfig
	logger *slog.Logger
}

// NewSizer creates a sizer.
func NewSizer(cfg config.TradingConfig, logger *slog.Logger) *Sizer {
	return &Sizer{cfg: cfg, logger: logger.With("component", "risk")}
}

var hundred = decimal.NewFromInt(100)

// Plan sizes one signal against the channel policy, the sub-account
// balance, and the symbol's venue constraints.
func (s *Sizer) Plan(sig *types.Signal, ch *types.Channel, balance decimal.Decimal, info types.SymbolInfo) (*Plan, error) {
	riskPerUnit := sig.EntryPrice.Sub(sig.StopLoss).Abs()
	if riskPerUnit.Sign() <= 0 {
		// Not a sanity check — sizing is undefined without a stop distance.
		return nil, fmt.Errorf("%w: stop equals entry", ErrIncoherent)
	}

	tps := sig.TPLevels
	if s.cfg.RiskManagementDisabled {
		s.logger.Warn("RISK MANAGEMENT DISABLED: skipping signal sanity checks",
			"signal", sig.ID, "asset", sig.Asset)
	} else {
		var err error
		tps, err = s.sanityCheck(sig)
		if err != nil {
			return nil, err
		}
	}

	leverage := sig.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > s.cfg.MaxLeverage {
		leverage = s.cfg.MaxLeverage
	}
	if info.MaxLeverage > 0 && leverage > info.MaxLeverage {
		leverage = info.MaxLeverage
	}

	riskPct := ch.RiskPercent
	if riskPct.Sign() <= 0 {
		riskPct = decimal.NewFromFloat(s.cfg.DefaultRiskPercent)
	}
	riskAmount := balance.Mul(riskPct).Div(hundred)
	qty := riskAmount.Div(riskPerUnit)

	// Position cap: margin limited to the channel's share of the balance,
	// scaled by leverage into notional terms.
	maxPct := ch.MaxPositionPercent
	if maxPct.Sign() <= 0 {
		maxPct = decimal.NewFromFloat(s.cfg.MaxPositionPercent)
	}
	maxNotional := balance.Mul(maxPct).Div(hundred).Mul(decimal.NewFromInt(int64(leverage)))
	if qty.Mul(sig.EntryPrice).GreaterThan(maxNotional) {
		qty = maxNotional.Div(sig.EntryPrice)
	}

	qty = exchange.FloorToStep(qty, info.StepSize)
	if qty.LessThan(info.MinQty) || qty.Sign() <= 0 {
		return nil, fmt.Errorf("%w: qty %s < minQty %s", ErrBelowNotional, qty, info.MinQty)
	}
	if info.MaxQty.Sign() > 0 && qty.GreaterThan(info.MaxQty) {
		qty = info.MaxQty
	}
	if qty.Mul(sig.EntryPrice).LessThan(info.MinNotional) {
		return nil, fmt.Errorf("%w: notional %s < %s",
			ErrBelowNotional, qty.Mul(sig.EntryPrice), info.MinNotional)
	}

	return &Plan{
		Quantity:   qty,
		Leverage:   leverage,
		RiskAmount: riskAmount,
		EntryPrice: sig.EntryPrice,
		StopLoss:   sig.StopLoss,
		TPLegs:     SplitTP(qty, tps, ch.TPDistribution, info),
	}, nil
}

// sanityCheck verifies the signal's levels agree with its direction and
// returns the take-profits that survive. The stop must sit on the loss
// side; individual wrong-side TPs are dropped with a warning, but losing
// all of them makes the signal incoherent.
func (s *Sizer) sanityCheck(sig *types.Signal) ([]decimal.Decimal, error) {
	long := sig.Direction == types.LONG
	if long && !sig.StopLoss.LessThan(sig.EntryPrice) {
		return nil, fmt.Errorf("%w: LONG stop %s not below entry %s", ErrIncoherent, sig.StopLoss, sig.EntryPrice)
	}
	if !long && !sig.StopLoss.GreaterThan(sig.EntryPrice) {
		return nil, fmt.Errorf("%w: SHORT stop %s not above entry %s", ErrIncoherent, sig.StopLoss, sig.EntryPrice)
	}

	kept := make([]decimal.Decimal, 0, len(sig.TPLevels))
	for _, tp := range sig.TPLevels {
		profitSide := tp.GreaterThan(sig.EntryPrice)
		if !long {
			profitSide = tp.LessThan(sig.EntryPrice)
		}
		if profitSide {
			kept = append(kept, tp)
		} else {
			s.logger.Warn("dropping wrong-side take-profit",
				"signal", sig.ID, "tp", tp.String(), "entry", sig.EntryPrice.String())
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no take-profit on the profit side", ErrIncoherent)
	}
	return kept, nil
}

// SplitTP divides the position quantity across the take-profit levels per
// the channel's distribution. Every slice is floored to the step size, the
// last included; the flooring run-off is never tacked onto a leg, it stays
// on the position. Legs that quantize to less than the venue minimum are
// coalesced into a neighbour rather than sent to be rejected.
func SplitTP(total decimal.Decimal, tps, dist []decimal.Decimal, info types.SymbolInfo) []TPLeg {
	n := len(tps)
	if n == 0 {
		return nil
	}
	if len(dist) < n {
		n = len(dist)
	}
	if n == 0 {
		// No distribution configured: everything on the first TP.
		return []TPLeg{{Price: tps[0], Quantity: total}}
	}

	weightSum := decimal.Zero
	for _, w := range dist[:n] {
		weightSum = weightSum.Add(w)
	}

	legs := make([]TPLeg, 0, n)
	for i := 0; i < n; i++ {
		q := exchange.FloorToStep(total.Mul(dist[i]).Div(weightSum), info.StepSize)
		legs = append(legs, TPLeg{Price: tps[i], Quantity: q})
	}

	legs = coalesceThin(legs, info)
	if len(legs) == 1 && legs[0].Quantity.Sign() <= 0 {
		// Every slice floored to nothing; the whole quantity is run-off.
		return nil
	}
	return legs
}

// coalesceThin merges legs the venue would reject into a neighbour. A thin
// leg pushes its quantity forward; a thin last leg pushes backward.
func coalesceThin(legs []TPLeg, info types.SymbolInfo) []TPLeg {
	thin := func(l TPLeg) bool {
		if l.Quantity.Sign() <= 0 {
			return true
		}
		if l.Quantity.LessThan(info.MinQty) {
			return true
		}
		return info.MinNotional.Sign() > 0 && l.Quantity.Mul(l.Price).LessThan(info.MinNotional)
	}

	for i := 0; i < len(legs) && len(legs) > 1; {
		if !thin(legs[i]) {
			i++
			continue
		}
		if i+1 < len(legs) {
			legs[i+1].Quantity = legs[i+1].Quantity.Add(legs[i].Quantity)
		} else {
			legs[i-1].Quantity = legs[i-1].Quantity.Add(legs[i].Quantity)
		}
		legs = append(legs[:i], legs[i+1:]...)
		if i >= len(legs) {
			break
		}
	}
	return legs
}
