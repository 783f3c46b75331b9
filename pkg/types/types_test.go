package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDirectionSide(t *testing.T) {
	t.Parallel()
	if LONG.Side() != BUY {
		t.Errorf("LONG.Side() = %v, want BUY", LONG.Side())
	}
	if SHORT.Side() != SELL {
		t.Errorf("SHORT.Side() = %v, want SELL", SHORT.Side())
	}
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Side.Opposite() mismatch")
	}
}

func TestSignalStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := []SignalStatus{SignalExecuted, SignalIgnored, SignalFailed, SignalClosed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []SignalStatus{SignalPending, SignalApproved} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSignalValid(t *testing.T) {
	t.Parallel()
	long := Signal{
		Asset:      "BTC",
		Direction:  LONG,
		EntryPrice: d("30000"),
		StopLoss:   d("29700"),
		TPLevels:   []decimal.Decimal{d("30300")},
	}
	if !long.Valid() {
		t.Error("well-formed LONG should be valid")
	}

	wrongSide := long
	wrongSide.StopLoss = d("30500") // stop above entry on a LONG
	if wrongSide.Valid() {
		t.Error("LONG with stop above entry should be invalid")
	}

	short := Signal{
		Asset:      "ETH",
		Direction:  SHORT,
		EntryPrice: d("100"),
		StopLoss:   d("105"),
		TPLevels:   []decimal.Decimal{d("95")},
	}
	if !short.Valid() {
		t.Error("well-formed SHORT should be valid")
	}
	short.StopLoss = d("95")
	if short.Valid() {
		t.Error("SHORT with stop below entry should be invalid")
	}

	noTP := long
	noTP.TPLevels = nil
	if noTP.Valid() {
		t.Error("signal without TP levels should be invalid")
	}
}

func TestValidateTPDistribution(t *testing.T) {
	t.Parallel()
	ok := []decimal.Decimal{d("25"), d("25"), d("50")}
	if err := ValidateTPDistribution(ok); err != nil {
		t.Errorf("25/25/50 should validate: %v", err)
	}

	withinTolerance := []decimal.Decimal{d("33.3"), d("33.3"), d("33.4")}
	if err := ValidateTPDistribution(withinTolerance); err != nil {
		t.Errorf("sum 100.0 should validate: %v", err)
	}

	if err := ValidateTPDistribution([]decimal.Decimal{d("50"), d("30")}); err == nil {
		t.Error("sum 80 should be rejected")
	}
	if err := ValidateTPDistribution(nil); err == nil {
		t.Error("empty distribution should be rejected")
	}
	if err := ValidateTPDistribution([]decimal.Decimal{d("100"), d("-10"), d("10")}); err == nil {
		t.Error("negative entry should be rejected")
	}
	six := []decimal.Decimal{d("20"), d("20"), d("20"), d("20"), d("10"), d("10")}
	if err := ValidateTPDistribution(six); err == nil {
		t.Error("six entries should be rejected")
	}
}
