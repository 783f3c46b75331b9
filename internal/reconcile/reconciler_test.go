package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVenue struct {
	positions map[string][]types.VenuePosition // by sub-account
	listErr   error
	price     decimal.Decimal
	priceErr  error
}

func (f *fakeVenue) Positions(_ context.Context, sub string) ([]types.VenuePosition, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.positions[sub], nil
}

func (f *fakeVenue) Price(context.Context, string) (decimal.Decimal, error) {
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	return f.price, nil
}

type fixture struct {
	rec   *Reconciler
	store *store.Store
	venue *fakeVenue
	bus   *bus.Bus
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// Local record key "sa1" maps to venue-side ID "v-sa1"; the fake's
	// position book is keyed by what the venue would actually see.
	sa := &types.SubAccount{ID: "sa1", VenueSubAccountID: "v-sa1", Name: "sa1"}
	if err := st.CreateSubAccount(context.Background(), sa); err != nil {
		t.Fatalf("CreateSubAccount: %v", err)
	}

	venue := &fakeVenue{positions: map[string][]types.VenuePosition{}, price: d("30500")}
	b := bus.New(logger)
	rec := New(venue, st, nil, b, config.ReconcileConfig{Interval: time.Minute}, logger)
	return &fixture{rec: rec, store: st, venue: venue, bus: b}
}

func (fx *fixture) seedPosition(t *testing.T, sub string) *types.Position {
	t.Helper()
	pos := &types.Position{
		SignalID:     "s1",
		ChannelID:    "c1",
		SubAccountID: sub,
		VenueSymbol:  "BTC-USDT",
		Side:         types.BUY,
		Quantity:     d("0.6"),
		EntryPrice:   d("30000"),
		CurrentPrice: d("30000"),
		Leverage:     10,
		StopLoss:     d("29700"),
		Status:       types.PositionOpen,
		VenueOrderID: "42",
	}
	if err := fx.store.InsertPosition(context.Background(), pos); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}
	return pos
}

func venueLong(qty, mark, upnl string) types.VenuePosition {
	return types.VenuePosition{
		Symbol:        "BTC-USDT",
		PositionSide:  types.PositionLong,
		Size:          d(qty),
		EntryPrice:    d("30000"),
		MarkPrice:     d(mark),
		UnrealizedPnl: d(upnl),
		Leverage:      10,
	}
}

func TestReconcileUpdatesOpenPosition(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	pos := fx.seedPosition(t, "sa1")
	fx.venue.positions["v-sa1"] = []types.VenuePosition{venueLong("0.6", "30500", "300")}

	events, cancel := fx.bus.Subscribe(types.TopicPositionUpdated)
	defer cancel()

	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, err := fx.store.GetPosition(context.Background(), pos.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Status != types.PositionOpen {
		t.Errorf("status = %s, want OPEN", got.Status)
	}
	if !got.CurrentPrice.Equal(d("30500")) || !got.UnrealizedPnl.Equal(d("300")) {
		t.Errorf("snapshot = %s/%s, want 30500/300", got.CurrentPrice, got.UnrealizedPnl)
	}
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no position:updated event")
	}
}

func TestReconcileClosesVanishedPosition(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	pos := fx.seedPosition(t, "sa1")
	// Venue reports nothing open; last trade at 30500.
	fx.venue.price = d("30500")

	events, cancel := fx.bus.Subscribe(types.TopicPositionClosed)
	defer cancel()

	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, _ := fx.store.GetPosition(context.Background(), pos.ID)
	if got.Status != types.PositionClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	if !got.ExitPrice.Equal(d("30500")) {
		t.Errorf("exit = %s, want 30500", got.ExitPrice)
	}
	// (30500 - 30000) × 0.6
	if !got.RealizedPnl.Equal(d("300")) {
		t.Errorf("realized = %s, want 300", got.RealizedPnl)
	}
	select {
	case evt := <-events:
		if evt.PositionID != pos.ID || evt.Reason != "venue" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no position:closed event")
	}

	// Second sweep is a no-op: still nothing on venue, no second event.
	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	select {
	case evt := <-events:
		t.Fatalf("duplicate close event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconcileZeroSizeCountsAsClosed(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	pos := fx.seedPosition(t, "sa1")
	fx.venue.positions["v-sa1"] = []types.VenuePosition{venueLong("0", "30500", "0")}

	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := fx.store.GetPosition(context.Background(), pos.ID)
	if got.Status != types.PositionClosed {
		t.Errorf("status = %s, want CLOSED for zero-size venue row", got.Status)
	}
}

func TestReconcileDetectsPartialClose(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	pos := fx.seedPosition(t, "sa1")
	// First TP leg (0.3 of 0.6) filled at 30300.
	fx.venue.positions["v-sa1"] = []types.VenuePosition{venueLong("0.3", "30300", "90")}

	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, _ := fx.store.GetPosition(context.Background(), pos.ID)
	if got.Status != types.PositionPartiallyClosed {
		t.Fatalf("status = %s, want PARTIALLY_CLOSED", got.Status)
	}
	if !got.Quantity.Equal(d("0.3")) {
		t.Errorf("quantity = %s, want 0.3", got.Quantity)
	}
	// (30300 - 30000) × 0.3 closed
	if !got.RealizedPnl.Equal(d("90")) {
		t.Errorf("realized = %s, want 90", got.RealizedPnl)
	}

	// Remainder vanishes on the next sweep at 30600.
	fx.venue.positions["v-sa1"] = nil
	fx.venue.price = d("30600")
	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	got, _ = fx.store.GetPosition(context.Background(), pos.ID)
	if got.Status != types.PositionClosed {
		t.Fatalf("status = %s, want CLOSED", got.Status)
	}
	// 90 + (30600 - 30000) × 0.3
	if !got.RealizedPnl.Equal(d("270")) {
		t.Errorf("realized = %s, want 270", got.RealizedPnl)
	}
}

func TestReconcileShortPnl(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	pos := &types.Position{
		SubAccountID: "sa1",
		VenueSymbol:  "ETH-USDT",
		Side:         types.SELL,
		Quantity:     d("2"),
		EntryPrice:   d("2000"),
		CurrentPrice: d("2000"),
		Leverage:     5,
		Status:       types.PositionOpen,
		VenueOrderID: "7",
	}
	if err := fx.store.InsertPosition(context.Background(), pos); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}
	fx.venue.price = d("1900")

	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := fx.store.GetPosition(context.Background(), pos.ID)
	// (2000 - 1900) × 2 on a short
	if !got.RealizedPnl.Equal(d("200")) {
		t.Errorf("realized = %s, want 200", got.RealizedPnl)
	}
}

func TestReconcileSkipsSubAccountOnListError(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	pos := fx.seedPosition(t, "sa1")
	fx.venue.listErr = errors.New("venue down")

	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := fx.store.GetPosition(context.Background(), pos.ID)
	if got.Status != types.PositionOpen {
		t.Errorf("status = %s, a venue read failure must never close the book", got.Status)
	}
}

func TestReconcileNoLivePositionsSkipsVenue(t *testing.T) {
	t.Parallel()
	fx := setup(t)
	fx.venue.listErr = errors.New("must not be called")
	if err := fx.rec.Reconcile(context.Background()); err != nil {
		t.Errorf("Reconcile with empty book: %v", err)
	}
}
