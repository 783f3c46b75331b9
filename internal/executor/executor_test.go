package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/internal/risk"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVenue struct {
	mu        sync.Mutex
	info      types.SymbolInfo
	balance   decimal.Decimal
	fillPrice decimal.Decimal

	placed      []types.OrderSpec
	cancelled   []string
	leverage    []int
	accountSubs []string

	failEntry  bool
	failTPFrom int // fail TP legs with index >= this; -1 never
	failClose  bool
	nextID     int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		info: types.SymbolInfo{
			Symbol:      "BTC-USDT",
			VenueSymbol: "BTCUSDT",
			TickSize:    d("0.1"),
			StepSize:    d("0.001"),
			MinQty:      d("0.001"),
			MinNotional: d("5"),
			MaxLeverage: 125,
		},
		balance:    d("10000"),
		fillPrice:  d("30000"),
		failTPFrom: -1,
	}
}

func (f *fakeVenue) SymbolInfo(context.Context, string) (types.SymbolInfo, error) {
	return f.info, nil
}

func (f *fakeVenue) AccountInfo(_ context.Context, sub string) (types.AccountInfo, error) {
	f.mu.Lock()
	f.accountSubs = append(f.accountSubs, sub)
	f.mu.Unlock()
	return types.AccountInfo{TotalBalance: f.balance, AvailableBalance: f.balance}, nil
}

func (f *fakeVenue) Price(context.Context, string) (decimal.Decimal, error) {
	return f.fillPrice, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if spec.Type == types.OrderMarket && !spec.ReduceOnly && f.failEntry {
		return types.OrderAck{}, errors.New("venue rejected entry")
	}
	if spec.Type == types.OrderTakeProfit && f.failTPFrom >= 0 {
		tpCount := 0
		for _, p := range f.placed {
			if p.Type == types.OrderTakeProfit {
				tpCount++
			}
		}
		if tpCount >= f.failTPFrom {
			return types.OrderAck{}, errors.New("venue rejected tp leg")
		}
	}
	if spec.Type == types.OrderMarket && spec.ReduceOnly && f.failClose {
		return types.OrderAck{}, errors.New("venue rejected close")
	}

	f.placed = append(f.placed, spec)
	f.nextID++
	ack := types.OrderAck{
		OrderID:       strconv.Itoa(f.nextID),
		ClientOrderID: spec.ClientOrderTag,
		Status:        "FILLED",
		ExecutedQty:   spec.Quantity,
	}
	if spec.Type == types.OrderMarket {
		ack.ExecutedPrice = f.fillPrice
	}
	return ack, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _, orderID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeVenue) SetLeverage(_ context.Context, _ string, lev int, _ types.PositionSide, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, lev)
	return nil
}

func (f *fakeVenue) QuoteAsset() string { return "USDT" }

func (f *fakeVenue) specsOfType(t types.OrderType) []types.OrderSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderSpec
	for _, p := range f.placed {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func setup(t *testing.T, venue Venue) (*Executor, *store.Store, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	// The channel's sub-account record key differs from the ID the venue
	// knows the account by.
	sa := &types.SubAccount{ID: "sa1", VenueSubAccountID: "v-sa1", Name: "sa1"}
	if err := st.CreateSubAccount(context.Background(), sa); err != nil {
		t.Fatalf("CreateSubAccount: %v", err)
	}

	cfg := config.TradingConfig{
		MaxLeverage:        20,
		MaxPositionPercent: 25,
		DefaultRiskPercent: 2,
		PriceDriftPct:      2,
	}
	b := bus.New(logger)
	return New(venue, risk.NewSizer(cfg, logger), st, b, cfg, logger), st, b
}

func seedSignal(t *testing.T, st *store.Store, tps ...string) *types.Signal {
	t.Helper()
	levels := make([]decimal.Decimal, len(tps))
	for i, s := range tps {
		levels[i] = d(s)
	}
	sig := &types.Signal{
		ChannelID:  "c1",
		Asset:      "BTC",
		Direction:  types.LONG,
		Leverage:   10,
		EntryPrice: d("30000"),
		TPLevels:   levels,
		StopLoss:   d("29700"),
		Confidence: 0.95,
		MessageID:  fmt.Sprintf("m-%d", time.Now().UnixNano()),
		Type:       types.SignalEntry,
		Status:     types.SignalApproved,
	}
	if err := st.InsertSignal(context.Background(), sig); err != nil {
		t.Fatalf("seed signal: %v", err)
	}
	return sig
}

func testChannel() *types.Channel {
	return &types.Channel{
		ID:                 "c1",
		SubAccountID:       "sa1",
		MaxPositionPercent: d("25"),
		RiskPercent:        d("2"),
		TPDistribution:     []decimal.Decimal{d("50"), d("30"), d("20")},
	}
}

func TestExecuteMultiLeg(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	ex, st, b := setup(t, venue)
	ctx := context.Background()

	events, cancelSub := b.Subscribe(types.TopicSignalExecuted, types.TopicPositionOpened)
	defer cancelSub()

	sig := seedSignal(t, st, "30300", "30600", "31000")
	if err := ex.Execute(ctx, sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entries := venue.specsOfType(types.OrderMarket)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if !entry.Quantity.Equal(d("0.666")) {
		t.Errorf("entry qty = %s, want 0.666", entry.Quantity)
	}
	if entry.EmbeddedSL == nil || !entry.EmbeddedSL.StopPrice.Equal(d("29700")) {
		t.Error("entry must carry the embedded stop-loss")
	}
	if entry.ClientOrderTag != "ENTRY_"+sig.ID+"_0" {
		t.Errorf("entry tag = %q", entry.ClientOrderTag)
	}
	// Every venue call is addressed by the venue's sub-account ID, never
	// the local record key.
	if entry.SubAccountID != "v-sa1" {
		t.Errorf("entry sub-account = %q, want v-sa1", entry.SubAccountID)
	}
	if len(venue.accountSubs) == 0 || venue.accountSubs[0] != "v-sa1" {
		t.Errorf("balance queried on %v, want v-sa1", venue.accountSubs)
	}

	tpLegs := venue.specsOfType(types.OrderTakeProfit)
	if len(tpLegs) != 3 {
		t.Fatalf("tp legs = %d, want 3", len(tpLegs))
	}
	sum := decimal.Zero
	for i, leg := range tpLegs {
		sum = sum.Add(leg.Quantity)
		if !leg.ReduceOnly || leg.Side != types.SELL {
			t.Errorf("tp leg %d: reduceOnly=%v side=%v", i, leg.ReduceOnly, leg.Side)
		}
		if leg.ClientOrderTag != fmt.Sprintf("TP_%s_%d", sig.ID, i) {
			t.Errorf("tp leg %d tag = %q", i, leg.ClientOrderTag)
		}
		if leg.SubAccountID != "v-sa1" {
			t.Errorf("tp leg %d sub-account = %q, want v-sa1", i, leg.SubAccountID)
		}
	}
	// 0.333 + 0.199 + 0.133: the flooring run-off of 0.001 stays on the
	// position under the stop.
	if !sum.Equal(d("0.665")) {
		t.Errorf("tp quantities sum to %s, want 0.665", sum)
	}

	got, _ := st.GetSignal(ctx, sig.ID)
	if got.Status != types.SignalExecuted {
		t.Errorf("signal status = %v, want EXECUTED", got.Status)
	}
	positions, _ := st.LivePositions(ctx)
	if len(positions) != 1 {
		t.Fatalf("live positions = %d, want 1", len(positions))
	}
	orders, _ := st.OrdersByPosition(ctx, positions[0].ID)
	if len(orders) != 4 {
		t.Errorf("recorded orders = %d, want 4 (entry + 3 tp)", len(orders))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-events:
			seen[evt.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("missing lifecycle events")
		}
	}
	if !seen[types.TopicSignalExecuted] || !seen[types.TopicPositionOpened] {
		t.Errorf("events = %v", seen)
	}
}

func TestExecuteSingleTPEmbedsBothLegs(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	ex, st, _ := setup(t, venue)

	sig := seedSignal(t, st, "30600")
	ch := testChannel()
	ch.TPDistribution = []decimal.Decimal{d("100")}
	if err := ex.Execute(context.Background(), sig, ch); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if legs := venue.specsOfType(types.OrderTakeProfit); len(legs) != 0 {
		t.Errorf("standalone tp legs = %d, want 0 (embedded)", len(legs))
	}
	entry := venue.specsOfType(types.OrderMarket)[0]
	if entry.EmbeddedTP == nil || !entry.EmbeddedTP.StopPrice.Equal(d("30600")) {
		t.Error("single tp must ride on the entry")
	}
}

func TestExecuteBelowNotionalFailsSignal(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.balance = d("10")
	ex, st, _ := setup(t, venue)

	sig := seedSignal(t, st, "30300")
	if err := ex.Execute(context.Background(), sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetSignal(context.Background(), sig.ID)
	if got.Status != types.SignalFailed {
		t.Fatalf("status = %v, want FAILED", got.Status)
	}
	if len(got.StatusReason) == 0 || got.StatusReason[:14] != "BELOW_NOTIONAL" {
		t.Errorf("reason = %q", got.StatusReason)
	}
	if len(venue.placed) != 0 {
		t.Error("no order may reach the venue for an unsizeable signal")
	}
}

func TestExecuteEntryRejection(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.failEntry = true
	ex, st, _ := setup(t, venue)

	sig := seedSignal(t, st, "30300", "30600", "31000")
	if err := ex.Execute(context.Background(), sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, _ := st.GetSignal(context.Background(), sig.ID)
	if got.Status != types.SignalFailed {
		t.Errorf("status = %v, want FAILED", got.Status)
	}
	if positions, _ := st.LivePositions(context.Background()); len(positions) != 0 {
		t.Error("rejected entry must not record a position")
	}
}

func TestExecuteCompensatesFailedLadder(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.failTPFrom = 1 // first tp leg lands, second fails
	ex, st, _ := setup(t, venue)

	sig := seedSignal(t, st, "30300", "30600", "31000")
	if err := ex.Execute(context.Background(), sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(venue.cancelled) != 1 {
		t.Errorf("cancelled = %v, want the one placed tp leg", venue.cancelled)
	}
	var closes []types.OrderSpec
	for _, spec := range venue.specsOfType(types.OrderMarket) {
		if spec.ReduceOnly {
			closes = append(closes, spec)
		}
	}
	if len(closes) != 1 || !closes[0].Quantity.Equal(d("0.666")) {
		t.Fatalf("closes = %+v, want one reduce-only market close of 0.666", closes)
	}

	got, _ := st.GetSignal(context.Background(), sig.ID)
	if got.Status != types.SignalFailed {
		t.Errorf("status = %v, want FAILED", got.Status)
	}
	if positions, _ := st.LivePositions(context.Background()); len(positions) != 0 {
		t.Error("compensated execution must not leave a live position")
	}
}

func TestExecuteEscalatesFailedCompensation(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.failTPFrom = 0 // every tp leg fails
	venue.failClose = true
	ex, st, b := setup(t, venue)

	events, cancelSub := b.Subscribe(types.TopicCompensationRequired)
	defer cancelSub()

	sig := seedSignal(t, st, "30300", "30600", "31000")
	if err := ex.Execute(context.Background(), sig, testChannel()); err == nil {
		t.Fatal("uncompensatable execution must surface an error")
	}

	select {
	case evt := <-events:
		if evt.SignalID != sig.ID {
			t.Errorf("event signal = %q", evt.SignalID)
		}
	case <-time.After(time.Second):
		t.Fatal("no compensation-required event")
	}

	// The venue still holds the entry; it must be recorded for the
	// reconciler with an explanatory note.
	positions, _ := st.LivePositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("live positions = %d, want the stranded entry", len(positions))
	}
	if positions[0].Note == "" {
		t.Error("stranded position must carry a note")
	}
}

func TestExecuteAnnotatesPriceDrift(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.fillPrice = d("30900") // 3% above the signal entry
	ex, st, _ := setup(t, venue)

	sig := seedSignal(t, st, "31300", "31600", "32000")
	if err := ex.Execute(context.Background(), sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	positions, _ := st.LivePositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("live positions = %d, want 1 (drift proceeds)", len(positions))
	}
	if positions[0].Note == "" {
		t.Error("drifted entry must be annotated")
	}
	if !positions[0].EntryPrice.Equal(d("30900")) {
		t.Errorf("entry price = %s, want the filled price", positions[0].EntryPrice)
	}
}

func TestExecuteDropsOvertakenTPs(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.fillPrice = d("30500") // overtakes the first tp at 30300
	ex, st, _ := setup(t, venue)

	sig := seedSignal(t, st, "30300", "30600", "31000")
	if err := ex.Execute(context.Background(), sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tpLegs := venue.specsOfType(types.OrderTakeProfit)
	if len(tpLegs) != 2 {
		t.Fatalf("tp legs = %d, want 2 (first dropped)", len(tpLegs))
	}
	sum := decimal.Zero
	for _, leg := range tpLegs {
		if !leg.StopPrice.GreaterThan(d("30500")) {
			t.Errorf("leg at %s not above fill price", leg.StopPrice)
		}
		sum = sum.Add(leg.Quantity)
	}
	// The dropped leg's 0.333 folds into the next one; only the split's
	// 0.001 run-off stays behind.
	if !sum.Equal(d("0.665")) {
		t.Errorf("surviving legs cover %s, want 0.665", sum)
	}
	if !tpLegs[0].Quantity.Equal(d("0.532")) {
		t.Errorf("first surviving leg = %s, want 0.532", tpLegs[0].Quantity)
	}
}

func TestExecuteTerminalSignalIsNoop(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	ex, st, _ := setup(t, venue)
	ctx := context.Background()

	sig := seedSignal(t, st, "30300")
	if err := st.UpdateSignalStatus(ctx, sig.ID, types.SignalIgnored, "operator"); err != nil {
		t.Fatalf("ignore: %v", err)
	}
	if err := ex.Execute(ctx, sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(venue.placed) != 0 {
		t.Error("terminal signal must not reach the venue")
	}
}

func TestClosePosition(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	ex, st, b := setup(t, venue)
	ctx := context.Background()

	events, cancelSub := b.Subscribe(types.TopicPositionClosed)
	defer cancelSub()

	sig := seedSignal(t, st, "30300", "30600", "31000")
	if err := ex.Execute(ctx, sig, testChannel()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	positions, _ := st.LivePositions(ctx)
	posID := positions[0].ID

	venue.fillPrice = d("30600")
	if err := ex.ClosePosition(ctx, posID); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if len(venue.cancelled) != 3 {
		t.Errorf("cancelled %d legs, want 3 tp legs", len(venue.cancelled))
	}
	got, _ := st.GetPosition(ctx, posID)
	if got.Status != types.PositionClosed || got.ClosedAt == nil {
		t.Errorf("position = %+v, want CLOSED", got)
	}
	if !got.ExitPrice.Equal(d("30600")) {
		t.Errorf("exit = %s, want 30600", got.ExitPrice)
	}
	// LONG 0.666 from 30000 to 30600 → +399.60
	if !got.RealizedPnl.Equal(d("399.6")) {
		t.Errorf("realized = %s, want 399.6", got.RealizedPnl)
	}

	select {
	case <-events:
	case <-time.After(time.Second):
		t.Fatal("no position-closed event")
	}

	if err := ex.ClosePosition(ctx, posID); !errors.Is(err, store.ErrTerminalState) {
		t.Errorf("second close: err = %v, want ErrTerminalState", err)
	}
}
