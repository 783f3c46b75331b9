package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signalbridge/internal/config"
	"signalbridge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func symbolInfoFixture(canonical string) types.SymbolInfo {
	return types.SymbolInfo{
		Symbol:      canonical,
		VenueSymbol: VenueSymbol(canonical),
		TickSize:    decimal.RequireFromString("0.1"),
		StepSize:    decimal.RequireFromString("0.001"),
		MinQty:      decimal.RequireFromString("0.001"),
		MaxQty:      decimal.RequireFromString("1000"),
		MinNotional: decimal.RequireFromString("5"),
		MaxLeverage: 125,
	}
}

// venueStub is a minimal in-process venue for client tests.
type venueStub struct {
	t          *testing.T
	orders     []url.Values // captured place-order queries
	failOrders bool
	priceCalls atomic.Int32
}

func (v *venueStub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(pathContracts, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"msg":"","data":[
			{"symbol":"BTCUSDT","tickSize":"0.1","stepSize":"0.001","minQty":"0.001",
			 "maxQty":"1000","minNotional":"5","pricePrecision":1,"quantityPrecision":3,"maxLeverage":125}
		]}`)
	})
	mux.HandleFunc(pathPrice, func(w http.ResponseWriter, r *http.Request) {
		v.priceCalls.Add(1)
		fmt.Fprint(w, `{"code":0,"msg":"","data":{"symbol":"BTCUSDT","price":"30000"}}`)
	})
	mux.HandleFunc(pathOrder, func(w http.ResponseWriter, r *http.Request) {
		if v.failOrders {
			fmt.Fprint(w, `{"code":101204,"msg":"insufficient margin"}`)
			return
		}
		v.orders = append(v.orders, r.URL.Query())
		fmt.Fprint(w, `{"code":0,"msg":"","data":{"order":{"orderId":42,"clientOrderId":"ENTRY_s1_0","status":"FILLED","avgPrice":"30010","executedQty":"0.066"}}}`)
	})
	mux.HandleFunc(pathPositions, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"msg":"","data":[
			{"symbol":"BTCUSDT","positionSide":"LONG","positionAmt":"0.066","avgPrice":"30010",
			 "markPrice":"30500","unrealizedProfit":"32.34","leverage":10},
			{"symbol":"ETHUSDT","positionSide":"LONG","positionAmt":"0","avgPrice":"0",
			 "markPrice":"2000","unrealizedProfit":"0","leverage":5}
		]}`)
	})
	return mux
}

func newTestClient(t *testing.T, srvURL string, dryRun bool) *Client {
	t.Helper()
	return NewClient(config.ExchangeConfig{
		BaseURL:     srvURL,
		APIKey:      "k",
		SecretKey:   "s",
		RecvWindow:  5 * time.Second,
		CallTimeout: 2 * time.Second,
		QuoteAsset:  "USDT",
	}, dryRun, testLogger())
}

func TestPlaceOrderQuantizesAndSigns(t *testing.T) {
	t.Parallel()
	stub := &venueStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ack, err := c.PlaceOrder(context.Background(), types.OrderSpec{
		VenueSymbol:    "BTC-USDT",
		Side:           types.BUY,
		PositionSide:   types.PositionLong,
		Type:           types.OrderMarket,
		Quantity:       decimal.RequireFromString("0.066666"), // floors to 0.066
		ClientOrderTag: "ENTRY_s1_0",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.OrderID != "42" {
		t.Errorf("OrderID = %q, want 42", ack.OrderID)
	}
	if len(stub.orders) != 1 {
		t.Fatalf("expected 1 order request, got %d", len(stub.orders))
	}
	q := stub.orders[0]
	if got := q.Get("quantity"); got != "0.066" {
		t.Errorf("quantity = %q, want 0.066 (floored to step)", got)
	}
	if q.Get("signature") == "" || q.Get("timestamp") == "" {
		t.Error("order request must be signed")
	}
	if q.Get("symbol") != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT", q.Get("symbol"))
	}
}

func TestPlaceOrderBelowMinimum(t *testing.T) {
	t.Parallel()
	stub := &venueStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)

	// Quantizes to 0 → below minQty, no order request must be sent.
	_, err := c.PlaceOrder(context.Background(), types.OrderSpec{
		VenueSymbol: "BTC-USDT",
		Side:        types.BUY,
		Type:        types.OrderMarket,
		Quantity:    decimal.RequireFromString("0.0004"),
	})
	if !errors.Is(err, ErrBelowVenueMinimum) {
		t.Fatalf("err = %v, want ErrBelowVenueMinimum", err)
	}
	if len(stub.orders) != 0 {
		t.Error("below-minimum order must fail before the network round-trip")
	}

	// Meets minQty but notional 0.001 × 30000 = 30 ≥ 5 passes; shrink price
	// influence by using a tiny quantity against minNotional instead:
	_, err = c.PlaceOrder(context.Background(), types.OrderSpec{
		VenueSymbol: "BTC-USDT",
		Side:        types.SELL,
		Type:        types.OrderTakeProfit,
		Quantity:    decimal.RequireFromString("0.001"),
		StopPrice:   decimal.RequireFromString("3000"), // notional 3 < 5
		ReduceOnly:  true,
	})
	if !errors.Is(err, ErrBelowVenueMinimum) {
		t.Fatalf("notional err = %v, want ErrBelowVenueMinimum", err)
	}
}

func TestPlaceOrderVenueError(t *testing.T) {
	t.Parallel()
	stub := &venueStub{t: t, failOrders: true}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.PlaceOrder(context.Background(), types.OrderSpec{
		VenueSymbol: "BTC-USDT",
		Side:        types.BUY,
		Type:        types.OrderMarket,
		Quantity:    decimal.RequireFromString("0.1"),
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestPlaceOrderDryRun(t *testing.T) {
	t.Parallel()
	stub := &venueStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	ack, err := c.PlaceOrder(context.Background(), types.OrderSpec{
		VenueSymbol:    "BTC-USDT",
		Side:           types.BUY,
		Type:           types.OrderMarket,
		Quantity:       decimal.RequireFromString("0.1"),
		ClientOrderTag: "ENTRY_s9_0",
	})
	if err != nil {
		t.Fatalf("PlaceOrder dry-run: %v", err)
	}
	if len(stub.orders) != 0 {
		t.Error("dry-run must not hit the venue")
	}
	if ack.ClientOrderID != "ENTRY_s9_0" {
		t.Errorf("dry-run ack tag = %q", ack.ClientOrderID)
	}
}

func TestPositionsFiltersFlat(t *testing.T) {
	t.Parallel()
	stub := &venueStub{t: t}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	positions, err := c.Positions(context.Background(), "sub1")
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1 (flat ETH filtered)", len(positions))
	}
	p := positions[0]
	if p.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", p.Symbol)
	}
	if !p.MarkPrice.Equal(decimal.RequireFromString("30500")) {
		t.Errorf("markPrice = %s, want 30500", p.MarkPrice)
	}
}

func TestReadRetriesOn5xx(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"code":0,"msg":"","data":{"symbol":"BTCUSDT","price":"30000"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	price, err := c.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Price after retries: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("30000")) {
		t.Errorf("price = %s, want 30000", price)
	}
	if calls.Load() != 3 {
		t.Errorf("venue saw %d calls, want 3 (two 5xx then success)", calls.Load())
	}
}

func TestSymbolInfoCaches(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"code":0,"msg":"","data":[
			{"symbol":"BTCUSDT","tickSize":"0.1","stepSize":"0.001","minQty":"0.001",
			 "maxQty":"1000","minNotional":"5","pricePrecision":1,"quantityPrecision":3,"maxLeverage":125}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.SymbolInfo(ctx, "BTC-USDT"); err != nil {
			t.Fatalf("SymbolInfo: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("venue saw %d contract fetches, want 1 (cached)", calls.Load())
	}

	c.InvalidateSymbol("BTC-USDT")
	if _, err := c.SymbolInfo(ctx, "BTC-USDT"); err != nil {
		t.Fatalf("SymbolInfo after invalidate: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("venue saw %d fetches after invalidation, want 2", calls.Load())
	}
}

func TestSymbolInfoUnknown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"msg":"","data":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	if _, err := c.SymbolInfo(context.Background(), "XXX-USDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("err = %v, want ErrUnknownSymbol", err)
	}
}
