// Package exchange implements the futures venue REST client.
//
// The client exposes a stable, typed surface over the venue's swap API:
//   - PlaceOrder:   POST   /openApi/swap/v2/trade/order
//   - CancelOrder:  DELETE /openApi/swap/v2/trade/order
//   - OpenOrders:   GET    /openApi/swap/v2/trade/openOrders
//   - Positions:    GET    /openApi/swap/v2/user/positions
//   - AccountInfo:  GET    /openApi/swap/v2/user/balance
//   - SymbolInfo:   GET    /openApi/swap/v2/quote/contracts
//   - Price:        GET    /openApi/swap/v2/quote/price
//   - SetLeverage:  POST   /openApi/swap/v2/trade/leverage
//   - Transfer:     POST   /openApi/account/v1/transfer
//
// Idempotent reads retry with exponential backoff on 5xx and transport
// errors, re-signing on every attempt so the timestamp stays inside
// recvWindow. Writes never retry automatically — the executor composes
// compensations instead. Every outbound quantity is floored to the symbol's
// step size and every price to its tick size before the request leaves the
// process; quantities that fall below the venue minimums fail locally with
// ErrBelowVenueMinimum.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"signalbridge/internal/config"
	"signalbridge/pkg/types"
)

const (
	pathServerTime = "/openApi/swap/v2/server/time"
	pathPrice      = "/openApi/swap/v2/quote/price"
	pathContracts  = "/openApi/swap/v2/quote/contracts"
	pathBalance    = "/openApi/swap/v2/user/balance"
	pathPositions  = "/openApi/swap/v2/user/positions"
	pathOrder      = "/openApi/swap/v2/trade/order"
	pathOpenOrders = "/openApi/swap/v2/trade/openOrders"
	pathLeverage   = "/openApi/swap/v2/trade/leverage"
	pathTransfer   = "/openApi/account/v1/transfer"

	readRetries   = 3
	retryBaseWait = 500 * time.Millisecond
)

// Client is the futures venue REST API client.
// It wraps a resty HTTP client with rate limiting and HMAC signing.
type Client struct {
	http       *resty.Client
	signer     *Signer
	rl         *RateLimiter
	symbols    *symbolCache
	quoteAsset string
	dryRun     bool
	logger     *slog.Logger
}

// NewClient creates a venue client from config.
func NewClient(cfg config.ExchangeConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.CallTimeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		signer:     NewSigner(cfg.APIKey, cfg.SecretKey, cfg.RecvWindow),
		rl:         NewRateLimiter(),
		symbols:    newSymbolCache(),
		quoteAsset: cfg.QuoteAsset,
		dryRun:     dryRun,
		logger:     logger.With("component", "exchange"),
	}
}

// QuoteAsset returns the settlement currency symbols are quoted in.
func (c *Client) QuoteAsset() string { return c.quoteAsset }

// InvalidateSymbol drops cached metadata for one canonical symbol
// (or all symbols when empty).
func (c *Client) InvalidateSymbol(canonical string) { c.symbols.invalidate(canonical) }

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// decode unwraps the venue envelope into out, mapping non-zero codes to
// sentinel errors.
func decode(resp *resty.Response, out any) error {
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != 0 {
		return mapAPIError(env.Code, env.Msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// getRead issues a GET with retry on 5xx/transport errors. Each attempt is
// freshly signed when signed is true, so retries never carry a stale
// timestamp.
func (c *Client) getRead(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	wait := retryBaseWait
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		q := url.Values{}
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req := c.http.R().SetContext(ctx)
		if signed {
			q = c.signer.Sign(q)
			req.SetHeader("X-API-KEY", c.signer.APIKey())
		}
		req.SetQueryParamsFromValues(q)

		resp, err := req.Get(path)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode() >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
			continue
		}
		return decode(resp, out)
	}
	return fmt.Errorf("%s: %w", path, lastErr)
}

// doWrite issues a signed mutating request exactly once.
func (c *Client) doWrite(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.rl.Write.Wait(ctx); err != nil {
		return err
	}

	q := c.signer.Sign(params)
	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", c.signer.APIKey()).
		SetQueryParamsFromValues(q)

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported write method %s", method)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return decode(resp, out)
}

// ServerTime fetches the venue clock and verifies local drift stays within
// recvWindow.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var data struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.getRead(ctx, pathServerTime, nil, false, &data); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	st := time.UnixMilli(data.ServerTime)
	if err := c.signer.CheckDrift(st); err != nil {
		return st, err
	}
	return st, nil
}

// Price returns the current mark price for a canonical symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	canonical, err := Canonicalize(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	params := url.Values{"symbol": {VenueSymbol(canonical)}}
	var data struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := c.getRead(ctx, pathPrice, params, false, &data); err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", canonical, err)
	}
	if data.Price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("price %s: venue returned %s", canonical, data.Price)
	}
	return data.Price, nil
}

// contractInfo is the venue's per-symbol trading filter payload.
type contractInfo struct {
	Symbol            string          `json:"symbol"`
	TickSize          decimal.Decimal `json:"tickSize"`
	StepSize          decimal.Decimal `json:"stepSize"`
	MinQty            decimal.Decimal `json:"minQty"`
	MaxQty            decimal.Decimal `json:"maxQty"`
	MinNotional       decimal.Decimal `json:"minNotional"`
	PricePrecision    int             `json:"pricePrecision"`
	QuantityPrecision int             `json:"quantityPrecision"`
	MaxLeverage       int             `json:"maxLeverage"`
}

// SymbolInfo returns the trading constraints for a symbol, cached until
// invalidated.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (types.SymbolInfo, error) {
	canonical, err := Canonicalize(symbol)
	if err != nil {
		return types.SymbolInfo{}, err
	}
	if info, ok := c.symbols.get(canonical); ok {
		return info, nil
	}

	params := url.Values{"symbol": {VenueSymbol(canonical)}}
	var contracts []contractInfo
	if err := c.getRead(ctx, pathContracts, params, false, &contracts); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("symbol info %s: %w", canonical, err)
	}

	venueSym := VenueSymbol(canonical)
	for _, ct := range contracts {
		if ct.Symbol != venueSym {
			continue
		}
		info := types.SymbolInfo{
			Symbol:            canonical,
			VenueSymbol:       venueSym,
			TickSize:          ct.TickSize,
			StepSize:          ct.StepSize,
			MinQty:            ct.MinQty,
			MaxQty:            ct.MaxQty,
			MinNotional:       ct.MinNotional,
			PricePrecision:    ct.PricePrecision,
			QuantityPrecision: ct.QuantityPrecision,
			MaxLeverage:       ct.MaxLeverage,
		}
		c.symbols.put(info)
		return info, nil
	}
	return types.SymbolInfo{}, fmt.Errorf("%w: %q not listed", ErrUnknownSymbol, canonical)
}

// AccountInfo fetches the balance snapshot for a sub-account (or the main
// account when subAccountID is empty).
func (c *Client) AccountInfo(ctx context.Context, subAccountID string) (types.AccountInfo, error) {
	params := url.Values{}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}
	var data struct {
		Balance struct {
			Asset            string          `json:"asset"`
			Balance          decimal.Decimal `json:"balance"`
			AvailableMargin  decimal.Decimal `json:"availableMargin"`
			UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
		} `json:"balance"`
	}
	if err := c.getRead(ctx, pathBalance, params, true, &data); err != nil {
		return types.AccountInfo{}, fmt.Errorf("account info: %w", err)
	}
	return types.AccountInfo{
		TotalBalance:     data.Balance.Balance,
		AvailableBalance: data.Balance.AvailableMargin,
		UnrealizedPnl:    data.Balance.UnrealizedProfit,
	}, nil
}

// Positions fetches open venue positions for a sub-account. Flat (size 0)
// entries are filtered out.
func (c *Client) Positions(ctx context.Context, subAccountID string) ([]types.VenuePosition, error) {
	params := url.Values{}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}
	var raw []struct {
		Symbol        string          `json:"symbol"`
		PositionSide  string          `json:"positionSide"`
		PositionAmt   decimal.Decimal `json:"positionAmt"`
		EntryPrice    decimal.Decimal `json:"avgPrice"`
		MarkPrice     decimal.Decimal `json:"markPrice"`
		UnrealizedPnl decimal.Decimal `json:"unrealizedProfit"`
		Leverage      int             `json:"leverage"`
	}
	if err := c.getRead(ctx, pathPositions, params, true, &raw); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	out := make([]types.VenuePosition, 0, len(raw))
	for _, p := range raw {
		if p.PositionAmt.IsZero() {
			continue
		}
		out = append(out, types.VenuePosition{
			Symbol:        p.Symbol,
			PositionSide:  types.PositionSide(p.PositionSide),
			Size:          p.PositionAmt,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnl: p.UnrealizedPnl,
			Leverage:      p.Leverage,
		})
	}
	return out, nil
}

// OpenOrders lists resting orders, optionally filtered by canonical symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol, subAccountID string) ([]types.OrderAck, error) {
	params := url.Values{}
	if symbol != "" {
		canonical, err := Canonicalize(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", VenueSymbol(canonical))
	}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}
	var data struct {
		Orders []struct {
			OrderID       int64           `json:"orderId"`
			ClientOrderID string          `json:"clientOrderId"`
			Status        string          `json:"status"`
			AvgPrice      decimal.Decimal `json:"avgPrice"`
			ExecutedQty   decimal.Decimal `json:"executedQty"`
		} `json:"orders"`
	}
	if err := c.getRead(ctx, pathOpenOrders, params, true, &data); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	out := make([]types.OrderAck, 0, len(data.Orders))
	for _, o := range data.Orders {
		out = append(out, types.OrderAck{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Status:        o.Status,
			ExecutedPrice: o.AvgPrice,
			ExecutedQty:   o.ExecutedQty,
		})
	}
	return out, nil
}

// PlaceOrder quantizes, validates, and submits one order leg. The call is
// never retried; on ambiguous transport failure the caller owns recovery.
func (c *Client) PlaceOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	canonical, err := Canonicalize(spec.VenueSymbol)
	if err != nil {
		return types.OrderAck{}, err
	}
	info, err := c.SymbolInfo(ctx, canonical)
	if err != nil {
		return types.OrderAck{}, err
	}

	qty := FloorToStep(spec.Quantity, info.StepSize)
	if qty.LessThan(info.MinQty) || qty.Sign() <= 0 {
		return types.OrderAck{}, fmt.Errorf("%w: qty %s < minQty %s", ErrBelowVenueMinimum, qty, info.MinQty)
	}
	if info.MaxQty.Sign() > 0 && qty.GreaterThan(info.MaxQty) {
		qty = info.MaxQty
	}

	// Notional guard: reference price is the trigger when set, else the
	// current mark price (a read, so safe to fetch pre-flight).
	refPrice := spec.StopPrice
	if refPrice.Sign() <= 0 {
		refPrice, err = c.Price(ctx, canonical)
		if err != nil {
			return types.OrderAck{}, err
		}
	}
	if qty.Mul(refPrice).LessThan(info.MinNotional) {
		return types.OrderAck{}, fmt.Errorf("%w: notional %s < %s",
			ErrBelowVenueMinimum, qty.Mul(refPrice), info.MinNotional)
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"symbol", canonical, "side", spec.Side, "type", spec.Type,
			"qty", qty.String(), "tag", spec.ClientOrderTag)
		return types.OrderAck{
			OrderID:       "dry-run-" + spec.ClientOrderTag,
			ClientOrderID: spec.ClientOrderTag,
			Status:        "FILLED",
			ExecutedPrice: refPrice,
			ExecutedQty:   qty,
		}, nil
	}

	params := url.Values{
		"symbol":   {info.VenueSymbol},
		"side":     {string(spec.Side)},
		"type":     {string(spec.Type)},
		"quantity": {qty.String()},
	}
	if spec.PositionSide != "" {
		params.Set("positionSide", string(spec.PositionSide))
	}
	if spec.StopPrice.Sign() > 0 {
		params.Set("stopPrice", FloorToTick(spec.StopPrice, info.TickSize).String())
	}
	if spec.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if spec.ClientOrderTag != "" {
		params.Set("clientOrderId", spec.ClientOrderTag)
	}
	if spec.SubAccountID != "" {
		params.Set("subAccountId", spec.SubAccountID)
	}
	if spec.EmbeddedTP != nil {
		params.Set("takeProfit", embeddedLegJSON(types.OrderTakeProfit, *spec.EmbeddedTP, info.TickSize))
	}
	if spec.EmbeddedSL != nil {
		params.Set("stopLoss", embeddedLegJSON(types.OrderStopMarket, *spec.EmbeddedSL, info.TickSize))
	}

	var data struct {
		Order struct {
			OrderID       int64           `json:"orderId"`
			ClientOrderID string          `json:"clientOrderId"`
			Status        string          `json:"status"`
			AvgPrice      decimal.Decimal `json:"avgPrice"`
			ExecutedQty   decimal.Decimal `json:"executedQty"`
		} `json:"order"`
	}
	if err := c.doWrite(ctx, http.MethodPost, pathOrder, params, &data); err != nil {
		return types.OrderAck{}, fmt.Errorf("place order %s: %w", spec.ClientOrderTag, err)
	}

	ack := types.OrderAck{
		OrderID:       strconv.FormatInt(data.Order.OrderID, 10),
		ClientOrderID: data.Order.ClientOrderID,
		Status:        data.Order.Status,
		ExecutedPrice: data.Order.AvgPrice,
		ExecutedQty:   data.Order.ExecutedQty,
	}
	c.logger.Info("order placed",
		"symbol", canonical, "side", spec.Side, "type", spec.Type,
		"qty", qty.String(), "order_id", ack.OrderID, "tag", spec.ClientOrderTag)
	return ack, nil
}

// embeddedLegJSON renders an embedded TP/SL block as the venue's inline
// JSON string parameter.
func embeddedLegJSON(orderType types.OrderType, leg types.EmbeddedLeg, tick decimal.Decimal) string {
	working := leg.WorkingType
	if working == "" {
		working = "MARK_PRICE"
	}
	payload := map[string]string{
		"type":        string(orderType),
		"stopPrice":   FloorToTick(leg.StopPrice, tick).String(),
		"workingType": working,
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// CancelOrder cancels one order by venue ID. Never retried.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID, subAccountID string) error {
	canonical, err := Canonicalize(symbol)
	if err != nil {
		return err
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", canonical, "order_id", orderID)
		return nil
	}
	params := url.Values{
		"symbol":  {VenueSymbol(canonical)},
		"orderId": {orderID},
	}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}
	if err := c.doWrite(ctx, http.MethodDelete, pathOrder, params, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	c.logger.Info("order cancelled", "symbol", canonical, "order_id", orderID)
	return nil
}

// SetLeverage sets leverage for a symbol/position side. Venues silently cap
// out-of-range values; callers treat failures as non-fatal.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, side types.PositionSide, subAccountID string) error {
	canonical, err := Canonicalize(symbol)
	if err != nil {
		return err
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", canonical, "leverage", leverage)
		return nil
	}
	params := url.Values{
		"symbol":   {VenueSymbol(canonical)},
		"side":     {string(side)},
		"leverage": {strconv.Itoa(leverage)},
	}
	if subAccountID != "" {
		params.Set("subAccountId", subAccountID)
	}
	if err := c.doWrite(ctx, http.MethodPost, pathLeverage, params, nil); err != nil {
		return fmt.Errorf("set leverage %s: %w", canonical, err)
	}
	return nil
}

// Transfer moves funds between a sub-account and the main account.
// Never retried.
func (c *Client) Transfer(ctx context.Context, subAccountID, asset string, amount decimal.Decimal, direction types.TransferDirection) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %s", amount)
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would transfer",
			"sub_account", subAccountID, "asset", asset,
			"amount", amount.String(), "direction", direction)
		return nil
	}
	params := url.Values{
		"subAccountId": {subAccountID},
		"asset":        {asset},
		"amount":       {amount.String()},
		"direction":    {string(direction)},
	}
	if err := c.doWrite(ctx, http.MethodPost, pathTransfer, params, nil); err != nil {
		return fmt.Errorf("transfer %s %s: %w", amount, asset, err)
	}
	c.logger.Info("transfer complete",
		"sub_account", subAccountID, "asset", asset,
		"amount", amount.String(), "direction", direction)
	return nil
}
