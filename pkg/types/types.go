// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — channels, signals,
// positions, order specs, and venue payloads. It has no dependencies on
// internal packages, so it can be imported by any layer. All monetary
// quantities are shopspring decimals; float64 is prohibited on the money
// path.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the trade direction stated by a signal.
type Direction string

const (
	LONG  Direction = "LONG"
	SHORT Direction = "SHORT"
)

// Side returns the venue order side that opens a position in this direction.
func (d Direction) Side() Side {
	if d == SHORT {
		return SELL
	}
	return BUY
}

// Valid reports whether the direction is one of the two known values.
func (d Direction) Valid() bool { return d == LONG || d == SHORT }

// Side represents the direction of a venue order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the side that reduces a position opened on this side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide is the hedge-mode position side parameter of the venue.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// OrderType enumerates the venue order types the executor places.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderStopMarket OrderType = "STOP_MARKET"
	OrderTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderKind tags the role an order leg plays within a position.
type OrderKind string

const (
	KindEntry OrderKind = "ENTRY"
	KindTP    OrderKind = "TP"
	KindSL    OrderKind = "SL"
)

// SignalType classifies what a recognized message is asking for.
type SignalType string

const (
	SignalEntry   SignalType = "ENTRY"
	SignalUpdate  SignalType = "UPDATE"
	SignalClose   SignalType = "CLOSE"
	SignalGeneral SignalType = "GENERAL"
)

// SignalStatus is the lifecycle state of a Signal. Terminal states never
// transition further.
type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalApproved SignalStatus = "APPROVED"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalIgnored  SignalStatus = "IGNORED"
	SignalFailed   SignalStatus = "FAILED"
	SignalClosed   SignalStatus = "CLOSED"
)

// Terminal reports whether the status permits no further transitions.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalExecuted, SignalIgnored, SignalFailed, SignalClosed:
		return true
	}
	return false
}

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// Terminal reports whether the position can never reopen.
func (s PositionStatus) Terminal() bool { return s == PositionClosed }

// ————————————————————————————————————————————————————————————————————————
// Chat ingestion
// ————————————————————————————————————————————————————————————————————————

// Envelope is the canonical form of one inbound chat message. The core
// consumes ExternalChannelID, MessageID, Timestamp, and Text; the rest is
// preserved opaquely for audit.
type Envelope struct {
	ExternalChannelID string    `json:"external_channel_id"`
	MessageID         string    `json:"message_id"`
	Timestamp         time.Time `json:"timestamp"`
	Text              string    `json:"text"`
	ChannelName       string    `json:"channel_name,omitempty"`
	ForwardedFrom     string    `json:"forwarded_from,omitempty"`
	Attachments       []string  `json:"attachments,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Registry entities
// ————————————————————————————————————————————————————————————————————————

// Channel represents a single external signal source and its trading policy.
type Channel struct {
	ID                 string            `json:"id"`
	ExternalChannelID  string            `json:"external_channel_id"`
	Name               string            `json:"name"`
	Active             bool              `json:"active"`
	Paused             bool              `json:"paused"`
	AutoExecute        bool              `json:"auto_execute"`
	MaxPositionPercent decimal.Decimal   `json:"max_position_percent"` // 1–100
	RiskPercent        decimal.Decimal   `json:"risk_percent"`         // 0.1–20
	TPDistribution     []decimal.Decimal `json:"tp_distribution"`      // 1–5 entries, sums to 100 ±0.1
	SubAccountID       string            `json:"sub_account_id"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// SubAccount is the venue-side isolation bucket owned by exactly one channel.
// Balance fields are snapshots refreshed on demand; they are advisory and
// never gate execution.
type SubAccount struct {
	ID                string          `json:"id"`
	VenueSubAccountID string          `json:"venue_sub_account_id"`
	Name              string          `json:"name"`
	TotalBalance      decimal.Decimal `json:"total_balance"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	UnrealizedPnl     decimal.Decimal `json:"unrealized_pnl"`
	TotalPnl          decimal.Decimal `json:"total_pnl"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ValidateTPDistribution checks the 1–5 positive entries sum to 100 within
// the ±0.1 tolerance the registry enforces.
func ValidateTPDistribution(dist []decimal.Decimal) error {
	if len(dist) == 0 || len(dist) > 5 {
		return fmt.Errorf("tp distribution must have 1-5 entries, got %d", len(dist))
	}
	sum := decimal.Zero
	for i, p := range dist {
		if p.Sign() <= 0 {
			return fmt.Errorf("tp distribution entry %d must be positive, got %s", i, p)
		}
		sum = sum.Add(p)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(decimal.NewFromFloat(0.1)) {
		return fmt.Errorf("tp distribution must sum to 100, got %s", sum)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is one recognized intent derived from one inbound message.
type Signal struct {
	ID               string            `json:"id"`
	ChannelID        string            `json:"channel_id"`
	Asset            string            `json:"asset"` // base asset, e.g. "BTC"
	Direction        Direction         `json:"direction"`
	Leverage         int               `json:"leverage"`
	EntryPrice       decimal.Decimal   `json:"entry_price"`
	TPLevels         []decimal.Decimal `json:"tp_levels"` // author order, 1–5
	StopLoss         decimal.Decimal   `json:"stop_loss"`
	SuggestedVolume  decimal.Decimal   `json:"suggested_volume,omitempty"`
	Confidence       float64           `json:"confidence"` // [0,1]
	RawMessage       string            `json:"raw_message"`
	Parsed           string            `json:"parsed,omitempty"` // opaque engine output, kept for audit
	MessageID        string            `json:"message_id"`
	MessageTimestamp time.Time         `json:"message_timestamp"`
	ProcessedAt      time.Time         `json:"processed_at"`
	Type             SignalType        `json:"type"`
	Status           SignalStatus      `json:"status"`
	StatusReason     string            `json:"status_reason,omitempty"`
}

// Valid reports whether the signal carries enough coherent fields to be
// executed: asset, direction, entry, stop, at least one TP, and the stop on
// the loss side of the entry.
func (s *Signal) Valid() bool {
	if s.Asset == "" || !s.Direction.Valid() {
		return false
	}
	if s.EntryPrice.Sign() <= 0 || s.StopLoss.Sign() <= 0 || len(s.TPLevels) == 0 {
		return false
	}
	if s.Direction == LONG {
		return s.StopLoss.LessThan(s.EntryPrice)
	}
	return s.StopLoss.GreaterThan(s.EntryPrice)
}

// ————————————————————————————————————————————————————————————————————————
// Positions and orders
// ————————————————————————————————————————————————————————————————————————

// Position is the authoritative local record of a live or past derivatives
// position. The venue remains the source of truth for existence; the
// reconciler converges the two.
type Position struct {
	ID             string            `json:"id"`
	SignalID       string            `json:"signal_id,omitempty"`
	ChannelID      string            `json:"channel_id,omitempty"`
	SubAccountID   string            `json:"sub_account_id"`
	VenueSymbol    string            `json:"venue_symbol"`
	Side           Side              `json:"side"`
	Quantity       decimal.Decimal   `json:"quantity"`
	EntryPrice     decimal.Decimal   `json:"entry_price"`
	CurrentPrice   decimal.Decimal   `json:"current_price,omitempty"`
	ExitPrice      decimal.Decimal   `json:"exit_price,omitempty"`
	Leverage       int               `json:"leverage"`
	UnrealizedPnl  decimal.Decimal   `json:"unrealized_pnl"`
	RealizedPnl    decimal.Decimal   `json:"realized_pnl"`
	Fees           decimal.Decimal   `json:"fees"`
	TPLevels       []decimal.Decimal `json:"tp_levels"`
	TPDistribution []decimal.Decimal `json:"tp_distribution"`
	StopLoss       decimal.Decimal   `json:"stop_loss"`
	Status         PositionStatus    `json:"status"`
	VenueOrderID   string            `json:"venue_order_id"`
	Note           string            `json:"note,omitempty"` // price-drift / compensation annotations
	OpenedAt       time.Time         `json:"opened_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
}

// Order is a child record of a Position representing one venue-side leg.
type Order struct {
	VenueOrderID   string          `json:"venue_order_id"`
	PositionID     string          `json:"position_id"`
	Kind           OrderKind       `json:"kind"`
	ClientOrderTag string          `json:"client_order_tag"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Venue payloads
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo carries the venue's trading constraints for one symbol.
type SymbolInfo struct {
	Symbol            string          `json:"symbol"` // canonical "BASE-QUOTE"
	VenueSymbol       string          `json:"venue_symbol"`
	TickSize          decimal.Decimal `json:"tick_size"`
	StepSize          decimal.Decimal `json:"step_size"`
	MinQty            decimal.Decimal `json:"min_qty"`
	MaxQty            decimal.Decimal `json:"max_qty"`
	MinNotional       decimal.Decimal `json:"min_notional"`
	PricePrecision    int             `json:"price_precision"`
	QuantityPrecision int             `json:"quantity_precision"`
	MaxLeverage       int             `json:"max_leverage"`
}

// OrderSpec is the high-level request the executor hands to the exchange
// client. A MARKET entry may carry an embedded TP/SL block; standalone TP/SL
// legs set ReduceOnly.
type OrderSpec struct {
	VenueSymbol    string
	Side           Side
	PositionSide   PositionSide
	Type           OrderType
	Quantity       decimal.Decimal
	StopPrice      decimal.Decimal // trigger for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly     bool
	ClientOrderTag string
	EmbeddedTP     *EmbeddedLeg // only valid on MARKET entries
	EmbeddedSL     *EmbeddedLeg
	SubAccountID   string
}

// EmbeddedLeg is a TP or SL block attached to a market entry order.
type EmbeddedLeg struct {
	StopPrice   decimal.Decimal
	WorkingType string // "MARK_PRICE" or "CONTRACT_PRICE"
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
}

// VenuePosition is one open position as reported by the venue.
type VenuePosition struct {
	Symbol        string          `json:"symbol"`
	PositionSide  PositionSide    `json:"positionSide"`
	Size          decimal.Decimal `json:"size"` // signed: negative = short
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
	Leverage      int             `json:"leverage"`
}

// AccountInfo is the venue account snapshot for one (sub-)account.
type AccountInfo struct {
	TotalBalance     decimal.Decimal `json:"totalBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	UnrealizedPnl    decimal.Decimal `json:"unrealizedPnl"`
}

// TransferDirection moves funds between a sub-account and the main account.
type TransferDirection string

const (
	TransferIn  TransferDirection = "MAIN_TO_SUB"
	TransferOut TransferDirection = "SUB_TO_MAIN"
)

// ————————————————————————————————————————————————————————————————————————
// Event bus
// ————————————————————————————————————————————————————————————————————————

// Topic names for the ephemeral pub/sub bus. Fan-out is best effort;
// subscribers must tolerate missed events and reconcile from state.
const (
	TopicNewMessage           = "signal:new-message"
	TopicSignalNew            = "signal:new"
	TopicSignalExecuted       = "signal:executed"
	TopicSignalFailed         = "signal:failed"
	TopicPositionOpened       = "position:opened"
	TopicPositionUpdated      = "position:updated"
	TopicPositionClosed       = "position:closed"
	TopicCompensationRequired = "position:compensation-required"
	TopicChannelUpdate        = "channel:update"
	TopicAccountUpdate        = "account:update"
)

// Event is one message on the ephemeral bus.
type Event struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`

	ChannelID  string `json:"channel_id,omitempty"`
	SignalID   string `json:"signal_id,omitempty"`
	PositionID string `json:"position_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
