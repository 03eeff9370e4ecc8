// Package model defines the core domain types shared across the margin engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Position sides, derived from the order side.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Order types. Limit orders carry a limit price but are filled immediately
// against the current snapshot.
const (
	OrderMarket = "market"
	OrderLimit  = "limit"
)

// Order statuses.
const (
	OrderPending    = "pending"
	OrderFilled     = "filled"
	OrderCancelled  = "cancelled"
	OrderLiquidated = "liquidated"
)

// Position statuses.
const (
	PositionOpen       = "open"
	PositionClosed     = "closed"
	PositionLiquidated = "liquidated"
)

// Liquidation reasons.
const (
	ReasonMarginCall = "margin_call"
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

// Risk tiers, ordered from least to most severe.
const (
	TierHealthy     = "healthy"
	TierWarning     = "warning"
	TierMarginCall  = "margin_call"
	TierLiquidation = "liquidation"
	TierEmergency   = "emergency"
)

// Balance holds a user's USD balances.
// Invariant target: Total = Available + MarginReserved + Σ unrealized P&L.
type Balance struct {
	Total          decimal.Decimal `json:"total"`
	Available      decimal.Decimal `json:"available"`
	MarginReserved decimal.Decimal `json:"margin_reserved"`
}

// User is a trading account. Users are never deleted.
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	Balance   Balance   `json:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// MarketPrice is the latest quote for a symbol. Replaced wholesale on each tick.
type MarketPrice struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
	Spread     decimal.Decimal `json:"spread"`
	Volatility decimal.Decimal `json:"volatility"` // 1.0 = normal market
	Timestamp  time.Time       `json:"timestamp"`
}

// Order is an immutable fill record; only Status may move to liquidated.
type Order struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             string          `json:"side" db:"side"` // "buy" or "sell"
	Type             string          `json:"type" db:"type"` // "market" or "limit"
	Leverage         decimal.Decimal `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal `json:"margin" db:"margin"`
	PositionSize     decimal.Decimal `json:"position_size" db:"position_size"` // margin × leverage
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	LimitPrice       decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	PositionID       string          `json:"position_id" db:"position_id"`
	Status           string          `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	FilledAt         time.Time       `json:"filled_at" db:"filled_at"`
}

// Position tracks an open leveraged exposure. Once Status leaves "open"
// the position is immutable.
type Position struct {
	ID               string          `json:"id" db:"id"`
	OrderID          string          `json:"order_id" db:"order_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             string          `json:"side" db:"side"` // "long" or "short"
	Leverage         decimal.Decimal `json:"leverage" db:"leverage"`
	Margin           decimal.Decimal `json:"margin" db:"margin"`
	PositionSize     decimal.Decimal `json:"position_size" db:"position_size"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price" db:"current_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	ROIPercent       decimal.Decimal `json:"roi_percentage" db:"roi_percentage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	MarginRatio      decimal.Decimal `json:"margin_ratio" db:"margin_ratio"`
	Status           string          `json:"status" db:"status"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// IsOpen reports whether the position is still mutable.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// Direction returns +1 for long and -1 for short.
func (p *Position) Direction() decimal.Decimal {
	if p.Side == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Mark reprices the position at price and recomputes the derived P&L fields.
func (p *Position) Mark(price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Direction())
	if p.Margin.IsPositive() {
		p.ROIPercent = p.UnrealizedPnL.Div(p.Margin).Mul(decimal.NewFromInt(100))
	}
	if p.PositionSize.IsPositive() {
		p.MarginRatio = p.Margin.Add(p.UnrealizedPnL).Div(p.PositionSize)
	}
}

// LiquidationEvent is an append-only record, created exactly once per
// liquidated position.
type LiquidationEvent struct {
	PositionID       string          `json:"position_id" db:"position_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	MarginLost       decimal.Decimal `json:"margin_lost" db:"margin_lost"`
	Fee              decimal.Decimal `json:"fee" db:"fee"`
	Reason           string          `json:"reason" db:"reason"`
	Emergency        bool            `json:"emergency" db:"emergency"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// RiskEvent is a tier notification produced for streaming consumers.
type RiskEvent struct {
	Type             string          `json:"type"` // warning, margin_call, liquidation
	PositionID       string          `json:"position_id"`
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Account is the get_account view of a user.
type Account struct {
	User               User            `json:"user"`
	OpenPositions      int             `json:"open_positions"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalMarginUsed    decimal.Decimal `json:"total_margin_used"`
	Equity             decimal.Decimal `json:"equity"` // available + margin + unrealized
}
