// Package command decodes engine commands ({action, data} JSON documents)
// and runs them against the engine. The HTTP API and the Redis command bus
// both dispatch through it.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/engine"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/trade"
)

var (
	ErrUnknownAction = errors.New("command: unknown action")
	ErrInvalidData   = errors.New("command: invalid data")
)

// Actions.
const (
	ActionPlaceOrder      = "place_order"
	ActionClosePosition   = "close_position"
	ActionCreateUser      = "create_user"
	ActionGetPositions    = "get_positions"
	ActionGetOrders       = "get_orders"
	ActionGetAccount      = "get_account"
	ActionGetLiquidations = "get_liquidations"
	ActionGetPrices       = "get_prices"
	ActionGetStats        = "get_stats"
	ActionGetConfig       = "get_config"
	ActionUpdateConfig    = "update_config"
	ActionUpdatePrice     = "update_price"
)

// Request is one engine command.
type Request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Engine is the part of the engine the dispatcher drives.
type Engine interface {
	CreateUser(ctx context.Context, id, username string, balance *decimal.Decimal) (model.User, error)
	PlaceOrder(ctx context.Context, req trade.OrderRequest) (*trade.Fill, error)
	ClosePosition(ctx context.Context, positionID, userID string) (model.Position, error)
	Positions(userID string) ([]model.Position, engine.PositionSummary, error)
	Orders(userID string) ([]model.Order, error)
	Account(userID string) (model.Account, error)
	Liquidations(ctx context.Context, userID string) ([]model.LiquidationEvent, error)
	Prices() []model.MarketPrice
	UpdatePrice(ctx context.Context, symbol string, bid, ask decimal.Decimal) (model.MarketPrice, error)
	UpdatePriceFromTrade(ctx context.Context, symbol string, price, spread decimal.Decimal) (model.MarketPrice, error)
	Stats() engine.Stats
	Config() *config.Risk
	ReplaceConfig(r *config.Risk) error
}

// Dispatcher routes commands to the engine.
type Dispatcher struct {
	engine Engine
}

// NewDispatcher creates a dispatcher for e.
func NewDispatcher(e Engine) *Dispatcher {
	return &Dispatcher{engine: e}
}

// Dispatch runs req and wraps the outcome in a Response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	data, err := d.Execute(ctx, req.Action, req.Data)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Data: data}
}

// Execute runs one action and returns its result.
func (d *Dispatcher) Execute(ctx context.Context, action string, data json.RawMessage) (any, error) {
	switch action {
	case ActionPlaceOrder:
		var in PlaceOrderData
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return d.engine.PlaceOrder(ctx, in.OrderRequest())

	case ActionClosePosition:
		var in struct {
			PositionID string `json:"position_id"`
			UserID     string `json:"user_id"`
		}
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return d.engine.ClosePosition(ctx, in.PositionID, in.UserID)

	case ActionCreateUser:
		var in struct {
			UserID   string           `json:"user_id"`
			Username string           `json:"username"`
			Balance  *decimal.Decimal `json:"balance"`
		}
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		return d.engine.CreateUser(ctx, in.UserID, in.Username, in.Balance)

	case ActionGetPositions:
		userID, err := userOf(data)
		if err != nil {
			return nil, err
		}
		positions, sum, err := d.engine.Positions(userID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"positions": positions, "summary": sum}, nil

	case ActionGetOrders:
		userID, err := userOf(data)
		if err != nil {
			return nil, err
		}
		return d.engine.Orders(userID)

	case ActionGetAccount:
		userID, err := userOf(data)
		if err != nil {
			return nil, err
		}
		return d.engine.Account(userID)

	case ActionGetLiquidations:
		// No data or no user_id lists every liquidation.
		var in struct {
			UserID string `json:"user_id"`
		}
		if len(data) > 0 {
			if err := decode(data, &in); err != nil {
				return nil, err
			}
		}
		return d.engine.Liquidations(ctx, in.UserID)

	case ActionGetPrices:
		return d.engine.Prices(), nil

	case ActionGetStats:
		return d.engine.Stats(), nil

	case ActionGetConfig:
		return d.engine.Config(), nil

	case ActionUpdateConfig:
		// data is a whole config; absent keys take defaults, not current values.
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: missing data", ErrInvalidData)
		}
		next, err := config.Parse(data)
		if err != nil {
			return nil, err
		}
		if err := d.engine.ReplaceConfig(next); err != nil {
			return nil, err
		}
		return next, nil

	case ActionUpdatePrice:
		var in PriceData
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		if in.Price.IsPositive() {
			return d.engine.UpdatePriceFromTrade(ctx, in.Symbol, in.Price, in.Spread)
		}
		return d.engine.UpdatePrice(ctx, in.Symbol, in.Bid, in.Ask)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// PlaceOrderData is the payload of place_order. Side accepts buy/sell and
// the long/short aliases.
type PlaceOrderData struct {
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Margin     decimal.Decimal `json:"margin"`
	Leverage   decimal.Decimal `json:"leverage"`
	Type       string          `json:"type"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// OrderRequest normalizes the payload into a trade request.
func (p PlaceOrderData) OrderRequest() trade.OrderRequest {
	side := strings.ToLower(p.Side)
	switch side {
	case model.SideLong:
		side = model.SideBuy
	case model.SideShort:
		side = model.SideSell
	}
	return trade.OrderRequest{
		UserID:     p.UserID,
		Symbol:     p.Symbol,
		Side:       side,
		Margin:     p.Margin,
		Leverage:   p.Leverage,
		Type:       strings.ToLower(p.Type),
		LimitPrice: p.LimitPrice,
	}
}

// PriceData is the payload of update_price: either a bid/ask quote or a
// trade price with an optional spread.
type PriceData struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Price  decimal.Decimal `json:"price"`
	Spread decimal.Decimal `json:"spread"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidData)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

func userOf(data json.RawMessage) (string, error) {
	var in struct {
		UserID string `json:"user_id"`
	}
	if err := decode(data, &in); err != nil {
		return "", err
	}
	if in.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidData)
	}
	return in.UserID, nil
}
