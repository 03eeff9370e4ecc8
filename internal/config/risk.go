package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig is returned when a risk config fails validation.
var ErrInvalidConfig = errors.New("config: invalid risk config")

// Tiers are the margin-ratio thresholds, most severe last.
type Tiers struct {
	Warning     decimal.Decimal `json:"warning"`
	MarginCall  decimal.Decimal `json:"margin_call"`
	Liquidation decimal.Decimal `json:"liquidation"`
	Emergency   decimal.Decimal `json:"emergency"`
}

// Risk is an immutable snapshot of the engine's risk parameters. A new
// value is swapped in wholesale through Holder; never mutate a Risk that
// has been published.
type Risk struct {
	MaxLeverage          map[string]decimal.Decimal `json:"max_leverage"`
	MaxPositionSizes     map[string]decimal.Decimal `json:"max_position_sizes,omitempty"`
	DefaultMaxLeverage   decimal.Decimal            `json:"default_max_leverage"`
	MarginCallRatio      decimal.Decimal            `json:"margin_call_ratio"`
	LiquidationFee       decimal.Decimal            `json:"liquidation_fee"`
	PriceBuffer          decimal.Decimal            `json:"price_buffer"`
	MaxPositionSize      decimal.Decimal            `json:"max_position_size"`
	MaxPositionsPerUser  int                        `json:"max_positions_per_user"`
	Tiers                Tiers                      `json:"tiers"`
	FastMarketMultiplier decimal.Decimal            `json:"fast_market_multiplier"`
	FastMarketVolatility decimal.Decimal            `json:"fast_market_volatility"`
	PartialRatio         decimal.Decimal            `json:"partial_liquidation_ratio"`
	PartialMinSize       decimal.Decimal            `json:"partial_liquidation_min_size"`
	StartingBalance      decimal.Decimal            `json:"default_starting_balance"`
}

// Default returns the built-in risk parameters.
func Default() *Risk {
	return &Risk{
		MaxLeverage: map[string]decimal.Decimal{
			"BTCUSDT": decimal.NewFromInt(100),
			"ETHUSDT": decimal.NewFromInt(50),
			"btc":     decimal.NewFromInt(100),
		},
		DefaultMaxLeverage:  decimal.NewFromInt(1),
		MarginCallRatio:     decimal.RequireFromString("0.1"),
		LiquidationFee:      decimal.RequireFromString("0.005"),
		PriceBuffer:         decimal.RequireFromString("0.005"),
		MaxPositionSize:     decimal.NewFromInt(100000),
		MaxPositionsPerUser: 10,
		Tiers: Tiers{
			Warning:     decimal.RequireFromString("0.30"),
			MarginCall:  decimal.RequireFromString("0.20"),
			Liquidation: decimal.RequireFromString("0.10"),
			Emergency:   decimal.RequireFromString("0.05"),
		},
		FastMarketMultiplier: decimal.NewFromInt(2),
		FastMarketVolatility: decimal.RequireFromString("1.5"),
		PartialRatio:         decimal.RequireFromString("0.5"),
		PartialMinSize:       decimal.NewFromInt(50000),
		StartingBalance:      decimal.NewFromInt(10000),
	}
}

// LeverageCap returns the maximum leverage allowed on symbol.
func (r *Risk) LeverageCap(symbol string) decimal.Decimal {
	if v, ok := r.MaxLeverage[symbol]; ok {
		return v
	}
	return r.DefaultMaxLeverage
}

// SizeCap returns the maximum position size allowed on symbol.
func (r *Risk) SizeCap(symbol string) decimal.Decimal {
	if v, ok := r.MaxPositionSizes[symbol]; ok {
		return v
	}
	return r.MaxPositionSize
}

// Validate checks that thresholds are ordered and ratios are in range.
func (r *Risk) Validate() error {
	one := decimal.NewFromInt(1)
	t := r.Tiers
	switch {
	case !t.Emergency.IsPositive():
		return fmt.Errorf("%w: emergency threshold must be positive", ErrInvalidConfig)
	case !t.Emergency.LessThan(t.Liquidation),
		!t.Liquidation.LessThan(t.MarginCall),
		!t.MarginCall.LessThan(t.Warning):
		return fmt.Errorf("%w: tiers must satisfy emergency < liquidation < margin_call < warning", ErrInvalidConfig)
	case r.MarginCallRatio.IsNegative() || r.MarginCallRatio.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: margin_call_ratio must be in [0,1)", ErrInvalidConfig)
	case r.LiquidationFee.IsNegative() || r.LiquidationFee.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: liquidation_fee must be in [0,1)", ErrInvalidConfig)
	case r.PriceBuffer.IsNegative():
		return fmt.Errorf("%w: price_buffer must be non-negative", ErrInvalidConfig)
	case !r.PartialRatio.IsPositive() || r.PartialRatio.GreaterThanOrEqual(one):
		return fmt.Errorf("%w: partial_liquidation_ratio must be in (0,1)", ErrInvalidConfig)
	case !r.MaxPositionSize.IsPositive():
		return fmt.Errorf("%w: max_position_size must be positive", ErrInvalidConfig)
	case r.FastMarketMultiplier.LessThan(one):
		return fmt.Errorf("%w: fast_market_multiplier must be >= 1", ErrInvalidConfig)
	case r.MaxPositionsPerUser < 0:
		return fmt.Errorf("%w: max_positions_per_user must be non-negative", ErrInvalidConfig)
	}
	if !r.DefaultMaxLeverage.IsPositive() {
		return fmt.Errorf("%w: default_max_leverage must be positive", ErrInvalidConfig)
	}
	for sym, lev := range r.MaxLeverage {
		if !lev.IsPositive() {
			return fmt.Errorf("%w: max_leverage[%s] must be positive", ErrInvalidConfig, sym)
		}
	}
	return nil
}

// Parse decodes a complete risk document. Keys absent from data take the
// built-in defaults, never the values of a previously active config, and a
// per-symbol map present in data replaces the default map as a whole. The
// result is validated.
func Parse(data []byte) (*Risk, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	r := Default()
	if _, ok := keys["max_leverage"]; ok {
		r.MaxLeverage = nil
	}
	if _, ok := keys["max_position_sizes"]; ok {
		r.MaxPositionSizes = nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile reads and parses a JSON risk config file.
func LoadFile(path string) (*Risk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk config: %w", err)
	}
	return Parse(data)
}

// Holder publishes the current risk config. Readers take one snapshot per
// evaluation and never observe a partially updated config.
type Holder struct {
	v atomic.Pointer[Risk]
}

// NewHolder creates a holder seeded with r.
func NewHolder(r *Risk) *Holder {
	h := &Holder{}
	h.v.Store(r)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Risk {
	return h.v.Load()
}

// Replace validates r and swaps it in as a whole.
func (h *Holder) Replace(r *Risk) error {
	if r == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	h.v.Store(r)
	return nil
}
