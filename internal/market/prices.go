// Package market holds the latest quote per symbol.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

var (
	ErrPriceUnavailable = errors.New("market: price unavailable")
	ErrInvalidQuote     = errors.New("market: invalid quote")
)

var (
	two = decimal.NewFromInt(2)
	one = decimal.NewFromInt(1)

	// volAlpha is the EWMA weight of the newest absolute return.
	volAlpha = decimal.RequireFromString("0.1")
)

type entry struct {
	price  model.MarketPrice
	avgRet decimal.Decimal // EWMA of absolute mid returns
}

// Table is the market price table. Update is O(1) and never waits on
// anything but the table lock.
type Table struct {
	mu     sync.RWMutex
	prices map[string]*entry
	now    func() time.Time
}

// NewTable creates an empty price table.
func NewTable() *Table {
	return &Table{
		prices: make(map[string]*entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Update replaces the quote for symbol wholesale and returns the new snapshot.
//
// Volatility is the latest absolute mid return relative to its running
// average, so 1.0 is a normal tick and a gap several times the usual move
// reads well above 1.
func (t *Table) Update(symbol string, bid, ask decimal.Decimal) (model.MarketPrice, error) {
	if symbol == "" {
		return model.MarketPrice{}, fmt.Errorf("%w: empty symbol", ErrInvalidQuote)
	}
	if !bid.IsPositive() || !ask.IsPositive() || ask.LessThan(bid) {
		return model.MarketPrice{}, fmt.Errorf("%w: %s bid=%s ask=%s", ErrInvalidQuote, symbol, bid, ask)
	}

	mp := model.MarketPrice{
		Symbol:     symbol,
		Bid:        bid,
		Ask:        ask,
		Mid:        bid.Add(ask).Div(two),
		Spread:     ask.Sub(bid),
		Volatility: one,
		Timestamp:  t.now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.prices[symbol]
	if !ok {
		t.prices[symbol] = &entry{price: mp}
		return mp, nil
	}

	prev := e.price.Mid
	ret := mp.Mid.Sub(prev).Abs().Div(prev)
	switch {
	case e.avgRet.IsZero() && ret.IsZero():
	case e.avgRet.IsZero():
		e.avgRet = ret
	default:
		mp.Volatility = ret.Div(e.avgRet)
		e.avgRet = volAlpha.Mul(ret).Add(one.Sub(volAlpha).Mul(e.avgRet))
	}
	e.price = mp
	return mp, nil
}

// UpdateFromTrade derives a quote from a last-trade price and a spread.
func (t *Table) UpdateFromTrade(symbol string, price, spread decimal.Decimal) (model.MarketPrice, error) {
	half := spread.Div(two)
	return t.Update(symbol, price.Sub(half), price.Add(half))
}

// Get returns the latest quote for symbol.
func (t *Table) Get(symbol string) (model.MarketPrice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.prices[symbol]
	if !ok {
		return model.MarketPrice{}, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return e.price, nil
}

// All returns every quote, ordered by symbol.
func (t *Table) All() []model.MarketPrice {
	t.mu.RLock()
	out := make([]model.MarketPrice, 0, len(t.prices))
	for _, e := range t.prices {
		out = append(out, e.price)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
