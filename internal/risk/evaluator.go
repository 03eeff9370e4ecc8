// Package risk re-marks open positions on every price update, classifies
// them into risk tiers and hands breaching positions to the liquidation
// processor.
package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/notify"
)

var one = decimal.NewFromInt(1)

// Classify returns the first tier whose threshold ratio is at or below.
func Classify(ratio decimal.Decimal, t config.Tiers) string {
	switch {
	case ratio.LessThanOrEqual(t.Emergency):
		return model.TierEmergency
	case ratio.LessThanOrEqual(t.Liquidation):
		return model.TierLiquidation
	case ratio.LessThanOrEqual(t.MarginCall):
		return model.TierMarginCall
	case ratio.LessThanOrEqual(t.Warning):
		return model.TierWarning
	default:
		return model.TierHealthy
	}
}

// BufferedLiquidationPrice widens a position's liquidation price by the
// configured buffer, doubled (by FastMarketMultiplier) in a fast market, so
// the price check fires before the raw liquidation price is reached.
func BufferedLiquidationPrice(p *model.Position, volatility decimal.Decimal, r *config.Risk) decimal.Decimal {
	buf := r.PriceBuffer
	if volatility.GreaterThan(r.FastMarketVolatility) {
		buf = buf.Mul(r.FastMarketMultiplier)
	}
	if p.Side == model.SideLong {
		return p.LiquidationPrice.Mul(one.Add(buf))
	}
	return p.LiquidationPrice.Mul(one.Sub(buf))
}

type action int

const (
	actNone action = iota
	actWarn
	actMarginCall
	actEnqueue
	actEmergency
)

// Evaluator applies the tier policy to open positions.
type Evaluator struct {
	cfg      *config.Holder
	prices   *market.Table
	book     *book.Book
	proc     *liquidation.Processor
	notifier notify.Notifier
	now      func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg *config.Holder, prices *market.Table, b *book.Book, proc *liquidation.Processor, n notify.Notifier) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		prices:   prices,
		book:     b,
		proc:     proc,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnPrice evaluates every open position in mp's symbol.
func (ev *Evaluator) OnPrice(ctx context.Context, mp model.MarketPrice) {
	start := time.Now()
	r := ev.cfg.Load()
	for _, e := range ev.book.OpenBySymbol(mp.Symbol) {
		ev.evaluate(ctx, e, mp, r)
	}
	metrics.EvaluationDuration.WithLabelValues("price").Observe(time.Since(start).Seconds())
}

// Sweep evaluates every open position against the latest table prices.
// Symbols with no price yet are skipped.
func (ev *Evaluator) Sweep(ctx context.Context) {
	start := time.Now()
	r := ev.cfg.Load()
	for symbol, entries := range ev.book.Open() {
		if ctx.Err() != nil {
			return
		}
		mp, err := ev.prices.Get(symbol)
		if err != nil {
			continue
		}
		for _, e := range entries {
			ev.evaluate(ctx, e, mp, r)
		}
	}
	metrics.EvaluationDuration.WithLabelValues("sweep").Observe(time.Since(start).Seconds())
}

// Run sweeps every interval until ctx is cancelled.
func (ev *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev.Sweep(ctx)
		}
	}
}

// evaluate marks one position at the table's current quote for its symbol
// (mp when the table has none) and applies the tier policy. Notification
// flags are updated under the position lock; notifications and queueing
// happen after it is released.
func (ev *Evaluator) evaluate(ctx context.Context, e *book.Entry, mp model.MarketPrice, r *config.Risk) {
	var (
		act       action
		priceHit  bool
		threshold decimal.Decimal
		snap      model.Position
	)

	e.Update(func(p *model.Position, n *book.Notices) error {
		if !p.IsOpen() {
			return nil
		}
		// Concurrent ticks may evaluate out of order; the table holds the
		// latest applied quote.
		if cur, err := ev.prices.Get(p.Symbol); err == nil {
			mp = cur
		}
		p.Mark(mp.Mid)

		// Recovery above a threshold re-arms its notice.
		if p.MarginRatio.GreaterThan(r.Tiers.Warning) {
			n.Warned = false
		}
		if p.MarginRatio.GreaterThan(r.Tiers.MarginCall) {
			n.MarginCalled = false
		}

		switch Classify(p.MarginRatio, r.Tiers) {
		case model.TierEmergency:
			act = actEmergency
		case model.TierLiquidation:
			act = actEnqueue
		case model.TierMarginCall:
			if !n.MarginCalled {
				n.MarginCalled = true
				act = actMarginCall
			}
		case model.TierWarning:
			if !n.Warned {
				n.Warned = true
				act = actWarn
			}
		}

		if act != actEmergency && act != actEnqueue {
			threshold = BufferedLiquidationPrice(p, mp.Volatility, r)
			priceHit = liquidation.Crossed(p, threshold)
		}
		snap = *p
		return nil
	})
	if snap.ID == "" {
		return
	}

	switch act {
	case actWarn:
		ev.notify(model.TierWarning, snap)
	case actMarginCall:
		ev.notify(model.TierMarginCall, snap)
	case actEmergency:
		ev.notify(model.TierLiquidation, snap)
		slog.Warn("emergency liquidation", "position", snap.ID, "user", snap.UserID, "margin_ratio", snap.MarginRatio.StringFixed(4))
		ev.proc.Emergency(ctx, e)
		return
	case actEnqueue:
		ev.enqueue(liquidation.Item{Entry: e, MarginRatio: snap.MarginRatio, Trigger: liquidation.TriggerMargin}, snap)
		return
	}

	if priceHit {
		slog.Warn("liquidation price crossed",
			"position", snap.ID,
			"price", snap.CurrentPrice.String(),
			"threshold", threshold.StringFixed(2),
			"volatility", mp.Volatility.StringFixed(2),
		)
		ev.enqueue(liquidation.Item{Entry: e, MarginRatio: snap.MarginRatio, Trigger: liquidation.TriggerPrice, Threshold: threshold}, snap)
	}
}

func (ev *Evaluator) enqueue(it liquidation.Item, snap model.Position) {
	if ev.proc.Enqueue(it) {
		ev.notify(model.TierLiquidation, snap)
	}
}

func (ev *Evaluator) notify(tier string, p model.Position) {
	if ev.notifier == nil {
		return
	}
	ev.notifier.RiskEvent(model.RiskEvent{
		Type:             notify.MessageType(tier),
		PositionID:       p.ID,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		MarginRatio:      p.MarginRatio,
		CurrentPrice:     p.CurrentPrice,
		LiquidationPrice: p.LiquidationPrice,
		UnrealizedPnL:    p.UnrealizedPnL,
		Timestamp:        ev.now(),
	})
}

// Counts reports how many open positions currently hold an active warning
// or margin-call notice.
func (ev *Evaluator) Counts() (warnings, marginCalls int) {
	for _, entries := range ev.book.Open() {
		for _, e := range entries {
			n := e.Notices()
			if n.Warned {
				warnings++
			}
			if n.MarginCalled {
				marginCalls++
			}
		}
	}
	return warnings, marginCalls
}
