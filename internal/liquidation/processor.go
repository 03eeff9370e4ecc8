// Package liquidation executes forced closes. Queued positions are drained
// by a single loop, worst margin ratio first, one liquidation at a time;
// emergency liquidations bypass the queue but take the same position lock,
// so a position is liquidated at most once.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/ledger"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/notify"
	"github.com/atmx/margin-engine/internal/store"
)

// Outcome is what an execution did.
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomePartial Outcome = "partial"
	OutcomeFull    Outcome = "full"
)

var one = decimal.NewFromInt(1)

// ErrPanicked reports a liquidation that panicked mid-execution.
var ErrPanicked = errors.New("liquidation: panicked")

// Processor owns the liquidation queue and the liquidation event log.
type Processor struct {
	cfg      *config.Holder
	ledger   *ledger.Ledger
	book     *book.Book
	store    store.Store
	notifier notify.Notifier
	queue    *Queue
	pace     time.Duration
	wake     chan struct{}
	now      func() time.Time

	drainMu  sync.Mutex
	draining atomic.Bool

	mu     sync.RWMutex
	events []model.LiquidationEvent
}

// NewProcessor creates a processor. pace is the pause between two queued
// liquidations; zero drains back to back.
func NewProcessor(cfg *config.Holder, l *ledger.Ledger, b *book.Book, st store.Store, n notify.Notifier, pace time.Duration) *Processor {
	return &Processor{
		cfg:      cfg,
		ledger:   l,
		book:     b,
		store:    st,
		notifier: n,
		queue:    NewQueue(),
		pace:     pace,
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a position to the queue and wakes the drain loop. It never
// blocks on a running drain. It reports whether the position was newly queued.
func (p *Processor) Enqueue(it Item) bool {
	added := p.queue.Push(it)
	metrics.LiquidationQueueDepth.Set(float64(p.queue.Len()))
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return added
}

// Emergency liquidates e in full immediately, bypassing the queue.
func (p *Processor) Emergency(ctx context.Context, e *book.Entry) (Outcome, error) {
	p.queue.Remove(e.ID())
	metrics.LiquidationQueueDepth.Set(float64(p.queue.Len()))
	return p.guarded(ctx, Item{Entry: e, Trigger: TriggerMargin}, true)
}

// Run drains the queue whenever it is woken, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.Drain(ctx)
		}
	}
}

// Drain processes queued positions until the queue is empty or ctx is
// cancelled, and returns the number of liquidations executed. Only one
// drain runs at a time.
func (p *Processor) Drain(ctx context.Context) int {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	p.draining.Store(true)
	defer p.draining.Store(false)

	n := 0
	for {
		if ctx.Err() != nil {
			return n
		}
		it := p.queue.Pop()
		metrics.LiquidationQueueDepth.Set(float64(p.queue.Len()))
		if it == nil {
			return n
		}
		if out := p.process(ctx, *it); out != OutcomeSkipped {
			n++
		}
		if p.pace > 0 {
			select {
			case <-ctx.Done():
				return n
			case <-time.After(p.pace):
			}
		}
	}
}

// process runs one queued item. Failures are logged and the drain goes on.
func (p *Processor) process(ctx context.Context, it Item) Outcome {
	out, _ := p.guarded(ctx, it, false)
	return out
}

// guarded runs execute and turns a panic into ErrPanicked.
func (p *Processor) guarded(ctx context.Context, it Item, emergency bool) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LiquidationFailures.Inc()
			slog.Error("liquidation panicked", "position", it.Entry.ID(), "emergency", emergency, "panic", r)
			out, err = OutcomeSkipped, fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return p.execute(ctx, it, emergency)
}

// execute liquidates one position under its lock. A position that is no
// longer open, or no longer breaching, is skipped without error. On any
// failure the position keeps its prior state.
func (p *Processor) execute(ctx context.Context, it Item, emergency bool) (Outcome, error) {
	r := p.cfg.Load()

	var (
		out    = OutcomeSkipped
		after  model.Position
		user   model.User
		event  model.LiquidationEvent
		closed decimal.Decimal
	)

	err := it.Entry.Update(func(pos *model.Position, n *book.Notices) error {
		if !pos.IsOpen() {
			return nil
		}
		if !emergency && !stillBreached(pos, it, r) {
			return nil
		}

		next := *pos
		var err error
		if !emergency && pos.PositionSize.GreaterThan(r.PartialMinSize) && pos.MarginRatio.GreaterThan(r.Tiers.Emergency) {
			user, closed, err = p.partial(&next, r)
			out = OutcomePartial
		} else {
			user, event, err = p.full(&next, r, emergency)
			out = OutcomeFull
		}
		if err != nil {
			out = OutcomeSkipped
			return err
		}

		*pos = next
		*n = book.Notices{}
		after = next
		return nil
	})
	if err != nil {
		metrics.LiquidationFailures.Inc()
		slog.Error("liquidation failed", "position", it.Entry.ID(), "emergency", emergency, "err", err)
		return OutcomeSkipped, err
	}

	switch out {
	case OutcomePartial:
		metrics.Liquidations.WithLabelValues("partial").Inc()
		slog.Warn("partial liquidation",
			"position", after.ID,
			"user", after.UserID,
			"closed_quantity", closed.String(),
			"remaining_size", after.PositionSize.StringFixed(2),
			"margin_ratio", after.MarginRatio.StringFixed(4),
		)
	case OutcomeFull:
		kind := "full"
		if emergency {
			kind = "emergency"
		}
		metrics.Liquidations.WithLabelValues(kind).Inc()
		metrics.OpenPositions.Dec()
		p.book.Retire(it.Entry)
		if o, err := p.book.MarkOrderLiquidated(after.OrderID); err == nil {
			p.persist(ctx, "order", func(ctx context.Context) error { return p.store.SaveOrder(ctx, &o) })
		}

		p.mu.Lock()
		p.events = append(p.events, event)
		p.mu.Unlock()

		slog.Warn("position liquidated",
			"position", after.ID,
			"user", after.UserID,
			"symbol", after.Symbol,
			"price", event.LiquidationPrice.String(),
			"margin_lost", event.MarginLost.StringFixed(2),
			"fee", event.Fee.StringFixed(2),
			"emergency", emergency,
		)
		p.persist(ctx, "liquidation", func(ctx context.Context) error { return p.store.InsertLiquidationEvent(ctx, &event) })
		if p.notifier != nil {
			p.notifier.Liquidation(event)
		}
	default:
		return out, nil
	}

	p.persist(ctx, "position", func(ctx context.Context) error { return p.store.SavePosition(ctx, &after) })
	p.persist(ctx, "user", func(ctx context.Context) error { return p.store.SaveUser(ctx, &user) })
	return out, nil
}

// stillBreached re-validates a queued position against its current state.
func stillBreached(pos *model.Position, it Item, r *config.Risk) bool {
	if pos.MarginRatio.LessThanOrEqual(r.Tiers.Liquidation) {
		return true
	}
	return it.Trigger == TriggerPrice && Crossed(pos, it.Threshold)
}

// Crossed reports whether pos's current price is at or beyond threshold in
// the adverse direction.
func Crossed(pos *model.Position, threshold decimal.Decimal) bool {
	if threshold.IsZero() {
		return false
	}
	if pos.Side == model.SideLong {
		return pos.CurrentPrice.LessThanOrEqual(threshold)
	}
	return pos.CurrentPrice.GreaterThanOrEqual(threshold)
}

// partial closes PartialRatio of pos, realizing proportional P&L less the
// fee on the closed notional. pos stays open.
func (p *Processor) partial(pos *model.Position, r *config.Risk) (model.User, decimal.Decimal, error) {
	ratio := r.PartialRatio
	keep := one.Sub(ratio)

	closedQty := pos.Quantity.Mul(ratio)
	closedMargin := pos.Margin.Mul(ratio)
	pnlPerUnit := pos.CurrentPrice.Sub(pos.EntryPrice).Mul(pos.Direction())
	fee := closedQty.Mul(pos.CurrentPrice).Mul(r.LiquidationFee)
	net := pnlPerUnit.Mul(closedQty).Sub(fee)

	u, credit, err := p.ledger.Release(pos.UserID, closedMargin, net)
	if err != nil {
		return model.User{}, decimal.Zero, fmt.Errorf("partial release: %w", err)
	}

	pos.Quantity = pos.Quantity.Mul(keep)
	pos.PositionSize = pos.PositionSize.Mul(keep)
	pos.Margin = pos.Margin.Mul(keep)
	pos.RealizedPnL = pos.RealizedPnL.Add(credit.Sub(closedMargin))
	pos.Mark(pos.CurrentPrice)
	return u, closedQty, nil
}

// full closes all of pos, charging the fee on the full position size.
func (p *Processor) full(pos *model.Position, r *config.Risk, emergency bool) (model.User, model.LiquidationEvent, error) {
	fee := pos.PositionSize.Mul(r.LiquidationFee)
	net := pos.UnrealizedPnL.Sub(fee)

	u, remaining, err := p.ledger.Release(pos.UserID, pos.Margin, net)
	if err != nil {
		return model.User{}, model.LiquidationEvent{}, fmt.Errorf("full release: %w", err)
	}
	if remaining.IsNegative() {
		return model.User{}, model.LiquidationEvent{}, errors.New("negative remaining margin")
	}

	now := p.now()
	lost := pos.Margin.Sub(remaining)
	pos.Status = model.PositionLiquidated
	pos.RealizedPnL = pos.RealizedPnL.Add(remaining.Sub(pos.Margin))
	pos.ClosedAt = &now

	ev := model.LiquidationEvent{
		PositionID:       pos.ID,
		UserID:           pos.UserID,
		Symbol:           pos.Symbol,
		LiquidationPrice: pos.CurrentPrice,
		MarginLost:       lost,
		Fee:              fee,
		Reason:           model.ReasonMarginCall,
		Emergency:        emergency,
		Timestamp:        now,
	}
	return u, ev, nil
}

func (p *Processor) persist(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	if p.store == nil {
		return
	}
	if err := fn(ctx); err != nil {
		slog.Error("persist failed", "kind", kind, "err", err)
	}
}

// Events returns the liquidation log; userID "" returns every event.
func (p *Processor) Events(userID string) []model.LiquidationEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.LiquidationEvent, 0, len(p.events))
	for _, ev := range p.events {
		if userID == "" || ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out
}

// Queued reports whether a position is waiting in the queue.
func (p *Processor) Queued(id string) bool {
	return p.queue.Contains(id)
}

// QueueLen returns the number of queued positions.
func (p *Processor) QueueLen() int {
	return p.queue.Len()
}

// Draining reports whether a drain is in progress.
func (p *Processor) Draining() bool {
	return p.draining.Load()
}
