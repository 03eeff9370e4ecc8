// Package engine wires the ledger, price table, order execution, risk
// evaluation and liquidation into one owned object. Every entry point of
// the service (HTTP, Redis command bus, price feeds) goes through Engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/ledger"
	"github.com/atmx/margin-engine/internal/liquidation"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/notify"
	"github.com/atmx/margin-engine/internal/risk"
	"github.com/atmx/margin-engine/internal/store"
	"github.com/atmx/margin-engine/internal/trade"
)

// DefaultTradeSpread is the spread applied by UpdatePriceFromTrade when the
// caller gives none.
var DefaultTradeSpread = decimal.NewFromInt(100)

// Options configures New. Zero values pick the defaults.
type Options struct {
	Risk          *config.Risk
	Store         store.Store
	Notifier      notify.Notifier
	SweepInterval time.Duration
	DrainPace     time.Duration
}

// Stats is a point-in-time view of the risk subsystem.
type Stats struct {
	ActiveWarnings    int          `json:"active_warnings"`
	ActiveMarginCalls int          `json:"active_margin_calls"`
	QueueLength       int          `json:"liquidation_queue_length"`
	Draining          bool         `json:"processing_liquidations"`
	OpenPositions     int          `json:"open_positions"`
	Liquidations      int          `json:"total_liquidations"`
	Config            *config.Risk `json:"config"`
}

// PositionSummary aggregates a user's open positions.
type PositionSummary struct {
	TotalPositions     int             `json:"total_positions"`
	OpenPositions      int             `json:"open_positions"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalMarginUsed    decimal.Decimal `json:"total_margin_used"`
}

// Engine is the margin trading core.
type Engine struct {
	cfg       *config.Holder
	ledger    *ledger.Ledger
	prices    *market.Table
	book      *book.Book
	store     store.Store
	trades    *trade.Service
	processor *liquidation.Processor
	evaluator *risk.Evaluator

	sweep time.Duration

	// usersMu serializes user creation with its persistence.
	usersMu sync.Mutex
}

// New builds an engine.
func New(opts Options) *Engine {
	r := opts.Risk
	if r == nil {
		r = config.Default()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}

	holder := config.NewHolder(r)
	l := ledger.New()
	prices := market.NewTable()
	b := book.New()
	proc := liquidation.NewProcessor(holder, l, b, opts.Store, opts.Notifier, opts.DrainPace)

	return &Engine{
		cfg:       holder,
		ledger:    l,
		prices:    prices,
		book:      b,
		store:     opts.Store,
		trades:    trade.NewService(holder, l, prices, b, opts.Store),
		processor: proc,
		evaluator: risk.NewEvaluator(holder, prices, b, proc, opts.Notifier),
		sweep:     opts.SweepInterval,
	}
}

// Run starts the periodic risk sweep and the liquidation drain loop and
// blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.evaluator.Run(ctx, e.sweep)
	}()
	go func() {
		defer wg.Done()
		e.processor.Run(ctx)
	}()
	slog.Info("engine running", "sweep_interval", e.sweep.String())
	wg.Wait()
}

// CreateUser registers a user. An empty id gets a generated one; a nil
// balance gets the configured starting balance.
func (e *Engine) CreateUser(ctx context.Context, id, username string, balance *decimal.Decimal) (model.User, error) {
	if id == "" {
		id = uuid.New().String()
	}
	start := e.cfg.Load().StartingBalance
	if balance != nil {
		start = *balance
	}

	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	u, err := e.ledger.CreateUser(id, username, start)
	if err != nil {
		return model.User{}, err
	}
	slog.Info("user created", "user", u.ID, "username", u.Username, "balance", start.String())
	if err := e.store.SaveUser(ctx, &u); err != nil {
		slog.Error("persist failed", "kind", "user", "err", err)
	}
	return u, nil
}

// PlaceOrder opens a position.
func (e *Engine) PlaceOrder(ctx context.Context, req trade.OrderRequest) (*trade.Fill, error) {
	return e.trades.PlaceOrder(ctx, req)
}

// ClosePosition closes a position owned by userID.
func (e *Engine) ClosePosition(ctx context.Context, positionID, userID string) (model.Position, error) {
	return e.trades.ClosePosition(ctx, positionID, userID)
}

// Positions returns every position of userID, newest first, with a summary
// of the open ones.
func (e *Engine) Positions(userID string) ([]model.Position, PositionSummary, error) {
	if _, err := e.ledger.Get(userID); err != nil {
		return nil, PositionSummary{}, err
	}
	positions := e.book.Positions(userID)
	sum := PositionSummary{TotalPositions: len(positions)}
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		sum.OpenPositions++
		sum.TotalUnrealizedPnL = sum.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
		sum.TotalMarginUsed = sum.TotalMarginUsed.Add(p.Margin)
	}
	return positions, sum, nil
}

// Orders returns every order of userID, newest first.
func (e *Engine) Orders(userID string) ([]model.Order, error) {
	if _, err := e.ledger.Get(userID); err != nil {
		return nil, err
	}
	return e.book.Orders(userID), nil
}

// Account returns a user's balance with the mark-to-market equity of their
// open positions.
func (e *Engine) Account(userID string) (model.Account, error) {
	u, err := e.ledger.Get(userID)
	if err != nil {
		return model.Account{}, err
	}
	acct := model.Account{User: u}
	for _, p := range e.book.Positions(userID) {
		if !p.IsOpen() {
			continue
		}
		acct.OpenPositions++
		acct.TotalUnrealizedPnL = acct.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
		acct.TotalMarginUsed = acct.TotalMarginUsed.Add(p.Margin)
	}
	acct.Equity = u.Balance.Total.Add(acct.TotalUnrealizedPnL)
	return acct, nil
}

// UpdatePrice replaces the quote for symbol and evaluates the symbol's open
// positions against it.
func (e *Engine) UpdatePrice(ctx context.Context, symbol string, bid, ask decimal.Decimal) (model.MarketPrice, error) {
	mp, err := e.prices.Update(symbol, bid, ask)
	if err != nil {
		return model.MarketPrice{}, err
	}
	metrics.PriceUpdates.WithLabelValues(symbol).Inc()
	e.evaluator.OnPrice(ctx, mp)
	return mp, nil
}

// UpdatePriceFromTrade derives a quote from a trade price. A zero spread
// uses DefaultTradeSpread.
func (e *Engine) UpdatePriceFromTrade(ctx context.Context, symbol string, price, spread decimal.Decimal) (model.MarketPrice, error) {
	if spread.IsZero() {
		spread = DefaultTradeSpread
	}
	if !price.IsPositive() || spread.IsNegative() || spread.Div(decimal.NewFromInt(2)).GreaterThanOrEqual(price) {
		return model.MarketPrice{}, fmt.Errorf("%w: %s price=%s spread=%s", market.ErrInvalidQuote, symbol, price, spread)
	}
	mp, err := e.prices.UpdateFromTrade(symbol, price, spread)
	if err != nil {
		return model.MarketPrice{}, err
	}
	metrics.PriceUpdates.WithLabelValues(symbol).Inc()
	e.evaluator.OnPrice(ctx, mp)
	return mp, nil
}

// Price returns the latest quote for symbol.
func (e *Engine) Price(symbol string) (model.MarketPrice, error) {
	return e.prices.Get(symbol)
}

// Prices returns every quote, sorted by symbol.
func (e *Engine) Prices() []model.MarketPrice {
	return e.prices.All()
}

// Liquidations returns liquidation history, for one user or, with userID "",
// for everyone. The store is authoritative; the in-memory log is used when
// the store cannot answer.
func (e *Engine) Liquidations(ctx context.Context, userID string) ([]model.LiquidationEvent, error) {
	var (
		events []model.LiquidationEvent
		err    error
	)
	if userID == "" {
		events, err = e.store.ListLiquidations(ctx)
	} else {
		if _, uerr := e.ledger.Get(userID); uerr != nil {
			return nil, uerr
		}
		events, err = e.store.GetLiquidationsByUser(ctx, userID)
	}
	if err != nil {
		slog.Warn("liquidation history from store failed, using in-memory log", "err", err)
		return e.processor.Events(userID), nil
	}
	return events, nil
}

// Stats reports the current state of the risk subsystem.
func (e *Engine) Stats() Stats {
	warnings, calls := e.evaluator.Counts()
	open := 0
	for _, entries := range e.book.Open() {
		open += len(entries)
	}
	return Stats{
		ActiveWarnings:    warnings,
		ActiveMarginCalls: calls,
		QueueLength:       e.processor.QueueLen(),
		Draining:          e.processor.Draining(),
		OpenPositions:     open,
		Liquidations:      len(e.processor.Events("")),
		Config:            e.cfg.Load(),
	}
}

// Config returns the active risk parameters.
func (e *Engine) Config() *config.Risk {
	return e.cfg.Load()
}

// ReplaceConfig validates r and swaps it in. Evaluations already in flight
// finish with the parameters they started with.
func (e *Engine) ReplaceConfig(r *config.Risk) error {
	if err := e.cfg.Replace(r); err != nil {
		return err
	}
	slog.Info("risk config replaced",
		"liquidation_tier", r.Tiers.Liquidation.String(),
		"emergency_tier", r.Tiers.Emergency.String(),
		"liquidation_fee", r.LiquidationFee.String(),
	)
	return nil
}

// DrainLiquidations runs one drain of the liquidation queue synchronously.
func (e *Engine) DrainLiquidations(ctx context.Context) int {
	return e.processor.Drain(ctx)
}

// Sweep runs one full risk evaluation synchronously.
func (e *Engine) Sweep(ctx context.Context) {
	e.evaluator.Sweep(ctx)
}
