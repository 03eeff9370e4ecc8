// Package trade executes margin orders and user-initiated closes.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/ledger"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

var (
	ErrInvalidSymbol        = errors.New("trade: invalid symbol")
	ErrInvalidSide          = errors.New("trade: side must be buy or sell")
	ErrInvalidOrderType     = errors.New("trade: type must be market or limit")
	ErrInvalidAmount        = errors.New("trade: margin and leverage must be positive")
	ErrLeverageExceeded     = errors.New("trade: leverage exceeded")
	ErrPositionSizeExceeded = errors.New("trade: position size exceeded")
	ErrTooManyPositions     = errors.New("trade: too many open positions")
	ErrUnauthorized         = errors.New("trade: unauthorized")
	ErrPositionNotOpen      = errors.New("trade: position not open")
)

var one = decimal.NewFromInt(1)

// OrderRequest is the input to PlaceOrder.
type OrderRequest struct {
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // "buy" or "sell"
	Margin     decimal.Decimal `json:"margin"`
	Leverage   decimal.Decimal `json:"leverage"`
	Type       string          `json:"type,omitempty"` // defaults to market
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
}

// Fill is the result of a successful PlaceOrder.
type Fill struct {
	Order    model.Order    `json:"order"`
	Position model.Position `json:"position"`
}

// Service validates and fills orders and closes positions.
type Service struct {
	cfg    *config.Holder
	ledger *ledger.Ledger
	prices *market.Table
	book   *book.Book
	store  store.Store
	now    func() time.Time

	mu    sync.Mutex
	admit map[string]*sync.Mutex
}

// NewService creates a trade service.
func NewService(cfg *config.Holder, l *ledger.Ledger, prices *market.Table, b *book.Book, st store.Store) *Service {
	return &Service{
		cfg:    cfg,
		ledger: l,
		prices: prices,
		book:   b,
		store:  st,
		now:    func() time.Time { return time.Now().UTC() },
		admit:  make(map[string]*sync.Mutex),
	}
}

// LiquidationPrice returns the price at which a new position is force-closed.
// The buffer combines the margin-call cushion and the liquidation fee so the
// proceeds of a forced close still cover the fee.
func LiquidationPrice(entry, leverage decimal.Decimal, side string, r *config.Risk) decimal.Decimal {
	safety := one.Div(leverage).Mul(one.Sub(r.MarginCallRatio))
	buffer := safety.Add(r.LiquidationFee)
	if side == model.SideBuy {
		return entry.Mul(one.Sub(buffer))
	}
	return entry.Mul(one.Add(buffer))
}

// PlaceOrder validates req, reserves margin and opens exactly one position
// filled against the latest price snapshot.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	start := time.Now()
	fill, err := s.placeOrder(ctx, req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
		slog.Info("order rejected", "user", req.UserID, "symbol", req.Symbol, "side", req.Side, "err", err)
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(req.Side).Inc()
	metrics.OrderLatency.WithLabelValues(req.Side).Observe(time.Since(start).Seconds())
	metrics.OpenPositions.Inc()
	return fill, nil
}

func (s *Service) placeOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	if req.Type == "" {
		req.Type = model.OrderMarket
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	// One config snapshot for the whole order.
	r := s.cfg.Load()

	// Unknown users never get an admission lock.
	if _, err := s.ledger.Get(req.UserID); err != nil {
		return nil, err
	}

	fill, user, err := s.open(req, r)
	if err != nil {
		return nil, err
	}
	order, pos := fill.Order, fill.Position

	slog.Info("order filled",
		"order", order.ID,
		"position", pos.ID,
		"user", req.UserID,
		"symbol", req.Symbol,
		"side", req.Side,
		"margin", req.Margin.String(),
		"leverage", req.Leverage.String(),
		"size", pos.PositionSize.String(),
		"entry", pos.EntryPrice.String(),
		"liquidation_price", pos.LiquidationPrice.StringFixed(2),
	)

	s.persist(ctx, "order", func(ctx context.Context) error { return s.store.SaveOrder(ctx, &order) })
	s.persist(ctx, "position", func(ctx context.Context) error { return s.store.SavePosition(ctx, &pos) })
	s.persist(ctx, "user", func(ctx context.Context) error { return s.store.SaveUser(ctx, &user) })

	return fill, nil
}

// open checks the user's limits, reserves margin and books the order and
// its position. Admission is serialized per user so the open-position limit
// holds under concurrent orders.
func (s *Service) open(req OrderRequest, r *config.Risk) (*Fill, model.User, error) {
	lk := s.userLock(req.UserID)
	lk.Lock()
	defer lk.Unlock()

	user, err := s.ledger.Get(req.UserID)
	if err != nil {
		return nil, model.User{}, err
	}
	if r.MaxPositionsPerUser > 0 && s.book.OpenCount(req.UserID) >= r.MaxPositionsPerUser {
		return nil, model.User{}, fmt.Errorf("%w: limit is %d", ErrTooManyPositions, r.MaxPositionsPerUser)
	}
	if maxLev := r.LeverageCap(req.Symbol); req.Leverage.GreaterThan(maxLev) {
		return nil, model.User{}, fmt.Errorf("%w: max leverage for %s is %sx", ErrLeverageExceeded, req.Symbol, maxLev)
	}
	if user.Balance.Available.LessThan(req.Margin) {
		return nil, model.User{}, fmt.Errorf("%w: available %s, required %s", ledger.ErrInsufficientBalance, user.Balance.Available, req.Margin)
	}
	size := req.Margin.Mul(req.Leverage)
	if maxSize := r.SizeCap(req.Symbol); size.GreaterThan(maxSize) {
		return nil, model.User{}, fmt.Errorf("%w: %s exceeds max %s", ErrPositionSizeExceeded, size, maxSize)
	}
	quote, err := s.prices.Get(req.Symbol)
	if err != nil {
		return nil, model.User{}, err
	}

	entry := quote.Bid
	side := model.SideShort
	if req.Side == model.SideBuy {
		entry = quote.Ask
		side = model.SideLong
	}
	quantity := size.Div(entry)
	liqPrice := LiquidationPrice(entry, req.Leverage, req.Side, r)

	// The balance check above is advisory; Reserve is the atomic one.
	user, err = s.ledger.Reserve(req.UserID, req.Margin)
	if err != nil {
		return nil, model.User{}, err
	}

	now := s.now()
	order := model.Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Type:             req.Type,
		Leverage:         req.Leverage,
		Margin:           req.Margin,
		PositionSize:     size,
		Quantity:         quantity,
		EntryPrice:       entry,
		LimitPrice:       req.LimitPrice,
		LiquidationPrice: liqPrice,
		Status:           model.OrderFilled,
		CreatedAt:        now,
		FilledAt:         now,
	}
	pos := model.Position{
		ID:               uuid.New().String(),
		OrderID:          order.ID,
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             side,
		Leverage:         req.Leverage,
		Margin:           req.Margin,
		PositionSize:     size,
		Quantity:         quantity,
		EntryPrice:       entry,
		CurrentPrice:     entry,
		UnrealizedPnL:    decimal.Zero,
		RealizedPnL:      decimal.Zero,
		ROIPercent:       decimal.Zero,
		LiquidationPrice: liqPrice,
		MarginRatio:      one,
		Status:           model.PositionOpen,
		OpenedAt:         now,
	}
	order.PositionID = pos.ID
	s.book.Add(order, pos)
	return &Fill{Order: order, Position: pos}, user, nil
}

func (s *Service) userLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.admit[id]
	if !ok {
		lk = &sync.Mutex{}
		s.admit[id] = lk
	}
	return lk
}

// ClosePosition closes an open position owned by userID at its last marked
// price and returns margin plus P&L to the user's available balance.
func (s *Service) ClosePosition(ctx context.Context, positionID, userID string) (model.Position, error) {
	e, err := s.book.Get(positionID)
	if err != nil {
		return model.Position{}, err
	}

	var closed model.Position
	var user model.User
	err = e.Update(func(p *model.Position, n *book.Notices) error {
		if p.UserID != userID {
			return fmt.Errorf("%w: position %s", ErrUnauthorized, positionID)
		}
		if !p.IsOpen() {
			return fmt.Errorf("%w: position %s is %s", ErrPositionNotOpen, positionID, p.Status)
		}
		pnl := p.UnrealizedPnL
		u, _, err := s.ledger.Release(p.UserID, p.Margin, pnl)
		if err != nil {
			return err
		}
		now := s.now()
		p.Status = model.PositionClosed
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.ClosedAt = &now
		*n = book.Notices{}
		closed, user = *p, u
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}
	s.book.Retire(e)
	metrics.OpenPositions.Dec()

	slog.Info("position closed",
		"position", positionID,
		"user", userID,
		"pnl", closed.RealizedPnL.StringFixed(2),
	)

	s.persist(ctx, "position", func(ctx context.Context) error { return s.store.SavePosition(ctx, &closed) })
	s.persist(ctx, "user", func(ctx context.Context) error { return s.store.SaveUser(ctx, &user) })
	return closed, nil
}

// persist runs a store write after the in-memory transition has committed.
// Failures are logged; the in-memory state stays authoritative.
func (s *Service) persist(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	if s.store == nil {
		return
	}
	if err := fn(ctx); err != nil {
		slog.Error("persist failed", "kind", kind, "err", err)
	}
}

func validate(req OrderRequest) error {
	if req.Symbol == "" {
		return ErrInvalidSymbol
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return fmt.Errorf("%w: %q", ErrInvalidSide, req.Side)
	}
	if req.Type != model.OrderMarket && req.Type != model.OrderLimit {
		return fmt.Errorf("%w: %q", ErrInvalidOrderType, req.Type)
	}
	if !req.Margin.IsPositive() || !req.Leverage.IsPositive() {
		return ErrInvalidAmount
	}
	if req.Type == model.OrderLimit && !req.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit orders need a positive limit_price", ErrInvalidAmount)
	}
	return nil
}

// reason maps an order error to a low-cardinality metric label.
func reason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrLeverageExceeded):
		return "leverage_exceeded"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrPositionSizeExceeded):
		return "position_size_exceeded"
	case errors.Is(err, market.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrTooManyPositions):
		return "too_many_positions"
	default:
		return "invalid_request"
	}
}
