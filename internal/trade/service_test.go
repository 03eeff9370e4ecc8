package trade

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/ledger"
	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	svc    *Service
	ledger *ledger.Ledger
	prices *market.Table
	book   *book.Book
	store  *store.MemoryStore
	cfg    *config.Holder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ledger: ledger.New(),
		prices: market.NewTable(),
		book:   book.New(),
		store:  store.NewMemoryStore(),
		cfg:    config.NewHolder(config.Default()),
	}
	e.svc = NewService(e.cfg, e.ledger, e.prices, e.book, e.store)

	_, err := e.ledger.CreateUser("u1", "alice", d(10000))
	require.NoError(t, err)
	_, err = e.prices.Update("BTCUSDT", d(100000), d(100100))
	require.NoError(t, err)
	return e
}

func order(side string, margin, leverage float64) OrderRequest {
	return OrderRequest{UserID: "u1", Symbol: "BTCUSDT", Side: side, Margin: d(margin), Leverage: d(leverage)}
}

func TestLiquidationPrice(t *testing.T) {
	r := config.Default()
	// buffer = (1/10)*(1-0.1) + 0.005 = 0.095
	assert.True(t, LiquidationPrice(d(100000), d(10), model.SideBuy, r).Equal(d(90500)))
	assert.True(t, LiquidationPrice(d(100000), d(10), model.SideSell, r).Equal(d(109500)))
	// buffer = 0.009 + 0.005
	assert.True(t, LiquidationPrice(d(100000), d(100), model.SideBuy, r).Equal(d(98600)))
}

func TestPlaceOrder_OpensPosition(t *testing.T) {
	e := newEnv(t)

	fill, err := e.svc.PlaceOrder(context.Background(), order(model.SideSell, 1000, 10))
	require.NoError(t, err)

	o, p := fill.Order, fill.Position
	assert.Equal(t, model.OrderFilled, o.Status)
	assert.Equal(t, model.OrderMarket, o.Type)
	assert.Equal(t, p.ID, o.PositionID)
	assert.Equal(t, o.ID, p.OrderID)
	assert.Equal(t, model.SideShort, p.Side)
	assert.True(t, p.EntryPrice.Equal(d(100000)), "sells fill at the bid")
	assert.True(t, p.Quantity.Equal(d(0.1)))
	assert.True(t, p.LiquidationPrice.Equal(d(109500)))
	assert.True(t, p.UnrealizedPnL.IsZero())

	u, _ := e.ledger.Get("u1")
	assert.True(t, u.Balance.Available.Equal(d(9000)))
	assert.True(t, u.Balance.MarginReserved.Equal(d(1000)))

	_, ok := e.store.Position(p.ID)
	assert.True(t, ok, "position persisted")
	_, ok = e.store.Order(o.ID)
	assert.True(t, ok, "order persisted")
}

func TestPlaceOrder_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  func(r *OrderRequest)
		want error
	}{
		{"empty symbol", func(r *OrderRequest) { r.Symbol = "" }, ErrInvalidSymbol},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }, ErrInvalidSide},
		{"bad type", func(r *OrderRequest) { r.Type = "stop" }, ErrInvalidOrderType},
		{"zero margin", func(r *OrderRequest) { r.Margin = decimal.Zero }, ErrInvalidAmount},
		{"negative leverage", func(r *OrderRequest) { r.Leverage = d(-2) }, ErrInvalidAmount},
		{"limit without price", func(r *OrderRequest) { r.Type = model.OrderLimit }, ErrInvalidAmount},
		{"unknown user", func(r *OrderRequest) { r.UserID = "ghost" }, ledger.ErrUserNotFound},
		{"leverage cap", func(r *OrderRequest) { r.Leverage = d(100.5) }, ErrLeverageExceeded},
		{"balance", func(r *OrderRequest) { r.Margin = d(10001) }, ledger.ErrInsufficientBalance},
		{"size cap", func(r *OrderRequest) { r.Margin = d(2000); r.Leverage = d(60) }, ErrPositionSizeExceeded},
		{"no price", func(r *OrderRequest) { r.Symbol = "btc" }, market.ErrPriceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			req := order(model.SideBuy, 1000, 10)
			tc.req(&req)

			_, err := e.svc.PlaceOrder(context.Background(), req)
			assert.ErrorIs(t, err, tc.want)

			u, _ := e.ledger.Get("u1")
			assert.True(t, u.Balance.Available.Equal(d(10000)), "rejections never touch the ledger")
			assert.Empty(t, e.book.Orders("u1"))
		})
	}
}

func TestPlaceOrder_LimitFillsImmediately(t *testing.T) {
	e := newEnv(t)
	req := order(model.SideBuy, 1000, 10)
	req.Type = model.OrderLimit
	req.LimitPrice = d(99000)

	fill, err := e.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, fill.Order.Status)
	assert.True(t, fill.Order.LimitPrice.Equal(d(99000)))
	assert.True(t, fill.Position.EntryPrice.Equal(d(100100)))
}

func TestPlaceOrder_TooManyPositions(t *testing.T) {
	e := newEnv(t)
	r := config.Default()
	r.MaxPositionsPerUser = 2
	require.NoError(t, e.cfg.Replace(r))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := e.svc.PlaceOrder(ctx, order(model.SideBuy, 100, 2))
		require.NoError(t, err)
	}
	_, err := e.svc.PlaceOrder(ctx, order(model.SideBuy, 100, 2))
	assert.ErrorIs(t, err, ErrTooManyPositions)
}

func TestPlaceOrder_PositionLimitHoldsUnderConcurrency(t *testing.T) {
	e := newEnv(t)
	r := config.Default()
	r.MaxPositionsPerUser = 3
	require.NoError(t, e.cfg.Replace(r))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		tooMany int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.PlaceOrder(context.Background(), order(model.SideBuy, 100, 2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrTooManyPositions):
				tooMany++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, wins)
	assert.Equal(t, 17, tooMany)
	assert.Equal(t, 3, e.book.OpenCount("u1"))
	u, _ := e.ledger.Get("u1")
	assert.True(t, u.Balance.MarginReserved.Equal(d(300)))
}

func TestClosePosition_RealizesPnL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fill, err := e.svc.PlaceOrder(ctx, order(model.SideSell, 1000, 10))
	require.NoError(t, err)

	// Price falls 1000: the short gains 0.1 * 1000 = 100.
	ent, err := e.book.Get(fill.Position.ID)
	require.NoError(t, err)
	require.NoError(t, ent.Update(func(p *model.Position, _ *book.Notices) error {
		p.Mark(d(99000))
		return nil
	}))

	closed, err := e.svc.ClosePosition(ctx, fill.Position.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Equal(d(100)))
	require.NotNil(t, closed.ClosedAt)

	u, _ := e.ledger.Get("u1")
	assert.True(t, u.Balance.Available.Equal(d(10100)))
	assert.True(t, u.Balance.Total.Equal(d(10100)))
	assert.True(t, u.Balance.MarginReserved.IsZero())
	assert.Empty(t, e.book.OpenBySymbol("BTCUSDT"))
}

func TestClosePosition_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.ClosePosition(ctx, "nope", "u1")
	assert.ErrorIs(t, err, book.ErrPositionNotFound)

	fill, err := e.svc.PlaceOrder(ctx, order(model.SideBuy, 1000, 10))
	require.NoError(t, err)

	_, err = e.svc.ClosePosition(ctx, fill.Position.ID, "u2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.svc.ClosePosition(ctx, fill.Position.ID, "u1")
	require.NoError(t, err)
	_, err = e.svc.ClosePosition(ctx, fill.Position.ID, "u1")
	assert.ErrorIs(t, err, ErrPositionNotOpen)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "leverage_exceeded", reason(ErrLeverageExceeded))
	assert.Equal(t, "user_not_found", reason(ledger.ErrUserNotFound))
	assert.Equal(t, "invalid_request", reason(ErrInvalidSide))
}
