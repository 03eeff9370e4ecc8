package liquidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/book"
	"github.com/atmx/margin-engine/internal/config"
	"github.com/atmx/margin-engine/internal/ledger"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu    sync.Mutex
	risks []model.RiskEvent
	liqs  []model.LiquidationEvent
}

func (r *recorder) RiskEvent(ev model.RiskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.risks = append(r.risks, ev)
}

func (r *recorder) Liquidation(ev model.LiquidationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liqs = append(r.liqs, ev)
}

type fixture struct {
	proc   *Processor
	ledger *ledger.Ledger
	book   *book.Book
	store  *store.MemoryStore
	notes  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: ledger.New(),
		book:   book.New(),
		store:  store.NewMemoryStore(),
		notes:  &recorder{},
	}
	f.proc = NewProcessor(config.NewHolder(config.Default()), f.ledger, f.book, f.store, f.notes, 0)
	_, err := f.ledger.CreateUser("u1", "alice", d(10000))
	require.NoError(t, err)
	return f
}

// open books a long position for u1 at entry and reserves its margin.
func (f *fixture) open(t *testing.T, id string, entry, margin, leverage decimal.Decimal) *book.Entry {
	t.Helper()
	_, err := f.ledger.Reserve("u1", margin)
	require.NoError(t, err)

	size := margin.Mul(leverage)
	o := model.Order{ID: "o-" + id, UserID: "u1", Symbol: "BTCUSDT", Side: model.SideBuy, Status: model.OrderFilled}
	p := model.Position{
		ID:           id,
		OrderID:      o.ID,
		UserID:       "u1",
		Symbol:       "BTCUSDT",
		Side:         model.SideLong,
		Leverage:     leverage,
		Margin:       margin,
		PositionSize: size,
		Quantity:     size.Div(entry),
		EntryPrice:   entry,
		CurrentPrice: entry,
		MarginRatio:  decimal.NewFromInt(1),
		Status:       model.PositionOpen,
		OpenedAt:     time.Now(),
	}
	return f.book.Add(o, p)
}

func mark(e *book.Entry, price decimal.Decimal) model.Position {
	e.Update(func(p *model.Position, _ *book.Notices) error {
		p.Mark(price)
		return nil
	})
	return e.Snapshot()
}

func TestDrain_FullLiquidation(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100100), d(1000), d(10))
	pos := mark(e, d(100050))
	require.True(t, pos.MarginRatio.LessThanOrEqual(d(0.10)))

	assert.True(t, f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin}))
	assert.False(t, f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin}), "queued once")

	assert.Equal(t, 1, f.proc.Drain(context.Background()))

	got := e.Snapshot()
	assert.Equal(t, model.PositionLiquidated, got.Status)
	require.NotNil(t, got.ClosedAt)

	events := f.proc.Events("u1")
	require.Len(t, events, 1)
	ev := events[0]
	assert.True(t, ev.Fee.Equal(d(50)))
	lost, _ := ev.MarginLost.Float64()
	assert.InDelta(t, 54.995, lost, 0.001)
	assert.Equal(t, model.ReasonMarginCall, ev.Reason)
	assert.False(t, ev.Emergency)

	u, err := f.ledger.Get("u1")
	require.NoError(t, err)
	avail, _ := u.Balance.Available.Float64()
	assert.InDelta(t, 9945.005, avail, 0.001)
	assert.True(t, u.Balance.MarginReserved.IsZero())

	assert.Zero(t, f.book.OpenCount("u1"))
	orders := f.book.Orders("u1")
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderLiquidated, orders[0].Status)

	stored, err := f.store.GetLiquidationsByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Len(t, f.notes.liqs, 1)
}

func TestLiquidation_AtMostOnce(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100100), d(1000), d(10))
	pos := mark(e, d(100050))

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})
	require.Equal(t, 1, f.proc.Drain(context.Background()))

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})
	assert.Zero(t, f.proc.Drain(context.Background()))

	out, err := f.proc.Emergency(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)

	assert.Len(t, f.proc.Events(""), 1)
}

func TestDrain_PartialLiquidation(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100000), d(6000), d(10))
	pos := mark(e, d(99990))
	require.True(t, pos.MarginRatio.LessThanOrEqual(d(0.10)))

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})
	assert.Equal(t, 1, f.proc.Drain(context.Background()))

	got := e.Snapshot()
	assert.Equal(t, model.PositionOpen, got.Status)
	assert.True(t, got.Quantity.Equal(d(0.3)))
	assert.True(t, got.Margin.Equal(d(3000)))
	assert.True(t, got.PositionSize.Equal(d(30000)))
	assert.True(t, got.UnrealizedPnL.Equal(d(-3)))

	realized, _ := got.RealizedPnL.Float64()
	assert.InDelta(t, -152.985, realized, 1e-9)
	assert.Empty(t, f.proc.Events("u1"), "partial closes are not liquidation events")

	u, _ := f.ledger.Get("u1")
	assert.True(t, u.Balance.MarginReserved.Equal(d(3000)))
	avail, _ := u.Balance.Available.Float64()
	assert.InDelta(t, 6847.015, avail, 1e-9)
}

func TestDrain_SkipsRecoveredPosition(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100100), d(1000), d(10))
	pos := mark(e, d(100050))
	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})

	mark(e, d(101000))
	assert.Zero(t, f.proc.Drain(context.Background()))
	assert.Equal(t, model.PositionOpen, e.Snapshot().Status)
	assert.Zero(t, f.proc.QueueLen())
}

func TestDrain_PriceTriggerRechecksThreshold(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100000), d(2000), d(5))
	pos := mark(e, d(100000))
	require.True(t, pos.MarginRatio.GreaterThan(d(0.10)))

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})
	assert.Zero(t, f.proc.Drain(context.Background()), "healthy ratio without a price cross is skipped")

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerPrice, Threshold: d(100500)})
	assert.Equal(t, 1, f.proc.Drain(context.Background()))
	assert.Equal(t, model.PositionLiquidated, e.Snapshot().Status)
}

func TestEmergency_FullCloseBypassesQueue(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100000), d(100), d(100))
	pos := mark(e, d(99960))
	require.True(t, pos.MarginRatio.LessThanOrEqual(d(0.05)))

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})
	out, err := f.proc.Emergency(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, out)
	assert.False(t, f.proc.Queued("p1"))

	events := f.proc.Events("u1")
	require.Len(t, events, 1)
	assert.True(t, events[0].Emergency)
	assert.True(t, events[0].MarginLost.Equal(d(54)))
}

type panicky struct{}

func (panicky) RiskEvent(model.RiskEvent) {}
func (panicky) Liquidation(model.LiquidationEvent) { panic("notifier down") }

func TestEmergency_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.proc = NewProcessor(config.NewHolder(config.Default()), f.ledger, f.book, f.store, panicky{}, 0)
	e := f.open(t, "p1", d(100000), d(100), d(100))
	mark(e, d(99960))

	var (
		out Outcome
		err error
	)
	require.NotPanics(t, func() { out, err = f.proc.Emergency(context.Background(), e) })
	assert.ErrorIs(t, err, ErrPanicked)
	assert.Equal(t, OutcomeSkipped, out)

	// The position lock was released.
	assert.Equal(t, model.PositionLiquidated, e.Snapshot().Status)
}

func TestQueue_PriceTriggerUpgradesQueuedItem(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100000), d(2000), d(5))
	pos := mark(e, d(100000))
	require.True(t, pos.MarginRatio.GreaterThan(d(0.10)))

	require.True(t, f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin}))
	assert.False(t, f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerPrice, Threshold: d(100500)}))

	assert.Equal(t, 1, f.proc.Drain(context.Background()), "the crossed price is honoured on the first drain")
	assert.Equal(t, model.PositionLiquidated, e.Snapshot().Status)
}

func TestQueue_MarginPushKeepsPriceTrigger(t *testing.T) {
	b := book.New()
	q := NewQueue()
	e := b.Add(model.Order{ID: "o1"}, model.Position{ID: "p1", Status: model.PositionOpen})

	q.Push(Item{Entry: e, MarginRatio: d(0.2), Trigger: TriggerPrice, Threshold: d(100)})
	q.Push(Item{Entry: e, MarginRatio: d(0.1), Trigger: TriggerMargin})

	it := q.Pop()
	require.NotNil(t, it)
	assert.Equal(t, TriggerPrice, it.Trigger)
	assert.True(t, it.Threshold.Equal(d(100)))
	assert.True(t, it.MarginRatio.Equal(d(0.1)))
}

func TestDrain_FailureDoesNotStopQueue(t *testing.T) {
	f := newFixture(t)
	good := f.open(t, "p1", d(100100), d(1000), d(10))
	goodPos := mark(good, d(100050))

	// A position whose owner is unknown to the ledger cannot be settled.
	orphan := f.book.Add(
		model.Order{ID: "o-p2", UserID: "ghost"},
		model.Position{ID: "p2", UserID: "ghost", Side: model.SideLong, Margin: d(1000), PositionSize: d(10000),
			Quantity: d(0.1), EntryPrice: d(100000), CurrentPrice: d(100000), Status: model.PositionOpen},
	)
	orphanPos := mark(orphan, d(99000))

	f.proc.Enqueue(Item{Entry: orphan, MarginRatio: orphanPos.MarginRatio, Trigger: TriggerMargin})
	f.proc.Enqueue(Item{Entry: good, MarginRatio: goodPos.MarginRatio, Trigger: TriggerMargin})

	assert.Equal(t, 1, f.proc.Drain(context.Background()))
	assert.Equal(t, model.PositionOpen, orphan.Snapshot().Status, "failed liquidation leaves state unchanged")
	assert.Equal(t, model.PositionLiquidated, good.Snapshot().Status)
}

func TestRun_DrainsOnWake(t *testing.T) {
	f := newFixture(t)
	e := f.open(t, "p1", d(100100), d(1000), d(10))
	pos := mark(e, d(100050))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.proc.Run(ctx)

	f.proc.Enqueue(Item{Entry: e, MarginRatio: pos.MarginRatio, Trigger: TriggerMargin})
	assert.Eventually(t, func() bool {
		return e.Snapshot().Status == model.PositionLiquidated
	}, time.Second, 5*time.Millisecond)
}

func TestQueue_WorstRatioFirst(t *testing.T) {
	b := book.New()
	q := NewQueue()
	for _, tc := range []struct {
		id    string
		ratio float64
	}{{"a", 0.08}, {"b", 0.02}, {"c", 0.05}} {
		e := b.Add(model.Order{ID: "o-" + tc.id}, model.Position{ID: tc.id, Status: model.PositionOpen})
		require.True(t, q.Push(Item{Entry: e, MarginRatio: d(tc.ratio)}))
	}

	a, _ := b.Get("a")
	assert.False(t, q.Push(Item{Entry: a, MarginRatio: d(0.01)}), "duplicate raises priority only")
	assert.Equal(t, 3, q.Len())

	var order []string
	for it := q.Pop(); it != nil; it = q.Pop() {
		order = append(order, it.Entry.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Nil(t, q.Pop())
}

func TestQueue_Remove(t *testing.T) {
	b := book.New()
	q := NewQueue()
	e := b.Add(model.Order{ID: "o1"}, model.Position{ID: "p1"})
	q.Push(Item{Entry: e, MarginRatio: d(0.05)})

	q.Remove("p1")
	assert.False(t, q.Contains("p1"))
	assert.Zero(t, q.Len())
	q.Remove("p1")
}

func TestCrossed(t *testing.T) {
	long := &model.Position{Side: model.SideLong, CurrentPrice: d(99)}
	short := &model.Position{Side: model.SideShort, CurrentPrice: d(101)}

	assert.True(t, Crossed(long, d(100)))
	assert.False(t, Crossed(long, d(98)))
	assert.True(t, Crossed(short, d(100)))
	assert.False(t, Crossed(short, d(102)))
	assert.False(t, Crossed(long, decimal.Zero))
}
