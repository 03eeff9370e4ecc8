package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/margin-engine/internal/model"
)

func TestMemoryStore_LiquidationsAppendOnce(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ev := &model.LiquidationEvent{PositionID: "p1", UserID: "u1", Symbol: "BTCUSDT", MarginLost: decimal.NewFromInt(5)}

	require.NoError(t, ms.InsertLiquidationEvent(ctx, ev))
	assert.Error(t, ms.InsertLiquidationEvent(ctx, ev), "second insert for the same position is rejected")

	byUser, err := ms.GetLiquidationsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	none, err := ms.GetLiquidationsByUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_UpsertsKeepLatest(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	p := &model.Position{ID: "p1", Status: model.PositionOpen}
	ms.SavePosition(ctx, p)
	p.Status = model.PositionClosed
	ms.SavePosition(ctx, p)

	got, ok := ms.Position("p1")
	require.True(t, ok)
	assert.Equal(t, model.PositionClosed, got.Status)
}

func TestRecorder_FlushesInOrder(t *testing.T) {
	ms := NewMemoryStore()
	rec := NewRecorder(ms, 4, time.Second)
	go rec.Run()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		u := &model.User{ID: "u1", Balance: model.Balance{Available: decimal.NewFromInt(int64(i))}}
		require.NoError(t, rec.SaveUser(ctx, u))
	}
	require.NoError(t, rec.InsertLiquidationEvent(ctx, &model.LiquidationEvent{PositionID: "p1", UserID: "u1"}))
	rec.Close()

	u, ok := ms.User("u1")
	require.True(t, ok)
	assert.True(t, u.Balance.Available.Equal(decimal.NewFromInt(19)))

	events, err := rec.ListLiquidations(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.ErrorIs(t, rec.SaveUser(ctx, &u), ErrRecorderClosed)
}

type failingStore struct {
	*MemoryStore
	calls int
}

func (f *failingStore) SavePosition(context.Context, *model.Position) error {
	f.calls++
	return fmt.Errorf("boom")
}

func TestRecorder_ErrorsDoNotStopWorker(t *testing.T) {
	fs := &failingStore{MemoryStore: NewMemoryStore()}
	rec := NewRecorder(fs, 1, time.Second)
	go rec.Run()

	ctx := context.Background()
	require.NoError(t, rec.SavePosition(ctx, &model.Position{ID: "p1"}))
	require.NoError(t, rec.SaveOrder(ctx, &model.Order{ID: "o1"}))
	rec.Close()

	assert.Equal(t, 1, fs.calls)
	_, ok := fs.Order("o1")
	assert.True(t, ok)
}
