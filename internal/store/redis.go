package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// liquidation history. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error {
	if err := s.primary.InsertLiquidationEvent(ctx, ev); err != nil {
		return err
	}
	s.rdb.Del(ctx, liquidationsKey(ev.UserID), allLiquidationsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLiquidationsByUser(ctx context.Context, userID string) ([]model.LiquidationEvent, error) {
	return s.readThrough(ctx, liquidationsKey(userID), func() ([]model.LiquidationEvent, error) {
		return s.primary.GetLiquidationsByUser(ctx, userID)
	})
}

func (s *CachedStore) ListLiquidations(ctx context.Context) ([]model.LiquidationEvent, error) {
	return s.readThrough(ctx, allLiquidationsKey, func() ([]model.LiquidationEvent, error) {
		return s.primary.ListLiquidations(ctx)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) SaveUser(ctx context.Context, u *model.User) error {
	return s.primary.SaveUser(ctx, u)
}

func (s *CachedStore) SaveOrder(ctx context.Context, o *model.Order) error {
	return s.primary.SaveOrder(ctx, o)
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	return s.primary.SavePosition(ctx, p)
}

// --- Cache helpers ---

func (s *CachedStore) readThrough(ctx context.Context, key string, load func() ([]model.LiquidationEvent, error)) ([]model.LiquidationEvent, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var events []model.LiquidationEvent
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	events, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return events, nil
}

const allLiquidationsKey = "liquidations:all"

func liquidationsKey(uid string) string { return fmt.Sprintf("liquidations:%s", uid) }
