package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]model.User
	orders       map[string]model.Order
	positions    map[string]model.Position
	liquidations []model.LiquidationEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]model.User),
		orders:    make(map[string]model.Order),
		positions: make(map[string]model.Position),
	}
}

func (s *MemoryStore) SaveUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
	return nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = *p
	return nil
}

func (s *MemoryStore) InsertLiquidationEvent(_ context.Context, ev *model.LiquidationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.liquidations {
		if existing.PositionID == ev.PositionID {
			return fmt.Errorf("liquidation for position %s already recorded", ev.PositionID)
		}
	}
	s.liquidations = append(s.liquidations, *ev)
	return nil
}

func (s *MemoryStore) GetLiquidationsByUser(_ context.Context, userID string) ([]model.LiquidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LiquidationEvent
	for _, ev := range s.liquidations {
		if ev.UserID == userID {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListLiquidations(_ context.Context) ([]model.LiquidationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.LiquidationEvent, len(s.liquidations))
	copy(result, s.liquidations)
	return result, nil
}

// User returns the last saved copy of a user.
func (s *MemoryStore) User(id string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Order returns the last saved copy of an order.
func (s *MemoryStore) Order(id string) (model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Position returns the last saved copy of a position.
func (s *MemoryStore) Position(id string) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}
