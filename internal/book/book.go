// Package book is the registry of orders and positions. Each position is
// wrapped in an Entry whose lock linearizes every mutation of it; readers
// get copies.
package book

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/margin-engine/internal/model"
)

var (
	ErrPositionNotFound = errors.New("book: position not found")
	ErrOrderNotFound    = errors.New("book: order not found")
)

// Notices is the per-position notification state. A flag is set when the
// notification fires and cleared on recovery or termination.
type Notices struct {
	Warned       bool
	MarginCalled bool
}

// Entry owns one position. Lock ordering is position before user: code
// holding an Entry may call into the ledger, never the reverse.
type Entry struct {
	mu      sync.Mutex
	pos     model.Position
	notices Notices
}

// ID returns the immutable position id.
func (e *Entry) ID() string {
	return e.pos.ID
}

// Snapshot returns a copy of the position.
func (e *Entry) Snapshot() model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// Notices returns a copy of the notification state.
func (e *Entry) Notices() Notices {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notices
}

// Update runs fn with exclusive access to the position and its notices.
func (e *Entry) Update(fn func(p *model.Position, n *Notices) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.pos, &e.notices)
}

// Book holds every order and position for the engine's lifetime.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Entry
	orders    map[string]*model.Order
	bySymbol  map[string]map[string]*Entry // symbol → open positions
}

// New creates an empty book.
func New() *Book {
	return &Book{
		positions: make(map[string]*Entry),
		orders:    make(map[string]*model.Order),
		bySymbol:  make(map[string]map[string]*Entry),
	}
}

// Add records a filled order and its position.
func (b *Book) Add(o model.Order, p model.Position) *Entry {
	e := &Entry{pos: p}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.orders[o.ID] = &o
	b.positions[p.ID] = e
	if b.bySymbol[p.Symbol] == nil {
		b.bySymbol[p.Symbol] = make(map[string]*Entry)
	}
	b.bySymbol[p.Symbol][p.ID] = e
	return e
}

// Get returns the entry for a position id.
func (b *Book) Get(id string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return e, nil
}

// Retire drops a terminated position from the open-by-symbol index.
func (b *Book) Retire(e *Entry) {
	p := e.Snapshot()

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySymbol[p.Symbol], p.ID)
}

// OpenBySymbol returns the entries currently indexed as open on symbol.
func (b *Book) OpenBySymbol(symbol string) []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Entry, 0, len(b.bySymbol[symbol]))
	for _, e := range b.bySymbol[symbol] {
		out = append(out, e)
	}
	return out
}

// Open returns every open entry grouped by symbol.
func (b *Book) Open() map[string][]*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string][]*Entry, len(b.bySymbol))
	for sym, set := range b.bySymbol {
		for _, e := range set {
			out[sym] = append(out[sym], e)
		}
	}
	return out
}

// OpenCount returns the number of open positions held by user.
func (b *Book) OpenCount(userID string) int {
	n := 0
	for _, p := range b.Positions(userID) {
		if p.IsOpen() {
			n++
		}
	}
	return n
}

// Positions returns snapshots of all of user's positions, newest first.
func (b *Book) Positions(userID string) []model.Position {
	b.mu.RLock()
	entries := make([]*Entry, 0)
	for _, e := range b.positions {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make([]model.Position, 0)
	for _, e := range entries {
		p := e.Snapshot()
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// Orders returns copies of user's orders, newest first.
func (b *Book) Orders(userID string) []model.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Order, 0)
	for _, o := range b.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// MarkOrderLiquidated moves an order to its only post-fill status.
func (b *Book) MarkOrderLiquidated(orderID string) (model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o.Status = model.OrderLiquidated
	return *o, nil
}
