package liquidation

import (
	"container/heap"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/book"
)

// Trigger records why a position was queued.
type Trigger string

const (
	TriggerMargin Trigger = "margin"
	TriggerPrice  Trigger = "price"
)

// Item is one queued position. Threshold is the buffered liquidation
// price for price-triggered items.
type Item struct {
	Entry       *book.Entry
	MarginRatio decimal.Decimal
	Trigger     Trigger
	Threshold   decimal.Decimal
	index       int
}

type items []*Item

func (h items) Len() int           { return len(h) }
func (h items) Less(i, j int) bool { return h[i].MarginRatio.LessThan(h[j].MarginRatio) }
func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue orders positions worst margin ratio first and holds each position
// at most once.
type Queue struct {
	mu   sync.Mutex
	heap items
	byID map[string]*Item
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*Item)}
}

// Push enqueues in. A position already queued is not added again; its
// priority is raised if its ratio is worse than the one it was queued with,
// and a price trigger replaces a margin trigger along with its threshold.
// Push reports whether the position was newly added.
func (q *Queue) Push(in Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := in.Entry.ID()
	if it, ok := q.byID[id]; ok {
		if in.Trigger == TriggerPrice {
			it.Trigger = TriggerPrice
			it.Threshold = in.Threshold
		}
		if in.MarginRatio.LessThan(it.MarginRatio) {
			it.MarginRatio = in.MarginRatio
			heap.Fix(&q.heap, it.index)
		}
		return false
	}
	it := &in
	heap.Push(&q.heap, it)
	q.byID[id] = it
	return true
}

// Pop removes the worst item, or returns nil when empty.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*Item)
	delete(q.byID, it.Entry.ID())
	return it
}

// Remove drops a position from the queue if present.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[id]; ok {
		heap.Remove(&q.heap, it.index)
		delete(q.byID, id)
	}
}

// Contains reports whether a position is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Len returns the number of queued positions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
