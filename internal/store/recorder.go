package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/margin-engine/internal/model"
)

// ErrRecorderClosed is returned by writes after Close.
var ErrRecorderClosed = errors.New("store: recorder closed")

type write struct {
	kind string
	fn   func(ctx context.Context) error
}

// Recorder is a Store that queues writes for a background worker, so the
// engine's hot paths never wait on the database. Writes are applied in
// submission order. Reads go straight to the primary.
//
// Sends block when the buffer is full; nothing is dropped.
type Recorder struct {
	primary Store
	queue   chan write
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
}

// NewRecorder creates a recorder over primary with the given buffer size.
func NewRecorder(primary Store, buffer int, timeout time.Duration) *Recorder {
	if buffer < 1 {
		buffer = 1
	}
	return &Recorder{
		primary: primary,
		queue:   make(chan write, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Run applies queued writes until Close is called and the queue is drained.
func (r *Recorder) Run() {
	defer close(r.done)
	for w := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := w.fn(ctx); err != nil {
			slog.Error("persist failed", "kind", w.kind, "err", err)
		}
		cancel()
	}
}

// Close stops accepting writes and waits for Run to flush the queue.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
	<-r.done
}

func (r *Recorder) enqueue(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- write{kind: kind, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveUser queues a user write.
func (r *Recorder) SaveUser(ctx context.Context, u *model.User) error {
	cp := *u
	return r.enqueue(ctx, "user", func(ctx context.Context) error {
		return r.primary.SaveUser(ctx, &cp)
	})
}

// SaveOrder queues an order write.
func (r *Recorder) SaveOrder(ctx context.Context, o *model.Order) error {
	cp := *o
	return r.enqueue(ctx, "order", func(ctx context.Context) error {
		return r.primary.SaveOrder(ctx, &cp)
	})
}

// SavePosition queues a position write.
func (r *Recorder) SavePosition(ctx context.Context, p *model.Position) error {
	cp := *p
	return r.enqueue(ctx, "position", func(ctx context.Context) error {
		return r.primary.SavePosition(ctx, &cp)
	})
}

// InsertLiquidationEvent queues a liquidation event write.
func (r *Recorder) InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error {
	cp := *ev
	return r.enqueue(ctx, "liquidation", func(ctx context.Context) error {
		return r.primary.InsertLiquidationEvent(ctx, &cp)
	})
}

// GetLiquidationsByUser reads through to the primary store.
func (r *Recorder) GetLiquidationsByUser(ctx context.Context, userID string) ([]model.LiquidationEvent, error) {
	return r.primary.GetLiquidationsByUser(ctx, userID)
}

// ListLiquidations reads through to the primary store.
func (r *Recorder) ListLiquidations(ctx context.Context) ([]model.LiquidationEvent, error) {
	return r.primary.ListLiquidations(ctx)
}
