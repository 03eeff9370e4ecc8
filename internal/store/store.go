// Package store defines the persistence interface for the margin engine.
// The engine's in-memory state is authoritative; a Store receives writes
// after each state transition commits and serves history to readers.
// Implementations include PostgreSQL, a Redis read-through cache, an
// asynchronous Recorder, and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/margin-engine/internal/model"
)

// Store is the persistence interface.
type Store interface {
	// SaveUser upserts a user and its balances.
	SaveUser(ctx context.Context, u *model.User) error

	// SaveOrder upserts an order (status may later move to liquidated).
	SaveOrder(ctx context.Context, o *model.Order) error

	// SavePosition upserts the latest state of a position.
	SavePosition(ctx context.Context, p *model.Position) error

	// InsertLiquidationEvent appends an immutable liquidation record.
	InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error

	// GetLiquidationsByUser returns a user's liquidation history, oldest first.
	GetLiquidationsByUser(ctx context.Context, userID string) ([]model.LiquidationEvent, error)

	// ListLiquidations returns the full liquidation history, oldest first.
	ListLiquidations(ctx context.Context) ([]model.LiquidationEvent, error)
}
