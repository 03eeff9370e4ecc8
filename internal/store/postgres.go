package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	username        TEXT NOT NULL,
	total           NUMERIC NOT NULL,
	available       NUMERIC NOT NULL,
	margin_reserved NUMERIC NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	leverage          NUMERIC NOT NULL,
	margin            NUMERIC NOT NULL,
	position_size     NUMERIC NOT NULL,
	quantity          NUMERIC NOT NULL,
	entry_price       NUMERIC NOT NULL,
	limit_price       NUMERIC NOT NULL,
	liquidation_price NUMERIC NOT NULL,
	position_id       TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	filled_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	order_id          TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	leverage          NUMERIC NOT NULL,
	margin            NUMERIC NOT NULL,
	position_size     NUMERIC NOT NULL,
	quantity          NUMERIC NOT NULL,
	entry_price       NUMERIC NOT NULL,
	current_price     NUMERIC NOT NULL,
	unrealized_pnl    NUMERIC NOT NULL,
	realized_pnl      NUMERIC NOT NULL,
	roi_percentage    NUMERIC NOT NULL,
	liquidation_price NUMERIC NOT NULL,
	margin_ratio      NUMERIC NOT NULL,
	status            TEXT NOT NULL,
	opened_at         TIMESTAMPTZ NOT NULL,
	closed_at         TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS liquidation_events (
	position_id       TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	liquidation_price NUMERIC NOT NULL,
	margin_lost       NUMERIC NOT NULL,
	fee               NUMERIC NOT NULL,
	reason            TEXT NOT NULL,
	emergency         BOOLEAN NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS liquidation_events_user_idx ON liquidation_events (user_id, timestamp);
`

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, total, available, margin_reserved, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET total = EXCLUDED.total, available = EXCLUDED.available,
		     margin_reserved = EXCLUDED.margin_reserved`,
		u.ID, u.Username,
		u.Balance.Total.String(), u.Balance.Available.String(), u.Balance.MarginReserved.String(),
		u.CreatedAt,
	)
	return err
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, type, leverage, margin, position_size,
		                     quantity, entry_price, limit_price, liquidation_price, position_id,
		                     status, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13,
		         $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		o.ID, o.UserID, o.Symbol, o.Side, o.Type,
		o.Leverage.String(), o.Margin.String(), o.PositionSize.String(),
		o.Quantity.String(), o.EntryPrice.String(), o.LimitPrice.String(), o.LiquidationPrice.String(),
		o.PositionID, o.Status, o.CreatedAt, o.FilledAt,
	)
	return err
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, order_id, user_id, symbol, side, leverage, margin, position_size,
		                        quantity, entry_price, current_price, unrealized_pnl, realized_pnl,
		                        roi_percentage, liquidation_price, margin_ratio, status, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC,
		         $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17, $18, $19)
		 ON CONFLICT (id) DO UPDATE
		 SET margin = EXCLUDED.margin, position_size = EXCLUDED.position_size,
		     quantity = EXCLUDED.quantity, current_price = EXCLUDED.current_price,
		     unrealized_pnl = EXCLUDED.unrealized_pnl, realized_pnl = EXCLUDED.realized_pnl,
		     roi_percentage = EXCLUDED.roi_percentage, margin_ratio = EXCLUDED.margin_ratio,
		     status = EXCLUDED.status, closed_at = EXCLUDED.closed_at`,
		p.ID, p.OrderID, p.UserID, p.Symbol, p.Side,
		p.Leverage.String(), p.Margin.String(), p.PositionSize.String(),
		p.Quantity.String(), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.ROIPercent.String(),
		p.LiquidationPrice.String(), p.MarginRatio.String(),
		p.Status, p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (s *PostgresStore) InsertLiquidationEvent(ctx context.Context, ev *model.LiquidationEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO liquidation_events (position_id, user_id, symbol, liquidation_price,
		                                 margin_lost, fee, reason, emergency, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		ev.PositionID, ev.UserID, ev.Symbol, ev.LiquidationPrice.String(),
		ev.MarginLost.String(), ev.Fee.String(), ev.Reason, ev.Emergency, ev.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLiquidationsByUser(ctx context.Context, userID string) ([]model.LiquidationEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_id, user_id, symbol, liquidation_price::TEXT,
		        margin_lost::TEXT, fee::TEXT, reason, emergency, timestamp
		 FROM liquidation_events WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

func (s *PostgresStore) ListLiquidations(ctx context.Context) ([]model.LiquidationEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position_id, user_id, symbol, liquidation_price::TEXT,
		        margin_lost::TEXT, fee::TEXT, reason, emergency, timestamp
		 FROM liquidation_events ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// pgxRows is the subset of pgx.Rows used by scanLiquidations.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLiquidations(rows pgxRows) ([]model.LiquidationEvent, error) {
	var events []model.LiquidationEvent
	for rows.Next() {
		var ev model.LiquidationEvent
		var priceS, lostS, feeS string
		var ts time.Time

		if err := rows.Scan(&ev.PositionID, &ev.UserID, &ev.Symbol, &priceS,
			&lostS, &feeS, &ev.Reason, &ev.Emergency, &ts); err != nil {
			return nil, err
		}

		ev.LiquidationPrice, _ = decimal.NewFromString(priceS)
		ev.MarginLost, _ = decimal.NewFromString(lostS)
		ev.Fee, _ = decimal.NewFromString(feeS)
		ev.Timestamp = ts.UTC()

		events = append(events, ev)
	}
	return events, rows.Err()
}
