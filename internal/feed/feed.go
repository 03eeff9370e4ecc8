// Package feed ingests price ticks from Redis and NATS and applies them to
// the engine. A tick is either a quote {symbol, bid, ask} or a trade
// {symbol, price[, spread]}.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/model"
)

var ErrInvalidTick = errors.New("feed: invalid tick")

// Sink receives parsed ticks.
type Sink interface {
	UpdatePrice(ctx context.Context, symbol string, bid, ask decimal.Decimal) (model.MarketPrice, error)
	UpdatePriceFromTrade(ctx context.Context, symbol string, price, spread decimal.Decimal) (model.MarketPrice, error)
}

// Tick is one decoded feed message.
type Tick struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Price  decimal.Decimal `json:"price"`
	Spread decimal.Decimal `json:"spread"`
}

// IsTrade reports whether the tick carries a trade price rather than a quote.
func (t Tick) IsTrade() bool {
	return t.Bid.IsZero() && t.Ask.IsZero()
}

// Parse decodes a feed message.
func Parse(data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, fmt.Errorf("%w: %v", ErrInvalidTick, err)
	}
	if t.Symbol == "" {
		return Tick{}, fmt.Errorf("%w: missing symbol", ErrInvalidTick)
	}
	if t.IsTrade() && !t.Price.IsPositive() {
		return Tick{}, fmt.Errorf("%w: %s has neither quote nor price", ErrInvalidTick, t.Symbol)
	}
	return t, nil
}

// Apply parses data and forwards it to sink.
func Apply(ctx context.Context, sink Sink, data []byte) error {
	t, err := Parse(data)
	if err != nil {
		return err
	}
	if t.IsTrade() {
		_, err = sink.UpdatePriceFromTrade(ctx, t.Symbol, t.Price, t.Spread)
	} else {
		_, err = sink.UpdatePrice(ctx, t.Symbol, t.Bid, t.Ask)
	}
	return err
}

// RedisFeed pops ticks from a Redis list, as written by the price poller.
type RedisFeed struct {
	rdb   *redis.Client
	queue string
	sink  Sink
}

// NewRedisFeed creates a feed reading queue.
func NewRedisFeed(rdb *redis.Client, queue string, sink Sink) *RedisFeed {
	return &RedisFeed{rdb: rdb, queue: queue, sink: sink}
}

// Run consumes the list until ctx is cancelled.
func (f *RedisFeed) Run(ctx context.Context) {
	slog.Info("redis price feed started", "queue", f.queue)
	for {
		res, err := f.rdb.BRPop(ctx, time.Second, f.queue).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			slog.Error("price feed pop failed", "queue", f.queue, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := Apply(ctx, f.sink, []byte(res[1])); err != nil {
			slog.Warn("price tick rejected", "source", "redis", "err", err)
		}
	}
}

// NATSFeed subscribes to price subjects on NATS.
type NATSFeed struct {
	nc      *nats.Conn
	subject string
	sink    Sink
	sub     *nats.Subscription
}

// NewNATSFeed creates a feed on subject.
func NewNATSFeed(nc *nats.Conn, subject string, sink Sink) *NATSFeed {
	return &NATSFeed{nc: nc, subject: subject, sink: sink}
}

// Start subscribes. Messages on one subscription are delivered in order.
func (f *NATSFeed) Start(ctx context.Context) error {
	sub, err := f.nc.Subscribe(f.subject, func(msg *nats.Msg) {
		if err := Apply(ctx, f.sink, msg.Data); err != nil {
			slog.Warn("price tick rejected", "source", "nats", "subject", msg.Subject, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", f.subject, err)
	}
	f.sub = sub
	slog.Info("nats price feed started", "subject", f.subject)
	return nil
}

// Stop drains the subscription.
func (f *NATSFeed) Stop() {
	if f.sub == nil {
		return
	}
	if err := f.sub.Drain(); err != nil {
		slog.Warn("nats drain failed", "subject", f.subject, "err", err)
	}
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("margin-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
