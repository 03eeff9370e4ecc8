package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/model"
)

// RedisPublisher publishes notifications on a Redis pub/sub channel for
// the streaming and history services. Publishing happens on a background
// goroutine fed by a bounded buffer.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	out     chan []byte
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		out:     make(chan []byte, 1024),
	}
}

// Run publishes queued messages until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-p.out:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := p.rdb.Publish(pctx, p.channel, data).Err(); err != nil {
				slog.Error("redis publish failed", "channel", p.channel, "err", err)
			}
			cancel()
		}
	}
}

// RiskEvent queues ev for publishing; it drops when the buffer is full.
func (p *RedisPublisher) RiskEvent(ev model.RiskEvent) {
	p.enqueue(Message{Type: ev.Type, Data: ev})
}

// Liquidation queues ev for publishing; it drops when the buffer is full.
func (p *RedisPublisher) Liquidation(ev model.LiquidationEvent) {
	p.enqueue(Message{Type: TypeLiquidation, Data: ev})
}

func (p *RedisPublisher) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case p.out <- data:
	default:
		slog.Warn("redis publish dropped", "type", msg.Type)
	}
}
