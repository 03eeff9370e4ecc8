// Package notify delivers risk-tier events and liquidation records to
// streaming consumers. Implementations must not block the caller: the
// risk evaluator calls them on the price path.
package notify

import (
	"log/slog"

	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
)

// Message types on the wire.
const (
	TypeWarning     = "liquidation_warning"
	TypeMarginCall  = "liquidation_margin_call"
	TypeLiquidation = "liquidation"
)

// Notifier receives engine notifications.
type Notifier interface {
	RiskEvent(ev model.RiskEvent)
	Liquidation(ev model.LiquidationEvent)
}

// Message is the envelope published to websocket and Redis consumers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MessageType maps a risk-event tier to its wire type.
func MessageType(tier string) string {
	switch tier {
	case model.TierWarning:
		return TypeWarning
	case model.TierMarginCall:
		return TypeMarginCall
	default:
		return TypeLiquidation
	}
}

// Fanout forwards every notification to each wrapped notifier.
type Fanout []Notifier

// RiskEvent forwards ev to every notifier in order.
func (f Fanout) RiskEvent(ev model.RiskEvent) {
	for _, n := range f {
		n.RiskEvent(ev)
	}
}

// Liquidation forwards ev to every notifier in order.
func (f Fanout) Liquidation(ev model.LiquidationEvent) {
	for _, n := range f {
		n.Liquidation(ev)
	}
}

// Log writes notifications to the default logger and counts them.
type Log struct{}

// RiskEvent logs ev at Warn.
func (Log) RiskEvent(ev model.RiskEvent) {
	metrics.RiskNotifications.WithLabelValues(ev.Type).Inc()
	slog.Warn("risk notification",
		"type", ev.Type,
		"position", ev.PositionID,
		"user", ev.UserID,
		"symbol", ev.Symbol,
		"margin_ratio", ev.MarginRatio.StringFixed(4),
		"price", ev.CurrentPrice.String(),
	)
}

// Liquidation logs ev at Warn.
func (Log) Liquidation(ev model.LiquidationEvent) {
	slog.Warn("liquidation recorded",
		"position", ev.PositionID,
		"user", ev.UserID,
		"symbol", ev.Symbol,
		"price", ev.LiquidationPrice.String(),
		"margin_lost", ev.MarginLost.StringFixed(2),
		"emergency", ev.Emergency,
	)
}
