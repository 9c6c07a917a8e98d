// internal/testutil/events.go
package testutil

import (
	"testing"
	"time"

	"github.com/recomma/polycopy/polycopy"
)

type EventOpt func(*polycopy.TradeEvent)

// NewTradeEvent returns a BUY of 10 @ 0.5 on asset "token-1" at base.
func NewTradeEvent(t *testing.T, base time.Time, opts ...EventOpt) polycopy.TradeEvent {
	t.Helper()

	evt := polycopy.TradeEvent{
		Timestamp: base.UTC().Unix(),
		Asset:     "token-1",
		Side:      polycopy.SideBuy,
		Size:      10,
		Price:     0.5,
		Title:     "Will it rain tomorrow?",
		Slug:      "will-it-rain-tomorrow",
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return evt
}

// Modifiers
func WithTx(hash string) EventOpt {
	return func(e *polycopy.TradeEvent) { e.TransactionHash = hash }
}
func WithTimestamp(ts int64) EventOpt {
	return func(e *polycopy.TradeEvent) { e.Timestamp = ts }
}
func WithAsset(asset string) EventOpt {
	return func(e *polycopy.TradeEvent) { e.Asset = asset }
}
func WithSide(side polycopy.Side) EventOpt {
	return func(e *polycopy.TradeEvent) { e.Side = side }
}
func WithSize(val float64) EventOpt {
	return func(e *polycopy.TradeEvent) { e.Size = val }
}
func WithPrice(val float64) EventOpt {
	return func(e *polycopy.TradeEvent) { e.Price = val }
}
