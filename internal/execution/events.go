package execution

import (
	"context"
	"time"

	"github.com/kvasirlabs/signalflux/internal/broker"
)

// EventKind labels a trade lifecycle event.
type EventKind string

const (
	EventTradeOpened       EventKind = "TRADE_OPENED"
	EventTradeClosed       EventKind = "TRADE_CLOSED"
	EventSignalRejected    EventKind = "SIGNAL_REJECTED"
	EventBracketIncomplete EventKind = "BRACKET_INCOMPLETE"
)

// Event describes one trade lifecycle transition. RealizedPnL is derived
// from broker fills, not from signal prices, and is only set on closes.
type Event struct {
	Kind        EventKind           `json:"kind"`
	SignalID    string              `json:"signal_id"`
	Symbol      string              `json:"symbol"`
	Side        broker.PositionSide `json:"side,omitempty"`
	Qty         float64             `json:"qty,omitempty"`
	Price       float64             `json:"price,omitempty"`
	RealizedPnL float64             `json:"realized_pnl,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	At          time.Time           `json:"at"`
}

// EventSink receives trade events. Implementations must not block the
// execution path; slow consumers should buffer internally.
type EventSink interface {
	PublishTradeEvent(ctx context.Context, ev *Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, ev *Event)

// PublishTradeEvent calls f.
func (f SinkFunc) PublishTradeEvent(ctx context.Context, ev *Event) { f(ctx, ev) }

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

// PublishTradeEvent delivers the event to every sink.
func (m MultiSink) PublishTradeEvent(ctx context.Context, ev *Event) {
	for _, s := range m {
		s.PublishTradeEvent(ctx, ev)
	}
}
