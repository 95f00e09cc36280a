package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("NATS server did not start in time")
	}
	return ns
}

func testNATSConfig() config.NATSConfig {
	return config.NATSConfig{
		Enabled:       true,
		SignalSubject: "signals",
		TradeSubject:  "trades",
	}
}

func sealedSignal(t *testing.T, symbol string) *signal.Signal {
	t.Helper()
	now := time.Date(2026, 4, 2, 14, 30, 0, 0, time.UTC)
	s := &signal.Signal{
		Symbol:              symbol,
		Action:              signal.ActionBuy,
		EntryPrice:          150,
		TargetPrice:         157.5,
		StopPrice:           145.5,
		Confidence:          90,
		Regime:              "TRENDING",
		SourcesUsed:         []string{"technical"},
		Rationale:           "TRENDING consensus with strong multi-source agreement.",
		GenerationLatencyMS: 10,
		ServerTimestamp:     now,
		CreatedAt:           now,
		RetentionExpiresAt:  now.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, s.Seal())
	return s
}

func TestPublishSignalRoundTrip(t *testing.T) {
	ns := startEmbeddedNATS(t)
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("signals.AAPL", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p := NewWithConn(testNATSConfig(), nc)
	sig := sealedSignal(t, "AAPL")
	require.NoError(t, p.PublishSignal(context.Background(), sig))

	select {
	case msg := <-received:
		got, err := signal.UnmarshalWire(msg.Data)
		require.NoError(t, err)
		assert.Equal(t, sig.SignalID, got.SignalID)
		assert.Equal(t, sig.EntryPrice, got.EntryPrice)
		require.NoError(t, signal.VerifyContentHash(got))
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
	}
}

func TestPublishTradeEventRoundTrip(t *testing.T) {
	ns := startEmbeddedNATS(t)
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("trades.>", received)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p := NewWithConn(testNATSConfig(), nc)
	ev := &execution.Event{
		Kind:        execution.EventTradeClosed,
		SignalID:    "abc123",
		Symbol:      "AAPL",
		Side:        broker.PositionLong,
		Qty:         10,
		Price:       152.5,
		RealizedPnL: 25,
		At:          time.Now().UTC(),
	}
	p.PublishTradeEvent(context.Background(), ev)

	select {
	case msg := <-received:
		assert.Equal(t, "trades.AAPL", msg.Subject)
		var got execution.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, execution.EventTradeClosed, got.Kind)
		assert.Equal(t, "abc123", got.SignalID)
		assert.Equal(t, 25.0, got.RealizedPnL)
	case <-time.After(2 * time.Second):
		t.Fatal("no trade event received")
	}
}

func TestPublishSignalCancelledContext(t *testing.T) {
	ns := startEmbeddedNATS(t)
	defer ns.Shutdown()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p := NewWithConn(testNATSConfig(), nc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.PublishSignal(ctx, sealedSignal(t, "AAPL"))
	assert.ErrorIs(t, err, context.Canceled)
}
