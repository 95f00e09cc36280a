package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/signal"
	"github.com/kvasirlabs/signalflux/internal/store"
)

func chainedSignal(t *testing.T, symbol, prevHash string, entry float64) *signal.Signal {
	t.Helper()
	s := &signal.Signal{
		PrevSignalHash:  prevHash,
		Symbol:          symbol,
		Action:          signal.ActionBuy,
		EntryPrice:      entry,
		TargetPrice:     entry * 1.05,
		StopPrice:       entry * 0.97,
		Confidence:      90,
		Regime:          "TRENDING",
		SourcesUsed:     []string{"binance_market", "technical"},
		Rationale:       "BUY consensus at 90.0% confidence in TRENDING regime (threshold 85%).",
		ServerTimestamp: time.Now().UTC().Truncate(time.Millisecond),
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.Seal())
	return s
}

func TestChainWatcherAlertsOnTamper(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first := chainedSignal(t, "AAPL", "", 150)
	_, err := st.Append(ctx, first)
	require.NoError(t, err)
	second := chainedSignal(t, "MSFT", first.SignalID, 300)
	_, err = st.Append(ctx, second)
	require.NoError(t, err)

	rec := &recordingAlerter{}
	w := NewChainWatcher(st, NewManager(rec), time.Minute)

	w.verify(ctx)
	assert.Empty(t, rec.sent, "an intact chain raises nothing")

	require.True(t, st.Tamper(first.SignalID, func(s *signal.Signal) { s.EntryPrice = 1 }))
	w.verify(ctx)
	require.Len(t, rec.sent, 1)
	assert.Equal(t, SeverityCritical, rec.sent[0].Severity)
	assert.Equal(t, first.SignalID, rec.sent[0].Metadata["broken_at"])

	// The same break does not re-alert on every tick.
	w.verify(ctx)
	assert.Len(t, rec.sent, 1)
}

func TestChainWatcherDefaultsInterval(t *testing.T) {
	w := NewChainWatcher(store.NewMemoryStore(), NewManager(), 0)
	assert.Equal(t, time.Hour, w.interval)
}

func TestChainWatcherStopsOnCancel(t *testing.T) {
	w := NewChainWatcher(store.NewMemoryStore(), NewManager(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
}
