package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

func queuedSignal(t *testing.T, symbol string, entry float64) *signal.Signal {
	t.Helper()
	now := time.Date(2026, 4, 2, 14, 30, 0, 0, time.UTC)
	s := &signal.Signal{
		Symbol:              symbol,
		Action:              signal.ActionBuy,
		EntryPrice:          entry,
		TargetPrice:         entry * 1.05,
		StopPrice:           entry * 0.97,
		Confidence:          85,
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

func TestMemoryQueueEnqueueIsIdempotent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	sig := queuedSignal(t, "AAPL", 150)

	require.NoError(t, q.Enqueue(ctx, sig, "insufficient buying power"))
	require.NoError(t, q.Enqueue(ctx, sig, "duplicate"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[StatusPending])

	entry, ok := q.Get(sig.SignalID)
	require.True(t, ok)
	assert.Equal(t, "insufficient buying power", entry.Reason)
}

func TestMemoryQueueClaimMovesToInFlight(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	a := queuedSignal(t, "AAPL", 150)
	b := queuedSignal(t, "MSFT", 300)
	require.NoError(t, q.Enqueue(ctx, a, "r"))
	require.NoError(t, q.Enqueue(ctx, b, "r"))

	claimed, err := q.ClaimNext(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// A second claim finds nothing: entries are IN_FLIGHT.
	again, err := q.ClaimNext(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, again)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth[StatusInFlight])
}

func TestMemoryQueueClaimHonorsLimitAndOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	first := queuedSignal(t, "AAPL", 150)
	require.NoError(t, q.Enqueue(ctx, first, "r"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, queuedSignal(t, "MSFT", 300), "r"))

	claimed, err := q.ClaimNext(ctx, 1, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.SignalID, claimed[0].SignalID, "oldest first")
}

func TestMemoryQueueClaimSkipsNotYetDue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	sig := queuedSignal(t, "AAPL", 150)
	require.NoError(t, q.Enqueue(ctx, sig, "r"))

	now := time.Now().UTC()
	claimed, err := q.ClaimNext(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, q.Retry(ctx, sig.SignalID, "still failing", now.Add(time.Minute)))

	claimed, err = q.ClaimNext(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed, "backoff not elapsed")

	claimed, err = q.ClaimNext(ctx, 10, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "still failing", claimed[0].LastError)
}

func TestMemoryQueueTerminalStates(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	done := queuedSignal(t, "AAPL", 150)
	stale := queuedSignal(t, "MSFT", 300)
	dead := queuedSignal(t, "GOOG", 180)
	for _, s := range []*signal.Signal{done, stale, dead} {
		require.NoError(t, q.Enqueue(ctx, s, "r"))
	}
	_, err := q.ClaimNext(ctx, 10, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, done.SignalID, OutcomeSucceeded))
	require.NoError(t, q.Expire(ctx, stale.SignalID))
	require.NoError(t, q.Abandon(ctx, dead.SignalID, "max attempts exhausted"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth[StatusCompleted])
	assert.Equal(t, 1, depth[StatusExpired])
	assert.Equal(t, 1, depth[StatusAbandoned])

	claimed, err := q.ClaimNext(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, claimed, "terminal entries are never reclaimed")
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	max := 5 * time.Minute

	assert.Equal(t, time.Second, Backoff(base, max, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, max, 2))
	assert.Equal(t, 32*time.Second, Backoff(base, max, 5))
	assert.Equal(t, max, Backoff(base, max, 20))
}
