package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBroker wraps a PaperBroker and counts upstream calls.
type countingBroker struct {
	*PaperBroker
	mu             sync.Mutex
	accountCalls   int
	positionsCalls int
}

func (c *countingBroker) GetAccount(ctx context.Context) (*Account, error) {
	c.mu.Lock()
	c.accountCalls++
	c.mu.Unlock()
	return c.PaperBroker.GetAccount(ctx)
}

func (c *countingBroker) GetPositions(ctx context.Context) ([]*Position, error) {
	c.mu.Lock()
	c.positionsCalls++
	c.mu.Unlock()
	return c.PaperBroker.GetPositions(ctx)
}

func newCountingCached(t *testing.T) (*countingBroker, *CachedBroker) {
	t.Helper()
	inner := &countingBroker{PaperBroker: NewPaperBroker(100000, 0.001)}
	inner.SetQuote("AAPL", 150)
	return inner, NewCachedBroker(inner, 30*time.Second, 10*time.Second)
}

func TestCachedBrokerServesAccountFromCache(t *testing.T) {
	inner, cached := newCountingCached(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cached.GetAccount(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.accountCalls)
}

func TestCachedBrokerAccountTTLExpiry(t *testing.T) {
	inner, cached := newCountingCached(t)
	ctx := context.Background()

	now := time.Now()
	cached.now = func() time.Time { return now }

	_, err := cached.GetAccount(ctx)
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, err = cached.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.accountCalls)
}

func TestCachedBrokerPositionsTTLShorterThanAccount(t *testing.T) {
	inner, cached := newCountingCached(t)
	ctx := context.Background()

	now := time.Now()
	cached.now = func() time.Time { return now }

	_, err := cached.GetPositions(ctx)
	require.NoError(t, err)
	_, err = cached.GetAccount(ctx)
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	_, err = cached.GetPositions(ctx)
	require.NoError(t, err)
	_, err = cached.GetAccount(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, inner.positionsCalls, "positions cache expired")
	assert.Equal(t, 1, inner.accountCalls, "account cache still warm")
}

func TestCachedBrokerSubmitInvalidates(t *testing.T) {
	inner, cached := newCountingCached(t)
	ctx := context.Background()

	_, err := cached.GetAccount(ctx)
	require.NoError(t, err)
	_, err = cached.GetPositions(ctx)
	require.NoError(t, err)

	_, err = cached.SubmitOrder(ctx, OrderRequest{
		Symbol: "AAPL", Side: SideBuy, Type: TypeMarket, Qty: 1,
	})
	require.NoError(t, err)

	_, err = cached.GetAccount(ctx)
	require.NoError(t, err)
	positions, err := cached.GetPositions(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, inner.accountCalls)
	assert.Equal(t, 2, inner.positionsCalls)
	require.Len(t, positions, 1, "fresh read sees the new position")
}

func TestCachedBrokerGetPositionUsesCache(t *testing.T) {
	inner, cached := newCountingCached(t)
	ctx := context.Background()

	_, err := cached.SubmitOrder(ctx, OrderRequest{
		Symbol: "AAPL", Side: SideBuy, Type: TypeMarket, Qty: 2,
	})
	require.NoError(t, err)

	pos, err := cached.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)

	missing, err := cached.GetPosition(ctx, "MSFT")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, 1, inner.positionsCalls)
}
