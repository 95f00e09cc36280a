package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHistory struct {
	closes []float64
	err    error
	calls  int
}

func (h *countingHistory) RecentCloses(_ context.Context, _ string, n int) ([]float64, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	if n > len(h.closes) {
		n = len(h.closes)
	}
	return h.closes[len(h.closes)-n:], nil
}

func newCacheUnderTest(t *testing.T, source PriceHistory, ttl time.Duration) (*RedisHistoryCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisHistoryCache(client, source, ttl), mr
}

func TestHistoryCacheReadThrough(t *testing.T) {
	source := &countingHistory{closes: []float64{100, 101, 102, 103}}
	cache, _ := newCacheUnderTest(t, source, time.Minute)
	ctx := context.Background()

	closes, err := cache.RecentCloses(ctx, "AAPL", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{101, 102, 103}, closes)
	assert.Equal(t, 1, source.calls)

	// Second read is served from Redis.
	closes, err = cache.RecentCloses(ctx, "AAPL", 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{101, 102, 103}, closes)
	assert.Equal(t, 1, source.calls)
}

func TestHistoryCacheExpires(t *testing.T) {
	source := &countingHistory{closes: []float64{100, 101, 102}}
	cache, mr := newCacheUnderTest(t, source, 10*time.Second)
	ctx := context.Background()

	_, err := cache.RecentCloses(ctx, "AAPL", 2)
	require.NoError(t, err)

	mr.FastForward(11 * time.Second)

	_, err = cache.RecentCloses(ctx, "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestHistoryCacheMissOnShortSeries(t *testing.T) {
	source := &countingHistory{closes: []float64{100, 101, 102, 103, 104}}
	cache, _ := newCacheUnderTest(t, source, time.Minute)
	ctx := context.Background()

	_, err := cache.RecentCloses(ctx, "AAPL", 2)
	require.NoError(t, err)

	// A wider window than what was cached goes back to the source.
	closes, err := cache.RecentCloses(ctx, "AAPL", 5)
	require.NoError(t, err)
	assert.Len(t, closes, 5)
	assert.Equal(t, 2, source.calls)
}

func TestHistoryCacheSourceErrorPropagates(t *testing.T) {
	source := &countingHistory{err: errors.New("upstream down")}
	cache, _ := newCacheUnderTest(t, source, time.Minute)

	_, err := cache.RecentCloses(context.Background(), "AAPL", 3)
	assert.ErrorContains(t, err, "upstream down")
}

func TestHistoryCacheFallsThroughWhenRedisDown(t *testing.T) {
	source := &countingHistory{closes: []float64{100, 101, 102}}
	cache, mr := newCacheUnderTest(t, source, time.Minute)
	mr.Close()

	closes, err := cache.RecentCloses(context.Background(), "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{101, 102}, closes)
}
