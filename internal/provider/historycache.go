package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const historyCacheOpTimeout = 500 * time.Millisecond

// historyEntry is the cached close series with its fetch time.
type historyEntry struct {
	Closes    []float64 `json:"closes"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RedisHistoryCache caches close-price history in Redis in front of a
// slower PriceHistory source. Cache failures fall through to the
// source; the cache can only make things faster, never wrong.
type RedisHistoryCache struct {
	client *redis.Client
	source PriceHistory
	ttl    time.Duration
}

// NewRedisHistoryCache wraps source with a Redis read-through cache.
func NewRedisHistoryCache(client *redis.Client, source PriceHistory, ttl time.Duration) *RedisHistoryCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisHistoryCache{client: client, source: source, ttl: ttl}
}

// RecentCloses returns cached closes when a fresh entry with at least n
// points exists, otherwise fetches from the source and caches the
// result.
func (c *RedisHistoryCache) RecentCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	key := c.key(symbol)

	if closes, ok := c.get(ctx, key, n); ok {
		return closes, nil
	}

	closes, err := c.source.RecentCloses(ctx, symbol, n)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, closes)
	return closes, nil
}

func (c *RedisHistoryCache) get(ctx context.Context, key string, n int) ([]float64, bool) {
	opCtx, cancel := context.WithTimeout(ctx, historyCacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(opCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("History cache read failed, treating as miss")
		}
		return nil, false
	}

	var entry historyEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable history cache entry")
		return nil, false
	}
	if len(entry.Closes) < n {
		return nil, false
	}
	return entry.Closes[len(entry.Closes)-n:], true
}

func (c *RedisHistoryCache) set(ctx context.Context, key string, closes []float64) {
	data, err := json.Marshal(historyEntry{Closes: closes, FetchedAt: time.Now().UTC()})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode history cache entry")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, historyCacheOpTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, key, data, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("History cache write failed")
	}
}

func (c *RedisHistoryCache) key(symbol string) string {
	return fmt.Sprintf("history:closes:%s", symbol)
}
