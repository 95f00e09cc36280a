package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CachedBroker decorates a Broker with short-lived account and position
// caches. Any order submission invalidates both, since fills change them.
type CachedBroker struct {
	Broker

	accountTTL   time.Duration
	positionsTTL time.Duration
	now          func() time.Time

	mu          sync.Mutex
	account     *Account
	accountAt   time.Time
	positions   []*Position
	positionsAt time.Time
}

// NewCachedBroker wraps a broker with the given cache TTLs.
func NewCachedBroker(b Broker, accountTTL, positionsTTL time.Duration) *CachedBroker {
	return &CachedBroker{
		Broker:       b,
		accountTTL:   accountTTL,
		positionsTTL: positionsTTL,
		now:          time.Now,
	}
}

func (c *CachedBroker) GetAccount(ctx context.Context) (*Account, error) {
	c.mu.Lock()
	if c.account != nil && c.now().Sub(c.accountAt) < c.accountTTL {
		acct := *c.account
		c.mu.Unlock()
		return &acct, nil
	}
	c.mu.Unlock()

	acct, err := c.Broker.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.account = acct
	c.accountAt = c.now()
	c.mu.Unlock()

	clone := *acct
	return &clone, nil
}

func (c *CachedBroker) GetPositions(ctx context.Context) ([]*Position, error) {
	c.mu.Lock()
	if c.positions != nil && c.now().Sub(c.positionsAt) < c.positionsTTL {
		out := clonePositions(c.positions)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	positions, err := c.Broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.positions = positions
	c.positionsAt = c.now()
	c.mu.Unlock()

	return clonePositions(positions), nil
}

// GetPosition reads through the positions cache.
func (c *CachedBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, nil
}

// SubmitOrder forwards to the broker and invalidates both caches whether
// or not the submit succeeded: a rejection can still reflect state the
// cache has not seen.
func (c *CachedBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	order, err := c.Broker.SubmitOrder(ctx, req)
	c.Invalidate()
	return order, err
}

// Invalidate drops both caches.
func (c *CachedBroker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = nil
	c.positions = nil
	log.Debug().Str("broker", c.Broker.Name()).Msg("Broker caches invalidated")
}

func clonePositions(in []*Position) []*Position {
	out := make([]*Position, len(in))
	for i, p := range in {
		clone := *p
		out[i] = &clone
	}
	return out
}
