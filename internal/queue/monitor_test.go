package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/risk"
)

// fakeAccountBroker lets tests steer account state directly.
type fakeAccountBroker struct {
	mu          sync.Mutex
	buyingPower float64
	positions   []*broker.Position
}

func (f *fakeAccountBroker) Name() string { return "fake" }

func (f *fakeAccountBroker) GetAccount(context.Context) (*broker.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &broker.Account{Status: broker.AccountActive, BuyingPower: f.buyingPower}, nil
}

func (f *fakeAccountBroker) GetPositions(context.Context) ([]*broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeAccountBroker) GetPosition(context.Context, string) (*broker.Position, error) {
	return nil, nil
}

func (f *fakeAccountBroker) SubmitOrder(context.Context, broker.OrderRequest) (*broker.Order, error) {
	return nil, nil
}

func (f *fakeAccountBroker) GetOrderStatus(context.Context, string) (*broker.Order, error) {
	return nil, nil
}

func (f *fakeAccountBroker) CancelOrder(context.Context, string) error { return nil }

func (f *fakeAccountBroker) GetQuote(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeAccountBroker) set(bp float64, symbols ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyingPower = bp
	f.positions = nil
	for _, s := range symbols {
		f.positions = append(f.positions, &broker.Position{Symbol: s, Side: broker.PositionLong, Qty: 1})
	}
}

func TestMonitorWakesOnBuyingPowerRecovery(t *testing.T) {
	b := &fakeAccountBroker{}
	b.set(50)
	wakes := 0
	m := NewAccountMonitor(testQueueConfig(), b, nil, func() { wakes++ })
	ctx := context.Background()

	m.Poll(ctx) // seed
	assert.Equal(t, 0, wakes)

	m.Poll(ctx) // still below threshold
	assert.Equal(t, 0, wakes)

	b.set(500)
	m.Poll(ctx)
	assert.Equal(t, 1, wakes)

	m.Poll(ctx) // already above: no new transition
	assert.Equal(t, 1, wakes)
}

func TestMonitorWakesOnPositionClosed(t *testing.T) {
	b := &fakeAccountBroker{}
	b.set(5000, "AAPL", "MSFT")
	wakes := 0
	m := NewAccountMonitor(testQueueConfig(), b, nil, func() { wakes++ })
	ctx := context.Background()

	m.Poll(ctx) // seed
	b.set(5000, "AAPL")
	m.Poll(ctx)
	assert.Equal(t, 1, wakes)

	// Opening a position is not a positive transition.
	b.set(5000, "AAPL", "GOOG")
	m.Poll(ctx)
	assert.Equal(t, 1, wakes)
}

func TestMonitorWakesOnResume(t *testing.T) {
	b := &fakeAccountBroker{}
	b.set(5000)
	controller := risk.NewController()
	controller.Pause("manual")
	wakes := 0
	m := NewAccountMonitor(testQueueConfig(), b, controller, func() { wakes++ })
	ctx := context.Background()

	m.Poll(ctx) // seed while paused
	m.Poll(ctx)
	assert.Equal(t, 0, wakes)

	controller.Resume()
	m.Poll(ctx)
	assert.Equal(t, 1, wakes)
}
