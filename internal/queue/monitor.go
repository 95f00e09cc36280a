package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/risk"
)

// AccountMonitor watches broker account state and wakes the queue
// processor on positive transitions: buying power recovering above the
// retry threshold, a position closing, or trading resuming from pause.
type AccountMonitor struct {
	cfg        config.QueueConfig
	broker     broker.Broker
	controller *risk.Controller
	notify     func()

	trigger chan struct{}

	mu          sync.Mutex
	seeded      bool
	lastBP      float64
	lastSymbols map[string]bool
	lastPaused  bool
}

// NewAccountMonitor wires a monitor that calls notify on each positive
// transition. controller may be nil.
func NewAccountMonitor(cfg config.QueueConfig, b broker.Broker, controller *risk.Controller, notify func()) *AccountMonitor {
	return &AccountMonitor{
		cfg:        cfg,
		broker:     b,
		controller: controller,
		notify:     notify,
		trigger:    make(chan struct{}, 1),
	}
}

// PublishTradeEvent makes the monitor poll immediately after any trade,
// on top of its regular cadence.
func (m *AccountMonitor) PublishTradeEvent(context.Context, *execution.Event) {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run polls until the context is canceled.
func (m *AccountMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval())
	defer ticker.Stop()

	log.Info().
		Dur("interval", m.cfg.MonitorInterval()).
		Float64("min_buying_power", m.cfg.MinBuyingPower).
		Msg("Account monitor started")

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Account monitor stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-m.trigger:
		}
		m.Poll(ctx)
	}
}

// Poll takes one account snapshot and fires notify on positive
// transitions since the previous snapshot.
func (m *AccountMonitor) Poll(ctx context.Context) {
	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Account monitor failed to read account")
		return
	}
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Account monitor failed to read positions")
		return
	}

	symbols := make(map[string]bool, len(positions))
	for _, p := range positions {
		symbols[p.Symbol] = true
	}
	paused := m.controller != nil && m.controller.Paused()

	m.mu.Lock()
	wake := false
	reason := ""
	if m.seeded {
		if m.lastBP < m.cfg.MinBuyingPower && account.BuyingPower >= m.cfg.MinBuyingPower {
			wake = true
			reason = "buying power recovered"
		}
		for sym := range m.lastSymbols {
			if !symbols[sym] {
				wake = true
				reason = "position closed"
				break
			}
		}
		if m.lastPaused && !paused {
			wake = true
			reason = "trading resumed"
		}
	}
	m.seeded = true
	m.lastBP = account.BuyingPower
	m.lastSymbols = symbols
	m.lastPaused = paused
	m.mu.Unlock()

	if wake && m.notify != nil {
		log.Info().Str("reason", reason).Msg("Account transition, waking queue processor")
		m.notify()
	}
}
