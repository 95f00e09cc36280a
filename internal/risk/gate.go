package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/metrics"
)

// Gate layers, evaluated strictly in this order. The first failing layer
// names the rejection; later layers are not evaluated.
const (
	LayerPaused           = "trading_paused"
	LayerAccountStatus    = "account_status"
	LayerPropProfile      = "prop_profile"
	LayerDailyLoss        = "daily_loss"
	LayerDrawdown         = "drawdown"
	LayerBuyingPower      = "buying_power"
	LayerPositionConflict = "position_conflict"
	LayerCorrelation      = "correlation"
)

// PropProfile is a named set of prop-firm style restrictions layered on
// top of the numeric limits.
type PropProfile struct {
	Name                   string
	AllowShorts            bool
	RestrictedSymbols      map[string]bool
	MaxNotional            float64 // 0 = unlimited
	MinConfidence          float64 // 0 = no floor
	MaxConcurrentPositions int     // 0 = unlimited
}

var propProfiles = map[string]PropProfile{
	"": {Name: "unrestricted", AllowShorts: true},
	"standard": {
		Name:                   "standard",
		AllowShorts:            true,
		MaxNotional:            250000,
		MinConfidence:          82,
		MaxConcurrentPositions: 10,
	},
	"conservative": {
		Name:                   "conservative",
		AllowShorts:            false,
		MaxNotional:            50000,
		MinConfidence:          85,
		MaxConcurrentPositions: 3,
		RestrictedSymbols:      map[string]bool{"DOGEUSDT": true, "SHIBUSDT": true},
	},
}

// Intent is one proposed trade presented to the gate.
type Intent struct {
	Symbol     string
	Side       broker.PositionSide
	Notional   float64 // requested exposure in account currency
	Confidence float64 // signal confidence, 0-100
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Layer   string // failing layer when not allowed
	Reason  string
}

// Gate runs the ordered pre-trade checks against live account state.
// Daily-loss and drawdown breaches do more than reject the current
// intent: they trip the controller, so order flow stays halted until
// the next session boundary (daily loss) or an operator resume
// (drawdown).
type Gate struct {
	cfg        config.RiskConfig
	broker     broker.Broker
	controller *Controller // may be nil
	metrics    *metrics.Metrics

	// peak equity high-water mark for drawdown tracking
	mu   sync.Mutex
	peak float64

	// symbol -> correlation bucket name
	buckets map[string]string
}

// NewGate creates a risk gate over the given broker. A nil controller
// disables the standing-pause behavior on loss-limit breaches.
func NewGate(cfg config.RiskConfig, b broker.Broker, controller *Controller) *Gate {
	buckets := make(map[string]string)
	for bucket, symbols := range cfg.CorrelationBuckets {
		for _, s := range symbols {
			buckets[s] = bucket
		}
	}
	return &Gate{
		cfg:        cfg,
		broker:     b,
		controller: controller,
		metrics:    metrics.Get(),
		buckets:    buckets,
	}
}

// Check evaluates all layers in order and returns the first rejection.
func (g *Gate) Check(ctx context.Context, intent Intent) (*Decision, error) {
	var decision *Decision
	if g.controller != nil && g.controller.Paused() {
		_, reason, _ := g.controller.Status()
		decision = reject(LayerPaused, fmt.Sprintf("trading paused: %s", reason))
	} else {
		account, err := g.broker.GetAccount(ctx)
		if err != nil {
			return nil, fmt.Errorf("risk gate could not read account: %w", err)
		}
		positions, err := g.broker.GetPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("risk gate could not read positions: %w", err)
		}
		decision = g.evaluate(intent, account, positions)
		if !decision.Allowed {
			g.tripCircuit(decision)
		}
	}

	if !decision.Allowed {
		g.metrics.RiskRejections.WithLabelValues(decision.Layer).Inc()
		log.Info().
			Str("symbol", intent.Symbol).
			Str("side", string(intent.Side)).
			Float64("notional", intent.Notional).
			Str("layer", decision.Layer).
			Str("reason", decision.Reason).
			Msg("Risk gate rejected trade")
	}
	return decision, nil
}

func (g *Gate) evaluate(intent Intent, account *broker.Account, positions []*broker.Position) *Decision {
	// 1. Account status
	if account.Status != broker.AccountActive {
		return reject(LayerAccountStatus, fmt.Sprintf("account status %s", account.Status))
	}

	// 2. Prop profile restrictions
	profile, ok := propProfiles[g.cfg.PropProfile]
	if !ok {
		return reject(LayerPropProfile, fmt.Sprintf("unknown prop profile %q", g.cfg.PropProfile))
	}
	if intent.Side == broker.PositionShort && !profile.AllowShorts {
		return reject(LayerPropProfile, fmt.Sprintf("profile %s forbids short positions", profile.Name))
	}
	if profile.RestrictedSymbols[intent.Symbol] {
		return reject(LayerPropProfile, fmt.Sprintf("symbol %s restricted by profile %s", intent.Symbol, profile.Name))
	}
	if profile.MaxNotional > 0 && intent.Notional > profile.MaxNotional {
		return reject(LayerPropProfile, fmt.Sprintf("notional %.2f exceeds profile cap %.2f", intent.Notional, profile.MaxNotional))
	}
	if profile.MinConfidence > 0 && intent.Confidence < profile.MinConfidence {
		return reject(LayerPropProfile,
			fmt.Sprintf("confidence %.1f below profile %s floor %.1f", intent.Confidence, profile.Name, profile.MinConfidence))
	}
	if profile.MaxConcurrentPositions > 0 && len(positions) >= profile.MaxConcurrentPositions {
		return reject(LayerPropProfile,
			fmt.Sprintf("%d open positions at profile %s cap %d", len(positions), profile.Name, profile.MaxConcurrentPositions))
	}

	// 3. Daily loss limit
	if account.LastEquity > 0 {
		dayChange := (account.Equity - account.LastEquity) / account.LastEquity
		if dayChange <= -g.cfg.DailyLossLimitPct {
			return reject(LayerDailyLoss,
				fmt.Sprintf("daily loss %.2f%% breaches limit %.2f%%", dayChange*100, g.cfg.DailyLossLimitPct*100))
		}
	}

	// 4. Drawdown from peak equity
	peak := g.updatePeak(account.Equity)
	if peak > 0 {
		drawdown := (peak - account.Equity) / peak
		if drawdown >= g.cfg.MaxDrawdownPct {
			return reject(LayerDrawdown,
				fmt.Sprintf("drawdown %.2f%% breaches limit %.2f%%", drawdown*100, g.cfg.MaxDrawdownPct*100))
		}
	}

	// 5. Buying power, with the margin buffer held back as reserve
	deployable := account.BuyingPower * (1 - g.cfg.MarginBufferPct)
	if intent.Notional > deployable {
		return reject(LayerBuyingPower,
			fmt.Sprintf("notional %.2f exceeds deployable %.2f (%.0f%% buffer reserved)",
				intent.Notional, deployable, g.cfg.MarginBufferPct*100))
	}

	// 6. Same-side position conflict: no pyramiding onto an existing
	// position. Opposite-side intents pass; the execution layer resolves
	// them as closes or flips.
	for _, p := range positions {
		if p.Symbol == intent.Symbol && p.Side == intent.Side {
			return reject(LayerPositionConflict,
				fmt.Sprintf("already holding %s %s", p.Side, p.Symbol))
		}
	}

	// 7. Correlation exposure cap
	bucket, inBucket := g.buckets[intent.Symbol]
	if inBucket {
		held := 0
		for _, p := range positions {
			if p.Symbol == intent.Symbol {
				continue
			}
			if g.buckets[p.Symbol] == bucket {
				held++
			}
		}
		if held >= g.cfg.MaxCorrelatedPositions {
			return reject(LayerCorrelation,
				fmt.Sprintf("%d open positions already in bucket %s (max %d)", held, bucket, g.cfg.MaxCorrelatedPositions))
		}
	}

	return &Decision{Allowed: true}
}

// tripCircuit converts loss-limit rejections into a standing pause, so
// equity recovering within the same session cannot re-open order flow.
func (g *Gate) tripCircuit(d *Decision) {
	if g.controller == nil {
		return
	}
	switch d.Layer {
	case LayerDailyLoss:
		g.controller.PauseUntil(d.Reason, nextSessionStart(time.Now().UTC()))
	case LayerDrawdown:
		g.controller.Pause(d.Reason)
	}
}

// nextSessionStart returns the UTC midnight after t, when the broker
// rolls last_equity and the daily loss window resets.
func nextSessionStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// updatePeak advances the equity high-water mark and returns it.
func (g *Gate) updatePeak(equity float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if equity > g.peak {
		g.peak = equity
	}
	return g.peak
}

// SeedPeak primes the drawdown high-water mark, typically from persisted
// state at startup.
func (g *Gate) SeedPeak(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if equity > g.peak {
		g.peak = equity
	}
}

func reject(layer, reason string) *Decision {
	return &Decision{Allowed: false, Layer: layer, Reason: reason}
}
