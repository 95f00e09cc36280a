package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Sizing constants. Confidence below the baseline contributes no boost;
// at 100 the boost tops out at +50%. Volatility scaling is clamped so a
// quiet market cannot more than 1.5x the base size.
const (
	confBaseline = 75.0
	confSpan     = 25.0
	confMaxBoost = 0.5

	targetVolatility = 0.01
	volMultCeiling   = 1.5
	volMultFloor     = 0.5

	cryptoQtyPrecision = 6
)

// Sizer converts account equity, confidence, and volatility into an order
// quantity.
type Sizer struct {
	cfg  config.RiskConfig
	vols *VolCache
}

// NewSizer creates a position sizer reading volatility from the shared
// cache.
func NewSizer(cfg config.RiskConfig, vols *VolCache) *Sizer {
	return &Sizer{cfg: cfg, vols: vols}
}

// Sizing is the full breakdown of one sizing decision.
type Sizing struct {
	Qty      float64
	Notional float64
	BaseSize float64
	ConfMult float64
	VolMult  float64
	Capped   bool
}

// Size computes the order quantity for a signal at the given equity.
// Equities floor to whole shares; crypto rounds to six decimals and must
// clear the symbol's minimum notional.
func (s *Sizer) Size(equity, price, confidence float64, symbol string, class signal.AssetClass, minNotional float64) (*Sizing, error) {
	if price <= 0 {
		return nil, fmt.Errorf("cannot size %s at price %v", symbol, price)
	}
	if equity <= 0 {
		return nil, fmt.Errorf("cannot size %s with equity %v", symbol, equity)
	}

	base := equity * s.cfg.PositionSizePct
	confMult := confidenceMultiplier(confidence)
	volMult := s.volatilityMultiplier(symbol)

	notional := base * confMult * volMult

	capped := false
	if maxNotional := equity * s.cfg.MaxPositionSizePct; notional > maxNotional {
		notional = maxNotional
		capped = true
	}

	qty := notional / price
	switch class {
	case signal.AssetEquity:
		qty = math.Floor(qty)
		if qty < 1 {
			return nil, fmt.Errorf("sized below one share for %s (notional %.2f at %.2f)", symbol, notional, price)
		}
	case signal.AssetCrypto:
		factor := math.Pow(10, cryptoQtyPrecision)
		qty = math.Floor(qty*factor) / factor
		if qty*price < minNotional {
			return nil, fmt.Errorf("sized below minimum notional for %s: %.2f < %.2f", symbol, qty*price, minNotional)
		}
	default:
		return nil, fmt.Errorf("unknown asset class %q for %s", class, symbol)
	}

	sizing := &Sizing{
		Qty:      qty,
		Notional: qty * price,
		BaseSize: base,
		ConfMult: confMult,
		VolMult:  volMult,
		Capped:   capped,
	}

	log.Debug().
		Str("symbol", symbol).
		Float64("qty", qty).
		Float64("notional", sizing.Notional).
		Float64("conf_mult", confMult).
		Float64("vol_mult", volMult).
		Bool("capped", capped).
		Msg("Position sized")

	return sizing, nil
}

// confidenceMultiplier scales size linearly from 1.0 at the baseline to
// 1.5 at full confidence.
func confidenceMultiplier(confidence float64) float64 {
	if confidence < confBaseline {
		return 1.0
	}
	if confidence > 100 {
		confidence = 100
	}
	return 1.0 + ((confidence-confBaseline)/confSpan)*confMaxBoost
}

// volatilityMultiplier shrinks size in turbulent markets and modestly
// grows it in quiet ones. Unknown volatility sizes at 1.0.
func (s *Sizer) volatilityMultiplier(symbol string) float64 {
	vol, ok := s.vols.Get(symbol)
	if !ok || vol <= 0 {
		return 1.0
	}

	mult := targetVolatility / vol
	if mult > volMultCeiling {
		mult = volMultCeiling
	}
	if mult < volMultFloor {
		mult = volMultFloor
	}
	return mult
}
