// Package regime classifies recent market behavior for a symbol so the
// consensus engine can calibrate confidence and pick the right emission
// threshold.
package regime

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/config"
)

// Market regimes. Every classification resolves to exactly one of these;
// unknown inputs fall back to the default threshold with neutral
// calibration.
const (
	Trending      = "TRENDING"
	Consolidation = "CONSOLIDATION"
	Volatile      = "VOLATILE"
)

const (
	fastEMAPeriod   = 9
	slowEMAPeriod   = 21
	bollingerPeriod = 20

	// Realized-volatility cutoff: per-bar return stddev above this is a
	// volatile market regardless of trend.
	volatileReturnStdDev = 0.015

	// EMA separation above this fraction of price marks a trending market.
	trendStrengthCutoff = 0.004
)

// Classification is the regime decision for one symbol at one point in
// time.
type Classification struct {
	Regime        string  `json:"regime"`
	Threshold     float64 `json:"threshold"`   // minimum consensus confidence to emit
	Kappa         float64 `json:"kappa"`       // confidence calibration multiplier
	TrendStrength float64 `json:"trend_strength"`
	Volatility    float64 `json:"volatility"`  // stddev of per-bar returns
	BandWidth     float64 `json:"band_width"`  // Bollinger width as pct of middle band
}

// Classifier maps recent close prices to a market regime.
type Classifier struct {
	cfg config.RegimeConfig
}

// NewClassifier creates a regime classifier from configuration.
func NewClassifier(cfg config.RegimeConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// MinDataPoints is the smallest close-price history Classify accepts.
func (c *Classifier) MinDataPoints() int {
	n := c.cfg.Lookback
	if n < slowEMAPeriod {
		n = slowEMAPeriod
	}
	return n
}

// Classify determines the current regime from recent closes, newest last.
// With insufficient history it returns the default threshold and neutral
// calibration rather than an error, so a cold start never blocks signal
// production.
func (c *Classifier) Classify(symbol string, closes []float64) Classification {
	if len(closes) < c.MinDataPoints() {
		log.Debug().
			Str("symbol", symbol).
			Int("closes", len(closes)).
			Int("required", c.MinDataPoints()).
			Msg("Insufficient history for regime classification, using default threshold")
		return c.defaultClassification()
	}

	window := closes
	if len(window) > c.cfg.Lookback && c.cfg.Lookback >= slowEMAPeriod {
		window = window[len(window)-c.cfg.Lookback:]
	}

	vol := returnStdDev(window)
	strength := emaTrendStrength(window)
	width := bollingerWidth(window)

	regime := Consolidation
	switch {
	case vol > volatileReturnStdDev:
		regime = Volatile
	case strength > trendStrengthCutoff:
		regime = Trending
	}

	cls := Classification{
		Regime:        regime,
		Threshold:     c.threshold(regime),
		Kappa:         c.kappa(regime),
		TrendStrength: strength,
		Volatility:    vol,
		BandWidth:     width,
	}

	log.Debug().
		Str("symbol", symbol).
		Str("regime", cls.Regime).
		Float64("threshold", cls.Threshold).
		Float64("kappa", cls.Kappa).
		Float64("volatility", vol).
		Float64("trend_strength", strength).
		Msg("Regime classified")

	return cls
}

func (c *Classifier) defaultClassification() Classification {
	return Classification{
		Regime:    Consolidation,
		Threshold: c.cfg.DefaultThreshold,
		Kappa:     1.0,
	}
}

func (c *Classifier) threshold(regime string) float64 {
	if t, ok := c.cfg.Thresholds[regime]; ok && t > 0 {
		return t
	}
	return c.cfg.DefaultThreshold
}

func (c *Classifier) kappa(regime string) float64 {
	if k, ok := c.cfg.Calibration[regime]; ok && k > 0 {
		return k
	}
	return 1.0
}

// ThresholdFor exposes the per-regime emission threshold by name. Unknown
// regimes get the default.
func (c *Classifier) ThresholdFor(regime string) float64 {
	return c.threshold(regime)
}

// returnStdDev computes the standard deviation of per-bar percentage
// returns.
func returnStdDev(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// emaTrendStrength measures directional persistence as the separation of
// a fast and slow EMA relative to price.
func emaTrendStrength(closes []float64) float64 {
	fast := lastEMA(closes, fastEMAPeriod)
	slow := lastEMA(closes, slowEMAPeriod)
	if slow == 0 {
		return 0
	}
	return math.Abs(fast-slow) / slow
}

func lastEMA(closes []float64, period int) float64 {
	ema := trend.NewEmaWithPeriod[float64](period)
	out := ema.Compute(sliceToChan(closes))

	last := 0.0
	for v := range out {
		last = v
	}
	return last
}

// bollingerWidth returns the most recent Bollinger band width as a
// percentage of the middle band.
func bollingerWidth(closes []float64) float64 {
	bb := volatility.NewBollingerBandsWithPeriod[float64](bollingerPeriod)
	lowerChan, middleChan, upperChan := bb.Compute(sliceToChan(closes))

	var lower, middle, upper float64
	var any bool
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower, middle, upper = l, m, u
		any = true
	}
	if !any || middle == 0 {
		return 0
	}
	return ((upper - lower) / middle) * 100
}

func sliceToChan(values []float64) chan float64 {
	out := make(chan float64, len(values))
	for _, v := range values {
		out <- v
	}
	close(out)
	return out
}

// String implements fmt.Stringer for logging.
func (cl Classification) String() string {
	return fmt.Sprintf("%s (threshold=%.0f kappa=%.2f)", cl.Regime, cl.Threshold, cl.Kappa)
}
