// Package consensus fuses per-provider directional opinions into one
// weighted decision, calibrated by market regime and cached against
// repeated evaluation of an unchanged market.
package consensus

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/provider"
	"github.com/kvasirlabs/signalflux/internal/regime"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// regimeKindWeights adjusts provider-kind influence per regime. In a
// trending market technical evidence leads; in a volatile one live market
// data outweighs slower sources.
var regimeKindWeights = map[string]map[provider.Kind]float64{
	regime.Trending: {
		provider.KindTechnical: 1.25,
		provider.KindSentiment: 0.9,
	},
	regime.Volatile: {
		provider.KindPrimaryMarket: 1.25,
		provider.KindSentiment:     0.75,
		provider.KindAI:            0.9,
	},
}

// Input is one provider opinion with its configured weight, already
// fetched by the caller.
type Input struct {
	Signal *provider.Signal
	Weight float64
}

// Result is a fused consensus decision for one symbol.
type Result struct {
	Symbol         string
	Direction      provider.Direction
	Confidence     float64 // [0, 100] after regime calibration
	Score          float64 // signed pre-calibration score in [-1, 1]
	Regime         string
	Threshold      float64
	ReferencePrice float64
	SourcesUsed    []string
	Contributions  []signal.SourceContribution
	ComputedAt     time.Time
	Cached         bool
}

// Meets reports whether the fused confidence clears the regime threshold.
func (r *Result) Meets() bool {
	return r.Direction != provider.DirectionNeutral && r.Confidence >= r.Threshold
}

// Engine fuses provider inputs. Safe for concurrent use.
type Engine struct {
	cfg     config.ConsensusConfig
	cache   *lruCache
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates a consensus engine from configuration.
func NewEngine(cfg config.ConsensusConfig) *Engine {
	return &Engine{
		cfg:     cfg,
		cache:   newLRUCache(cfg.CacheSize, cfg.CacheTTL()),
		metrics: metrics.Get(),
		now:     time.Now,
	}
}

// Fuse computes the weighted directional consensus for a symbol at the
// given reference price under the given regime. Results are cached keyed
// on symbol, quantized price, and the contributing provider set.
func (e *Engine) Fuse(symbol string, referencePrice float64, cls regime.Classification, inputs []Input) (*Result, error) {
	qualified := e.qualify(symbol, inputs)
	if len(qualified) == 0 {
		return nil, fmt.Errorf("no qualified provider signals for %s", symbol)
	}

	ids := make([]string, 0, len(qualified))
	for _, in := range qualified {
		ids = append(ids, in.Signal.ProviderID)
	}

	now := e.now()
	key := makeCacheKey(symbol, referencePrice, e.cfg.PriceBucketPct, ids)
	if cached, ok := e.cache.get(key, now); ok {
		e.metrics.ConsensusCacheHits.Inc()
		out := *cached
		out.Cached = true
		return &out, nil
	}
	e.metrics.ConsensusCacheMisses.Inc()

	result := e.fuse(symbol, referencePrice, cls, qualified, now)
	e.cache.put(key, result, now)

	log.Debug().
		Str("symbol", symbol).
		Str("direction", string(result.Direction)).
		Float64("confidence", result.Confidence).
		Float64("score", result.Score).
		Str("regime", cls.Regime).
		Int("sources", len(result.SourcesUsed)).
		Msg("Consensus computed")

	return result, nil
}

// qualify drops stale and low-confidence provider signals before fusion.
func (e *Engine) qualify(symbol string, inputs []Input) []Input {
	now := e.now()
	maxAge := e.cfg.MaxStaleness()

	out := make([]Input, 0, len(inputs))
	for _, in := range inputs {
		if in.Signal == nil || in.Weight <= 0 {
			continue
		}
		if in.Signal.Age(now) > maxAge {
			log.Debug().
				Str("symbol", symbol).
				Str("provider", in.Signal.ProviderID).
				Dur("age", in.Signal.Age(now)).
				Msg("Dropping stale provider signal")
			continue
		}
		if in.Signal.Confidence < e.cfg.MinConfidence {
			continue
		}
		out = append(out, in)
	}
	return out
}

func (e *Engine) fuse(symbol string, referencePrice float64, cls regime.Classification, inputs []Input, now time.Time) *Result {
	var score, totalWeight float64
	contributions := make([]signal.SourceContribution, 0, len(inputs))
	sources := make([]string, 0, len(inputs))

	for _, in := range inputs {
		w := in.Weight
		if e.cfg.RegimeWeightMap {
			if adj, ok := regimeKindWeights[cls.Regime][in.Signal.Kind]; ok {
				w *= adj
			}
		}

		score += w * in.Signal.Direction.Value() * in.Signal.Confidence / 100
		totalWeight += w

		contributions = append(contributions, signal.SourceContribution{
			ProviderID: in.Signal.ProviderID,
			Direction:  string(in.Signal.Direction),
			Confidence: in.Signal.Confidence,
			Weight:     w,
		})
		sources = append(sources, in.Signal.ProviderID)
	}

	if totalWeight > 0 {
		score /= totalWeight
	}

	direction := provider.DirectionNeutral
	switch {
	case score > 0:
		direction = provider.DirectionLong
	case score < 0:
		direction = provider.DirectionShort
	}

	confidence := absScore(score) * 100 * cls.Kappa
	if confidence > 100 {
		confidence = 100
	}

	return &Result{
		Symbol:         symbol,
		Direction:      direction,
		Confidence:     confidence,
		Score:          score,
		Regime:         cls.Regime,
		Threshold:      cls.Threshold,
		ReferencePrice: referencePrice,
		SourcesUsed:    sources,
		Contributions:  contributions,
		ComputedAt:     now,
	}
}

// CacheLen reports the number of live cache entries, for the control
// surface.
func (e *Engine) CacheLen() int {
	return e.cache.len()
}

func absScore(s float64) float64 {
	if s < 0 {
		return -s
	}
	return s
}
