// Package generator runs the signal production cycle: race the primary
// market providers for a reference price, fan out to the rest, fuse a
// consensus, gate it on the regime threshold, and emit the signal to the
// store, the publisher, and (when enabled) the execution engine.
package generator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/consensus"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/provider"
	"github.com/kvasirlabs/signalflux/internal/regime"
	"github.com/kvasirlabs/signalflux/internal/risk"
	"github.com/kvasirlabs/signalflux/internal/signal"
	"github.com/kvasirlabs/signalflux/internal/store"
)

// Publisher delivers emitted signals to downstream subscribers.
type Publisher interface {
	PublishSignal(ctx context.Context, sig *signal.Signal) error
}

// Publishers fans one signal out to several publishers in order. The
// first error aborts the remainder.
type Publishers []Publisher

// PublishSignal delivers the signal to every publisher.
func (ps Publishers) PublishSignal(ctx context.Context, sig *signal.Signal) error {
	for _, p := range ps {
		if err := p.PublishSignal(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

// Executor hands an emitted signal to trade execution. Satisfied by
// *execution.Engine.
type Executor interface {
	Execute(ctx context.Context, sig *signal.Signal) (*execution.Result, error)
}

// Generator orchestrates signal production cycles. It exclusively owns
// the per-symbol last-price and last-signal caches.
type Generator struct {
	cfg        config.EngineConfig
	trading    config.TradingConfig
	registry   *provider.Registry
	consensus  *consensus.Engine
	regimes    *regime.Classifier
	store      store.Store
	history    provider.PriceHistory
	publisher  Publisher
	exec       Executor
	controller *risk.Controller
	vols       *risk.VolCache
	metrics    *metrics.Metrics

	mu         sync.Mutex
	inFlight   map[string]bool
	lastPrice  map[string]float64
	lastSignal map[string]*signal.Signal
	lastVol    map[string]float64

	// emitMu is the single global serialization point: it orders hash
	// chain writes across concurrently processed symbols.
	emitMu sync.Mutex

	wg  sync.WaitGroup
	now func() time.Time
}

// New wires a generator. publisher, exec, and controller may be nil.
func New(cfg config.EngineConfig, trading config.TradingConfig, registry *provider.Registry,
	eng *consensus.Engine, regimes *regime.Classifier, st store.Store, history provider.PriceHistory,
	publisher Publisher, exec Executor, controller *risk.Controller, vols *risk.VolCache) *Generator {

	return &Generator{
		cfg:        cfg,
		trading:    trading,
		registry:   registry,
		consensus:  eng,
		regimes:    regimes,
		store:      st,
		history:    history,
		publisher:  publisher,
		exec:       exec,
		controller: controller,
		vols:       vols,
		metrics:    metrics.Get(),
		inFlight:   make(map[string]bool),
		lastPrice:  make(map[string]float64),
		lastSignal: make(map[string]*signal.Signal),
		lastVol:    make(map[string]float64),
		now:        time.Now,
	}
}

// Run triggers cycles on the configured interval until the context is
// canceled, then drains in-flight work within the shutdown grace.
func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.CycleInterval())
	defer ticker.Stop()

	log.Info().
		Dur("interval", g.cfg.CycleInterval()).
		Int("symbols", len(g.cfg.Symbols)).
		Int("workers", g.workers()).
		Msg("Signal generator started")

	for {
		select {
		case <-ctx.Done():
			return g.drain()
		case <-ticker.C:
			g.RunCycle(ctx)
		}
	}
}

// RunCycle dispatches one cycle and returns without waiting. Symbols
// whose previous cycle is still in flight are skipped; free symbols run.
func (g *Generator) RunCycle(ctx context.Context) {
	start := g.now()
	wg := g.dispatch(ctx)
	go func() {
		wg.Wait()
		g.metrics.CycleLatency.Observe(time.Since(start).Seconds())
	}()
}

// CycleOnce runs one full cycle to completion.
func (g *Generator) CycleOnce(ctx context.Context) {
	start := g.now()
	g.dispatch(ctx).Wait()
	g.metrics.CycleLatency.Observe(time.Since(start).Seconds())
}

func (g *Generator) dispatch(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	if g.controller != nil && g.controller.Paused() {
		g.metrics.CycleSkips.WithLabelValues("paused").Inc()
		return wg
	}

	sem := make(chan struct{}, g.workers())
	for _, sc := range g.prioritized() {
		if !g.claim(sc.Symbol) {
			g.metrics.CycleSkips.WithLabelValues("in_flight").Inc()
			continue
		}
		wg.Add(1)
		g.wg.Add(1)
		sem <- struct{}{}
		go func(sc config.SymbolConfig) {
			defer func() {
				g.release(sc.Symbol)
				g.wg.Done()
				wg.Done()
				<-sem
			}()
			g.processSymbol(ctx, sc)
		}(sc)
	}
	return wg
}

// prioritized orders symbols by recent realized volatility, most volatile
// first, so the most informative assets see the least tail latency.
func (g *Generator) prioritized() []config.SymbolConfig {
	out := make([]config.SymbolConfig, len(g.cfg.Symbols))
	copy(out, g.cfg.Symbols)

	g.mu.Lock()
	vols := make(map[string]float64, len(g.lastVol))
	for k, v := range g.lastVol {
		vols[k] = v
	}
	g.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return vols[out[i].Symbol] > vols[out[j].Symbol]
	})
	return out
}

func (g *Generator) processSymbol(ctx context.Context, sc config.SymbolConfig) {
	start := g.now()
	class := signal.AssetClass(sc.AssetClass)

	cycleCtx, cancel := context.WithTimeout(ctx, g.cfg.CycleTimeout())
	defer cancel()

	primary, primaryWeight, havePrimary := g.racePrimary(cycleCtx, class, sc.Symbol)

	refPrice := 0.0
	if havePrimary {
		refPrice = primary.Price
		if last, ok := g.lastPriceFor(sc.Symbol); ok {
			change := math.Abs(refPrice-last) / last
			if change < g.cfg.MinPriceChangePct {
				g.metrics.CycleSkips.WithLabelValues("min_price_change").Inc()
				log.Debug().
					Str("symbol", sc.Symbol).
					Float64("change", change).
					Msg("Price unchanged, reusing cached signal")
				return
			}
		}
	}

	inputs := g.fanOut(cycleCtx, class, sc.Symbol)
	if havePrimary {
		inputs = append(inputs, consensus.Input{Signal: primary, Weight: primaryWeight})
	}
	if len(inputs) == 0 {
		g.metrics.CycleSkips.WithLabelValues("no_provider_data").Inc()
		return
	}

	closes, err := g.history.RecentCloses(cycleCtx, sc.Symbol, g.regimes.MinDataPoints())
	if err != nil {
		log.Warn().Err(err).Str("symbol", sc.Symbol).Msg("Close history unavailable, using default regime")
		closes = nil
	}
	cls := g.regimes.Classify(sc.Symbol, closes)
	g.recordVolatility(sc.Symbol, cls.Volatility)

	if refPrice <= 0 && len(closes) > 0 {
		refPrice = closes[len(closes)-1]
	}
	if refPrice <= 0 {
		g.metrics.CycleSkips.WithLabelValues("no_reference_price").Inc()
		return
	}

	result, err := g.consensus.Fuse(sc.Symbol, refPrice, cls, inputs)
	if err != nil {
		g.metrics.CycleSkips.WithLabelValues("no_consensus").Inc()
		return
	}

	if !result.Meets() {
		g.metrics.CycleSkips.WithLabelValues("below_threshold").Inc()
		g.setLastPrice(sc.Symbol, refPrice)
		log.Debug().
			Str("symbol", sc.Symbol).
			Str("direction", string(result.Direction)).
			Float64("confidence", result.Confidence).
			Float64("threshold", result.Threshold).
			Msg("Consensus below regime threshold")
		return
	}

	sig, err := g.assemble(result, start)
	if err != nil {
		log.Error().Err(err).Str("symbol", sc.Symbol).Msg("Refusing to emit invalid signal")
		return
	}

	if err := g.emit(cycleCtx, sig); err != nil {
		log.Error().Err(err).Str("symbol", sc.Symbol).Msg("Failed to persist signal")
		return
	}

	g.setLast(sc.Symbol, refPrice, sig)
	g.metrics.SignalsGenerated.WithLabelValues(sig.Symbol, string(sig.Action)).Inc()
	g.metrics.GenerationLatency.WithLabelValues(sig.Symbol).Observe(time.Since(start).Seconds())
	log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Str("regime", sig.Regime).
		Float64("entry_price", sig.EntryPrice).
		Msg("Signal emitted")

	if g.publisher != nil {
		if err := g.publisher.PublishSignal(cycleCtx, sig); err != nil {
			log.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("Failed to publish signal")
		}
	}

	if g.trading.AutoExecute && g.exec != nil {
		if _, err := g.exec.Execute(cycleCtx, sig); err != nil {
			log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Failed to execute signal")
		}
	}
}

// racePrimary fetches from all primary market providers concurrently and
// takes the first success; the rest are canceled.
func (g *Generator) racePrimary(ctx context.Context, class signal.AssetClass, symbol string) (*provider.Signal, float64, bool) {
	primaries := g.registry.PrimaryMarketProvidersFor(class)
	if len(primaries) == 0 {
		return nil, 0, false
	}

	raceCtx, cancel := context.WithTimeout(ctx, g.cfg.MarketRaceTimeout())
	defer cancel()

	type raceResult struct {
		sig    *provider.Signal
		weight float64
		err    error
	}
	results := make(chan raceResult, len(primaries))
	for _, entry := range primaries {
		go func(entry *provider.Entry) {
			sig, err := g.registry.FetchEntry(raceCtx, entry, symbol)
			results <- raceResult{sig: sig, weight: entry.Weight, err: err}
		}(entry)
	}

	for i := 0; i < len(primaries); i++ {
		select {
		case r := <-results:
			if r.err == nil {
				return r.sig, r.weight, true
			}
		case <-raceCtx.Done():
			return nil, 0, false
		}
	}
	return nil, 0, false
}

// fanOut fetches from every non-primary provider concurrently and joins
// with the fan-out deadline; late responders are dropped.
func (g *Generator) fanOut(ctx context.Context, class signal.AssetClass, symbol string) []consensus.Input {
	fanCtx, cancel := context.WithTimeout(ctx, g.cfg.FanoutTimeout())
	defer cancel()

	var (
		mu     sync.Mutex
		inputs []consensus.Input
		wg     sync.WaitGroup
	)
	for _, entry := range g.registry.ProvidersFor(class) {
		if entry.Provider.Kind() == provider.KindPrimaryMarket {
			continue
		}
		wg.Add(1)
		go func(entry *provider.Entry) {
			defer wg.Done()
			sig, err := g.registry.FetchEntry(fanCtx, entry, symbol)
			if err != nil {
				return
			}
			mu.Lock()
			inputs = append(inputs, consensus.Input{Signal: sig, Weight: entry.Weight})
			mu.Unlock()
		}(entry)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-fanCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]consensus.Input, len(inputs))
	copy(out, inputs)
	return out
}

// assemble builds and validates the signal record from a consensus that
// cleared its threshold.
func (g *Generator) assemble(result *consensus.Result, start time.Time) (*signal.Signal, error) {
	action := signal.ActionBuy
	if result.Direction == provider.DirectionShort {
		action = signal.ActionSell
	}

	entry := result.ReferencePrice
	var target, stop float64
	if action == signal.ActionBuy {
		target = entry * (1 + g.trading.ProfitTargetPct)
		stop = entry * (1 - g.trading.StopLossPct)
	} else {
		target = entry * (1 - g.trading.ProfitTargetPct)
		stop = entry * (1 + g.trading.StopLossPct)
	}

	now := g.now().UTC()
	sig := &signal.Signal{
		Symbol:              result.Symbol,
		Action:              action,
		EntryPrice:          entry,
		TargetPrice:         target,
		StopPrice:           stop,
		Confidence:          result.Confidence,
		Regime:              result.Regime,
		SourcesUsed:         result.SourcesUsed,
		Rationale:           signal.BuildRationale(action, result.Confidence, result.Regime, result.Threshold, result.Contributions),
		GenerationLatencyMS: time.Since(start).Milliseconds(),
		ServerTimestamp:     now,
		CreatedAt:           now,
		RetentionExpiresAt:  now.Add(signal.DefaultRetention),
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

// emit links, seals, and appends the signal under the global emission
// lock so the hash chain has one total order.
func (g *Generator) emit(ctx context.Context, sig *signal.Signal) error {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	prev, err := g.store.LatestHash(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	sig.PrevSignalHash = prev
	if err := sig.Seal(); err != nil {
		return err
	}
	if _, err := g.store.Append(ctx, sig); err != nil {
		return err
	}
	return nil
}

func (g *Generator) drain() error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Signal generator drained")
		return nil
	case <-time.After(g.cfg.ShutdownGrace()):
		return fmt.Errorf("shutdown grace of %s elapsed with cycles in flight", g.cfg.ShutdownGrace())
	}
}

func (g *Generator) workers() int {
	if g.cfg.CycleWorkers > 0 {
		return g.cfg.CycleWorkers
	}
	if n := len(g.cfg.Symbols); n > 0 {
		return n
	}
	return 1
}

func (g *Generator) claim(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[symbol] {
		return false
	}
	g.inFlight[symbol] = true
	return true
}

func (g *Generator) release(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, symbol)
}

func (g *Generator) lastPriceFor(symbol string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.lastPrice[symbol]
	return p, ok && p > 0
}

func (g *Generator) setLastPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPrice[symbol] = price
}

func (g *Generator) setLast(symbol string, price float64, sig *signal.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPrice[symbol] = price
	g.lastSignal[symbol] = sig
}

func (g *Generator) recordVolatility(symbol string, vol float64) {
	if g.vols != nil && vol > 0 {
		g.vols.Put(symbol, vol)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastVol[symbol] = vol
}

// LastSignal returns the most recent emitted signal for a symbol.
func (g *Generator) LastSignal(symbol string) (*signal.Signal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.lastSignal[symbol]
	return s, ok
}
