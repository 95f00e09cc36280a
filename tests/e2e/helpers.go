// Shared fixtures for end-to-end pipeline scenarios.
package e2e

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/consensus"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/generator"
	"github.com/kvasirlabs/signalflux/internal/provider"
	"github.com/kvasirlabs/signalflux/internal/queue"
	"github.com/kvasirlabs/signalflux/internal/regime"
	"github.com/kvasirlabs/signalflux/internal/risk"
	"github.com/kvasirlabs/signalflux/internal/signal"
	"github.com/kvasirlabs/signalflux/internal/store"
)

// startEmbeddedNATS starts an in-process NATS server on a random port.
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("NATS server did not start in time")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

// uptrendHistory yields a steady 0.5%-per-bar climb, which classifies
// as TRENDING with near-zero return dispersion.
type uptrendHistory struct{}

func (uptrendHistory) RecentCloses(_ context.Context, _ string, n int) ([]float64, error) {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 1.005
	}
	return closes, nil
}

// eventRecorder captures trade lifecycle events.
type eventRecorder struct {
	mu     sync.Mutex
	events []*execution.Event
}

func (r *eventRecorder) PublishTradeEvent(_ context.Context, ev *execution.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byKind(kind execution.EventKind) []*execution.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*execution.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// pipeline is a fully wired in-memory deployment: mock providers,
// memory store and queue, paper broker, real risk, execution, and
// generation.
type pipeline struct {
	gen       *generator.Generator
	engine    *execution.Engine
	store     *store.MemoryStore
	queue     *queue.MemoryQueue
	processor *queue.Processor
	monitor   *queue.AccountMonitor
	broker    *broker.PaperBroker

	controller *risk.Controller
	events     *eventRecorder

	primary   *provider.MockProvider
	technical *provider.MockProvider
	sentiment *provider.MockProvider
}

type pipelineOptions struct {
	symbol     string
	assetClass string
	cash       float64
	autoExec   bool
	allowFlip  bool
	publisher  generator.Publisher
}

func providerCfg(weight float64) config.ProviderConfig {
	return config.ProviderConfig{
		Enabled:    true,
		Weight:     weight,
		RatePerSec: 100,
		Burst:      10,
		TimeoutMS:  500,
		MaxWaitMS:  100,
	}
}

func e2eQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAgeMS:          900000,
		MaxAttempts:       5,
		BackoffBaseMS:     10,
		BackoffMaxMS:      100,
		MaxPriceDriftPct:  0.005,
		BatchSize:         10,
		WakeIntervalMS:    600000,
		MonitorIntervalMS: 600000,
		MinBuyingPower:    100,
	}
}

func newPipeline(t *testing.T, opts pipelineOptions) *pipeline {
	t.Helper()

	p := &pipeline{
		store:      store.NewMemoryStore(),
		queue:      queue.NewMemoryQueue(),
		controller: risk.NewController(),
		events:     &eventRecorder{},
	}

	class := signal.AssetClass(opts.assetClass)
	registry := provider.NewRegistry()
	p.primary = provider.NewMockProvider("alpha_market", provider.KindPrimaryMarket, class)
	p.technical = provider.NewMockProvider("technical", provider.KindTechnical, class)
	p.sentiment = provider.NewMockProvider("sentiment", provider.KindSentiment, class)
	for _, mp := range []*provider.MockProvider{p.primary, p.technical, p.sentiment} {
		require.NoError(t, registry.Register(mp, providerCfg(1.0)))
	}

	p.broker = broker.NewPaperBroker(opts.cash, 0)

	riskCfg := config.RiskConfig{
		PositionSizePct:        0.10,
		MaxPositionSizePct:     0.15,
		MarginBufferPct:        0.05,
		MaxDrawdownPct:         0.50,
		DailyLossLimitPct:      0.50,
		MaxCorrelatedPositions: 5,
	}
	vols := risk.NewVolCache(16, time.Minute)
	gate := risk.NewGate(riskCfg, p.broker, p.controller)
	sizer := risk.NewSizer(riskCfg, vols)

	symbols := []config.SymbolConfig{{
		Symbol:      opts.symbol,
		AssetClass:  opts.assetClass,
		MinNotional: 10,
	}}
	trading := config.TradingConfig{
		AutoExecute:     opts.autoExec,
		AllowFlip:       opts.allowFlip,
		ProfitTargetPct: 0.05,
		StopLossPct:     0.03,
	}

	p.engine = execution.NewEngine(
		config.ExecutionConfig{
			MaxRetryAttempts:     1,
			BaseRetryDelayMS:     1,
			OrderDeadlineMS:      200,
			OrderPollIntervalMS:  10,
			BracketRetryAttempts: 1,
		},
		trading, symbols, p.broker, gate, sizer, p.queue, p.events,
	)

	p.processor = queue.NewProcessor(e2eQueueConfig(), p.queue, p.engine, p.broker, p.controller)
	p.monitor = queue.NewAccountMonitor(e2eQueueConfig(), p.broker, p.controller, p.processor.Notify)

	engineCfg := config.EngineConfig{
		CycleIntervalMS:   5000,
		CycleWorkers:      2,
		MinPriceChangePct: 0.005,
		MarketRaceMS:      1000,
		FanoutTimeoutMS:   1000,
		ShutdownGraceMS:   100,
		Symbols:           symbols,
	}
	consensusCfg := config.ConsensusConfig{
		CacheTTLMS:      120000,
		CacheSize:       64,
		MinConfidence:   20,
		MaxStalenessMS:  60000,
		PriceBucketPct:  0.001,
		RegimeWeightMap: true,
	}
	regimeCfg := config.RegimeConfig{
		Thresholds:       map[string]float64{"TRENDING": 85, "CONSOLIDATION": 90, "VOLATILE": 88},
		Calibration:      map[string]float64{"TRENDING": 1.2, "CONSOLIDATION": 1.0, "VOLATILE": 0.9},
		DefaultThreshold: 75,
		Lookback:         30,
	}

	p.gen = generator.New(engineCfg, trading, registry,
		consensus.NewEngine(consensusCfg), regime.NewClassifier(regimeCfg),
		p.store, uptrendHistory{}, opts.publisher, p.engine, p.controller, vols)

	return p
}

// respondAll points every provider in the same direction.
func (p *pipeline) respondAll(dir provider.Direction, primaryConf, otherConf, price float64) {
	p.primary.Respond(dir, primaryConf, price)
	p.technical.Respond(dir, otherConf, 0)
	p.sentiment.Respond(dir, otherConf, 0)
}

// sealedAt builds a chained, sealed signal for direct store appends.
func sealedAt(t *testing.T, symbol string, entry float64, prevHash string, at time.Time) *signal.Signal {
	t.Helper()
	s := &signal.Signal{
		PrevSignalHash:      prevHash,
		Symbol:              symbol,
		Action:              signal.ActionBuy,
		EntryPrice:          entry,
		TargetPrice:         entry * 1.05,
		StopPrice:           entry * 0.97,
		Confidence:          90,
		Regime:              "TRENDING",
		SourcesUsed:         []string{"technical"},
		Rationale:           "TRENDING consensus with strong multi-source agreement.",
		GenerationLatencyMS: 10,
		ServerTimestamp:     at,
		CreatedAt:           at,
		RetentionExpiresAt:  at.Add(30 * 24 * time.Hour),
	}
	require.NoError(t, s.Seal())
	return s
}
