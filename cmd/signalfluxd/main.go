// signalfluxd runs the full signal pipeline: provider fusion, signal
// generation, risk-gated execution, the deferred-execution queue, and
// the HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kvasirlabs/signalflux/internal/alerts"
	"github.com/kvasirlabs/signalflux/internal/api"
	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/consensus"
	"github.com/kvasirlabs/signalflux/internal/db"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/generator"
	"github.com/kvasirlabs/signalflux/internal/provider"
	"github.com/kvasirlabs/signalflux/internal/publish"
	"github.com/kvasirlabs/signalflux/internal/queue"
	"github.com/kvasirlabs/signalflux/internal/regime"
	"github.com/kvasirlabs/signalflux/internal/risk"
	"github.com/kvasirlabs/signalflux/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting signalflux")

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadSecretsFromVault(ctx, cfg, config.GetVaultConfigFromEnv()); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
	}

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Pipeline exited with error")
	}
	log.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Storage. Without a database the pipeline still runs, but signals
	// and the queue do not survive a restart.
	var (
		st       store.Store
		sigQueue queue.Queue
		outcomes store.OutcomeStore
	)
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	database, err := db.New(dbCtx, cfg.Database)
	cancel()
	if err != nil {
		if cfg.App.Environment == "production" {
			return fmt.Errorf("database required in production: %w", err)
		}
		log.Warn().Err(err).Msg("Database unavailable, using in-memory store and queue")
		st = store.NewMemoryStore()
		sigQueue = queue.NewMemoryQueue()
		outcomes = store.NewMemoryOutcomes()
	} else {
		defer database.Close()
		st = store.NewPostgresStore(database.Pool())
		sigQueue = queue.NewPostgresQueue(database.Pool())
		outcomes = store.NewPostgresOutcomes(database.Pool())
	}

	// Broker, wrapped with read caches that submits invalidate.
	baseBroker, err := buildBroker(cfg)
	if err != nil {
		return err
	}
	tradeBroker := broker.NewCachedBroker(baseBroker,
		cfg.Execution.AccountCacheTTL(), cfg.Execution.PositionsCacheTTL())

	// Providers.
	registry := provider.NewRegistry()
	history, err := registerProviders(cfg, registry)
	if err != nil {
		return err
	}

	fusion := consensus.NewEngine(cfg.Consensus)
	classifier := regime.NewClassifier(cfg.Regime)
	vols := risk.NewVolCache(cfg.Risk.VolatilityCacheSize, cfg.Risk.VolatilityCacheTTL())
	controller := risk.NewController()
	gate := risk.NewGate(cfg.Risk, tradeBroker, controller)
	sizer := risk.NewSizer(cfg.Risk, vols)

	// Alerting.
	alertMgr := buildAlerts(cfg)

	// Streaming surfaces.
	hub := api.NewHub()
	defer hub.Close()
	publishers := generator.Publishers{hub}

	var natsPub *publish.Publisher
	if cfg.NATS.Enabled {
		natsPub, err = publish.Connect(cfg.NATS)
		if err != nil {
			return fmt.Errorf("failed to start publisher: %w", err)
		}
		defer natsPub.Close()
		publishers = append(generator.Publishers{natsPub}, publishers...)
	}

	// Execution chain. The account monitor doubles as a trade-event
	// sink so fills trigger an immediate queue wake; it is constructed
	// after the engine, so it joins the sink chain through a late-bound
	// adapter.
	var monitor *queue.AccountMonitor
	monitorSink := execution.SinkFunc(func(ctx context.Context, ev *execution.Event) {
		if monitor != nil {
			monitor.PublishTradeEvent(ctx, ev)
		}
	})
	events := execution.MultiSink{monitorSink, hub, outcomeSink(outcomes)}
	if natsPub != nil {
		events = append(execution.MultiSink{natsPub}, events...)
	}

	engine := execution.NewEngine(cfg.Execution, cfg.Trading, cfg.Engine.Symbols,
		tradeBroker, gate, sizer, sigQueue, events)
	processor := queue.NewProcessor(cfg.Queue, sigQueue, engine, tradeBroker, controller)
	monitor = queue.NewAccountMonitor(cfg.Queue, tradeBroker, controller, processor.Notify)

	gen := generator.New(cfg.Engine, cfg.Trading, registry, fusion, classifier, st,
		history, publishers, engine, controller, vols)

	server := api.NewServer(cfg.API, api.Deps{
		Store:      st,
		Outcomes:   outcomes,
		Registry:   registry,
		Controller: controller,
		Broker:     tradeBroker,
		Queue:      sigQueue,
		Symbols:    cfg.Engine.Symbols,
		Hub:        hub,
	})

	// Verify the chain before emitting on top of it.
	report, err := st.VerifyChain(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify signal chain at startup: %w", err)
	}
	if !report.Valid {
		_ = alertMgr.ChainBroken(ctx, report)
		return fmt.Errorf("signal chain broken at %s: %s", report.BrokenAt, report.Reason)
	}
	log.Info().Int("verified", report.Verified).Msg("Signal chain verified")

	watcher := alerts.NewChainWatcher(st, alertMgr, cfg.Monitoring.ChainVerifyInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gen.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace())
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if cfg.Monitoring.EnableMetrics {
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Int("port", cfg.Monitoring.PrometheusPort).Msg("Metrics server started")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownGrace())
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// outcomeSink persists realized results when positions close.
func outcomeSink(outcomes store.OutcomeStore) execution.EventSink {
	return execution.SinkFunc(func(ctx context.Context, ev *execution.Event) {
		if ev.Kind != execution.EventTradeClosed {
			return
		}
		err := outcomes.RecordOutcome(ctx, &store.Outcome{
			SignalID:    ev.SignalID,
			Symbol:      ev.Symbol,
			Side:        string(ev.Side),
			Qty:         ev.Qty,
			ExitPrice:   ev.Price,
			RealizedPnL: ev.RealizedPnL,
			ClosedAt:    ev.At,
		})
		if err != nil {
			log.Error().Err(err).Str("signal_id", ev.SignalID).Msg("Failed to record trade outcome")
		}
	})
}

// buildBroker selects the trading backend. Paper mode always wins so a
// misconfigured live key cannot trade by accident.
func buildBroker(cfg *config.Config) (broker.Broker, error) {
	name := cfg.Trading.Broker
	if cfg.Trading.PaperMode {
		name = "paper"
	}

	bcfg := cfg.Brokers[name]
	switch name {
	case "paper":
		cash := bcfg.InitialCash
		if cash <= 0 {
			cash = 100000
		}
		return broker.NewPaperBroker(cash, bcfg.FeeRate), nil
	case "binance":
		if bcfg.APIKey == "" || bcfg.SecretKey == "" {
			return nil, fmt.Errorf("binance broker requires api_key and secret_key")
		}
		return broker.NewBinanceBroker(bcfg.APIKey, bcfg.SecretKey, bcfg.Testnet), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", name)
	}
}

// registerProviders wires all enabled providers and returns the price
// history source for regime classification and technical analysis.
func registerProviders(cfg *config.Config, registry *provider.Registry) (provider.PriceHistory, error) {
	var history provider.PriceHistory

	if pcfg, ok := cfg.Providers["binance_market"]; ok && pcfg.Enabled {
		bp := provider.NewBinanceProvider(pcfg.APIKey, pcfg.SecretKey, false)
		if err := registry.Register(bp, pcfg); err != nil {
			return nil, fmt.Errorf("failed to register binance provider: %w", err)
		}
		history = bp
	}

	if history == nil {
		return nil, fmt.Errorf("no primary market provider enabled")
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		history = provider.NewRedisHistoryCache(client, history, 30*time.Second)
		log.Info().Str("addr", cfg.Redis.GetRedisAddr()).Msg("Close-history cache enabled")
	}

	if pcfg, ok := cfg.Providers["technical"]; ok && pcfg.Enabled {
		if err := registry.Register(provider.NewTechnicalProvider(history), pcfg); err != nil {
			return nil, fmt.Errorf("failed to register technical provider: %w", err)
		}
	}

	return history, nil
}

// buildAlerts assembles the alert manager; a manager with no channels
// is a safe no-op.
func buildAlerts(cfg *config.Config) *alerts.Manager {
	if !cfg.Alerts.Enabled {
		return alerts.NewManager()
	}
	tg, err := alerts.NewTelegramAlerter(cfg.Alerts)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram alerter unavailable, alerts disabled")
		return alerts.NewManager()
	}
	return alerts.NewManager(tg)
}
