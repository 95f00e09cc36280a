package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/risk"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Executor resubmits a deferred signal. Satisfied by *execution.Engine.
type Executor interface {
	Resubmit(ctx context.Context, sig *signal.Signal) (*execution.Result, error)
}

// Processor drains the retry queue: it wakes on a timer and on account
// state transitions, claims a batch of due signals, drops stale ones, and
// resubmits the rest.
type Processor struct {
	cfg        config.QueueConfig
	queue      Queue
	exec       Executor
	broker     broker.Broker
	controller *risk.Controller

	wake chan struct{}
}

// NewProcessor wires a queue processor. controller may be nil.
func NewProcessor(cfg config.QueueConfig, q Queue, exec Executor, b broker.Broker, controller *risk.Controller) *Processor {
	return &Processor{
		cfg:        cfg,
		queue:      q,
		exec:       exec,
		broker:     b,
		controller: controller,
		wake:       make(chan struct{}, 1),
	}
}

// Notify wakes the processor ahead of its timer. Safe to call from any
// goroutine; redundant wakes coalesce.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run processes batches until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WakeInterval())
	defer ticker.Stop()

	log.Info().
		Dur("wake_interval", p.cfg.WakeInterval()).
		Int("batch_size", p.cfg.BatchSize).
		Msg("Queue processor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Queue processor stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
		if _, err := p.ProcessBatch(ctx); err != nil {
			log.Error().Err(err).Msg("Queue batch failed")
		}
	}
}

// ProcessBatch claims and handles one batch of due signals, returning how
// many were claimed.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	if p.controller != nil && p.controller.Paused() {
		return 0, nil
	}

	now := time.Now().UTC()
	claimed, err := p.queue.ClaimNext(ctx, p.cfg.BatchSize, now)
	if err != nil {
		return 0, fmt.Errorf("failed to claim queue batch: %w", err)
	}

	for _, entry := range claimed {
		p.handle(ctx, entry, now)
	}
	return len(claimed), nil
}

func (p *Processor) handle(ctx context.Context, entry *QueuedSignal, now time.Time) {
	logger := log.With().
		Str("signal_id", entry.SignalID).
		Str("symbol", entry.Signal.Symbol).
		Int("attempts", entry.Attempts).
		Logger()

	if now.Sub(entry.EnqueuedAt) >= p.cfg.MaxAge() {
		logger.Info().Msg("Queued signal expired by age")
		if err := p.queue.Expire(ctx, entry.SignalID); err != nil {
			logger.Error().Err(err).Msg("Failed to expire queued signal")
		}
		return
	}

	if entry.Attempts >= p.cfg.MaxAttempts {
		logger.Warn().Msg("Queued signal abandoned after max attempts")
		if err := p.queue.Abandon(ctx, entry.SignalID, "max attempts exhausted"); err != nil {
			logger.Error().Err(err).Msg("Failed to abandon queued signal")
		}
		return
	}

	quote, err := p.broker.GetQuote(ctx, entry.Signal.Symbol)
	if err != nil {
		p.retryLater(ctx, entry, now, fmt.Sprintf("quote unavailable: %v", err))
		return
	}
	drift := math.Abs(quote-entry.Signal.EntryPrice) / entry.Signal.EntryPrice
	if drift > p.cfg.MaxPriceDriftPct {
		logger.Info().
			Float64("entry_price", entry.Signal.EntryPrice).
			Float64("current_price", quote).
			Float64("drift", drift).
			Msg("Queued signal expired by price drift")
		if err := p.queue.Expire(ctx, entry.SignalID); err != nil {
			logger.Error().Err(err).Msg("Failed to expire queued signal")
		}
		return
	}

	res, err := p.exec.Resubmit(ctx, entry.Signal)
	if err != nil {
		p.retryLater(ctx, entry, now, err.Error())
		return
	}

	switch res.Outcome {
	case execution.OutcomeOpened, execution.OutcomeClosed, execution.OutcomeFlipped:
		logger.Info().Str("outcome", string(res.Outcome)).Msg("Queued signal executed")
		if err := p.queue.Complete(ctx, entry.SignalID, OutcomeSucceeded); err != nil {
			logger.Error().Err(err).Msg("Failed to complete queued signal")
		}
	case execution.OutcomeRejected:
		// Logical rejection will not change on retry.
		logger.Info().Str("reason", res.Reason).Msg("Queued signal rejected")
		if err := p.queue.Complete(ctx, entry.SignalID, OutcomeRejected); err != nil {
			logger.Error().Err(err).Msg("Failed to complete queued signal")
		}
	default:
		p.retryLater(ctx, entry, now, res.Reason)
	}
}

func (p *Processor) retryLater(ctx context.Context, entry *QueuedSignal, now time.Time, lastError string) {
	attempts := entry.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		log.Warn().
			Str("signal_id", entry.SignalID).
			Str("last_error", lastError).
			Msg("Queued signal abandoned after max attempts")
		if err := p.queue.Abandon(ctx, entry.SignalID, lastError); err != nil {
			log.Error().Err(err).Str("signal_id", entry.SignalID).Msg("Failed to abandon queued signal")
		}
		return
	}

	next := now.Add(Backoff(p.cfg.BackoffBase(), p.cfg.BackoffMax(), attempts))
	log.Info().
		Str("signal_id", entry.SignalID).
		Int("attempts", attempts).
		Time("next_attempt_after", next).
		Str("last_error", lastError).
		Msg("Queued signal rescheduled")
	if err := p.queue.Retry(ctx, entry.SignalID, lastError, next); err != nil {
		log.Error().Err(err).Str("signal_id", entry.SignalID).Msg("Failed to reschedule queued signal")
	}
}
