// Package execution turns persisted signals into broker orders: it
// resolves the signal's direction against any existing position, runs the
// risk gate and sizer, submits the main order, and places protective
// bracket children.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/risk"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Enqueuer defers signals whose execution failed for a recoverable
// reason. The queue retries them later with backoff.
type Enqueuer interface {
	Enqueue(ctx context.Context, sig *signal.Signal, reason string) error
}

// Outcome summarizes what Execute did with a signal.
type Outcome string

const (
	OutcomeOpened   Outcome = "OPENED"
	OutcomeClosed   Outcome = "CLOSED"
	OutcomeFlipped  Outcome = "FLIPPED"
	OutcomeRejected Outcome = "REJECTED" // logical rejection, never retried
	OutcomeEnqueued Outcome = "ENQUEUED" // recoverable failure, deferred
	OutcomeFailed   Outcome = "FAILED"   // broker failure, caller decides
)

// Result is the full record of one execution attempt.
type Result struct {
	Outcome         Outcome
	Reason          string
	MainOrder       *broker.Order
	CloseOrder      *broker.Order
	StopOrder       *broker.Order
	TargetOrder     *broker.Order
	BracketComplete bool
	RealizedPnL     float64
}

// SymbolInfo carries the per-symbol facts sizing needs.
type SymbolInfo struct {
	Class       signal.AssetClass
	MinNotional float64
}

// Engine executes signals against a broker. Execute is idempotent on
// signal ID: a signal that already produced an order returns the cached
// result instead of trading again.
type Engine struct {
	cfg     config.ExecutionConfig
	trading config.TradingConfig
	broker  broker.Broker
	gate    *risk.Gate
	sizer   *risk.Sizer
	queue   Enqueuer
	events  EventSink
	metrics *metrics.Metrics
	symbols map[string]SymbolInfo
	retry   broker.RetryConfig

	mu       sync.Mutex
	done     map[string]*Result
	inFlight map[string]bool
}

// NewEngine wires an execution engine. queue and events may be nil.
func NewEngine(cfg config.ExecutionConfig, trading config.TradingConfig, symbols []config.SymbolConfig,
	b broker.Broker, gate *risk.Gate, sizer *risk.Sizer, queue Enqueuer, events EventSink) *Engine {

	info := make(map[string]SymbolInfo, len(symbols))
	for _, s := range symbols {
		info[s.Symbol] = SymbolInfo{
			Class:       signal.AssetClass(s.AssetClass),
			MinNotional: s.MinNotional,
		}
	}

	return &Engine{
		cfg:     cfg,
		trading: trading,
		broker:  b,
		gate:    gate,
		sizer:   sizer,
		queue:   queue,
		events:  events,
		metrics: metrics.Get(),
		symbols: info,
		retry: broker.RetryConfig{
			MaxRetries:     cfg.MaxRetryAttempts,
			InitialBackoff: cfg.BaseRetryDelay(),
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
		},
		done:     make(map[string]*Result),
		inFlight: make(map[string]bool),
	}
}

// Execute resolves and trades one signal, deferring recoverable failures
// to the queue.
func (e *Engine) Execute(ctx context.Context, sig *signal.Signal) (*Result, error) {
	return e.execute(ctx, sig, true)
}

// Resubmit retries a previously queued signal. Recoverable failures are
// reported, not re-enqueued; the queue processor owns the retry schedule.
func (e *Engine) Resubmit(ctx context.Context, sig *signal.Signal) (*Result, error) {
	return e.execute(ctx, sig, false)
}

func (e *Engine) execute(ctx context.Context, sig *signal.Signal, allowEnqueue bool) (*Result, error) {
	if sig.SignalID == "" {
		return nil, fmt.Errorf("cannot execute unsealed signal for %s", sig.Symbol)
	}

	e.mu.Lock()
	if r, ok := e.done[sig.SignalID]; ok {
		e.mu.Unlock()
		log.Debug().Str("signal_id", sig.SignalID).Msg("Signal already executed, returning cached result")
		return r, nil
	}
	if e.inFlight[sig.SignalID] {
		e.mu.Unlock()
		return nil, fmt.Errorf("signal %s is already executing", sig.SignalID)
	}
	e.inFlight[sig.SignalID] = true
	e.mu.Unlock()

	result, err := e.run(ctx, sig, allowEnqueue)

	e.mu.Lock()
	delete(e.inFlight, sig.SignalID)
	if result != nil {
		switch result.Outcome {
		case OutcomeOpened, OutcomeClosed, OutcomeFlipped, OutcomeRejected:
			e.done[sig.SignalID] = result
		}
	}
	e.mu.Unlock()

	return result, err
}

func (e *Engine) run(ctx context.Context, sig *signal.Signal, allowEnqueue bool) (*Result, error) {
	side := sideFor(sig.Action)

	pos, err := e.broker.GetPosition(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read position for %s: %w", sig.Symbol, err)
	}

	// Same-direction stacking is a logical rejection: never enqueued.
	if pos != nil && pos.Side == side {
		reason := fmt.Sprintf("existing %s position on %s", pos.Side, pos.Symbol)
		e.emit(ctx, &Event{
			Kind: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Side: side, Reason: reason, At: time.Now().UTC(),
		})
		return &Result{Outcome: OutcomeRejected, Reason: reason}, nil
	}

	// Opposite direction: close first, then flip if configured.
	if pos != nil {
		closeOrder, pnl, err := e.closePosition(ctx, sig, pos)
		if err != nil {
			return e.failOrEnqueue(ctx, sig, side, err, allowEnqueue)
		}
		e.emit(ctx, &Event{
			Kind: EventTradeClosed, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Side: pos.Side, Qty: pos.Qty, Price: closeOrder.AvgFillPrice,
			RealizedPnL: pnl, At: time.Now().UTC(),
		})
		if !e.trading.AllowFlip {
			return &Result{Outcome: OutcomeClosed, CloseOrder: closeOrder, RealizedPnL: pnl}, nil
		}

		result, err := e.open(ctx, sig, side, allowEnqueue)
		if err != nil || result.Outcome != OutcomeOpened {
			if result != nil {
				result.CloseOrder = closeOrder
				result.RealizedPnL = pnl
			}
			return result, err
		}
		result.Outcome = OutcomeFlipped
		result.CloseOrder = closeOrder
		result.RealizedPnL = pnl
		return result, nil
	}

	return e.open(ctx, sig, side, allowEnqueue)
}

// open sizes, gates, submits the main order, and places the bracket.
func (e *Engine) open(ctx context.Context, sig *signal.Signal, side broker.PositionSide, allowEnqueue bool) (*Result, error) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read account for %s: %w", sig.Symbol, err)
	}

	info, ok := e.symbols[sig.Symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s is not configured for trading", sig.Symbol)
	}

	sizing, err := e.sizer.Size(account.Equity, sig.EntryPrice, sig.Confidence, sig.Symbol, info.Class, info.MinNotional)
	if err != nil {
		e.emit(ctx, &Event{
			Kind: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Side: side, Reason: err.Error(), At: time.Now().UTC(),
		})
		return &Result{Outcome: OutcomeRejected, Reason: err.Error()}, nil
	}

	decision, err := e.gate.Check(ctx, risk.Intent{
		Symbol:     sig.Symbol,
		Side:       side,
		Notional:   sizing.Notional,
		Confidence: sig.Confidence,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		e.emit(ctx, &Event{
			Kind: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Side: side, Reason: fmt.Sprintf("%s: %s", decision.Layer, decision.Reason), At: time.Now().UTC(),
		})
		// Buying power can recover; every other layer is a hard stop.
		if decision.Layer == risk.LayerBuyingPower && allowEnqueue && e.queue != nil {
			if err := e.queue.Enqueue(ctx, sig, decision.Reason); err != nil {
				return nil, fmt.Errorf("failed to enqueue %s: %w", sig.SignalID, err)
			}
			return &Result{Outcome: OutcomeEnqueued, Reason: decision.Reason}, nil
		}
		return &Result{Outcome: OutcomeRejected, Reason: decision.Reason}, nil
	}

	orderSide := broker.SideBuy
	if side == broker.PositionShort {
		orderSide = broker.SideSell
	}

	start := time.Now()
	order, err := e.submit(ctx, broker.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          orderSide,
		Type:          broker.TypeMarket,
		Qty:           sizing.Qty,
		ClientOrderID: clientID(sig.SignalID, "main"),
	})
	if err != nil {
		e.metrics.OrdersSubmitted.WithLabelValues("main", "error").Inc()
		return e.failOrEnqueue(ctx, sig, side, err, allowEnqueue)
	}

	order, err = e.awaitOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	e.metrics.OrderLatency.Observe(time.Since(start).Seconds())

	switch order.Status {
	case broker.StatusRejected, broker.StatusCanceled, broker.StatusExpired:
		e.metrics.OrdersSubmitted.WithLabelValues("main", "rejected").Inc()
		rejErr := fmt.Errorf("main order %s for %s: %s", order.Status, sig.Symbol, order.RejectReason)
		if recoverableReason(order.RejectReason) {
			return e.failOrEnqueue(ctx, sig, side, rejErr, allowEnqueue)
		}
		e.emit(ctx, &Event{
			Kind: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Side: side, Reason: rejErr.Error(), At: time.Now().UTC(),
		})
		return &Result{Outcome: OutcomeRejected, Reason: rejErr.Error(), MainOrder: order}, nil
	}
	e.metrics.OrdersSubmitted.WithLabelValues("main", "ok").Inc()

	fillQty := order.FilledQty
	if fillQty <= 0 {
		fillQty = order.Qty
	}
	stop, target := e.placeBracket(ctx, sig, side, fillQty)
	complete := stop != nil && target != nil
	if !complete {
		log.Warn().
			Str("signal_id", sig.SignalID).
			Str("symbol", sig.Symbol).
			Bool("stop_placed", stop != nil).
			Bool("target_placed", target != nil).
			Msg("Bracket incomplete after retry")
		e.emit(ctx, &Event{
			Kind: EventBracketIncomplete, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Side: side, At: time.Now().UTC(),
		})
	}

	fillPrice := order.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = sig.EntryPrice
	}
	e.emit(ctx, &Event{
		Kind: EventTradeOpened, SignalID: sig.SignalID, Symbol: sig.Symbol,
		Side: side, Qty: fillQty, Price: fillPrice, At: time.Now().UTC(),
	})
	log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Float64("qty", fillQty).
		Float64("fill_price", fillPrice).
		Bool("bracket_complete", complete).
		Msg("Trade opened")

	return &Result{
		Outcome:         OutcomeOpened,
		MainOrder:       order,
		StopOrder:       stop,
		TargetOrder:     target,
		BracketComplete: complete,
	}, nil
}

// closePosition flattens an existing position at market and returns the
// realized P&L from the broker fill.
func (e *Engine) closePosition(ctx context.Context, sig *signal.Signal, pos *broker.Position) (*broker.Order, float64, error) {
	exitSide := broker.SideSell
	if pos.Side == broker.PositionShort {
		exitSide = broker.SideBuy
	}

	order, err := e.submit(ctx, broker.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          exitSide,
		Type:          broker.TypeMarket,
		Qty:           pos.Qty,
		ClientOrderID: clientID(sig.SignalID, "close"),
	})
	if err != nil {
		e.metrics.OrdersSubmitted.WithLabelValues("close", "error").Inc()
		return nil, 0, fmt.Errorf("failed to close %s %s: %w", pos.Side, pos.Symbol, err)
	}
	order, err = e.awaitOrder(ctx, order)
	if err != nil {
		return nil, 0, err
	}
	if order.Status != broker.StatusFilled {
		e.metrics.OrdersSubmitted.WithLabelValues("close", "rejected").Inc()
		return nil, 0, fmt.Errorf("close order for %s ended %s: %s", pos.Symbol, order.Status, order.RejectReason)
	}
	e.metrics.OrdersSubmitted.WithLabelValues("close", "ok").Inc()

	pnl := (order.AvgFillPrice - pos.AvgEntryPrice) * pos.Qty
	if pos.Side == broker.PositionShort {
		pnl = -pnl
	}
	log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("qty", pos.Qty).
		Float64("fill_price", order.AvgFillPrice).
		Float64("realized_pnl", pnl).
		Msg("Position closed")
	return order, pnl, nil
}

// placeBracket submits the stop and target children concurrently. The
// legs are independent: one failing never blocks the other, and each
// failed leg is retried before giving up.
func (e *Engine) placeBracket(ctx context.Context, sig *signal.Signal, side broker.PositionSide, qty float64) (stop, target *broker.Order) {
	exitSide := broker.SideSell
	if side == broker.PositionShort {
		exitSide = broker.SideBuy
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stop = e.placeChild(ctx, "stop", broker.OrderRequest{
			Symbol:        sig.Symbol,
			Side:          exitSide,
			Type:          broker.TypeStop,
			Qty:           qty,
			StopPrice:     sig.StopPrice,
			ClientOrderID: clientID(sig.SignalID, "stop"),
		})
	}()
	go func() {
		defer wg.Done()
		target = e.placeChild(ctx, "target", broker.OrderRequest{
			Symbol:        sig.Symbol,
			Side:          exitSide,
			Type:          broker.TypeLimit,
			Qty:           qty,
			LimitPrice:    sig.TargetPrice,
			ClientOrderID: clientID(sig.SignalID, "target"),
		})
	}()
	wg.Wait()
	return stop, target
}

// placeChild submits one bracket leg, retrying a bounded number of times.
func (e *Engine) placeChild(ctx context.Context, leg string, req broker.OrderRequest) *broker.Order {
	attempts := e.cfg.BracketRetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		order, err := e.broker.SubmitOrder(ctx, req)
		if err == nil {
			e.metrics.OrdersSubmitted.WithLabelValues("bracket", "ok").Inc()
			return order
		}
		log.Warn().
			Err(err).
			Str("symbol", req.Symbol).
			Str("leg", leg).
			Int("attempt", attempt).
			Msg("Bracket leg failed")
	}
	e.metrics.OrdersSubmitted.WithLabelValues("bracket", "error").Inc()
	return nil
}

// submit sends one order with exponential backoff on transient failures.
func (e *Engine) submit(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	var order *broker.Order
	err := broker.WithRetry(ctx, e.retry, func() error {
		o, err := e.broker.SubmitOrder(ctx, req)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// awaitOrder polls order status until it fills, goes terminal, or the
// deadline lapses. A still-working order at the deadline is returned
// as-is: it has been accepted by the broker.
func (e *Engine) awaitOrder(ctx context.Context, order *broker.Order) (*broker.Order, error) {
	if order.Status.Terminal() {
		return order, nil
	}

	deadline := time.NewTimer(e.cfg.OrderDeadline())
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.OrderPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return order, nil
		case <-ticker.C:
			latest, err := e.broker.GetOrderStatus(ctx, order.ID)
			if err != nil {
				log.Warn().Err(err).Str("order_id", order.ID).Msg("Order status poll failed")
				continue
			}
			order = latest
			if order.Status.Terminal() {
				return order, nil
			}
		}
	}
}

// failOrEnqueue routes a broker failure: recoverable reasons go to the
// queue when enqueueing is allowed, everything else surfaces as FAILED.
func (e *Engine) failOrEnqueue(ctx context.Context, sig *signal.Signal, side broker.PositionSide, cause error, allowEnqueue bool) (*Result, error) {
	e.emit(ctx, &Event{
		Kind: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
		Side: side, Reason: cause.Error(), At: time.Now().UTC(),
	})
	if allowEnqueue && e.queue != nil && broker.IsRecoverable(cause) {
		if err := e.queue.Enqueue(ctx, sig, cause.Error()); err != nil {
			return nil, fmt.Errorf("failed to enqueue %s after broker failure: %w", sig.SignalID, err)
		}
		log.Info().
			Str("signal_id", sig.SignalID).
			Str("symbol", sig.Symbol).
			Str("reason", cause.Error()).
			Msg("Signal enqueued for retry")
		return &Result{Outcome: OutcomeEnqueued, Reason: cause.Error()}, nil
	}
	return &Result{Outcome: OutcomeFailed, Reason: cause.Error()}, nil
}

func (e *Engine) emit(ctx context.Context, ev *Event) {
	if e.events != nil {
		e.events.PublishTradeEvent(ctx, ev)
	}
}

func sideFor(action signal.Action) broker.PositionSide {
	if action == signal.ActionBuy {
		return broker.PositionLong
	}
	return broker.PositionShort
}

// recoverableReason maps a broker reject-reason string back onto the
// recoverable set.
func recoverableReason(reason string) bool {
	switch broker.RejectReason(reason) {
	case broker.RejectInsufficientBuyingPower, broker.RejectMarketClosed,
		broker.RejectRateLimited, broker.RejectUpstream5xx:
		return true
	}
	return false
}

// clientID derives a broker client-order id from the signal id. Signal
// ids are 64 hex chars; brokers cap client ids well below that.
func clientID(signalID, tag string) string {
	if len(signalID) > 16 {
		signalID = signalID[:16]
	}
	return signalID + "-" + tag
}
