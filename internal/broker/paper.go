package broker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PaperBroker simulates a broker in memory for paper trading and tests.
// Market orders fill immediately at the current quote plus slippage and a
// taker fee; stop and limit children rest until TriggerPrice moves through
// them or a test fills them explicitly.
type PaperBroker struct {
	mu sync.Mutex

	cash       float64
	lastEquity float64
	status     AccountStatus

	quotes    map[string]float64
	positions map[string]*Position
	orders    map[string]*Order

	feeRate      float64
	baseSlippage float64

	// Scripted failure for the next submit, used to exercise rejection
	// handling.
	nextRejection *RejectionError
}

const (
	defaultPaperFeeRate  = 0.001
	defaultPaperSlippage = 0.0005
)

// NewPaperBroker creates a paper broker with the given starting cash.
func NewPaperBroker(initialCash, feeRate float64) *PaperBroker {
	if feeRate <= 0 {
		feeRate = defaultPaperFeeRate
	}
	log.Info().
		Float64("initial_cash", initialCash).
		Float64("fee_rate", feeRate).
		Msg("Paper broker initialized")

	return &PaperBroker{
		cash:         initialCash,
		lastEquity:   initialCash,
		status:       AccountActive,
		quotes:       make(map[string]float64),
		positions:    make(map[string]*Position),
		orders:       make(map[string]*Order),
		feeRate:      feeRate,
		baseSlippage: defaultPaperSlippage,
	}
}

func (b *PaperBroker) Name() string { return "paper" }

// SetQuote sets the simulated market price for a symbol and revalues any
// open position.
func (b *PaperBroker) SetQuote(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.quotes[symbol] = price
	if pos, ok := b.positions[symbol]; ok {
		b.revalue(pos, price)
	}
}

// SetStatus overrides the simulated account status.
func (b *PaperBroker) SetStatus(status AccountStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// SetLastEquity sets the previous session close equity used for daily
// loss calculations.
func (b *PaperBroker) SetLastEquity(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastEquity = v
}

// Orders returns copies of all orders ever submitted, in no particular
// order.
func (b *PaperBroker) Orders() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Order, 0, len(b.orders))
	for _, o := range b.orders {
		cp := *o
		out = append(out, &cp)
	}
	return out
}

// RejectNext makes the next SubmitOrder fail with the given reason.
func (b *PaperBroker) RejectNext(reason RejectReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRejection = NewRejection(b.Name(), reason, nil)
}

func (b *PaperBroker) GetAccount(context.Context) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Cash already carries short-sale proceeds, so a short's market value
	// is a liability here.
	equity := b.cash
	for _, p := range b.positions {
		if p.Side == PositionShort {
			equity -= p.MarketValue
		} else {
			equity += p.MarketValue
		}
	}

	return &Account{
		Status:      b.status,
		Equity:      equity,
		LastEquity:  b.lastEquity,
		Cash:        b.cash,
		BuyingPower: b.cash,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (b *PaperBroker) GetPositions(context.Context) ([]*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

func (b *PaperBroker) GetPosition(_ context.Context, symbol string) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (b *PaperBroker) GetQuote(_ context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.quotes[symbol]
	if !ok {
		return 0, NewRejection(b.Name(), RejectSymbolNotTradable,
			fmt.Errorf("no quote for %s", symbol))
	}
	return price, nil
}

// SubmitOrder executes the order against the simulated book. Market
// orders fill synchronously; stop and limit orders rest as NEW.
func (b *PaperBroker) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextRejection != nil {
		rej := b.nextRejection
		b.nextRejection = nil
		return nil, rej
	}
	if b.status != AccountActive {
		return nil, NewRejection(b.Name(), RejectAuth,
			fmt.Errorf("account status %s", b.status))
	}
	if req.Qty <= 0 {
		return nil, NewRejection(b.Name(), RejectOther,
			fmt.Errorf("non-positive quantity %v", req.Qty))
	}

	quote, ok := b.quotes[req.Symbol]
	if !ok {
		return nil, NewRejection(b.Name(), RejectSymbolNotTradable,
			fmt.Errorf("no quote for %s", req.Symbol))
	}

	now := time.Now().UTC()
	order := &Order{
		ID:            uuid.New().String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Status:        StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.Type == TypeMarket {
		fillPrice := b.slippedPrice(quote, req.Side)
		notional := fillPrice * req.Qty
		fee := notional * b.feeRate

		if req.Side == SideBuy && b.openingNotional(req) && notional+fee > b.cash {
			return nil, NewRejection(b.Name(), RejectInsufficientBuyingPower,
				fmt.Errorf("need %.2f, have %.2f", notional+fee, b.cash))
		}

		order.Status = StatusFilled
		order.FilledQty = req.Qty
		order.AvgFillPrice = fillPrice
		b.applyFill(order, fee)
	}

	b.orders[order.ID] = order
	return cloneOrder(order), nil
}

// openingNotional reports whether a BUY increases exposure rather than
// closing a short.
func (b *PaperBroker) openingNotional(req OrderRequest) bool {
	pos, ok := b.positions[req.Symbol]
	return !ok || pos.Side != PositionShort
}

func (b *PaperBroker) slippedPrice(quote float64, side OrderSide) float64 {
	if side == SideBuy {
		return quote * (1 + b.baseSlippage)
	}
	return quote * (1 - b.baseSlippage)
}

// applyFill updates cash and the position book for a filled order.
func (b *PaperBroker) applyFill(order *Order, fee float64) {
	notional := order.AvgFillPrice * order.FilledQty
	pos := b.positions[order.Symbol]

	signedQty := order.FilledQty
	if order.Side == SideSell {
		signedQty = -signedQty
	}

	current := 0.0
	avg := 0.0
	if pos != nil {
		current = pos.Qty
		if pos.Side == PositionShort {
			current = -current
		}
		avg = pos.AvgEntryPrice
	}

	next := current + signedQty
	switch {
	case next == 0:
		delete(b.positions, order.Symbol)
	case (current >= 0) == (next >= 0) && math.Abs(next) > math.Abs(current):
		// Adding exposure: blend the average entry.
		newAvg := (avg*math.Abs(current) + order.AvgFillPrice*order.FilledQty) / math.Abs(next)
		b.setPosition(order.Symbol, next, newAvg)
	case (current >= 0) != (next >= 0):
		// Flipped through zero: remaining exposure starts at the fill price.
		b.setPosition(order.Symbol, next, order.AvgFillPrice)
	default:
		// Reducing exposure keeps the average entry.
		b.setPosition(order.Symbol, next, avg)
	}

	if order.Side == SideBuy {
		b.cash -= notional + fee
	} else {
		b.cash += notional - fee
	}
}

func (b *PaperBroker) setPosition(symbol string, signedQty, avgEntry float64) {
	side := PositionLong
	if signedQty < 0 {
		side = PositionShort
	}
	pos := &Position{
		Symbol:        symbol,
		Side:          side,
		Qty:           math.Abs(signedQty),
		AvgEntryPrice: avgEntry,
	}
	b.revalue(pos, b.quotes[symbol])
	b.positions[symbol] = pos
}

func (b *PaperBroker) revalue(pos *Position, price float64) {
	pos.MarketValue = pos.Qty * price
	if pos.Side == PositionLong {
		pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Qty
	} else {
		pos.UnrealizedPnL = (pos.AvgEntryPrice - price) * pos.Qty
	}
}

func (b *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (b *PaperBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, order.Status)
	}
	order.Status = StatusCanceled
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneOrder(o *Order) *Order {
	clone := *o
	return &clone
}
