// Package broker abstracts order routing and account state behind one
// interface with normalized position semantics: side is always LONG or
// SHORT and quantities are always positive.
package broker

import (
	"context"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// PositionSide is the normalized direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
	TypeStop   OrderType = "STOP"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// AccountStatus is the trading eligibility of the account.
type AccountStatus string

const (
	AccountActive     AccountStatus = "ACTIVE"
	AccountRestricted AccountStatus = "RESTRICTED"
	AccountClosed     AccountStatus = "CLOSED"
)

// Account is a snapshot of broker account state.
type Account struct {
	Status      AccountStatus `json:"status"`
	Equity      float64       `json:"equity"`
	LastEquity  float64       `json:"last_equity"` // equity at the previous session close
	Cash        float64       `json:"cash"`
	BuyingPower float64       `json:"buying_power"`
	FetchedAt   time.Time     `json:"fetched_at"`
}

// Position is one open position with normalized semantics.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Qty           float64      `json:"qty"` // always positive
	AvgEntryPrice float64      `json:"avg_entry_price"`
	MarketValue   float64      `json:"market_value"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Qty           float64   `json:"qty"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Qty           float64     `json:"qty"`
	FilledQty     float64     `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price,omitempty"`
	LimitPrice    float64     `json:"limit_price,omitempty"`
	StopPrice     float64     `json:"stop_price,omitempty"`
	Status        OrderStatus `json:"status"`
	RejectReason  string      `json:"reject_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Broker routes orders and reports account state. Implementations must be
// safe for concurrent use.
type Broker interface {
	Name() string
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]*Position, error)
	// GetPosition returns nil without error when no position is open.
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	// GetQuote returns the current market price for a symbol.
	GetQuote(ctx context.Context, symbol string) (float64, error)
}
