package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
)

// quoteAsset is the settlement currency all tracked symbols trade
// against.
const quoteAsset = "USDT"

// BinanceBroker routes spot orders to Binance. Spot accounts cannot hold
// net-short positions, so SHORT intents are only valid as closes of held
// base assets; the execution layer enforces that before submitting.
type BinanceBroker struct {
	client *binance.Client
	retry  RetryConfig
}

// NewBinanceBroker creates a Binance spot broker.
func NewBinanceBroker(apiKey, secretKey string, testnet bool) *BinanceBroker {
	if testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance broker initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance broker initialized (LIVE TRADING mode)")
	}
	return &BinanceBroker{
		client: binance.NewClient(apiKey, secretKey),
		retry:  DefaultRetryConfig(),
	}
}

func (b *BinanceBroker) Name() string { return "binance" }

func (b *BinanceBroker) GetAccount(ctx context.Context) (*Account, error) {
	var acct *binance.Account
	err := WithRetry(ctx, b.retry, func() error {
		var aerr error
		acct, aerr = b.client.NewGetAccountService().Do(ctx)
		return b.classify(aerr)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Binance account: %w", err)
	}

	cash := 0.0
	for _, bal := range acct.Balances {
		if bal.Asset == quoteAsset {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			cash = free
			break
		}
	}

	status := AccountActive
	if !acct.CanTrade {
		status = AccountRestricted
	}

	// Spot equity beyond the quote balance needs per-asset pricing; the
	// position values are folded in by callers that hold positions.
	return &Account{
		Status:      status,
		Equity:      cash,
		LastEquity:  cash,
		Cash:        cash,
		BuyingPower: cash,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (b *BinanceBroker) GetPositions(ctx context.Context) ([]*Position, error) {
	var acct *binance.Account
	err := WithRetry(ctx, b.retry, func() error {
		var aerr error
		acct, aerr = b.client.NewGetAccountService().Do(ctx)
		return b.classify(aerr)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Binance balances: %w", err)
	}

	var out []*Position
	for _, bal := range acct.Balances {
		if bal.Asset == quoteAsset {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		qty := free + locked
		if qty <= 0 {
			continue
		}

		symbol := bal.Asset + quoteAsset
		price, perr := b.GetQuote(ctx, symbol)
		if perr != nil {
			log.Debug().Str("asset", bal.Asset).Err(perr).Msg("Skipping unpriceable balance")
			continue
		}

		out = append(out, &Position{
			Symbol:      symbol,
			Side:        PositionLong,
			Qty:         qty,
			MarketValue: qty * price,
		})
	}
	return out, nil
}

func (b *BinanceBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, nil
}

func (b *BinanceBroker) GetQuote(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, b.classify(err)
	}
	if len(prices) == 0 {
		return 0, NewRejection(b.Name(), RejectSymbolNotTradable,
			fmt.Errorf("no price for %s", symbol))
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

func (b *BinanceBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binanceSide(req.Side)).
		Quantity(formatQty(req.Qty))

	switch req.Type {
	case TypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case TypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatQty(req.LimitPrice))
	case TypeStop:
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			StopPrice(formatQty(req.StopPrice)).
			Price(formatQty(req.StopPrice))
	default:
		return nil, NewRejection(b.Name(), RejectOther,
			fmt.Errorf("unsupported order type %s", req.Type))
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	var resp *binance.CreateOrderResponse
	err := WithRetry(ctx, b.retry, func() error {
		var oerr error
		resp, oerr = svc.Do(ctx)
		return b.classify(oerr)
	})
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:            encodeOrderID(resp.Symbol, resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Status:        convertBinanceStatus(resp.Status),
		CreatedAt:     time.UnixMilli(resp.TransactTime).UTC(),
		UpdatedAt:     time.UnixMilli(resp.TransactTime).UTC(),
	}
	if qty, perr := strconv.ParseFloat(resp.ExecutedQuantity, 64); perr == nil {
		order.FilledQty = qty
	}
	if len(resp.Fills) > 0 {
		order.AvgFillPrice = avgFillPrice(resp.Fills)
	}
	return order, nil
}

func (b *BinanceBroker) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	symbol, id, err := decodeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, b.classify(err)
	}

	price, _ := strconv.ParseFloat(resp.Price, 64)
	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	qty, _ := strconv.ParseFloat(resp.OrigQuantity, 64)

	return &Order{
		ID:            encodeOrderID(resp.Symbol, resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          OrderSide(resp.Side),
		Qty:           qty,
		FilledQty:     filled,
		AvgFillPrice:  price,
		Status:        convertBinanceStatus(resp.Status),
		UpdatedAt:     time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func (b *BinanceBroker) CancelOrder(ctx context.Context, orderID string) error {
	symbol, id, err := decodeOrderID(orderID)
	if err != nil {
		return err
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return b.classify(err)
}

// Binance order IDs are only unique per symbol, so the symbol rides along
// in the opaque ID.
func encodeOrderID(symbol string, id int64) string {
	return symbol + ":" + strconv.FormatInt(id, 10)
}

func decodeOrderID(orderID string) (string, int64, error) {
	symbol, raw, ok := strings.Cut(orderID, ":")
	if !ok {
		return "", 0, fmt.Errorf("invalid Binance order ID %q", orderID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Binance order ID %q: %w", orderID, err)
	}
	return symbol, id, nil
}

// classify maps Binance API errors onto the broker rejection taxonomy.
func (b *BinanceBroker) classify(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*common.APIError); ok {
		switch {
		case apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Message), "insufficient"):
			return NewRejection(b.Name(), RejectInsufficientBuyingPower, err)
		case apiErr.Code == -1121:
			return NewRejection(b.Name(), RejectSymbolNotTradable, err)
		case apiErr.Code == -1003 || apiErr.Code == -1015:
			return NewRejection(b.Name(), RejectRateLimited, err)
		case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1002:
			return NewRejection(b.Name(), RejectAuth, err)
		case apiErr.Code == -1001:
			return NewRejection(b.Name(), RejectUpstream5xx, err)
		}
	}
	return err
}

func binanceSide(side OrderSide) binance.SideType {
	if side == SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func convertBinanceStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return StatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return StatusCanceled
	case binance.OrderStatusTypeRejected:
		return StatusRejected
	case binance.OrderStatusTypeExpired:
		return StatusExpired
	default:
		return StatusNew
	}
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

func avgFillPrice(fills []*binance.Fill) float64 {
	var totalQty, totalNotional float64
	for _, f := range fills {
		qty, _ := strconv.ParseFloat(f.Quantity, 64)
		price, _ := strconv.ParseFloat(f.Price, 64)
		totalQty += qty
		totalNotional += qty * price
	}
	if totalQty == 0 {
		return 0
	}
	return totalNotional / totalQty
}
