package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

const (
	binanceProviderID    = "binance_market"
	binanceKlineInterval = "1m"
	binanceKlineLimit    = 30
)

// BinanceProvider is the PRIMARY_MARKET provider for crypto symbols. It
// reads recent klines, takes the last close as the indicative price, and
// derives a short-horizon momentum direction.
type BinanceProvider struct {
	client *binance.Client
}

// NewBinanceProvider creates the Binance market-data provider. Testnet
// selection is global in the client library.
func NewBinanceProvider(apiKey, secretKey string, testnet bool) *BinanceProvider {
	if testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance market provider using testnet")
	}
	return &BinanceProvider{client: binance.NewClient(apiKey, secretKey)}
}

func (p *BinanceProvider) ID() string { return binanceProviderID }

func (p *BinanceProvider) Kind() Kind { return KindPrimaryMarket }

func (p *BinanceProvider) SupportsAssetClass(class signal.AssetClass) bool {
	return class == signal.AssetCrypto
}

// Fetch pulls recent 1m klines for the symbol.
func (p *BinanceProvider) Fetch(ctx context.Context, symbol string) (*Signal, error) {
	klines, err := p.client.NewKlinesService().
		Symbol(symbol).
		Interval(binanceKlineInterval).
		Limit(binanceKlineLimit).
		Do(ctx)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(klines) == 0 {
		return nil, NewFetchError(p.ID(), CodeMalformed, fmt.Errorf("no klines for %s", symbol))
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		c, perr := strconv.ParseFloat(k.Close, 64)
		if perr != nil {
			return nil, NewFetchError(p.ID(), CodeMalformed, fmt.Errorf("bad close %q: %w", k.Close, perr))
		}
		closes = append(closes, c)
	}

	direction, confidence := momentumVote(closes)

	return &Signal{
		ProviderID: p.ID(),
		Kind:       KindPrimaryMarket,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Price:      closes[len(closes)-1],
		FetchedAt:  time.Now().UTC(),
		Degraded:   len(closes) < binanceKlineLimit,
	}, nil
}

// RecentCloses exposes the close history for the technical provider and
// the regime classifier.
func (p *BinanceProvider) RecentCloses(ctx context.Context, symbol string, n int) ([]float64, error) {
	klines, err := p.client.NewKlinesService().
		Symbol(symbol).
		Interval(binanceKlineInterval).
		Limit(n).
		Do(ctx)
	if err != nil {
		return nil, p.classify(err)
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		c, perr := strconv.ParseFloat(k.Close, 64)
		if perr != nil {
			return nil, NewFetchError(p.ID(), CodeMalformed, fmt.Errorf("bad close %q: %w", k.Close, perr))
		}
		closes = append(closes, c)
	}
	return closes, nil
}

func (p *BinanceProvider) classify(err error) error {
	if apiErr, ok := err.(*common.APIError); ok {
		switch {
		case apiErr.Code == -1121:
			return NewFetchError(p.ID(), CodeUnsupportedSymbol, err)
		case apiErr.Code == -1003:
			return NewFetchError(p.ID(), CodeRateLimited, err)
		case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1002:
			return NewFetchError(p.ID(), CodeAuth, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFetchError(p.ID(), CodeTimeout, err)
	}
	return NewFetchError(p.ID(), CodeUpstream5xx, err)
}

// momentumVote derives a direction from last close versus the window mean.
// Small deviations vote NEUTRAL; the confidence grows with the deviation
// but a market-data provider never claims full conviction on its own.
func momentumVote(closes []float64) (Direction, float64) {
	if len(closes) < 2 {
		return DirectionNeutral, 0
	}

	mean := 0.0
	for _, c := range closes {
		mean += c
	}
	mean /= float64(len(closes))
	if mean == 0 {
		return DirectionNeutral, 0
	}

	deviation := (closes[len(closes)-1] - mean) / mean
	const neutralBand = 0.001

	switch {
	case deviation > neutralBand:
		return DirectionLong, momentumConfidence(deviation)
	case deviation < -neutralBand:
		return DirectionShort, momentumConfidence(-deviation)
	default:
		return DirectionNeutral, 30
	}
}

func momentumConfidence(deviation float64) float64 {
	// 0.1% deviation ~ 50, saturating at 85.
	conf := 50 + deviation*10000
	if conf > 85 {
		conf = 85
	}
	return conf
}
