package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

const (
	technicalProviderID = "technical"
	rsiPeriod           = 14
	technicalLookback   = 60
)

// PriceHistory supplies recent close prices for a symbol, newest last.
type PriceHistory interface {
	RecentCloses(ctx context.Context, symbol string, n int) ([]float64, error)
}

// TechnicalProvider derives a TECHNICAL opinion from RSI and MACD over
// recent closes. It supports every asset class; the history source decides
// which symbols it can actually serve.
type TechnicalProvider struct {
	history PriceHistory
}

// NewTechnicalProvider creates a technical-analysis provider backed by the
// given price history source.
func NewTechnicalProvider(history PriceHistory) *TechnicalProvider {
	return &TechnicalProvider{history: history}
}

func (p *TechnicalProvider) ID() string { return technicalProviderID }

func (p *TechnicalProvider) Kind() Kind { return KindTechnical }

func (p *TechnicalProvider) SupportsAssetClass(signal.AssetClass) bool { return true }

// Fetch computes RSI and MACD votes and fuses them into one direction.
func (p *TechnicalProvider) Fetch(ctx context.Context, symbol string) (*Signal, error) {
	closes, err := p.history.RecentCloses(ctx, symbol, technicalLookback)
	if err != nil {
		return nil, fmt.Errorf("failed to load close history for %s: %w", symbol, err)
	}
	if len(closes) < rsiPeriod+1 {
		return nil, NewFetchError(p.ID(), CodeMalformed,
			fmt.Errorf("insufficient history for %s: %d closes", symbol, len(closes)))
	}

	rsiValue := lastRSI(closes)
	macdVote := macdDirection(closes)
	rsiVote := rsiDirectionVote(rsiValue)

	direction, confidence := fuseTechnicalVotes(rsiVote, macdVote)

	return &Signal{
		ProviderID: p.ID(),
		Kind:       KindTechnical,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		Price:      closes[len(closes)-1],
		FetchedAt:  time.Now().UTC(),
		Degraded:   len(closes) < technicalLookback,
	}, nil
}

func lastRSI(closes []float64) float64 {
	rsi := momentum.NewRsiWithPeriod[float64](rsiPeriod)
	out := rsi.Compute(sliceToChan(closes))

	last := 50.0
	for v := range out {
		last = v
	}
	return last
}

// rsiDirectionVote maps RSI extremes to mean-reversion votes.
func rsiDirectionVote(rsi float64) Direction {
	switch {
	case rsi <= 30:
		return DirectionLong
	case rsi >= 70:
		return DirectionShort
	default:
		return DirectionNeutral
	}
}

// macdDirection votes with the sign of the MACD histogram.
func macdDirection(closes []float64) Direction {
	macd := trend.NewMacdWithPeriod[float64](12, 26, 9)
	macdChan, signalChan := macd.Compute(sliceToChan(closes))

	var m, s float64
	var any bool
	for {
		mv, mok := <-macdChan
		sv, sok := <-signalChan
		if !mok || !sok {
			break
		}
		m, s = mv, sv
		any = true
	}
	if !any {
		return DirectionNeutral
	}

	switch {
	case m > s:
		return DirectionLong
	case m < s:
		return DirectionShort
	default:
		return DirectionNeutral
	}
}

// fuseTechnicalVotes combines the RSI and MACD votes. Agreement carries
// high conviction, a single vote moderate, disagreement none.
func fuseTechnicalVotes(rsi, macd Direction) (Direction, float64) {
	switch {
	case rsi == macd && rsi != DirectionNeutral:
		return rsi, 80
	case rsi != DirectionNeutral && macd == DirectionNeutral:
		return rsi, 60
	case macd != DirectionNeutral && rsi == DirectionNeutral:
		return macd, 55
	case rsi != macd && rsi != DirectionNeutral && macd != DirectionNeutral:
		return DirectionNeutral, 20
	default:
		return DirectionNeutral, 30
	}
}

func sliceToChan(values []float64) chan float64 {
	out := make(chan float64, len(values))
	for _, v := range values {
		out <- v
	}
	close(out)
	return out
}
