package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	closes []float64
	err    error
}

func (f *fakeHistory) RecentCloses(_ context.Context, _ string, n int) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.closes) > n {
		return f.closes[len(f.closes)-n:], nil
	}
	return f.closes, nil
}

func risingCloses(n int) []float64 {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 1.01
	}
	return closes
}

func fallingCloses(n int) []float64 {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		closes[i] = price
		price *= 0.99
	}
	return closes
}

func TestTechnicalProviderConflictOnDowntrend(t *testing.T) {
	// A long monotonic decline drives RSI deep into oversold territory.
	p := NewTechnicalProvider(&fakeHistory{closes: fallingCloses(60)})

	sig, err := p.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, technicalProviderID, sig.ProviderID)
	assert.Equal(t, KindTechnical, sig.Kind)
	// RSI votes LONG (oversold), MACD votes SHORT (falling): conflict.
	assert.Equal(t, DirectionNeutral, sig.Direction)
}

func TestTechnicalProviderConflictOnUptrend(t *testing.T) {
	// Monotonic rise: RSI pegged overbought votes SHORT, MACD votes LONG.
	p := NewTechnicalProvider(&fakeHistory{closes: risingCloses(60)})

	sig, err := p.Fetch(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, DirectionNeutral, sig.Direction)
	assert.InDelta(t, 20, sig.Confidence, 15)
}

func TestTechnicalProviderInsufficientHistory(t *testing.T) {
	p := NewTechnicalProvider(&fakeHistory{closes: []float64{100, 101}})

	_, err := p.Fetch(context.Background(), "AAPL")
	require.Error(t, err)
	assert.Equal(t, CodeMalformed, CodeOf(err))
}

func TestTechnicalProviderHistoryError(t *testing.T) {
	p := NewTechnicalProvider(&fakeHistory{err: NewFetchError("upstream", CodeUpstreamDown, nil)})

	_, err := p.Fetch(context.Background(), "AAPL")
	require.Error(t, err)
}

func TestFuseTechnicalVotes(t *testing.T) {
	tests := []struct {
		name       string
		rsi, macd  Direction
		direction  Direction
		confidence float64
	}{
		{"agreement long", DirectionLong, DirectionLong, DirectionLong, 80},
		{"agreement short", DirectionShort, DirectionShort, DirectionShort, 80},
		{"rsi only", DirectionLong, DirectionNeutral, DirectionLong, 60},
		{"macd only", DirectionNeutral, DirectionShort, DirectionShort, 55},
		{"conflict", DirectionLong, DirectionShort, DirectionNeutral, 20},
		{"both neutral", DirectionNeutral, DirectionNeutral, DirectionNeutral, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, conf := fuseTechnicalVotes(tt.rsi, tt.macd)
			assert.Equal(t, tt.direction, dir)
			assert.Equal(t, tt.confidence, conf)
		})
	}
}

func TestRsiDirectionVote(t *testing.T) {
	assert.Equal(t, DirectionLong, rsiDirectionVote(25))
	assert.Equal(t, DirectionShort, rsiDirectionVote(75))
	assert.Equal(t, DirectionNeutral, rsiDirectionVote(50))
}
