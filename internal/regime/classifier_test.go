package regime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/config"
)

func testConfig() config.RegimeConfig {
	return config.RegimeConfig{
		Thresholds: map[string]float64{
			Trending:      85.0,
			Consolidation: 90.0,
			Volatile:      88.0,
		},
		Calibration: map[string]float64{
			Trending:      1.2,
			Consolidation: 1.0,
			Volatile:      0.9,
		},
		DefaultThreshold: 75.0,
		Lookback:         30,
	}
}

// steadyUptrend produces n closes rising a fixed fraction per bar.
func steadyUptrend(n int, start, step float64) []float64 {
	closes := make([]float64, n)
	price := start
	for i := range closes {
		closes[i] = price
		price *= 1 + step
	}
	return closes
}

func TestClassifyInsufficientData(t *testing.T) {
	c := NewClassifier(testConfig())

	cls := c.Classify("AAPL", []float64{100, 101, 102})
	assert.Equal(t, Consolidation, cls.Regime)
	assert.Equal(t, 75.0, cls.Threshold)
	assert.Equal(t, 1.0, cls.Kappa)
}

func TestClassifyTrending(t *testing.T) {
	c := NewClassifier(testConfig())

	// 0.5% per bar, low dispersion: strong directional move.
	cls := c.Classify("BTCUSDT", steadyUptrend(30, 50000, 0.005))
	assert.Equal(t, Trending, cls.Regime)
	assert.Equal(t, 85.0, cls.Threshold)
	assert.Equal(t, 1.2, cls.Kappa)
	assert.Greater(t, cls.TrendStrength, trendStrengthCutoff)
}

func TestClassifyConsolidation(t *testing.T) {
	c := NewClassifier(testConfig())

	// Tight oscillation around a flat mean.
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + 0.05*math.Sin(float64(i))
	}

	cls := c.Classify("AAPL", closes)
	assert.Equal(t, Consolidation, cls.Regime)
	assert.Equal(t, 90.0, cls.Threshold)
	assert.Equal(t, 1.0, cls.Kappa)
}

func TestClassifyVolatile(t *testing.T) {
	c := NewClassifier(testConfig())

	// Alternating 4% swings: huge per-bar return dispersion.
	closes := make([]float64, 30)
	price := 100.0
	for i := range closes {
		closes[i] = price
		if i%2 == 0 {
			price *= 1.04
		} else {
			price *= 0.96
		}
	}

	cls := c.Classify("ETHUSDT", closes)
	assert.Equal(t, Volatile, cls.Regime)
	assert.Equal(t, 88.0, cls.Threshold)
	assert.Equal(t, 0.9, cls.Kappa)
	assert.Greater(t, cls.Volatility, volatileReturnStdDev)
}

func TestThresholdFallsBackToDefault(t *testing.T) {
	c := NewClassifier(testConfig())
	assert.Equal(t, 75.0, c.ThresholdFor("SIDEWAYS_UNKNOWN"))
	assert.Equal(t, 85.0, c.ThresholdFor(Trending))
}

func TestReturnStdDev(t *testing.T) {
	assert.Equal(t, 0.0, returnStdDev([]float64{100}))
	assert.InDelta(t, 0.0, returnStdDev(steadyUptrend(10, 100, 0.01)), 1e-9,
		"constant percentage returns have zero dispersion")
}

func TestMinDataPoints(t *testing.T) {
	c := NewClassifier(testConfig())
	assert.Equal(t, 30, c.MinDataPoints())

	short := testConfig()
	short.Lookback = 5
	assert.Equal(t, slowEMAPeriod, NewClassifier(short).MinDataPoints())
}

func TestClassificationString(t *testing.T) {
	cls := Classification{Regime: Trending, Threshold: 85, Kappa: 1.2}
	require.Equal(t, "TRENDING (threshold=85 kappa=1.20)", cls.String())
}
