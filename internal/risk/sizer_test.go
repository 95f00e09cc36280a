package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

func newTestSizer() (*Sizer, *VolCache) {
	vols := NewVolCache(16, time.Minute)
	return NewSizer(testRiskConfig(), vols), vols
}

func TestSizeEquityBaseCase(t *testing.T) {
	s, _ := newTestSizer()

	// equity 100k, 10% base = 10000; conf 75 -> mult 1.0; no vol data.
	// 10000 / 150 = 66.67 -> floor 66 shares.
	sizing, err := s.Size(100000, 150, 75, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.Equal(t, 66.0, sizing.Qty)
	assert.Equal(t, 1.0, sizing.ConfMult)
	assert.Equal(t, 1.0, sizing.VolMult)
	assert.False(t, sizing.Capped)
}

func TestSizeConfidenceBoost(t *testing.T) {
	s, _ := newTestSizer()

	// conf 100 -> mult 1.5 -> 15000 notional, but the cap is also 15%.
	sizing, err := s.Size(100000, 100, 100, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, sizing.ConfMult)
	assert.Equal(t, 150.0, sizing.Qty)

	// conf 87.5 -> mult 1.25.
	sizing, err = s.Size(100000, 100, 87.5, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.25, sizing.ConfMult)
	assert.Equal(t, 125.0, sizing.Qty)
}

func TestSizeConfidenceBelowBaselineNoBoost(t *testing.T) {
	s, _ := newTestSizer()

	sizing, err := s.Size(100000, 100, 60, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sizing.ConfMult)
}

func TestSizeVolatilityDampening(t *testing.T) {
	s, vols := newTestSizer()

	// Twice the target volatility halves the size.
	vols.Put("AAPL", 0.02)
	sizing, err := s.Size(100000, 100, 75, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, sizing.VolMult)
	assert.Equal(t, 50.0, sizing.Qty)

	// Extremely quiet markets are capped at 1.5x.
	vols.Put("AAPL", 0.001)
	sizing, err = s.Size(100000, 100, 75, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.Equal(t, volMultCeiling, sizing.VolMult)
}

func TestSizeCapAtMaxPositionPct(t *testing.T) {
	s, vols := newTestSizer()

	// conf 100 (x1.5) and quiet vol (x1.5) would be 22.5% of equity;
	// capped at 15%.
	vols.Put("AAPL", 0.001)
	sizing, err := s.Size(100000, 100, 100, "AAPL", signal.AssetEquity, 0)
	require.NoError(t, err)
	assert.True(t, sizing.Capped)
	assert.Equal(t, 150.0, sizing.Qty)
}

func TestSizeCryptoFractional(t *testing.T) {
	s, _ := newTestSizer()

	// 10000 / 62000 = 0.161290... truncated to 6 decimals.
	sizing, err := s.Size(100000, 62000, 75, "BTCUSDT", signal.AssetCrypto, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.161290, sizing.Qty)
}

func TestSizeCryptoBelowMinNotional(t *testing.T) {
	s, _ := newTestSizer()

	_, err := s.Size(50, 62000, 75, "BTCUSDT", signal.AssetCrypto, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minimum notional")
}

func TestSizeEquityBelowOneShare(t *testing.T) {
	s, _ := newTestSizer()

	_, err := s.Size(100, 5000, 75, "BRK.A", signal.AssetEquity, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below one share")
}

func TestSizeInvalidInputs(t *testing.T) {
	s, _ := newTestSizer()

	_, err := s.Size(100000, 0, 75, "AAPL", signal.AssetEquity, 0)
	require.Error(t, err)

	_, err = s.Size(0, 150, 75, "AAPL", signal.AssetEquity, 0)
	require.Error(t, err)
}

func TestVolCacheTTLAndEviction(t *testing.T) {
	c := NewVolCache(2, 10*time.Millisecond)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("A", 0.01)
	c.Put("B", 0.02)
	c.Put("C", 0.03) // evicts A

	_, ok := c.Get("A")
	assert.False(t, ok)
	v, ok := c.Get("C")
	assert.True(t, ok)
	assert.Equal(t, 0.03, v)

	now = now.Add(20 * time.Millisecond)
	_, ok = c.Get("C")
	assert.False(t, ok, "expired")
}
