package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBuySignal() *Signal {
	return &Signal{
		PrevSignalHash:      "",
		Symbol:              "AAPL",
		Action:              ActionBuy,
		EntryPrice:          150.25,
		TargetPrice:         157.76,
		StopPrice:           145.74,
		Confidence:          88.5,
		Regime:              "TRENDING",
		SourcesUsed:         []string{"binance_market", "technical"},
		Rationale:           "BUY consensus at 88.5% confidence in TRENDING regime (threshold 85%).",
		GenerationLatencyMS: 412,
		ServerTimestamp:     time.Date(2026, 3, 14, 9, 30, 0, 125_000_000, time.UTC),
		CreatedAt:           time.Date(2026, 3, 14, 9, 30, 0, 125_000_000, time.UTC),
	}
}

func TestSignalValidate(t *testing.T) {
	t.Run("valid BUY passes", func(t *testing.T) {
		require.NoError(t, validBuySignal().Validate())
	})

	t.Run("valid SELL passes", func(t *testing.T) {
		s := validBuySignal()
		s.Action = ActionSell
		s.TargetPrice = 142.74
		s.StopPrice = 154.76
		require.NoError(t, s.Validate())
	})

	t.Run("BUY with inverted brackets fails", func(t *testing.T) {
		s := validBuySignal()
		s.TargetPrice = 140.0
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BUY price ordering")
	})

	t.Run("SELL with inverted brackets fails", func(t *testing.T) {
		s := validBuySignal()
		s.Action = ActionSell
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SELL price ordering")
	})

	t.Run("confidence out of range fails", func(t *testing.T) {
		s := validBuySignal()
		s.Confidence = 101
		require.Error(t, s.Validate())

		s.Confidence = -1
		require.Error(t, s.Validate())
	})

	t.Run("short rationale fails", func(t *testing.T) {
		s := validBuySignal()
		s.Rationale = "too short"
		require.Error(t, s.Validate())
	})

	t.Run("unknown action fails", func(t *testing.T) {
		s := validBuySignal()
		s.Action = Action("HOLD")
		require.Error(t, s.Validate())
	})
}

func TestSealAssignsContentHash(t *testing.T) {
	s := validBuySignal()
	require.NoError(t, s.Seal())
	assert.Len(t, s.SignalID, 64)
	require.NoError(t, VerifyContentHash(s))
}

func TestBuildRationaleDeterministic(t *testing.T) {
	contribs := []SourceContribution{
		{ProviderID: "technical", Direction: "LONG", Confidence: 82, Weight: 0.3},
		{ProviderID: "binance_market", Direction: "LONG", Confidence: 91, Weight: 0.5},
	}

	a := BuildRationale(ActionBuy, 88.5, "TRENDING", 85, contribs)
	b := BuildRationale(ActionBuy, 88.5, "TRENDING", 85, []SourceContribution{contribs[1], contribs[0]})

	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, len(a), MinRationaleLen)
	assert.True(t, strings.HasPrefix(a, "BUY consensus"))
	assert.Contains(t, a, "binance_market: LONG 91.0% (weight 0.50).")
}
