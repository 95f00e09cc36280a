package signal

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashDeterministic(t *testing.T) {
	a := validBuySignal()
	b := validBuySignal()

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestContentHashIgnoresIdentityFields(t *testing.T) {
	a := validBuySignal()
	base, err := ContentHash(a)
	require.NoError(t, err)

	a.SignalID = "deadbeef"
	a.PrevSignalHash = strings.Repeat("ab", 32)
	again, err := ContentHash(a)
	require.NoError(t, err)
	assert.Equal(t, base, again, "signal_id and prev_signal_hash must not affect the content hash")
}

func TestContentHashSensitiveToContent(t *testing.T) {
	base, err := ContentHash(validBuySignal())
	require.NoError(t, err)

	mutations := map[string]func(*Signal){
		"entry price": func(s *Signal) { s.EntryPrice += 0.01 },
		"confidence":  func(s *Signal) { s.Confidence += 0.1 },
		"symbol":      func(s *Signal) { s.Symbol = "MSFT" },
		"action": func(s *Signal) {
			s.Action = ActionSell
		},
		"rationale": func(s *Signal) { s.Rationale += "!" },
		"regime":    func(s *Signal) { s.Regime = "VOLATILE" },
		"timestamp": func(s *Signal) { s.ServerTimestamp = s.ServerTimestamp.Add(time.Millisecond) },
		"sources":   func(s *Signal) { s.SourcesUsed = append(s.SourcesUsed, "sentiment") },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := validBuySignal()
			mutate(s)
			h, err := ContentHash(s)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestContentHashSourceOrderIrrelevant(t *testing.T) {
	a := validBuySignal()
	b := validBuySignal()
	b.SourcesUsed = []string{"technical", "binance_market"}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "source list order must not affect the hash")
}

func TestMarshalCanonicalWireForm(t *testing.T) {
	s := validBuySignal()
	require.NoError(t, s.Seal())

	wire, err := MarshalCanonical(s)
	require.NoError(t, err)

	raw := string(wire)
	assert.True(t, strings.HasPrefix(raw, `{"signal_id":`))
	assert.Contains(t, raw, `"symbol":"AAPL","action":"BUY"`, "no insignificant whitespace between fields")
	assert.Contains(t, raw, `"entry_price":150.25`)
	assert.Contains(t, raw, `"server_timestamp":"2026-03-14T09:30:00.125Z"`)

	// Must still be valid JSON for ordinary consumers.
	decoded, err := UnmarshalWire(wire)
	require.NoError(t, err)
	assert.Equal(t, s.SignalID, decoded.SignalID)
	assert.Equal(t, s.EntryPrice, decoded.EntryPrice)
	assert.Equal(t, s.SourcesUsed, decoded.SourcesUsed)
	require.NoError(t, VerifyContentHash(decoded))
}

func TestCanonicalNumbersShortestForm(t *testing.T) {
	s := validBuySignal()
	s.EntryPrice = 100
	s.TargetPrice = 105
	s.StopPrice = 97
	require.NoError(t, s.Seal())

	wire, err := MarshalCanonical(s)
	require.NoError(t, err)
	assert.Contains(t, string(wire), `"entry_price":100,`)
	assert.NotContains(t, string(wire), `100.0`)
}

func TestCanonicalEscaping(t *testing.T) {
	s := validBuySignal()
	s.Rationale = `BUY consensus: "strong" trend with unicode ✓ and newline` + "\n"
	require.NoError(t, s.Seal())

	wire, err := MarshalCanonical(s)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(wire, &m))
	assert.Equal(t, s.Rationale, m["rationale"])
}

func TestVerifyContentHashDetectsTamper(t *testing.T) {
	s := validBuySignal()
	require.NoError(t, s.Seal())
	require.NoError(t, VerifyContentHash(s))

	s.EntryPrice += 0.50
	err := VerifyContentHash(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content hash mismatch")
}

func TestContentHashRejectsZeroTimestamps(t *testing.T) {
	s := validBuySignal()
	s.CreatedAt = time.Time{}
	_, err := ContentHash(s)
	require.Error(t, err)
}
