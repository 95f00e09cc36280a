// Package signal defines the immutable trading-signal record and its
// content-addressed identity.
package signal

import (
	"fmt"
	"time"
)

// Action is the trade direction of an emitted signal
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// AssetClass tags a symbol as equity or crypto
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
)

// DefaultRetention is how long emitted signals remain interesting to
// downstream consumers. Expiry is advisory only; records are never deleted.
const DefaultRetention = 30 * 24 * time.Hour

// MinRationaleLen is the minimum length of a signal rationale
const MinRationaleLen = 20

// Signal is one emitted trading decision. Once written it is never
// updated or deleted; SignalID is a content hash over the canonical
// serialization and PrevSignalHash links signals into a chain in
// emission order.
type Signal struct {
	SignalID            string    `json:"signal_id"`
	PrevSignalHash      string    `json:"prev_signal_hash"`
	Symbol              string    `json:"symbol"`
	Action              Action    `json:"action"`
	EntryPrice          float64   `json:"entry_price"`
	TargetPrice         float64   `json:"target_price"`
	StopPrice           float64   `json:"stop_price"`
	Confidence          float64   `json:"confidence"`
	Regime              string    `json:"regime"`
	SourcesUsed         []string  `json:"sources_used"`
	Rationale           string    `json:"rationale"`
	GenerationLatencyMS int64     `json:"generation_latency_ms"`
	ServerTimestamp     time.Time `json:"server_timestamp"`
	CreatedAt           time.Time `json:"created_at"`
	RetentionExpiresAt  time.Time `json:"retention_expires_at"`
}

// Validate checks the structural invariants of a signal. Price ordering
// depends on direction: a BUY needs stop < entry < target, a SELL needs
// target < entry < stop.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has empty symbol")
	}

	if s.Action != ActionBuy && s.Action != ActionSell {
		return fmt.Errorf("invalid action %q for %s", s.Action, s.Symbol)
	}

	if s.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %v for %s", s.EntryPrice, s.Symbol)
	}

	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence %v out of range [0, 100] for %s", s.Confidence, s.Symbol)
	}

	switch s.Action {
	case ActionBuy:
		if !(s.StopPrice < s.EntryPrice && s.EntryPrice < s.TargetPrice) {
			return fmt.Errorf("BUY price ordering violated for %s: want stop < entry < target, got stop=%v entry=%v target=%v",
				s.Symbol, s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	case ActionSell:
		if !(s.TargetPrice < s.EntryPrice && s.EntryPrice < s.StopPrice) {
			return fmt.Errorf("SELL price ordering violated for %s: want target < entry < stop, got stop=%v entry=%v target=%v",
				s.Symbol, s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	}

	if len(s.Rationale) < MinRationaleLen {
		return fmt.Errorf("rationale too short for %s: %d chars (minimum %d)", s.Symbol, len(s.Rationale), MinRationaleLen)
	}

	return nil
}

// Seal computes and assigns the content hash. PrevSignalHash must already
// be set; changing any content field afterwards invalidates the ID.
func (s *Signal) Seal() error {
	id, err := ContentHash(s)
	if err != nil {
		return err
	}
	s.SignalID = id
	return nil
}
