// Package provider defines the data-provider abstraction and the registry
// that mediates every upstream fetch with rate limits, circuit breakers,
// and health tracking.
package provider

import (
	"context"
	"time"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Kind categorizes a provider by the type of evidence it produces.
type Kind string

const (
	KindPrimaryMarket   Kind = "PRIMARY_MARKET"
	KindSecondaryMarket Kind = "SECONDARY_MARKET"
	KindTechnical       Kind = "TECHNICAL"
	KindSentiment       Kind = "SENTIMENT"
	KindAI              Kind = "AI"
)

// Direction is a provider's directional opinion for a symbol.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Value maps a direction onto the signed axis used for weighted fusion.
func (d Direction) Value() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Signal is one provider's normalized opinion about a symbol.
type Signal struct {
	ProviderID string    `json:"provider_id"`
	Kind       Kind      `json:"kind"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"` // [0, 100]
	Price      float64   `json:"price"`      // indicative price, 0 if the provider has none
	FetchedAt  time.Time `json:"fetched_at"`
	Degraded   bool      `json:"degraded"` // produced from partial upstream data
}

// Age returns how stale the provider signal is.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// DataProvider is a single upstream source of directional evidence.
// Implementations must honor context cancellation in Fetch and return
// errors classified via FetchError so the registry can account for them.
type DataProvider interface {
	ID() string
	Kind() Kind
	SupportsAssetClass(class signal.AssetClass) bool
	Fetch(ctx context.Context, symbol string) (*Signal, error)
}
