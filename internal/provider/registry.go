package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Circuit breaker policy shared by all providers. Five consecutive
// failures inside the counting window trip the breaker; after the cooldown
// a single probe request decides whether it closes again.
const (
	breakerConsecutiveFailures = 5
	breakerCountWindow         = 60 * time.Second
	breakerCooldown            = 30 * time.Second
	breakerHalfOpenMaxReqs     = 1
)

// ErrBreakerOpen reports a fetch short-circuited by an open breaker.
var ErrBreakerOpen = errors.New("provider circuit breaker open")

// ErrRateBudgetExceeded reports a fetch that could not acquire a rate
// token within the provider's acquire budget.
var ErrRateBudgetExceeded = errors.New("provider rate budget exceeded")

// Entry is one registered provider with its mediation state.
type Entry struct {
	Provider DataProvider
	Weight   float64
	Timeout  time.Duration
	MaxWait  time.Duration

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	health  *healthTracker
}

// Registry holds all registered providers and mediates every fetch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	metrics *metrics.Metrics
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		metrics: metrics.Get(),
	}
}

// Register adds a provider with its per-provider configuration. A zero
// weight disables the provider's vote without removing its data from
// health reporting.
func (r *Registry) Register(p DataProvider, cfg config.ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	entry := &Entry{
		Provider: p,
		Weight:   cfg.Weight,
		Timeout:  cfg.Timeout(),
		MaxWait:  cfg.MaxWait(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		health:   newHealthTracker(),
	}

	entry.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountWindow,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.metrics.SetBreakerState(name, to)
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state changed")
		},
	})

	r.entries[id] = entry

	log.Info().
		Str("provider", id).
		Str("kind", string(p.Kind())).
		Float64("weight", cfg.Weight).
		Float64("rate_per_sec", cfg.RatePerSec).
		Dur("timeout", entry.Timeout).
		Msg("Provider registered")

	return nil
}

// Fetch runs one mediated fetch: rate-limiter acquire inside the MaxWait
// budget, then the provider call through its circuit breaker with the
// per-provider timeout. Every outcome lands in health and metrics.
func (r *Registry) Fetch(ctx context.Context, providerID, symbol string) (*Signal, error) {
	entry, err := r.entry(providerID)
	if err != nil {
		return nil, err
	}
	return r.fetchEntry(ctx, entry, symbol)
}

func (r *Registry) fetchEntry(ctx context.Context, entry *Entry, symbol string) (*Signal, error) {
	id := entry.Provider.ID()
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, entry.MaxWait)
	err := entry.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		ferr := NewFetchError(id, CodeRateLimited, fmt.Errorf("%w: %v", ErrRateBudgetExceeded, err))
		entry.health.record(ferr)
		r.metrics.ObserveProviderFetch(id, ferr, time.Since(start))
		return nil, ferr
	}

	result, err := entry.breaker.Execute(func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, entry.Timeout)
		defer cancel()

		sig, err := entry.Provider.Fetch(fetchCtx, symbol)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, NewFetchError(id, CodeTimeout, err)
			}
			var fe *FetchError
			if errors.As(err, &fe) {
				return nil, err
			}
			return nil, NewFetchError(id, CodeUpstreamDown, err)
		}
		return sig, nil
	})

	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = NewFetchError(id, CodeUpstreamDown, fmt.Errorf("%w: %v", ErrBreakerOpen, err))
		}
		entry.health.record(err)
		r.metrics.ObserveProviderFetch(id, err, elapsed)
		return nil, err
	}

	sig := result.(*Signal)
	if verr := validateSignal(sig); verr != nil {
		ferr := NewFetchError(id, CodeMalformed, verr)
		entry.health.record(ferr)
		r.metrics.ObserveProviderFetch(id, ferr, elapsed)
		return nil, ferr
	}

	entry.health.record(nil)
	r.metrics.ObserveProviderFetch(id, nil, elapsed)
	return sig, nil
}

// validateSignal rejects out-of-contract provider output before it can
// reach fusion.
func validateSignal(s *Signal) error {
	if s == nil {
		return fmt.Errorf("provider returned nil signal")
	}
	switch s.Direction {
	case DirectionLong, DirectionShort, DirectionNeutral:
	default:
		return fmt.Errorf("invalid direction %q", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence %v out of range [0, 100]", s.Confidence)
	}
	if s.FetchedAt.IsZero() {
		return fmt.Errorf("missing fetched_at timestamp")
	}
	return nil
}

func (r *Registry) entry(providerID string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", providerID)
	}
	return entry, nil
}

// ProvidersFor returns entries supporting the asset class, sorted by ID
// for deterministic iteration.
func (r *Registry) ProvidersFor(class signal.AssetClass) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.Provider.SupportsAssetClass(class) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider.ID() < out[j].Provider.ID() })
	return out
}

// PrimaryMarketProvidersFor returns the PRIMARY_MARKET entries for the
// asset class, the pool raced for the reference price.
func (r *Registry) PrimaryMarketProvidersFor(class signal.AssetClass) []*Entry {
	var out []*Entry
	for _, e := range r.ProvidersFor(class) {
		if e.Provider.Kind() == KindPrimaryMarket {
			out = append(out, e)
		}
	}
	return out
}

// FetchEntry runs a mediated fetch against an already-resolved entry.
func (r *Registry) FetchEntry(ctx context.Context, entry *Entry, symbol string) (*Signal, error) {
	return r.fetchEntry(ctx, entry, symbol)
}

// BreakerState reports a provider's current breaker state.
func (r *Registry) BreakerState(providerID string) (gobreaker.State, error) {
	entry, err := r.entry(providerID)
	if err != nil {
		return gobreaker.StateClosed, err
	}
	return entry.breaker.State(), nil
}

// HealthSnapshot reports health for every registered provider, sorted by
// provider ID.
func (r *Registry) HealthSnapshot() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Health, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, e.health.snapshot(id, e.breaker.State().String()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// Healthy reports whether at least one provider is currently usable.
func (r *Registry) Healthy() bool {
	for _, h := range r.HealthSnapshot() {
		if h.State != Unhealthy {
			return true
		}
	}
	return false
}
