package provider

import (
	"context"
	"sync"
	"time"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

// MockProvider is a scriptable provider for tests and paper trading. Each
// Fetch pops the next scripted response, repeating the last one when the
// script runs out.
type MockProvider struct {
	mu        sync.Mutex
	id        string
	kind      Kind
	classes   map[signal.AssetClass]bool
	responses []MockResponse
	next      int
	calls     int
	delay     time.Duration
}

// MockResponse is one scripted Fetch outcome.
type MockResponse struct {
	Signal *Signal
	Err    error
}

// NewMockProvider creates a mock provider serving the given asset classes.
func NewMockProvider(id string, kind Kind, classes ...signal.AssetClass) *MockProvider {
	supported := make(map[signal.AssetClass]bool, len(classes))
	for _, c := range classes {
		supported[c] = true
	}
	return &MockProvider{id: id, kind: kind, classes: supported}
}

// Script replaces the response sequence.
func (m *MockProvider) Script(responses ...MockResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.next = 0
	return m
}

// Respond scripts a single always-returned signal.
func (m *MockProvider) Respond(direction Direction, confidence, price float64) *MockProvider {
	return m.Script(MockResponse{Signal: &Signal{
		ProviderID: m.id,
		Kind:       m.kind,
		Direction:  direction,
		Confidence: confidence,
		Price:      price,
		FetchedAt:  time.Now().UTC(),
	}})
}

// Fail scripts a permanent classified failure.
func (m *MockProvider) Fail(code ErrorCode) *MockProvider {
	return m.Script(MockResponse{Err: NewFetchError(m.id, code, nil)})
}

// WithDelay makes every Fetch block for d or until the context ends.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockProvider) ID() string { return m.id }

func (m *MockProvider) Kind() Kind { return m.kind }

func (m *MockProvider) SupportsAssetClass(class signal.AssetClass) bool {
	return m.classes[class]
}

func (m *MockProvider) Fetch(ctx context.Context, symbol string) (*Signal, error) {
	m.mu.Lock()
	delay := m.delay
	m.calls++
	var resp MockResponse
	if len(m.responses) > 0 {
		resp = m.responses[m.next]
		if m.next < len(m.responses)-1 {
			m.next++
		}
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Signal == nil {
		return nil, NewFetchError(m.id, CodeUpstreamDown, nil)
	}

	out := *resp.Signal
	out.Symbol = symbol
	if out.FetchedAt.IsZero() {
		out.FetchedAt = time.Now().UTC()
	}
	return &out, nil
}

// Calls reports how many times Fetch ran.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
