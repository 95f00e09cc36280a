package provider

import (
	"sync"
	"time"
)

// HealthState summarizes recent provider reliability.
type HealthState string

const (
	Healthy   HealthState = "HEALTHY"
	Degraded  HealthState = "DEGRADED"
	Unhealthy HealthState = "UNHEALTHY"
)

const healthWindowSize = 20

// healthTracker keeps a rolling window of fetch outcomes per provider.
type healthTracker struct {
	mu       sync.Mutex
	outcomes []bool // ring buffer, true = success
	next     int
	filled   bool
	lastErr  string
	lastAt   time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{outcomes: make([]bool, healthWindowSize)}
}

func (h *healthTracker) record(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.outcomes[h.next] = err == nil
	h.next = (h.next + 1) % len(h.outcomes)
	if h.next == 0 {
		h.filled = true
	}
	h.lastAt = time.Now()
	if err != nil {
		h.lastErr = err.Error()
	} else {
		h.lastErr = ""
	}
}

// state reports the health bucket from the success ratio over the window.
// An empty window counts as healthy so new providers start available.
func (h *healthTracker) state() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.next
	if h.filled {
		n = len(h.outcomes)
	}
	if n == 0 {
		return Healthy
	}

	success := 0
	for i := 0; i < n; i++ {
		if h.outcomes[i] {
			success++
		}
	}

	ratio := float64(success) / float64(n)
	switch {
	case ratio >= 0.9:
		return Healthy
	case ratio >= 0.5:
		return Degraded
	default:
		return Unhealthy
	}
}

// Health is a point-in-time snapshot for the control surface.
type Health struct {
	ProviderID   string      `json:"provider_id"`
	State        HealthState `json:"state"`
	BreakerState string      `json:"breaker_state"`
	LastError    string      `json:"last_error,omitempty"`
	LastActivity time.Time   `json:"last_activity,omitempty"`
}

func (h *healthTracker) snapshot(providerID, breakerState string) Health {
	state := h.state()

	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		ProviderID:   providerID,
		State:        state,
		BreakerState: breakerState,
		LastError:    h.lastErr,
		LastActivity: h.lastAt,
	}
}
