package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// MemoryQueue is an in-process Queue for paper mode and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*QueuedSignal
	metrics *metrics.Metrics
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]*QueuedSignal),
		metrics: metrics.Get(),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, sig *signal.Signal, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[sig.SignalID]; ok {
		return nil
	}

	now := time.Now().UTC()
	q.entries[sig.SignalID] = &QueuedSignal{
		SignalID:         sig.SignalID,
		Signal:           sig,
		Reason:           reason,
		Status:           StatusPending,
		EnqueuedAt:       now,
		NextAttemptAfter: now,
		UpdatedAt:        now,
	}
	log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Msg("Signal queued for deferred execution")
	q.updateDepth()
	return nil
}

func (q *MemoryQueue) ClaimNext(_ context.Context, limit int, now time.Time) ([]*QueuedSignal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]*QueuedSignal, 0, limit)
	for _, e := range q.entries {
		if e.Status == StatusPending && !e.NextAttemptAfter.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EnqueuedAt.Before(due[j].EnqueuedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*QueuedSignal, 0, len(due))
	for _, e := range due {
		e.Status = StatusInFlight
		e.UpdatedAt = now
		clone := *e
		claimed = append(claimed, &clone)
	}
	q.updateDepth()
	return claimed, nil
}

func (q *MemoryQueue) Complete(_ context.Context, signalID string, outcome Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[signalID]; ok {
		e.Status = StatusCompleted
		e.UpdatedAt = time.Now().UTC()
	}
	q.metrics.QueueOutcomes.WithLabelValues(string(outcome)).Inc()
	q.updateDepth()
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, signalID, lastError string, nextAttemptAfter time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[signalID]; ok {
		e.Status = StatusPending
		e.Attempts++
		e.LastError = lastError
		e.NextAttemptAfter = nextAttemptAfter
		e.UpdatedAt = time.Now().UTC()
	}
	q.updateDepth()
	return nil
}

func (q *MemoryQueue) Expire(_ context.Context, signalID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[signalID]; ok {
		e.Status = StatusExpired
		e.UpdatedAt = time.Now().UTC()
	}
	q.metrics.QueueOutcomes.WithLabelValues(string(OutcomeExpired)).Inc()
	q.updateDepth()
	return nil
}

func (q *MemoryQueue) Abandon(_ context.Context, signalID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[signalID]; ok {
		e.Status = StatusAbandoned
		e.LastError = reason
		e.UpdatedAt = time.Now().UTC()
	}
	q.metrics.QueueOutcomes.WithLabelValues(string(OutcomeAbandoned)).Inc()
	q.updateDepth()
	return nil
}

func (q *MemoryQueue) Depth(context.Context) (map[Status]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked(), nil
}

// Get returns a copy of one entry, for tests and the control surface.
func (q *MemoryQueue) Get(signalID string) (*QueuedSignal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[signalID]
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

func (q *MemoryQueue) depthLocked() map[Status]int {
	depth := make(map[Status]int)
	for _, e := range q.entries {
		depth[e.Status]++
	}
	return depth
}

func (q *MemoryQueue) updateDepth() {
	depth := q.depthLocked()
	for _, status := range []Status{StatusPending, StatusInFlight, StatusCompleted, StatusExpired, StatusAbandoned} {
		q.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(depth[status]))
	}
}
