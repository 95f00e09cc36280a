// Package queue defers signals whose execution failed recoverably and
// retries them with backoff until they succeed, expire, or run out of
// attempts.
package queue

import (
	"context"
	"time"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Status is the lifecycle state of a queued signal.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"   // market moved on, retry is pointless
	StatusAbandoned Status = "ABANDONED" // attempts exhausted
)

// Outcome labels how a queued signal finished.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExpired   Outcome = "expired"
	OutcomeAbandoned Outcome = "abandoned"
)

// QueuedSignal is one deferred execution.
type QueuedSignal struct {
	SignalID         string
	Signal           *signal.Signal
	Reason           string
	Status           Status
	Attempts         int
	LastError        string
	EnqueuedAt       time.Time
	NextAttemptAfter time.Time
	UpdatedAt        time.Time
}

// Queue is a durable retry queue keyed by signal ID. Claiming must be
// atomic: two processors can never claim the same entry.
type Queue interface {
	// Enqueue adds a signal for later retry. Re-enqueueing a signal that
	// is already queued is a no-op.
	Enqueue(ctx context.Context, sig *signal.Signal, reason string) error
	// ClaimNext atomically moves up to limit due PENDING entries to
	// IN_FLIGHT and returns them.
	ClaimNext(ctx context.Context, limit int, now time.Time) ([]*QueuedSignal, error)
	// Complete finishes a claimed entry with a terminal outcome.
	Complete(ctx context.Context, signalID string, outcome Outcome) error
	// Retry returns a claimed entry to PENDING with one more attempt and
	// the given next eligibility time.
	Retry(ctx context.Context, signalID string, lastError string, nextAttemptAfter time.Time) error
	// Expire marks a claimed entry stale.
	Expire(ctx context.Context, signalID string) error
	// Abandon gives up on a claimed entry.
	Abandon(ctx context.Context, signalID string, reason string) error
	// Depth reports the number of entries per status.
	Depth(ctx context.Context) (map[Status]int, error)
}

// Backoff computes the eligibility delay before the next attempt:
// base doubled per attempt, capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
