package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// PoolInterface is the subset of pgxpool.Pool the queue needs.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresQueue is the durable Queue backed by the signal_queue table.
// Claims use a single conditional UPDATE so concurrent processors never
// take the same entry.
type PostgresQueue struct {
	pool    PoolInterface
	metrics *metrics.Metrics
}

// NewPostgresQueue creates a queue over an existing pool.
func NewPostgresQueue(pool PoolInterface) *PostgresQueue {
	return &PostgresQueue{pool: pool, metrics: metrics.Get()}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, sig *signal.Signal, reason string) error {
	payload, err := signal.MarshalCanonical(sig)
	if err != nil {
		return fmt.Errorf("failed to serialize signal %s: %w", sig.SignalID, err)
	}

	now := time.Now().UTC()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO signal_queue (signal_id, payload, reason, status, attempts, enqueued_at, next_attempt_after, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5, $5)
		ON CONFLICT (signal_id) DO NOTHING`,
		sig.SignalID, payload, reason, StatusPending, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue signal %s: %w", sig.SignalID, err)
	}

	log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Msg("Signal queued for deferred execution")
	return nil
}

func (q *PostgresQueue) ClaimNext(ctx context.Context, limit int, now time.Time) ([]*QueuedSignal, error) {
	// The inner SELECT ... FOR UPDATE SKIP LOCKED plus the status guard in
	// the UPDATE makes the PENDING -> IN_FLIGHT transition a compare-and-set.
	rows, err := q.pool.Query(ctx, `
		UPDATE signal_queue SET status = $1, updated_at = $2
		WHERE signal_id IN (
			SELECT signal_id FROM signal_queue
			WHERE status = $3 AND next_attempt_after <= $2
			ORDER BY enqueued_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING signal_id, payload, reason, status, attempts, last_error, enqueued_at, next_attempt_after, updated_at`,
		StatusInFlight, now.UTC(), StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queued signals: %w", err)
	}
	defer rows.Close()

	var claimed []*QueuedSignal
	for rows.Next() {
		entry, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed signals: %w", err)
	}
	return claimed, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, signalID string, outcome Outcome) error {
	if err := q.setStatus(ctx, signalID, StatusCompleted, ""); err != nil {
		return err
	}
	q.metrics.QueueOutcomes.WithLabelValues(string(outcome)).Inc()
	return nil
}

func (q *PostgresQueue) Retry(ctx context.Context, signalID, lastError string, nextAttemptAfter time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE signal_queue
		SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_after = $3, updated_at = $4
		WHERE signal_id = $5`,
		StatusPending, lastError, nextAttemptAfter.UTC(), time.Now().UTC(), signalID,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule signal %s: %w", signalID, err)
	}
	return nil
}

func (q *PostgresQueue) Expire(ctx context.Context, signalID string) error {
	if err := q.setStatus(ctx, signalID, StatusExpired, ""); err != nil {
		return err
	}
	q.metrics.QueueOutcomes.WithLabelValues(string(OutcomeExpired)).Inc()
	return nil
}

func (q *PostgresQueue) Abandon(ctx context.Context, signalID, reason string) error {
	if err := q.setStatus(ctx, signalID, StatusAbandoned, reason); err != nil {
		return err
	}
	q.metrics.QueueOutcomes.WithLabelValues(string(OutcomeAbandoned)).Inc()
	return nil
}

func (q *PostgresQueue) Depth(ctx context.Context) (map[Status]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM signal_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depth[status] = n
		q.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return depth, rows.Err()
}

func (q *PostgresQueue) setStatus(ctx context.Context, signalID string, status Status, lastError string) error {
	var err error
	if lastError != "" {
		_, err = q.pool.Exec(ctx, `
			UPDATE signal_queue SET status = $1, last_error = $2, updated_at = $3 WHERE signal_id = $4`,
			status, lastError, time.Now().UTC(), signalID)
	} else {
		_, err = q.pool.Exec(ctx, `
			UPDATE signal_queue SET status = $1, updated_at = $2 WHERE signal_id = $3`,
			status, time.Now().UTC(), signalID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark signal %s %s: %w", signalID, status, err)
	}
	return nil
}

func scanQueued(rows pgx.Rows) (*QueuedSignal, error) {
	var (
		entry     QueuedSignal
		payload   []byte
		lastError *string
	)
	if err := rows.Scan(
		&entry.SignalID, &payload, &entry.Reason, &entry.Status, &entry.Attempts,
		&lastError, &entry.EnqueuedAt, &entry.NextAttemptAfter, &entry.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan queued signal: %w", err)
	}
	if lastError != nil {
		entry.LastError = *lastError
	}

	sig, err := signal.UnmarshalWire(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode queued signal %s: %w", entry.SignalID, err)
	}
	entry.Signal = sig
	return &entry, nil
}

// IsNotFound reports whether an error is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
