package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

func queueRowColumns() []string {
	return []string{"signal_id", "payload", "reason", "status", "attempts",
		"last_error", "enqueued_at", "next_attempt_after", "updated_at"}
}

func TestPostgresEnqueueInserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sig := queuedSignal(t, "AAPL", 150)
	payload, err := signal.MarshalCanonical(sig)
	require.NoError(t, err)

	q := NewPostgresQueue(mock)
	mock.ExpectExec("INSERT INTO signal_queue").
		WithArgs(sig.SignalID, payload, "insufficient buying power", StatusPending, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, q.Enqueue(context.Background(), sig, "insufficient buying power"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimNextDecodesPayload(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sig := queuedSignal(t, "AAPL", 150)
	payload, err := signal.MarshalCanonical(sig)
	require.NoError(t, err)

	now := time.Now().UTC()
	rows := pgxmock.NewRows(queueRowColumns()).
		AddRow(sig.SignalID, payload, "r", StatusInFlight, 2, nil, now.Add(-time.Minute), now.Add(-time.Second), now)

	q := NewPostgresQueue(mock)
	mock.ExpectQuery("UPDATE signal_queue SET status").
		WithArgs(StatusInFlight, now, StatusPending, 10).
		WillReturnRows(rows)

	claimed, err := q.ClaimNext(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, sig.SignalID, claimed[0].SignalID)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, sig.Symbol, claimed[0].Signal.Symbol)
	assert.Equal(t, sig.EntryPrice, claimed[0].Signal.EntryPrice)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRetryReschedules(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	next := time.Now().UTC().Add(2 * time.Second)
	q := NewPostgresQueue(mock)
	mock.ExpectExec("UPDATE signal_queue").
		WithArgs(StatusPending, "still failing", next, pgxmock.AnyArg(), "abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Retry(context.Background(), "abc", "still failing", next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteMarksTerminal(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewPostgresQueue(mock)
	mock.ExpectExec("UPDATE signal_queue").
		WithArgs(StatusCompleted, pgxmock.AnyArg(), "abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Complete(context.Background(), "abc", OutcomeSucceeded))
	require.NoError(t, mock.ExpectationsWereMet())
}
