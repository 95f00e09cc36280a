package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

func signalRowColumns() []string {
	return []string{"signal_id", "prev_signal_hash", "symbol", "action", "entry_price",
		"target_price", "stop_price", "confidence", "regime", "sources_used", "rationale",
		"generation_latency_ms", "server_timestamp", "created_at", "retention_expires_at"}
}

func addSignalRow(rows *pgxmock.Rows, s *signal.Signal) *pgxmock.Rows {
	return rows.AddRow(s.SignalID, s.PrevSignalHash, s.Symbol, string(s.Action), s.EntryPrice,
		s.TargetPrice, s.StopPrice, s.Confidence, s.Regime, s.SourcesUsed, s.Rationale,
		s.GenerationLatencyMS, s.ServerTimestamp, s.CreatedAt, s.RetentionExpiresAt)
}

func TestPostgresAppendInsertsAtHead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := sealedSignal(t, "AAPL", "abc123", 150)
	st := NewPostgresStore(mock)

	mock.ExpectQuery("SELECT signal_id FROM signals ORDER BY seq DESC").
		WillReturnRows(pgxmock.NewRows([]string{"signal_id"}).AddRow("abc123"))
	mock.ExpectQuery("SELECT (.+) FROM signals WHERE signal_id").
		WithArgs(s.SignalID).
		WillReturnRows(pgxmock.NewRows(signalRowColumns()))
	mock.ExpectExec("INSERT INTO signals").
		WithArgs(s.SignalID, s.PrevSignalHash, s.Symbol, string(s.Action), s.EntryPrice,
			s.TargetPrice, s.StopPrice, s.Confidence, s.Regime, s.SourcesUsed, s.Rationale,
			s.GenerationLatencyMS, s.ServerTimestamp, s.CreatedAt, s.RetentionExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := st.Append(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendDuplicateIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := sealedSignal(t, "AAPL", "", 150)
	st := NewPostgresStore(mock)

	mock.ExpectQuery("SELECT signal_id FROM signals ORDER BY seq DESC").
		WillReturnRows(pgxmock.NewRows([]string{"signal_id"}).AddRow(s.SignalID))
	mock.ExpectQuery("SELECT (.+) FROM signals WHERE signal_id").
		WithArgs(s.SignalID).
		WillReturnRows(addSignalRow(pgxmock.NewRows(signalRowColumns()), s))

	inserted, err := st.Append(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendChainMismatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := sealedSignal(t, "AAPL", "stale-head", 150)
	st := NewPostgresStore(mock)

	mock.ExpectQuery("SELECT signal_id FROM signals ORDER BY seq DESC").
		WillReturnRows(pgxmock.NewRows([]string{"signal_id"}).AddRow("current-head"))
	mock.ExpectQuery("SELECT (.+) FROM signals WHERE signal_id").
		WithArgs(s.SignalID).
		WillReturnRows(pgxmock.NewRows(signalRowColumns()))

	_, err = st.Append(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain link mismatch")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestHashEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStore(mock)

	mock.ExpectQuery("SELECT signal_id FROM signals ORDER BY seq DESC").
		WillReturnRows(pgxmock.NewRows([]string{"signal_id"}))

	head, err := st.LatestHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", head)
}

func TestPostgresListRecent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := sealedSignal(t, "AAPL", "", 150)
	b := sealedSignal(t, "MSFT", a.SignalID, 300)
	st := NewPostgresStore(mock)

	rows := pgxmock.NewRows(signalRowColumns())
	rows = addSignalRow(rows, b)
	rows = addSignalRow(rows, a)

	mock.ExpectQuery("SELECT (.+) FROM signals ORDER BY seq DESC LIMIT").
		WithArgs(2).
		WillReturnRows(rows)

	out, err := st.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "MSFT", out[0].Symbol)
	assert.Equal(t, "AAPL", out[1].Symbol)
}

func TestPostgresLatestForSymbol(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := sealedSignal(t, "AAPL", "", 150)
	st := NewPostgresStore(mock)

	mock.ExpectQuery("SELECT (.+) FROM signals WHERE symbol").
		WithArgs("AAPL").
		WillReturnRows(addSignalRow(pgxmock.NewRows(signalRowColumns()), s))

	got, err := st.Latest(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.SignalID, got.SignalID)

	mock.ExpectQuery("SELECT (.+) FROM signals WHERE symbol").
		WithArgs("TSLA").
		WillReturnRows(pgxmock.NewRows(signalRowColumns()))

	got, err = st.Latest(context.Background(), "TSLA")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVerifyChain(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a := sealedSignal(t, "AAPL", "", 150)
	b := sealedSignal(t, "MSFT", a.SignalID, 300)
	st := NewPostgresStore(mock)

	rows := pgxmock.NewRows(signalRowColumns())
	rows = addSignalRow(rows, a)
	rows = addSignalRow(rows, b)

	mock.ExpectQuery("SELECT (.+) FROM signals ORDER BY seq ASC").
		WillReturnRows(rows)

	report, err := st.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Verified)
}

func TestPostgresRecordMutationAttempt(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st := NewPostgresStore(mock)
	at := time.Now().UTC()

	mock.ExpectExec("INSERT INTO signal_audit_log").
		WithArgs("abc", "UPDATE", "api", "attempted confidence change", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = st.RecordMutationAttempt(context.Background(), &AuditEntry{
		SignalID:    "abc",
		Kind:        MutationUpdate,
		Actor:       "api",
		Detail:      "attempted confidence change",
		AttemptedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
