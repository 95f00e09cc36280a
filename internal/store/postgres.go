package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// PoolInterface is the subset of pgxpool.Pool the store needs. Tests
// substitute a pgxmock pool.
type PoolInterface interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresStore is the durable Store. A process-wide mutex serializes
// appends so the chain head read and the insert are atomic with respect
// to other in-process writers; the UNIQUE constraint on signal_id backs
// idempotency at the database level.
type PostgresStore struct {
	pool    PoolInterface
	writeMu sync.Mutex
	metrics *metrics.Metrics
}

// NewPostgresStore creates a Postgres-backed signal log.
func NewPostgresStore(pool PoolInterface) *PostgresStore {
	return &PostgresStore{pool: pool, metrics: metrics.Get()}
}

const signalColumns = `signal_id, prev_signal_hash, symbol, action, entry_price, target_price,
	stop_price, confidence, regime, sources_used, rationale, generation_latency_ms,
	server_timestamp, created_at, retention_expires_at`

// Append writes a sealed signal at the chain head.
func (p *PostgresStore) Append(ctx context.Context, s *signal.Signal) (bool, error) {
	if s.SignalID == "" {
		return false, fmt.Errorf("refusing to append unsealed signal for %s", s.Symbol)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	head, err := p.LatestHash(ctx)
	if err != nil {
		return false, err
	}

	// Re-append of the current head or any older record is a no-op.
	if _, gerr := p.GetByID(ctx, s.SignalID); gerr == nil {
		return false, nil
	}

	if s.PrevSignalHash != head {
		return false, fmt.Errorf("chain link mismatch for %s: prev=%s head=%s",
			s.SignalID, s.PrevSignalHash, head)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (signal_id) DO NOTHING`,
		s.SignalID, s.PrevSignalHash, s.Symbol, string(s.Action), s.EntryPrice, s.TargetPrice,
		s.StopPrice, s.Confidence, s.Regime, s.SourcesUsed, s.Rationale, s.GenerationLatencyMS,
		s.ServerTimestamp, s.CreatedAt, s.RetentionExpiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to append signal %s: %w", s.SignalID, err)
	}

	inserted := tag.RowsAffected() == 1
	if inserted {
		log.Info().
			Str("signal_id", s.SignalID).
			Str("symbol", s.Symbol).
			Str("action", string(s.Action)).
			Float64("confidence", s.Confidence).
			Msg("Signal appended")
	}
	return inserted, nil
}

func (p *PostgresStore) LatestHash(ctx context.Context) (string, error) {
	var head string
	err := p.pool.QueryRow(ctx,
		`SELECT signal_id FROM signals ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chain head: %w", err)
	}
	return head, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, signalID string) (*signal.Signal, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE signal_id = $1`, signalID)

	s, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{SignalID: signalID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signal %s: %w", signalID, err)
	}
	return s, nil
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*signal.Signal, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Latest returns the newest signal for one symbol, served by the
// (symbol, seq DESC) index.
func (p *PostgresStore) Latest(ctx context.Context, symbol string) (*signal.Signal, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE symbol = $1 ORDER BY seq DESC LIMIT 1`, symbol)

	s, err := scanSignal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest signal for %s: %w", symbol, err)
	}
	return s, nil
}

// VerifyChain walks the full log in emission order.
func (p *PostgresStore) VerifyChain(ctx context.Context) (*ChainReport, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain: %w", err)
	}
	defer rows.Close()

	var records []*signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := verifyRecords(records)
	result := "valid"
	if !report.Valid {
		result = "broken"
		log.Error().
			Str("broken_at", report.BrokenAt).
			Str("reason", report.Reason).
			Int("verified", report.Verified).
			Msg("Hash chain verification failed")
	}
	p.metrics.ChainVerifications.WithLabelValues(result).Inc()
	return report, nil
}

func (p *PostgresStore) RecordMutationAttempt(ctx context.Context, entry *AuditEntry) error {
	at := entry.AttemptedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO signal_audit_log (signal_id, kind, actor, detail, attempted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.SignalID, string(entry.Kind), entry.Actor, entry.Detail, at)
	if err != nil {
		return fmt.Errorf("failed to record mutation attempt: %w", err)
	}

	log.Warn().
		Str("signal_id", entry.SignalID).
		Str("kind", string(entry.Kind)).
		Str("actor", entry.Actor).
		Msg("Forbidden mutation attempt recorded")
	return nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, signal_id, kind, actor, detail, attempted_at
		FROM signal_audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.SignalID, &kind, &e.Actor, &e.Detail, &e.AttemptedAt); err != nil {
			return nil, err
		}
		e.Kind = MutationKind(kind)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanSignal(row pgx.Row) (*signal.Signal, error) {
	var s signal.Signal
	var action string
	err := row.Scan(&s.SignalID, &s.PrevSignalHash, &s.Symbol, &action, &s.EntryPrice,
		&s.TargetPrice, &s.StopPrice, &s.Confidence, &s.Regime, &s.SourcesUsed,
		&s.Rationale, &s.GenerationLatencyMS, &s.ServerTimestamp, &s.CreatedAt,
		&s.RetentionExpiresAt)
	if err != nil {
		return nil, err
	}
	s.Action = signal.Action(action)
	return &s, nil
}
