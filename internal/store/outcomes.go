package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome is the realized result of one executed signal, recorded when
// its position closes. Outcomes live next to the signal log, never in
// it: the hash chain stays closed the moment a signal is sealed.
type Outcome struct {
	SignalID    string    `json:"signal_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty"`
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `json:"closed_at"`
}

// OutcomeStore records closed-trade outcomes. Writes are idempotent on
// signal_id: a position closes once.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, o *Outcome) error
	ListOutcomes(ctx context.Context, limit int) ([]*Outcome, error)
}

// PostgresOutcomes persists outcomes in the signal_outcomes table.
type PostgresOutcomes struct {
	pool PoolInterface
}

// NewPostgresOutcomes creates a Postgres-backed outcome store.
func NewPostgresOutcomes(pool PoolInterface) *PostgresOutcomes {
	return &PostgresOutcomes{pool: pool}
}

func (p *PostgresOutcomes) RecordOutcome(ctx context.Context, o *Outcome) error {
	if o.SignalID == "" {
		return fmt.Errorf("refusing to record outcome without signal id for %s", o.Symbol)
	}

	tag, err := p.pool.Exec(ctx, `
		INSERT INTO signal_outcomes (signal_id, symbol, side, qty, exit_price, realized_pnl, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signal_id) DO NOTHING`,
		o.SignalID, o.Symbol, o.Side, o.Qty, o.ExitPrice, o.RealizedPnL, o.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", o.SignalID, err)
	}

	if tag.RowsAffected() == 1 {
		log.Info().
			Str("signal_id", o.SignalID).
			Str("symbol", o.Symbol).
			Float64("realized_pnl", o.RealizedPnL).
			Msg("Trade outcome recorded")
	}
	return nil
}

func (p *PostgresOutcomes) ListOutcomes(ctx context.Context, limit int) ([]*Outcome, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT signal_id, symbol, side, qty, exit_price, realized_pnl, closed_at
		FROM signal_outcomes ORDER BY closed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.SignalID, &o.Symbol, &o.Side, &o.Qty,
			&o.ExitPrice, &o.RealizedPnL, &o.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// MemoryOutcomes is the in-memory OutcomeStore for tests and paper mode.
type MemoryOutcomes struct {
	mu      sync.Mutex
	byID    map[string]*Outcome
	ordered []*Outcome
}

func NewMemoryOutcomes() *MemoryOutcomes {
	return &MemoryOutcomes{byID: make(map[string]*Outcome)}
}

func (m *MemoryOutcomes) RecordOutcome(_ context.Context, o *Outcome) error {
	if o.SignalID == "" {
		return fmt.Errorf("refusing to record outcome without signal id for %s", o.Symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[o.SignalID]; ok {
		return nil
	}
	clone := *o
	m.byID[o.SignalID] = &clone
	m.ordered = append(m.ordered, &clone)
	return nil
}

func (m *MemoryOutcomes) ListOutcomes(_ context.Context, limit int) ([]*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.ordered) {
		limit = len(m.ordered)
	}
	out := make([]*Outcome, 0, limit)
	for i := len(m.ordered) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *m.ordered[i]
		out = append(out, &clone)
	}
	return out, nil
}
