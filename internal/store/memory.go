package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kvasirlabs/signalflux/internal/metrics"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// MemoryStore is the in-process Store used for paper trading and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ordered []*signal.Signal
	byID    map[string]*signal.Signal
	audit   []*AuditEntry
	auditID int64
}

// NewMemoryStore creates an empty in-memory signal log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*signal.Signal)}
}

// Append writes a sealed signal, enforcing the chain link against the
// current head. Duplicate signal IDs are accepted without a second write.
func (m *MemoryStore) Append(_ context.Context, s *signal.Signal) (bool, error) {
	if s.SignalID == "" {
		return false, fmt.Errorf("refusing to append unsealed signal for %s", s.Symbol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[s.SignalID]; exists {
		return false, nil
	}

	head := ""
	if n := len(m.ordered); n > 0 {
		head = m.ordered[n-1].SignalID
	}
	if s.PrevSignalHash != head {
		return false, fmt.Errorf("chain link mismatch for %s: prev=%s head=%s",
			s.SignalID, s.PrevSignalHash, head)
	}

	clone := *s
	m.ordered = append(m.ordered, &clone)
	m.byID[s.SignalID] = &clone
	return true, nil
}

func (m *MemoryStore) LatestHash(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ordered) == 0 {
		return "", nil
	}
	return m.ordered[len(m.ordered)-1].SignalID, nil
}

func (m *MemoryStore) GetByID(_ context.Context, signalID string) (*signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[signalID]
	if !ok {
		return nil, &ErrNotFound{SignalID: signalID}
	}
	clone := *s
	return &clone, nil
}

func (m *MemoryStore) ListRecent(_ context.Context, limit int) ([]*signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.ordered)
	if limit > n {
		limit = n
	}
	out := make([]*signal.Signal, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		clone := *m.ordered[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context, symbol string) (*signal.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.ordered) - 1; i >= 0; i-- {
		if m.ordered[i].Symbol == symbol {
			clone := *m.ordered[i]
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) VerifyChain(_ context.Context) (*ChainReport, error) {
	m.mu.Lock()
	records := make([]*signal.Signal, len(m.ordered))
	copy(records, m.ordered)
	m.mu.Unlock()

	report := verifyRecords(records)
	result := "valid"
	if !report.Valid {
		result = "broken"
	}
	metrics.Get().ChainVerifications.WithLabelValues(result).Inc()
	return report, nil
}

// verifyRecords checks content hashes and prev links over records in
// emission order. Shared by both store implementations.
func verifyRecords(records []*signal.Signal) *ChainReport {
	report := &ChainReport{Valid: true}
	prev := ""

	for _, s := range records {
		if err := signal.VerifyContentHash(s); err != nil {
			report.Valid = false
			report.BrokenAt = s.SignalID
			report.Reason = err.Error()
			return report
		}
		if s.PrevSignalHash != prev {
			report.Valid = false
			report.BrokenAt = s.SignalID
			report.Reason = fmt.Sprintf("prev link mismatch: have %s, want %s", s.PrevSignalHash, prev)
			return report
		}
		prev = s.SignalID
		report.Verified++
	}
	return report
}

func (m *MemoryStore) RecordMutationAttempt(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auditID++
	clone := *entry
	clone.ID = m.auditID
	if clone.AttemptedAt.IsZero() {
		clone.AttemptedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, &clone)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.audit)
	if limit > n {
		limit = n
	}
	out := make([]*AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		clone := *m.audit[i]
		out = append(out, &clone)
	}
	return out, nil
}

// Len reports the number of stored signals.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ordered)
}

// Tamper overwrites a stored record in place. Test helper for chain
// verification scenarios; the public API has no mutation path.
func (m *MemoryStore) Tamper(signalID string, mutate func(*signal.Signal)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[signalID]
	if !ok {
		return false
	}
	mutate(s)
	return true
}
