// Package store persists emitted signals as an append-only, hash-chained
// log. Records are never updated or deleted; mutation attempts land in an
// audit log instead.
package store

import (
	"context"
	"time"

	"github.com/kvasirlabs/signalflux/internal/signal"
)

// MutationKind is the kind of forbidden write captured by the audit log.
type MutationKind string

const (
	MutationUpdate MutationKind = "UPDATE"
	MutationDelete MutationKind = "DELETE"
)

// AuditEntry records one rejected mutation attempt against the signal log.
type AuditEntry struct {
	ID          int64        `json:"id"`
	SignalID    string       `json:"signal_id"`
	Kind        MutationKind `json:"kind"`
	Actor       string       `json:"actor"`
	Detail      string       `json:"detail"`
	AttemptedAt time.Time    `json:"attempted_at"`
}

// ChainReport is the result of a full hash-chain verification pass.
type ChainReport struct {
	Verified int    `json:"verified"` // records checked before stopping
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"broken_at,omitempty"` // signal_id of the first bad record
	Reason   string `json:"reason,omitempty"`
}

// Store is the append-only signal log. Append is idempotent on signal_id:
// re-appending an existing record succeeds without a second insert. All
// writes in a process are serialized through a single writer.
type Store interface {
	// Append writes a sealed signal. It returns false when the signal_id
	// already existed.
	Append(ctx context.Context, s *signal.Signal) (bool, error)

	// LatestHash returns the signal_id at the chain head, or "" for an
	// empty log.
	LatestHash(ctx context.Context) (string, error)

	GetByID(ctx context.Context, signalID string) (*signal.Signal, error)

	// ListRecent returns up to limit signals, newest first.
	ListRecent(ctx context.Context, limit int) ([]*signal.Signal, error)

	// Latest returns the newest signal for one symbol, or nil when the
	// symbol has never emitted.
	Latest(ctx context.Context, symbol string) (*signal.Signal, error)

	// VerifyChain walks the log in emission order, recomputing every
	// content hash and prev link.
	VerifyChain(ctx context.Context) (*ChainReport, error)

	// RecordMutationAttempt captures a forbidden UPDATE or DELETE attempt.
	RecordMutationAttempt(ctx context.Context, entry *AuditEntry) error

	// ListAudit returns up to limit audit entries, newest first.
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)
}

// ErrNotFound is returned by GetByID for unknown signal IDs.
type ErrNotFound struct {
	SignalID string
}

func (e *ErrNotFound) Error() string {
	return "signal not found: " + e.SignalID
}
