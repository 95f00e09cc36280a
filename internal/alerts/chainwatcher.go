package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/store"
)

// ChainVerifier is the slice of the signal store the watcher needs.
type ChainVerifier interface {
	VerifyChain(ctx context.Context) (*store.ChainReport, error)
}

// ChainWatcher re-verifies the signal hash chain on a fixed interval.
// The startup pass catches tampering between runs; the watcher catches
// it while the process is live.
type ChainWatcher struct {
	verifier ChainVerifier
	manager  *Manager
	interval time.Duration

	lastBrokenAt string
}

// NewChainWatcher creates a watcher. A non-positive interval falls back
// to hourly.
func NewChainWatcher(v ChainVerifier, m *Manager, interval time.Duration) *ChainWatcher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ChainWatcher{verifier: v, manager: m, interval: interval}
}

// Run blocks until ctx is cancelled, verifying once per interval.
func (w *ChainWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.verify(ctx)
		}
	}
}

func (w *ChainWatcher) verify(ctx context.Context) {
	report, err := w.verifier.VerifyChain(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Periodic chain verification could not run")
		return
	}
	if report.Valid {
		w.lastBrokenAt = ""
		log.Debug().Int("verified", report.Verified).Msg("Periodic chain verification passed")
		return
	}

	// One alert per break point, not one per tick.
	if report.BrokenAt == w.lastBrokenAt {
		return
	}
	w.lastBrokenAt = report.BrokenAt
	if err := w.manager.ChainBroken(ctx, report); err != nil {
		log.Error().Err(err).Msg("Failed to alert on broken chain")
	}
}
