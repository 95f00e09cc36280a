// Package alerts pushes critical pipeline conditions to human
// operators. The signal log and metrics stay the system of record;
// alerts exist so a broken hash chain or a breaker storm is seen
// before the next market open.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/store"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator-facing notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers alerts over one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to every configured channel. A Manager with
// no channels is a valid no-op, so callers never nil-check.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a manager over the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert to all channels; the last failure is
// returned after every channel was tried.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// ChainBroken reports a failed hash-chain verification. This is the
// highest-severity condition the pipeline can hit: the audit trail can
// no longer be trusted past the break point.
func (m *Manager) ChainBroken(ctx context.Context, report *store.ChainReport) error {
	return m.Send(ctx, Alert{
		Title:    "Signal chain verification failed",
		Message:  "The append-only signal log failed hash verification. Records after the break point are unverified.",
		Severity: SeverityCritical,
		Metadata: map[string]interface{}{
			"broken_at": report.BrokenAt,
			"reason":    report.Reason,
			"verified":  report.Verified,
		},
	})
}

// BreakerOpen reports a provider circuit breaker tripping open.
func (m *Manager) BreakerOpen(ctx context.Context, providerID string) error {
	return m.Send(ctx, Alert{
		Title:    "Provider circuit breaker open",
		Message:  "A data provider exceeded its failure threshold and is cooling down.",
		Severity: SeverityWarning,
		Metadata: map[string]interface{}{"provider": providerID},
	})
}

// SignalAbandoned reports a queued signal exhausting its retry budget.
func (m *Manager) SignalAbandoned(ctx context.Context, signalID, symbol, lastError string) error {
	return m.Send(ctx, Alert{
		Title:    "Queued signal abandoned",
		Message:  "A deferred signal ran out of retry attempts and will not trade.",
		Severity: SeverityWarning,
		Metadata: map[string]interface{}{
			"signal_id":  signalID,
			"symbol":     symbol,
			"last_error": lastError,
		},
	})
}

// TradingPaused reports an automatic trading halt.
func (m *Manager) TradingPaused(ctx context.Context, reason string) error {
	return m.Send(ctx, Alert{
		Title:    "Trading paused",
		Message:  "Signal emission and order execution are halted.",
		Severity: SeverityCritical,
		Metadata: map[string]interface{}{"reason": reason},
	})
}
