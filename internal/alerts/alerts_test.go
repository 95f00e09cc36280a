package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/signalflux/internal/store"
)

type recordingAlerter struct {
	sent []Alert
	err  error
}

func (r *recordingAlerter) Send(_ context.Context, alert Alert) error {
	r.sent = append(r.sent, alert)
	return r.err
}

func TestManagerFansOut(t *testing.T) {
	a := &recordingAlerter{}
	b := &recordingAlerter{}
	m := NewManager(a, b)

	require.NoError(t, m.Send(context.Background(), Alert{
		Title:    "test",
		Message:  "message",
		Severity: SeverityInfo,
	}))

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.False(t, a.sent[0].Timestamp.IsZero(), "timestamp is defaulted")
}

func TestManagerTriesAllChannels(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("unreachable")}
	working := &recordingAlerter{}
	m := NewManager(failing, working)

	err := m.Send(context.Background(), Alert{Title: "test"})
	assert.Error(t, err)
	assert.Len(t, working.sent, 1, "later channels still receive the alert")
}

func TestManagerWithoutChannelsIsNoop(t *testing.T) {
	m := NewManager()
	assert.NoError(t, m.Send(context.Background(), Alert{Title: "test"}))
}

func TestChainBrokenAlert(t *testing.T) {
	a := &recordingAlerter{}
	m := NewManager(a)

	require.NoError(t, m.ChainBroken(context.Background(), &store.ChainReport{
		Verified: 41,
		Valid:    false,
		BrokenAt: "deadbeef",
		Reason:   "content hash mismatch",
	}))

	require.Len(t, a.sent, 1)
	alert := a.sent[0]
	assert.Equal(t, SeverityCritical, alert.Severity)
	assert.Equal(t, "deadbeef", alert.Metadata["broken_at"])
	assert.Equal(t, 41, alert.Metadata["verified"])
}

func TestSignalAbandonedAlert(t *testing.T) {
	a := &recordingAlerter{}
	m := NewManager(a)

	require.NoError(t, m.SignalAbandoned(context.Background(), "abc", "AAPL", "order rejected"))

	require.Len(t, a.sent, 1)
	assert.Equal(t, SeverityWarning, a.sent[0].Severity)
	assert.Equal(t, "AAPL", a.sent[0].Metadata["symbol"])
}

func TestFormatAlert(t *testing.T) {
	out := formatAlert(Alert{
		Title:     "Provider circuit breaker open",
		Message:   "cooling down",
		Severity:  SeverityWarning,
		Timestamp: time.Date(2026, 4, 2, 14, 30, 0, 0, time.UTC),
		Metadata:  map[string]interface{}{"provider": "alpha_market"},
	})

	assert.Contains(t, out, "*Provider circuit breaker open*")
	assert.Contains(t, out, "`alpha_market`")
	assert.Contains(t, out, "2026-04-02 14:30:00")
}
