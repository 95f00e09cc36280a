// Package publish delivers sealed signals and trade events to NATS
// subjects so downstream consumers (dashboards, journaling, alerting)
// can subscribe without touching the pipeline.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/execution"
	"github.com/kvasirlabs/signalflux/internal/signal"
)

// Publisher writes signals to "<signal_subject>.<symbol>" and trade
// events to "<trade_subject>.<symbol>". Signal payloads use the
// canonical encoding, so a subscriber can verify content hashes
// without re-serializing.
type Publisher struct {
	cfg config.NATSConfig
	nc  *nats.Conn
}

// Connect dials NATS with the reconnect policy used across the service.
func Connect(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("signalflux"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().
		Str("url", cfg.URL).
		Str("signal_subject", cfg.SignalSubject).
		Str("trade_subject", cfg.TradeSubject).
		Msg("Publisher connected")

	return &Publisher{cfg: cfg, nc: nc}, nil
}

// NewWithConn wraps an existing connection. The caller keeps ownership
// of the connection lifecycle.
func NewWithConn(cfg config.NATSConfig, nc *nats.Conn) *Publisher {
	return &Publisher{cfg: cfg, nc: nc}
}

// PublishSignal emits one sealed signal. Publish failures are returned
// to the caller but never undo the store append; the chain is the
// source of truth, the bus is a projection of it.
func (p *Publisher) PublishSignal(ctx context.Context, sig *signal.Signal) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !p.nc.IsConnected() {
		return fmt.Errorf("NATS connection is down")
	}

	data, err := signal.MarshalCanonical(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}

	subject := p.cfg.SignalSubject + "." + sig.Symbol
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish signal to %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("signal_id", sig.SignalID).
		Str("action", string(sig.Action)).
		Msg("Signal published")
	return nil
}

// PublishTradeEvent emits one trade lifecycle event. Errors are logged,
// not returned; the execution path must not stall on the bus.
func (p *Publisher) PublishTradeEvent(_ context.Context, ev *execution.Event) {
	if !p.nc.IsConnected() {
		log.Warn().Str("kind", string(ev.Kind)).Msg("Dropping trade event, NATS connection is down")
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("signal_id", ev.SignalID).Msg("Failed to encode trade event")
		return
	}

	subject := p.cfg.TradeSubject + "." + ev.Symbol
	if err := p.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish trade event")
		return
	}

	log.Debug().
		Str("subject", subject).
		Str("kind", string(ev.Kind)).
		Str("signal_id", ev.SignalID).
		Msg("Trade event published")
}

// Flush forces buffered messages out, bounded by the context deadline.
func (p *Publisher) Flush(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	return p.nc.FlushTimeout(time.Until(deadline))
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("NATS drain failed")
		p.nc.Close()
	}
}
