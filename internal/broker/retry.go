package broker

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures exponential backoff for broker calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig matches the execution engine's transient-failure
// policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// IsRetryable reports whether a broker call failure is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch ReasonOf(err) {
	case RejectRateLimited, RejectUpstream5xx:
		return true
	case RejectAuth, RejectSymbolNotTradable, RejectInsufficientBuyingPower, RejectMarketClosed:
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "too many requests")
}

// WithRetry runs op with exponential backoff on retryable failures.
func WithRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := op(); err != nil {
			lastErr = err
			if !IsRetryable(err) || attempt == cfg.MaxRetries {
				return err
			}

			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Broker call failed, retrying")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
			continue
		}
		return nil
	}
	return lastErr
}
