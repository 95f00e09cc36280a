package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return NewRejection("paper", RejectUpstream5xx, errors.New("upstream hiccup"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryStopsOnPermanentFailure(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return NewRejection("paper", RejectAuth, errors.New("bad key"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "auth failures are not retried")
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return NewRejection("paper", RejectRateLimited, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "initial attempt plus three retries")
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, fastRetryConfig(), func() error {
		return NewRejection("paper", RejectUpstream5xx, nil)
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(NewRejection("b", RejectRateLimited, nil)))
	assert.True(t, IsRetryable(NewRejection("b", RejectUpstream5xx, nil)))
	assert.False(t, IsRetryable(NewRejection("b", RejectInsufficientBuyingPower, nil)))
	assert.False(t, IsRetryable(NewRejection("b", RejectAuth, nil)))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryable(nil))
}

func TestReasonOfPlainError(t *testing.T) {
	assert.Equal(t, RejectOther, ReasonOf(errors.New("boom")))
}
