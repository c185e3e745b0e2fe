package castsession

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 800 * time.Millisecond
)

// RetryPolicy bounds reconnection attempts to a receiver.
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultRetryAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = defaultRetryBaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = max(p.BaseBackoff, defaultRetryMaxBackoff)
	}
	return p
}

// withRetry runs call until it succeeds, fails permanently or the policy is
// exhausted. Only transient network errors are retried.
func withRetry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, operation string, call func() error) error {
	if call == nil {
		return errors.New("retry call is nil")
	}
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= policy.Attempts || !isTransientNetworkError(err) {
			break
		}

		backoff := backoffForAttempt(policy.BaseBackoff, policy.MaxBackoff, attempt)
		logger.Debug("cast_retry",
			"operation", operation,
			"attempt", attempt+1,
			"attempts", policy.Attempts,
			"backoff", backoff.String(),
			"error", err.Error(),
		)
		if waitErr := waitForBackoff(ctx, backoff); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func backoffForAttempt(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if limit > 0 && backoff >= limit {
			return limit
		}
	}
	if limit > 0 && backoff > limit {
		return limit
	}
	return backoff
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var transientPatterns = []string{
	"timeout",
	"temporar",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"network is unreachable",
	"no route to host",
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
