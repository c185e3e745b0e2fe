package castsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestBackoffForAttemptIsCapped(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := backoffForAttempt(100*time.Millisecond, 500*time.Millisecond, tc.attempt); got != tc.want {
			t.Fatalf("backoffForAttempt(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestWithRetryOnlyRetriesTransientErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	calls := 0
	err := withRetry(context.Background(), policy, logger, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp 10.0.0.5:8009: connect: connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}

	calls = 0
	permanent := errors.New("x509: certificate signed by unknown authority")
	err = withRetry(context.Background(), policy, logger, "test", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call for a permanent error, got %d", calls)
	}
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, RetryPolicy{Attempts: 5, BaseBackoff: time.Second}, logger, "test", func() error {
		return errors.New("i/o timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsTransientNetworkError(t *testing.T) {
	if isTransientNetworkError(nil) {
		t.Fatal("nil is not transient")
	}
	if isTransientNetworkError(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded must not be retried")
	}
	if !isTransientNetworkError(errors.New("read: connection reset by peer")) {
		t.Fatal("connection reset should be transient")
	}
}
