package llmclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetries(t *testing.T) {
	t.Helper()
	saved := retryConfig.delays
	retryConfig.delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryConfig.delays = saved })
}

func TestWithRetry_SucceedsAfterRateLimit(t *testing.T) {
	fastRetries(t)

	calls := 0
	got, err := withRetry(context.Background(), "test", func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("status 429: rate limit")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("withRetry() error: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", got, calls)
	}
}

func TestWithRetry_NonRetryableFailsFast(t *testing.T) {
	fastRetries(t)

	calls := 0
	_, err := withRetry(context.Background(), "test", func() (string, error) {
		calls++
		return "", fmt.Errorf("status 400: bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestWithRetry_ExhaustionReturnsRateLimited(t *testing.T) {
	fastRetries(t)

	_, err := withRetry(context.Background(), "test", func() (string, error) {
		return "", fmt.Errorf("RESOURCE_EXHAUSTED")
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	saved := retryConfig.delays
	retryConfig.delays = []time.Duration{time.Minute}
	t.Cleanup(func() { retryConfig.delays = saved })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := withRetry(ctx, "test", func() (string, error) {
		return "", fmt.Errorf("status 429")
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context cancellation", err)
	}
}
