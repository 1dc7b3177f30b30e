package ingesterr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/outblock/hlindexer/internal/metrics"
)

func TestRetrySucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls)
	}
}

func TestRetryStopsImmediatelyOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		return New(KindValidation, "op", errors.New("bad input"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for a non-retryable error, got %d", calls)
	}
}

func TestRetryExhaustsMaxRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		return New(KindDatabase, "op", errors.New("down"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		if calls < 3 {
			return New(KindHTTP, "op", errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsRetryAfterHint(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, "op", func() error {
		calls++
		if calls == 1 {
			return WithRetryAfter("op", errors.New("rate limited"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry-after of 0 should not meaningfully delay the retry")
	}
}

func TestRetryIncrementsErrorsTotalByKind(t *testing.T) {
	before := testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues(string(KindDatabase)))
	_ = Retry(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}, "op", func() error {
		return New(KindDatabase, "op", errors.New("down"))
	})
	after := testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues(string(KindDatabase)))
	if after-before != 2 {
		t.Errorf("expected ErrorsTotal{kind=database} to increment by 2 (one per attempt), got delta %v", after-before)
	}
}

func TestRetryAbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, RetryConfig{MaxRetries: 5, BaseDelay: time.Hour}, "op", func() error {
		calls++
		return New(KindDatabase, "op", errors.New("down"))
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt before the cancelled wait, got %d", calls)
	}
}
