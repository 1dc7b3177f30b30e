package ingesterr

import (
	"context"
	"math/rand"
	"time"

	"github.com/outblock/hlindexer/internal/metrics"
)

// RetryConfig parameterizes the capped exponential backoff: base delay
// from config, 2x multiplier, 0.5 jitter factor, 60s per-attempt cap,
// total elapsed bounded by maxRetries*60s.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxInterval   time.Duration // defaults to 60s
}

const (
	defaultMultiplier = 2.0
	defaultJitter     = 0.5
	defaultMaxInterval = 60 * time.Second
)

// Retry runs fn, retrying while the returned error is Retryable, until
// maxRetries attempts are exhausted or the error is not retryable.
// The backoff interval doubles each attempt, is capped at MaxInterval,
// and is jittered by up to 50% in either direction. ctx cancellation
// aborts the wait between attempts.
func Retry(ctx context.Context, cfg RetryConfig, opName string, fn func() error) error {
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = defaultMaxInterval
	}
	interval := cfg.BaseDelay
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var lastErr error
	deadline := time.Now().Add(time.Duration(cfg.MaxRetries) * defaultMaxInterval)

	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		metrics.ErrorsTotal.WithLabelValues(string(KindOf(lastErr))).Inc()
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxRetries || time.Now().After(deadline) {
			return New(KindOf(lastErr), opName, lastErr)
		}

		wait := jittered(interval, defaultJitter)
		if retryAfter := retryAfterOf(lastErr); retryAfter != nil {
			wait = time.Duration(*retryAfter) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		interval = time.Duration(float64(interval) * defaultMultiplier)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func jittered(d time.Duration, factor float64) time.Duration {
	if d <= 0 {
		return 0
	}
	delta := float64(d) * factor
	min := float64(d) - delta
	max := float64(d) + delta
	return time.Duration(min + rand.Float64()*(max-min))
}

func retryAfterOf(err error) *int {
	var e *Error
	if !asError(err, &e) {
		return nil
	}
	return e.RetryAfter
}
