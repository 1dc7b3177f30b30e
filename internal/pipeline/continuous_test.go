package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestSleepOrShutdownReturnsTrueAfterDelay(t *testing.T) {
	shutdown := make(chan struct{})
	ok := sleepOrShutdown(context.Background(), shutdown, time.Millisecond)
	if !ok {
		t.Error("expected true after the delay elapses uninterrupted")
	}
}

func TestSleepOrShutdownReturnsFalseOnShutdownSignal(t *testing.T) {
	shutdown := make(chan struct{}, 1)
	shutdown <- struct{}{}
	ok := sleepOrShutdown(context.Background(), shutdown, time.Hour)
	if ok {
		t.Error("expected false when shutdown fires before the delay")
	}
}

func TestSleepOrShutdownReturnsFalseOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	shutdown := make(chan struct{})
	ok := sleepOrShutdown(ctx, shutdown, time.Hour)
	if ok {
		t.Error("expected false when the context is already cancelled")
	}
}
