package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOptDecimalNilPassesThrough(t *testing.T) {
	if got := optDecimal(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestOptDecimalConvertsValue(t *testing.T) {
	f := 12.5
	got, ok := optDecimal(&f).(decimal.Decimal)
	if !ok {
		t.Fatalf("expected decimal.Decimal, got %T", optDecimal(&f))
	}
	if !got.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("got %v, want 12.5", got)
	}
}

func TestIdleOrDefault(t *testing.T) {
	if got := idleOrDefault(0); got != 5*time.Minute {
		t.Errorf("zero duration should default to 5m, got %v", got)
	}
	if got := idleOrDefault(-time.Second); got != 5*time.Minute {
		t.Errorf("negative duration should default to 5m, got %v", got)
	}
	if got := idleOrDefault(10 * time.Minute); got != 10*time.Minute {
		t.Errorf("positive duration should pass through, got %v", got)
	}
}
