package ingesterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableByKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindDatabase, true},
		{KindHTTP, true},
		{KindRateLimit, true},
		{KindIO, true},
		{KindCheckpoint, true},
		{KindValidation, false},
		{KindConfiguration, false},
		{KindInternal, false},
	}
	for _, c := range cases {
		err := New(c.kind, "op", errors.New("boom"))
		if got := Retryable(err); got != c.want {
			t.Errorf("Retryable(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestFatalByKind(t *testing.T) {
	if !Fatal(New(KindConfiguration, "op", errors.New("boom"))) {
		t.Error("expected Configuration to be fatal")
	}
	if !Fatal(New(KindInternal, "op", errors.New("boom"))) {
		t.Error("expected Internal to be fatal")
	}
	if Fatal(New(KindDatabase, "op", errors.New("boom"))) {
		t.Error("expected Database to not be fatal")
	}
}

func TestRetryableUnwrapsWrappedErrors(t *testing.T) {
	inner := New(KindDatabase, "store.Insert", errors.New("connection reset"))
	wrapped := fmt.Errorf("outer context: %w", inner)
	if !Retryable(wrapped) {
		t.Error("expected wrapped Database error to be retryable")
	}
}

func TestRetryableFalseForPlainError(t *testing.T) {
	if Retryable(errors.New("plain")) {
		t.Error("expected a plain, untagged error to be non-retryable")
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("expected untagged error to report KindInternal")
	}
}

func TestWithRetryAfterCarriesHint(t *testing.T) {
	err := WithRetryAfter("fetcher.Fetch", errors.New("429"), 5)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Kind != KindRateLimit || e.RetryAfter == nil || *e.RetryAfter != 5 {
		t.Errorf("unexpected error: %+v", e)
	}
}

func TestNewReturnsNilForNilErr(t *testing.T) {
	if New(KindDatabase, "op", nil) != nil {
		t.Error("expected nil for nil underlying error")
	}
}
