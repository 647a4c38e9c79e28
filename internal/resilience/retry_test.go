package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		return nil
	}, &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1.0}, nil)

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, &RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1.0}, nil)

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("persistent")
	err := Retry(func() error {
		calls++
		return wantErr
	}, &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1.0}, nil)

	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want the last error", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		return Permanent(errors.New("bad credentials"))
	}, &RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1.0},
		func(err error) bool { return !IsPermanent(err) })

	if err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("non-retryable error retried, %d calls", calls)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must stay nil")
	}

	inner := errors.New("inner")
	wrapped := Permanent(inner)
	if !IsPermanent(wrapped) {
		t.Error("wrapped error not recognized as permanent")
	}
	if !errors.Is(wrapped, inner) {
		t.Error("wrapping must preserve the cause")
	}
	if IsPermanent(inner) {
		t.Error("plain error reported as permanent")
	}
}
