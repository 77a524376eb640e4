package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFullJitterWithRand_ReconnectSchedule(t *testing.T) {
	policy := ReconnectPolicy()

	// With randomValue=1.0 the draw lands on the ceiling:
	// min(60s, 2^(n-1) s) for the n-th consecutive failure.
	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second}, // capped, 2^6 = 64 > 60
		{8, 60 * time.Second},
		{20, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := FullJitterWithRand(policy, tt.attempt, 1.0); got != tt.ceiling {
			t.Errorf("attempt %d ceiling = %v, want %v", tt.attempt, got, tt.ceiling)
		}
		if got := FullJitterWithRand(policy, tt.attempt, 0); got != 0 {
			t.Errorf("attempt %d floor = %v, want 0", tt.attempt, got)
		}
		half := FullJitterWithRand(policy, tt.attempt, 0.5)
		if half != tt.ceiling/2 {
			t.Errorf("attempt %d midpoint = %v, want %v", tt.attempt, half, tt.ceiling/2)
		}
	}
}

func TestDelayWithRand_Proportional(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}

	// attempt 3: base 400ms, +10% jitter at random=1.0 → 440ms.
	if got := DelayWithRand(policy, 3, 1.0); got != 440*time.Millisecond {
		t.Errorf("delay = %v, want 440ms", got)
	}
	// Clamped at the cap regardless of jitter.
	if got := DelayWithRand(policy, 30, 1.0); got != 30*time.Second {
		t.Errorf("capped delay = %v, want 30s", got)
	}
	// Attempt numbers below 1 behave like attempt 1.
	if got := DelayWithRand(policy, 0, 0); got != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", got)
	}
}

func TestSleep_CancelWakes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Sleep(ctx, time.Hour)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sleep did not wake on cancel")
	}
}

func TestSleep_ZeroReturnsImmediately(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("zero sleep err = %v", err)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 5, Factor: 2}

	calls := 0
	got, err := Retry(context.Background(), policy, 5, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("retry err = %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetry_ReturnsLastError(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1}
	boom := errors.New("boom")

	_, err := Retry(context.Background(), policy, 3, func(int) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want last error", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, DefaultPolicy(), 3, func(int) (int, error) {
		t.Fatal("fn must not run with cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDo(t *testing.T) {
	policy := Policy{InitialMs: 1, MaxMs: 2, Factor: 1}
	calls := 0
	err := Do(context.Background(), policy, 2, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("Do err=%v calls=%d", err, calls)
	}
}
