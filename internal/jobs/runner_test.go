package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) Sweep(time.Time) int {
	s.calls.Add(1)
	return 1
}

type countingExpirer struct{ calls atomic.Int32 }

func (e *countingExpirer) ExpireStale() (int, error) {
	e.calls.Add(1)
	return 0, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerFiresJobs(t *testing.T) {
	sweeper := &countingSweeper{}
	expirer := &countingExpirer{}

	var reconciles atomic.Int32
	r, err := NewRunner(Config{
		StreamSweep:      "@every 10ms",
		PairingExpiry:    "@every 10ms",
		SandboxReconcile: "@every 10ms",
	}, sweeper, expirer, func(context.Context) error {
		reconciles.Add(1)
		return nil
	}, quietLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	r.Start()
	defer r.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sweeper.calls.Load() > 0 && expirer.calls.Load() > 0 && reconciles.Load() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("jobs did not fire: sweeps=%d expiries=%d reconciles=%d",
		sweeper.calls.Load(), expirer.calls.Load(), reconciles.Load())
}

func TestRunnerDefaultsApply(t *testing.T) {
	if _, err := NewRunner(Config{}, &countingSweeper{}, &countingExpirer{}, nil, quietLogger()); err != nil {
		t.Fatalf("defaults should parse: %v", err)
	}
}

func TestRunnerRejectsBadSchedule(t *testing.T) {
	_, err := NewRunner(Config{StreamSweep: "not a schedule"}, &countingSweeper{}, nil, nil, quietLogger())
	if err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestRunnerStopBounded(t *testing.T) {
	r, err := NewRunner(Config{}, &countingSweeper{}, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
}
