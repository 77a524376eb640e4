// Package jobs schedules the recurring housekeeping work: sweeping
// finished streams out of memory, expiring stale pairing requests, and
// reconciling sandbox containers.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules, overridable from config.
const (
	DefaultStreamSweep      = "* * * * *"
	DefaultPairingExpiry    = "0 * * * *"
	DefaultSandboxReconcile = "30 * * * *"
)

var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper drops retired streams. Implemented by the stream manager.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Expirer retires stale pairing requests. Implemented by the pairing
// store.
type Expirer interface {
	ExpireStale() (int, error)
}

// Reconciler removes orphaned and stale sandbox containers. Implemented
// by a closure over the sandbox manager and session store.
type Reconciler func(ctx context.Context) error

// Config holds the cron expressions for each job.
type Config struct {
	StreamSweep      string
	PairingExpiry    string
	SandboxReconcile string
}

// Runner owns the cron loop for background housekeeping.
type Runner struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewRunner wires the housekeeping jobs onto a cron scheduler. Empty
// expressions fall back to the defaults; invalid ones are an error.
func NewRunner(cfg Config, streams Sweeper, pairs Expirer, reconcile Reconciler, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")

	c := cron.New(cron.WithParser(cronParser))
	r := &Runner{cron: c, logger: logger}

	sweepSpec := cfg.StreamSweep
	if sweepSpec == "" {
		sweepSpec = DefaultStreamSweep
	}
	if streams != nil {
		if _, err := c.AddFunc(sweepSpec, func() {
			if n := streams.Sweep(time.Now()); n > 0 {
				logger.Debug("swept retired streams", "count", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("stream sweep schedule %q: %w", sweepSpec, err)
		}
	}

	expirySpec := cfg.PairingExpiry
	if expirySpec == "" {
		expirySpec = DefaultPairingExpiry
	}
	if pairs != nil {
		if _, err := c.AddFunc(expirySpec, func() {
			n, err := pairs.ExpireStale()
			if err != nil {
				logger.Warn("pairing expiry failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("expired stale pairing requests", "count", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("pairing expiry schedule %q: %w", expirySpec, err)
		}
	}

	reconcileSpec := cfg.SandboxReconcile
	if reconcileSpec == "" {
		reconcileSpec = DefaultSandboxReconcile
	}
	if reconcile != nil {
		if _, err := c.AddFunc(reconcileSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := reconcile(ctx); err != nil {
				logger.Warn("sandbox reconcile failed", "error", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("sandbox reconcile schedule %q: %w", reconcileSpec, err)
		}
	}

	return r, nil
}

// Start launches the scheduler in its own goroutine.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("background jobs started")
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("gave up waiting for running jobs")
	}
}
