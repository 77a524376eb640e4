package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/backoff"
	"github.com/parachute-dev/parachute/internal/observability"
)

// maxConsecutiveFailures is how many failed connects in a row move a
// connector to failed.
const maxConsecutiveFailures = 10

// supervisor owns one adapter's lifecycle: it runs Start in a loop,
// applies the reconnect schedule, and tracks the health surface.
type supervisor struct {
	adapter Adapter
	logger  *slog.Logger
	metrics *observability.Metrics

	// random injects the jitter draw for deterministic tests.
	random func() float64

	mu     sync.Mutex
	state  State
	health Health

	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(adapter Adapter, logger *slog.Logger, metrics *observability.Metrics) *supervisor {
	return &supervisor{
		adapter: adapter,
		logger:  logger.With("adapter", string(adapter.Platform())),
		metrics: metrics,
		random:  nil,
		state:   StateStopped,
		health:  Health{Platform: adapter.Platform(), State: StateStopped},
	}
}

// start launches the run loop. Idempotent while running.
func (s *supervisor) start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// stop cancels the run loop and waits for it to settle.
func (s *supervisor) stop(ctx context.Context) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stopCancel()
	if err := s.adapter.Stop(stopCtx); err != nil {
		s.logger.Warn("adapter stop error", "error", scrubError(err.Error()))
	}

	s.transition(StateStopped)
	s.mu.Lock()
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.doneChan())

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.transition(StateRunning)
		s.mu.Lock()
		s.health.StartedAt = time.Now()
		s.mu.Unlock()

		err := s.adapter.Start(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		failures++
		s.recordFailure(err, failures)

		if IsAuthError(err) {
			s.logger.Error("connector credentials rejected, giving up",
				"error", scrubError(err.Error()))
			s.transition(StateFailed)
			return
		}
		if failures >= maxConsecutiveFailures {
			s.logger.Error("connector failed too many times, giving up",
				"failures", failures)
			s.transition(StateFailed)
			return
		}

		s.transition(StateReconnecting)
		delay := s.reconnectDelay(failures)
		s.logger.Warn("connector disconnected, reconnecting",
			"attempt", failures, "delay", delay, "error", scrubError(err.Error()))
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (s *supervisor) reconnectDelay(attempt int) time.Duration {
	policy := backoff.ReconnectPolicy()
	if s.random != nil {
		return backoff.FullJitterWithRand(policy, attempt, s.random())
	}
	return backoff.FullJitter(policy, attempt)
}

func (s *supervisor) doneChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// transition applies the state machine; invalid moves are logged and
// ignored.
func (s *supervisor) transition(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return
	}
	if !transitionAllowed(s.state, to) {
		s.logger.Warn("ignoring invalid state transition",
			"from", string(s.state), "to", string(to))
		return
	}
	s.state = to
	s.health.State = to
	if to == StateRunning {
		s.health.ConsecutiveFailures = 0
	}
}

func (s *supervisor) recordFailure(err error, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.ConsecutiveFailures = failures
	s.health.ReconnectAttempts++
	s.health.LastError = scrubError(err.Error())
	s.health.LastErrorAt = time.Now()
}

func (s *supervisor) noteMessage() {
	s.mu.Lock()
	s.health.LastMessageAt = time.Now()
	s.mu.Unlock()
}

func (s *supervisor) snapshot(allowedUsers int) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health
	h.AllowedUsers = allowedUsers
	return h
}
