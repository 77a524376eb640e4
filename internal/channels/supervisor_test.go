package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
)

// scriptAdapter is a fake adapter whose Start behavior is scripted per
// test.
type scriptAdapter struct {
	platform models.ChannelType
	startFn  func(ctx context.Context) error
	msgs     chan *IncomingMessage

	mu      sync.Mutex
	sent    []OutgoingMessage
	stopped bool
}

func newScriptAdapter(platform models.ChannelType) *scriptAdapter {
	return &scriptAdapter{
		platform: platform,
		msgs:     make(chan *IncomingMessage, 16),
		startFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
}

func (a *scriptAdapter) Platform() models.ChannelType { return a.platform }

func (a *scriptAdapter) Start(ctx context.Context) error { return a.startFn(ctx) }

func (a *scriptAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	return nil
}

func (a *scriptAdapter) Send(ctx context.Context, out *OutgoingMessage) error {
	a.mu.Lock()
	a.sent = append(a.sent, *out)
	a.mu.Unlock()
	return nil
}

func (a *scriptAdapter) Messages() <-chan *IncomingMessage { return a.msgs }

func (a *scriptAdapter) sentMessages() []OutgoingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]OutgoingMessage(nil), a.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func noJitter(s *supervisor) { s.random = func() float64 { return 0 } }

func TestSupervisorRunsUntilStopped(t *testing.T) {
	adapter := newScriptAdapter(models.ChannelTelegram)
	sup := newSupervisor(adapter, quietLogger(), nil)
	noJitter(sup)

	sup.start(context.Background())
	waitFor(t, "running state", func() bool {
		return sup.snapshot(0).State == StateRunning
	})

	sup.stop(context.Background())
	if got := sup.snapshot(0).State; got != StateStopped {
		t.Errorf("state after stop = %q, want %q", got, StateStopped)
	}
	adapter.mu.Lock()
	stopped := adapter.stopped
	adapter.mu.Unlock()
	if !stopped {
		t.Error("adapter.Stop was not called")
	}
}

func TestSupervisorReconnectsAfterDrops(t *testing.T) {
	var calls atomic.Int32
	adapter := newScriptAdapter(models.ChannelDiscord)
	adapter.startFn = func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("gateway closed")
		}
		<-ctx.Done()
		return ctx.Err()
	}

	sup := newSupervisor(adapter, quietLogger(), nil)
	noJitter(sup)
	sup.start(context.Background())
	defer sup.stop(context.Background())

	waitFor(t, "recovered running state", func() bool {
		h := sup.snapshot(0)
		return h.State == StateRunning && h.ReconnectAttempts == 2
	})
	if h := sup.snapshot(0); h.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures should reset on running, got %d", h.ConsecutiveFailures)
	}
}

func TestSupervisorFailsFastOnAuthError(t *testing.T) {
	var calls atomic.Int32
	adapter := newScriptAdapter(models.ChannelTelegram)
	adapter.startFn = func(ctx context.Context) error {
		calls.Add(1)
		return AuthError(errors.New("token rejected"))
	}

	sup := newSupervisor(adapter, quietLogger(), nil)
	noJitter(sup)
	sup.start(context.Background())
	defer sup.stop(context.Background())

	waitFor(t, "failed state", func() bool {
		return sup.snapshot(0).State == StateFailed
	})
	if n := calls.Load(); n != 1 {
		t.Errorf("auth errors must not be retried, Start called %d times", n)
	}
}

func TestSupervisorGivesUpAfterFailureCap(t *testing.T) {
	adapter := newScriptAdapter(models.ChannelMatrix)
	adapter.startFn = func(ctx context.Context) error {
		return errors.New("connection refused")
	}

	sup := newSupervisor(adapter, quietLogger(), nil)
	noJitter(sup)
	sup.start(context.Background())
	defer sup.stop(context.Background())

	waitFor(t, "failed state", func() bool {
		return sup.snapshot(0).State == StateFailed
	})
	if h := sup.snapshot(0); h.ConsecutiveFailures != maxConsecutiveFailures {
		t.Errorf("expected %d consecutive failures, got %d",
			maxConsecutiveFailures, h.ConsecutiveFailures)
	}
}

func TestSupervisorScrubsHealthErrors(t *testing.T) {
	adapter := newScriptAdapter(models.ChannelTelegram)
	adapter.startFn = func(ctx context.Context) error {
		return AuthError(errors.New("rejected token 12345678:AAHdqwexample_tokenvalue1234567890"))
	}

	sup := newSupervisor(adapter, quietLogger(), nil)
	noJitter(sup)
	sup.start(context.Background())
	defer sup.stop(context.Background())

	waitFor(t, "failed state", func() bool {
		return sup.snapshot(0).State == StateFailed
	})
	h := sup.snapshot(3)
	if h.LastError == "" || h.LastError != scrubError(h.LastError) {
		t.Errorf("health error not scrubbed: %q", h.LastError)
	}
	if h.AllowedUsers != 3 {
		t.Errorf("snapshot should carry allowed users, got %d", h.AllowedUsers)
	}
}
