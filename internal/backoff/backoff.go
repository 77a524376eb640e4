// Package backoff provides exponential backoff with jitter for retry loops
// and connector reconnects.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// InitialMs is the base delay in milliseconds for the first attempt.
	InitialMs float64
	// MaxMs caps the delay.
	MaxMs float64
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the proportional randomization fraction (0.0 to 1.0)
	// applied by Delay. FullJitter ignores it.
	Jitter float64
}

// DefaultPolicy suits short retry loops: 100ms doubling to 30s, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.1}
}

// ReconnectPolicy is the connector reconnect schedule: the n-th consecutive
// failure sleeps a full-jitter draw from [0, min(60s, 2^(n-1) s)).
func ReconnectPolicy() Policy {
	return Policy{InitialMs: 1000, MaxMs: 60000, Factor: 2}
}

// Delay computes the delay for an attempt (1-indexed) with proportional
// jitter: min(MaxMs, base + base*Jitter*random).
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with the random value injected, for deterministic
// tests. randomValue must be in [0.0, 1.0).
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	base := ceiling(policy, attempt)
	total := math.Min(policy.MaxMs, base+base*policy.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// FullJitter computes the attempt's delay as a uniform draw from
// [0, min(MaxMs, InitialMs*Factor^(attempt-1))).
func FullJitter(policy Policy, attempt int) time.Duration {
	return FullJitterWithRand(policy, attempt, rand.Float64()) // #nosec G404
}

// FullJitterWithRand is FullJitter with the random value injected.
func FullJitterWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	return time.Duration(math.Round(ceiling(policy, attempt)*randomValue)) * time.Millisecond
}

func ceiling(policy Policy, attempt int) float64 {
	exp := math.Max(float64(attempt-1), 0)
	return math.Min(policy.MaxMs, policy.InitialMs*math.Pow(policy.Factor, exp))
}

// Sleep waits for the duration, returning early with ctx.Err() on cancel.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepDelay computes the proportional-jitter delay for the attempt and
// sleeps it.
func SleepDelay(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Delay(policy, attempt))
}
