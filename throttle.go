package safebrowsing

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// clock abstracts time so throttle gating and backoff delays are
// deterministic under test (spec.md §8 scenario 6 requires a mock clock).
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// throttleGate enforces the fair-use "no sooner than" gate API Transport
// maintains across all outbound call types: a minimumWaitDuration from any
// response pushes the next permitted call out, regardless of which
// endpoint receives it next.
type throttleGate struct {
	clock     clock
	logger    Logger
	skipSleep bool // debug switch: spec.md §9 "must log when enabled"

	notBefore time.Time
}

func newThrottleGate(clock clock, logger Logger, skipSleep bool) *throttleGate {
	if skipSleep {
		logger.Warn("safebrowsing: fair-use throttle sleep is disabled by debug switch; violations will still be logged")
	}
	return &throttleGate{clock: clock, logger: logger, skipSleep: skipSleep}
}

// wait blocks until the gate clears, or returns immediately (logging the
// violation) if skipSleep is set.
func (g *throttleGate) wait(ctx context.Context) error {
	if g.notBefore.IsZero() {
		return nil
	}
	d := g.notBefore.Sub(g.clock.Now())
	if d <= 0 {
		return nil
	}
	if g.skipSleep {
		g.logger.Warn("safebrowsing: throttle violation: would have waited %s before next request", d)
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.clock.After(d):
		return nil
	}
}

// record applies a minimumWaitDuration observed on a response. A zero or
// negative duration clears the gate.
func (g *throttleGate) record(d time.Duration) {
	if d <= 0 {
		g.notBefore = time.Time{}
		return
	}
	g.notBefore = g.clock.Now().Add(d)
}

// retryPolicy implements spec.md §4.3's exponential-backoff-with-jitter
// schedule for transient transport failures: HTTP 5xx backs off
// exponentially from a 15-minute base, capped at 24h; connection-level
// socket errors use a small fixed delay and never advance the exponent.
type retryPolicy struct {
	rng *rand.Rand
}

func newRetryPolicy(rng *rand.Rand) *retryPolicy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &retryPolicy{rng: rng}
}

const (
	backoffBase = 15 * time.Minute
	backoffMax  = 24 * time.Hour
	socketDelay = 2 * time.Second
)

// serverBackoff returns the delay before the n-th consecutive 5xx retry
// (n starts at 1): min(2^(n-1) * 15min * (1+rand[0,1)), 24h).
func (p *retryPolicy) serverBackoff(n int) time.Duration {
	factor := math.Pow(2, float64(n-1)) * (1 + p.rng.Float64())
	d := time.Duration(float64(backoffBase) * factor)
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// socketBackoff is the fixed delay for connection-level errors; it does
// not consume or depend on the retry count.
func (p *retryPolicy) socketBackoff() time.Duration {
	return socketDelay
}
