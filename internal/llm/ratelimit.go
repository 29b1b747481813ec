package llm

import (
	"context"
	"sync"
	"time"
)

// rpsLimiter throttles to at most rps requests per second with a burst
// allowance. Tokens accrue with elapsed time; there is no refill goroutine,
// so an idle limiter costs nothing.
type rpsLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

// newRPSLimiter returns nil when rps <= 0; a nil limiter admits everything.
func newRPSLimiter(rps float64, burst int) *rpsLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rpsLimiter{
		rate:   rps,
		burst:  float64(burst),
		tokens: float64(burst), // full bucket admits an initial burst
		last:   time.Now(),
	}
}

// Acquire takes one token, blocking until one accrues or the context ends.
func (l *rpsLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens += now.Sub(l.last).Seconds() * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.last = now
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Stop releases the limiter. Kept for the middleware Close path; with no
// background refill there is nothing to tear down.
func (l *rpsLimiter) Stop() {}
