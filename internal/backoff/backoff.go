// Package backoff provides exponential backoff schedules for the queue
// processor retries and the dispatcher's response polling loop.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay applied to attempt 0.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
}

// Delay returns the backoff for a 0-indexed attempt number:
// min(Max, Initial * Factor^attempt).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// QueuePolicy is the delivery retry schedule: 30s doubling up to 1h.
func QueuePolicy() Policy {
	return Policy{Initial: 30 * time.Second, Max: time.Hour, Factor: 2}
}

// PollPolicy is the response-wait schedule: 100ms growing by 1.5x up
// to 1s between store polls.
func PollPolicy() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 1.5}
}

// Sleep waits for the policy's delay at the given attempt, returning
// early with the context's error if it is cancelled first.
func Sleep(ctx context.Context, p Policy, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
