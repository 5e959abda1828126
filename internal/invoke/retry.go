package invoke

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig makes the call-level retry loop a first-class, testable object
// instead of nested error handling. It is distinct from the job-level
// reschedule backoff applied by the store on Complete.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.25,
	}
}

// Delay returns the randomized backoff before retrying after the given
// attempt (1-based): initial × multiplier^(attempt-1), capped at MaxDelay,
// then jittered within ±JitterFraction.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffMultiplier
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	if c.JitterFraction > 0 {
		span := d * c.JitterFraction
		d = d - span + rand.Float64()*2*span
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
