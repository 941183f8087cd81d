package utils

import (
	"context"
	"math/rand"
	"time"
)

// Backoff describes an exponential retry schedule
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by ±Jitter of its value, in [0,1)
	Jitter float64
}

// DefaultBackoff is 3 attempts starting at 100ms, doubling, capped at 5s
var DefaultBackoff = Backoff{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// Delay returns the wait before retry number attempt (0-based)
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if time.Duration(delay) >= b.MaxDelay {
			break
		}
	}
	if b.MaxDelay > 0 && time.Duration(delay) > b.MaxDelay {
		delay = float64(b.MaxDelay)
	}
	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Permanent marks an error that must not be retried
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// RetryNotify is called before each wait with the failed attempt and its error
type RetryNotify func(attempt int, err error, wait time.Duration)

// Retry runs op until it succeeds, returns a *Permanent error, ctx ends or
// MaxAttempts is reached. The last error is returned.
func Retry(ctx context.Context, b Backoff, op func(ctx context.Context) error, notify RetryNotify) error {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if p, ok := err.(*Permanent); ok {
			return p.Err
		}
		if attempt == attempts-1 {
			break
		}

		wait := b.Delay(attempt)
		if notify != nil {
			notify(attempt+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
