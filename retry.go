package toolrpc

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how the delay between retry attempts grows.
type BackoffStrategy int

const (
	// BackoffFixed uses a constant delay.
	BackoffFixed BackoffStrategy = iota
	// BackoffLinear scales the base delay by the attempt number.
	BackoffLinear
	// BackoffExponential doubles the base delay per attempt.
	BackoffExponential
)

func (s BackoffStrategy) String() string {
	switch s {
	case BackoffFixed:
		return "fixed"
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// RetryPolicy wraps an operation with a bounded attempt count and a backoff
// delay between non-final failures. Delays are perturbed with up to 20%
// positive jitter so retries across callers do not synchronize, and never
// exceed MaxDelay even after jitter.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// BaseDelay is the backoff base.
	BaseDelay time.Duration
	// MaxDelay is the ceiling every computed delay is clamped to.
	MaxDelay time.Duration
	// Strategy selects the growth curve.
	Strategy BackoffStrategy
}

// Delay returns the pre-jitter backoff after the given completed attempt,
// counted from zero, clamped to MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt+1)
	case BackoffExponential:
		d = p.BaseDelay * time.Duration(1<<attempt)
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op up to Attempts times. After exhausting attempts the last
// failure is returned unmodified.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		d := p.Delay(attempt)
		d += time.Duration(rand.Float64() * 0.2 * float64(d))
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}
