// Package resilience provides retry with backoff and a circuit breaker for
// side stores whose failures must not stall execution bookkeeping.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines a named retry configuration.
type Policy struct {
	// Name identifies this policy in logs.
	Name string

	// MaxRetries is the number of attempts after the first (0 = no retries).
	MaxRetries int
	InitDelay  time.Duration
	MaxDelay   time.Duration
	// Multiplier for exponential backoff (2.0 doubles each time).
	Multiplier float64
	// Jitter randomizes each delay by ±Jitter of its value (0.0-1.0).
	Jitter float64

	// ShouldRetry decides whether err is worth another attempt. Nil retries
	// everything IsPermanentError does not reject.
	ShouldRetry func(error) bool
}

var (
	// NoRetry disables retries entirely.
	NoRetry = Policy{Name: "no-retry"}

	// StoreWrite rides out short lock contention on a local database.
	StoreWrite = Policy{
		Name:       "store-write",
		MaxRetries: 4,
		InitDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
)

// RetryCallback is called before each retry attempt.
type RetryCallback func(attempt int, err error, nextDelay time.Duration)

// Execute runs fn until it succeeds, the error is not retryable, retries are
// exhausted or ctx ends. It returns the last error.
func (p Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.ExecuteWithCallback(ctx, fn, nil)
}

func (p Policy) ExecuteWithCallback(ctx context.Context, fn func(ctx context.Context) error, callback RetryCallback) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !IsPermanentError(err) }
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt >= p.MaxRetries {
			break
		}

		delay := p.delay(attempt)
		if callback != nil {
			callback(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// delay computes the backoff for attempt: InitDelay * Multiplier^attempt,
// capped at MaxDelay, then jittered.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		r := d * p.Jitter
		d = d - r + rand.Float64()*2*r
	}
	return time.Duration(d)
}
