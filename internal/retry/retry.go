// Package retry runs network operations under a bounded exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/JakeFAU/chapterd/internal/download"
)

// Defaults follow the remote site's tolerance observed in production runs.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Observer is told about every failed attempt that will be retried.
type Observer func(attempt int, delay time.Duration, err error)

// Policy is a bounded-attempt execution wrapper.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to Jitter*delay of random wait. Zero disables it.
	Jitter  float64
	OnRetry Observer

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a policy with the production defaults.
func NewPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// WithSleeper swaps the wait function; tests use it to record delays.
func (p Policy) WithSleeper(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// WithObserver returns a copy of p reporting retries to fn.
func (p Policy) WithObserver(fn Observer) Policy {
	p.OnRetry = fn
	return p
}

// Delay returns the wait before attempt k (k >= 2): BaseDelay * 2^(k-2), capped.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	limit := int64(float64(d) * p.Jitter)
	if limit <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

// Execute runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. Exhaustion yields *download.ExhaustedError.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.jittered(p.Delay(attempt))
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, last)
			}
			if obs := observerFrom(ctx); obs != nil {
				obs(attempt, delay, last)
			}
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("backoff before attempt %d: %w", attempt, err)
			}
		}
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if Classify(err) != Transient {
			return err
		}
		last = err
	}
	return &download.ExhaustedError{Attempts: maxAttempts, Last: last}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type observerKey struct{}

// ContextWithObserver attaches a per-call retry observer to ctx. Execute
// notifies it in addition to the policy's own observer.
func ContextWithObserver(ctx context.Context, fn Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, fn)
}

func observerFrom(ctx context.Context) Observer {
	fn, _ := ctx.Value(observerKey{}).(Observer)
	return fn
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempts extracts the attempt count from an exhausted error, or 1.
func Attempts(err error) int {
	var exhausted *download.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return 1
}
