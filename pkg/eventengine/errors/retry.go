package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds how a transient failure is retried.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffFactor multiplies the backoff after every failed attempt.
	BackoffFactor float64

	// Jitter spreads each sleep by up to +/- Jitter of its length (0.0-1.0).
	Jitter float64

	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// DefaultRetry is used for store appends unless configured otherwise.
var DefaultRetry = RetryConfig{
	MaxAttempts:    4,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value    T
	Err      error // *CategorizedError when every attempt failed
	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns an error that
// Categorize reports as permanent, or MaxAttempts is reached. Cancelling ctx
// stops both attempts and backoff sleeps.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	start := time.Now()
	attempts := max(cfg.MaxAttempts, 1)
	fail := func(err error, category Category, n int, reason string) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: err, Category: category, Retries: n, Context: reason},
			Attempts: n,
			Duration: time.Since(start),
		}
	}

	backoff := cfg.InitialBackoff
	var err error
	for n := 1; n <= attempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr, CategoryPermanent, n-1, "context cancelled")
		}

		var value T
		if value, err = fn(ctx); err == nil {
			return RetryResult[T]{Value: value, Attempts: n, Duration: time.Since(start)}
		}
		if !IsRetryable(err) {
			return fail(err, Categorize(err), n, "")
		}
		if n == attempts {
			break
		}

		sleep := jittered(backoff, cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(n, err, sleep)
		}
		if !sleepContext(ctx, sleep) {
			return fail(ctx.Err(), CategoryPermanent, n, "context cancelled during backoff")
		}
		backoff = grow(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}
	return fail(err, Categorize(err), attempts, "max retries exceeded")
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func grow(backoff time.Duration, factor float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(backoff) * max(factor, 1))
	if limit > 0 && next > limit {
		return limit
	}
	return next
}

// jittered returns base moved by a random amount within +/- base*jitter.
func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	return base + time.Duration(float64(base)*jitter*(rand.Float64()*2-1))
}

// RetryOption adjusts a RetryConfig.
type RetryOption func(*RetryConfig)

func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxAttempts = n }
}

func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.InitialBackoff = d }
}

func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) { cfg.MaxBackoff = d }
}

func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) { cfg.Jitter = j }
}

func WithOnRetry(fn func(attempt int, err error, backoff time.Duration)) RetryOption {
	return func(cfg *RetryConfig) { cfg.OnRetry = fn }
}

// NewRetryConfig applies opts to DefaultRetry.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
