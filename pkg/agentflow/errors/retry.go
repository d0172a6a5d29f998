package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures WithRetryContext. The wait after failed attempt
// n is Delay(n), spread by Jitter.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts    int
	InitialBackoff time.Duration
	// MaxBackoff caps Delay. Zero leaves it uncapped.
	MaxBackoff    time.Duration
	BackoffFactor float64
	// Jitter is a fraction of the delay, 0 to 1.
	Jitter float64

	// RetryableFunc overrides IsRetryable.
	RetryableFunc func(error) bool
	// OnRetry is called with the failed attempt number before each sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry suits opening a model stream: a few attempts, backing off
// from a second up to half a minute.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry runs the operation once.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// Delay returns the wait before attempt n+1 after n failed attempts,
// before jitter. It grows by BackoffFactor and is capped at MaxBackoff.
func (c RetryConfig) Delay(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * c.BackoffFactor)
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value T
	// Err is nil on success, else a *CategorizedError wrapping the last
	// failure.
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetryContext calls fn until it succeeds, returns an error that is
// not retryable, or MaxAttempts calls were made. Backoff sleeps end early
// when ctx is done.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := max(cfg.MaxAttempts, 1)

	fail := func(n int, err error, category Category, why string) RetryResult[T] {
		return RetryResult[T]{
			Err:      &CategorizedError{Err: err, Category: category, Retries: n, Context: why},
			Attempts: n,
			Duration: time.Since(start),
		}
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return fail(n-1, err, CategoryPermanent, "context cancelled")
		}
		value, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: n, Duration: time.Since(start)}
		}
		if !retryable(err) {
			return fail(n, err, Categorize(err), "")
		}
		if n == attempts {
			return fail(n, err, Categorize(err), "max retries exceeded")
		}

		wait := calculateBackoff(cfg.Delay(n), cfg.Jitter)
		if cfg.OnRetry != nil {
			cfg.OnRetry(n, err, wait)
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return fail(n, ctx.Err(), CategoryPermanent, "context cancelled during backoff")
		case <-timer.C:
		}
	}
}

// calculateBackoff spreads base by up to jitter in either direction.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	spread := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + spread)
}

// RetryOption configures retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxAttempts = n
	}
}

// WithInitialBackoff sets the initial backoff duration.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.InitialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxBackoff = d
	}
}

// WithBackoffFactor sets the backoff multiplier.
func WithBackoffFactor(f float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.BackoffFactor = f
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Jitter = j
	}
}

// WithOnRetry sets a callback invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.OnRetry = fn
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// NewRetryConfig creates a retry configuration with the given options.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
