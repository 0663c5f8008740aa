package retrier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const (
	minMaxAttempts = 1
	minFactor      = 1.0
	maxJitter      = 1.0
	defaultFactor  = 2.0
)

// ExponentialBackoff represents a backoff strategy where intervals exponentially increase.
// LinearBackoff represents a backoff strategy where intervals increase linearly.
// FibonacciBackoff represents a backoff strategy where intervals increase based on the Fibonacci sequence.
const (
	ExponentialBackoff BackoffStrategy = iota
	LinearBackoff
	FibonacciBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidBaseDelay is returned when the base delay parameter is invalid.
	ErrInvalidBaseDelay = errors.New("base delay must not be negative")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
	// ErrMaxAttemptsReached wraps the last error once every attempt failed.
	ErrMaxAttemptsReached = errors.New("max retry attempts reached")
)

// BackoffStrategy defines the strategy used for calculating backoff intervals in retry mechanisms.
type BackoffStrategy int

// Retrier executes a function with bounded retries. The delay before retry
// n+1 (n counted from 1) is baseDelay * factor^(n-1) for the exponential
// strategy, optionally capped by maxDelay and widened by jitter.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	jitter      float64
	strategy    BackoffStrategy
	retryable   func(error) bool
	onRetry     func(attempt int, delay time.Duration, err error)
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithMaxDelay caps a single backoff interval. Zero means no cap.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) { r.maxDelay = d }
}

// WithFactor sets the multiplier used by the exponential strategy.
func WithFactor(f float64) Option {
	return func(r *Retrier) { r.factor = f }
}

// WithJitter adds up to jitter*delay of random extra wait.
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.jitter = j }
}

// WithStrategy selects the backoff strategy.
func WithStrategy(s BackoffStrategy) Option {
	return func(r *Retrier) { r.strategy = s }
}

// WithRetryable replaces the default retry classifier.
func WithRetryable(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryable = fn }
}

// WithOnRetry registers a hook invoked before each backoff sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// New creates a Retrier that makes at most maxAttempts calls.
func New(maxAttempts int, baseDelay time.Duration, opts ...Option) (*Retrier, error) {
	r := &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		factor:      defaultFactor,
		strategy:    ExponentialBackoff,
		retryable:   IsRetryable,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.maxAttempts < minMaxAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	if r.baseDelay < 0 {
		return nil, ErrInvalidBaseDelay
	}
	if r.factor < minFactor {
		return nil, ErrInvalidFactor
	}
	if r.jitter < 0 || r.jitter > maxJitter {
		return nil, ErrInvalidJitter
	}
	return r, nil
}

// MaxAttempts returns the configured attempt budget.
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Run executes fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent or ctx is done.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		if !r.retryable(err) {
			return err
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := r.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsReached, r.maxAttempts, err)
}

// Delay computes the wait that follows the given failed attempt (from 1).
func (r *Retrier) Delay(attempt int) time.Duration {
	n := attempt - 1
	var delay float64

	switch r.strategy {
	case LinearBackoff:
		delay = float64(r.baseDelay) * float64(n+1)
	case FibonacciBackoff:
		delay = float64(r.baseDelay) * float64(fibonacci(n+1))
	default:
		delay = float64(r.baseDelay) * math.Pow(r.factor, float64(n))
	}

	if r.maxDelay > 0 && delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	if r.jitter > 0 {
		delay += rand.Float64() * r.jitter * delay
	}
	if delay > float64(time.Hour) {
		delay = float64(time.Hour)
	}
	return time.Duration(delay)
}

// fibonacci returns F(n) with F(1) = F(2) = 1.
func fibonacci(n int) int64 {
	a, b := int64(0), int64(1)
	for range n {
		a, b = b, a+b
		if a > math.MaxInt64/2 {
			return a
		}
	}
	return a
}
