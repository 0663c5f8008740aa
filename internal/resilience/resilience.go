// Package resilience runs fetch operations through a retrier and, when
// enabled, a circuit breaker chosen by key shard.
package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/retrier"
	"goflare.io/swr/internal/utils"
)

// ErrCircuitOpen is returned when the breaker for a key's shard rejects the call.
var ErrCircuitOpen = errors.New("circuit breaker rejected fetch")

// Resilience manages circuit breakers and retry mechanisms.
type Resilience struct {
	breakers []*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// New creates a Resilience instance. Breakers are only built when the
// configuration enables them.
func New(cfg config.ResilienceConfig, logger *zap.Logger) *Resilience {
	r := &Resilience{logger: logger}
	if !cfg.EnableCircuitBreaker {
		return r
	}

	r.breakers = make([]*gobreaker.CircuitBreaker, cfg.ShardCount)
	for i := range cfg.ShardCount {
		settings := cfg.KeyCircuitBreaker
		settings.Name = fmt.Sprintf("%s-%d", cfg.KeyCircuitBreaker.Name, i)
		prev := settings.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if prev != nil {
				prev(name, from, to)
			}
		}
		r.breakers[i] = gobreaker.NewCircuitBreaker(settings)
	}
	return r
}

// Execute runs fn with retries. With breakers enabled, a whole retry
// sequence counts as a single breaker request.
func (r *Resilience) Execute(ctx context.Context, key string, rt *retrier.Retrier, fn func(ctx context.Context) (any, error)) (any, error) {
	run := func() (any, error) {
		var value any
		err := rt.Run(ctx, func(ctx context.Context) error {
			v, err := fn(ctx)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		return value, err
	}

	if len(r.breakers) == 0 {
		return run()
	}

	cb := r.breakers[utils.ShardIndex(uint64(len(r.breakers)), key)]
	value, err := cb.Execute(run)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.logger.Debug("Fetch rejected by circuit breaker", zap.String("key", key), zap.String("breaker", cb.Name()))
		return nil, fmt.Errorf("%w for key %q: %w", ErrCircuitOpen, key, err)
	}
	return value, err
}

// State returns the breaker state guarding key, or StateClosed when
// breakers are disabled.
func (r *Resilience) State(key string) gobreaker.State {
	if len(r.breakers) == 0 {
		return gobreaker.StateClosed
	}
	return r.breakers[utils.ShardIndex(uint64(len(r.breakers)), key)].State()
}
