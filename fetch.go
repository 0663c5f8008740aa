package swr

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/inflight"
	"goflare.io/swr/internal/models"
	"goflare.io/swr/internal/retrier"
)

// request describes one key's fetch: where the result goes and how it is
// retried.
type request struct {
	key     string
	ttl     time.Duration
	retrier *retrier.Retrier
	fetch   func(ctx context.Context) (any, error)
}

func (c *Client) newRetrier(sc config.SubscriberConfig) (*retrier.Retrier, error) {
	opts := []retrier.Option{
		retrier.WithMaxDelay(c.config.MaxRetryDelay),
		retrier.WithJitter(c.config.RetryJitter),
		retrier.WithStrategy(c.config.RetryStrategy),
		retrier.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			c.metrics.Retries.Inc()
			c.logger.Warn("Retrying fetch",
				zap.String("key", sc.Key),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	}
	if c.config.RetryFactor != 0 {
		opts = append(opts, retrier.WithFactor(c.config.RetryFactor))
	}
	if c.config.Retryable != nil {
		opts = append(opts, retrier.WithRetryable(c.config.Retryable))
	}
	return retrier.New(sc.RetryAttempts, sc.RetryDelay, opts...)
}

// lookup returns the fresh cached value for key, counting the hit or miss.
func (c *Client) lookup(ctx context.Context, key string) (any, bool) {
	entry, ok := c.store.Get(ctx, key)
	if !ok {
		c.metrics.Misses.Inc()
		return nil, false
	}
	c.metrics.Hits.Inc()
	return entry.Value, true
}

// outcome is what an operation hands its waiters. current is false when a
// newer registration superseded the call before it finished.
type outcome struct {
	value   any
	current bool
}

// acquire joins the call in flight for req.key or, when forced or when
// there is none, registers a new one.
func (c *Client) acquire(ctx context.Context, req request, force bool) *inflight.Call {
	if force {
		c.metrics.Fetches.Inc()
		return c.registry.Register(ctx, req.key, c.operation(req))
	}

	call, joined := c.registry.Acquire(ctx, req.key, c.operation(req))
	if joined {
		c.metrics.Joins.Inc()
		c.logger.Debug("Joined in-flight fetch", zap.String("key", req.key), zap.Uint64("gen", call.Gen()))
	} else {
		c.metrics.Fetches.Inc()
	}
	return call
}

// settle unpacks a call result.
func settle(res inflight.Result) (value any, current bool, err error) {
	if res.Err != nil {
		return nil, false, res.Err
	}
	out, ok := res.Value.(outcome)
	if !ok {
		return res.Value, true, nil
	}
	return out.value, out.current, nil
}

// await waits for call and returns its value. A superseded call's waiters
// follow the newer result instead: the value the newer call stored, or the
// newer call itself while it is still running. When neither is left, the
// superseded value is all there is and it is returned.
func (c *Client) await(ctx context.Context, key string, call *inflight.Call) (any, error) {
	for {
		value, current, err := settle(call.Wait(ctx))
		if err != nil || current {
			return value, err
		}
		if entry, ok := c.store.Get(ctx, key); ok {
			return entry.Value, nil
		}
		next, err := c.registry.Join(key)
		if err != nil {
			return value, nil
		}
		c.logger.Debug("Following superseding fetch",
			zap.String("key", key),
			zap.Uint64("gen", call.Gen()),
			zap.Uint64("next", next.Gen()))
		call = next
	}
}

// operation wraps the fetcher with retries and publishes a successful
// result to the store, unless a newer registration superseded it.
func (c *Client) operation(req request) inflight.Operation {
	return func(ctx context.Context, gen uint64) (any, error) {
		ctx, span := c.tracer.Start(ctx, "Client.fetch", trace.WithAttributes(
			attribute.String("key", req.key),
			attribute.Int64("gen", int64(gen)),
			attribute.Int("max_attempts", req.retrier.MaxAttempts()),
		))
		defer span.End()

		value, err := c.resilience.Execute(ctx, req.key, req.retrier, req.fetch)
		if err != nil && ctx.Err() != nil {
			c.logger.Debug("Fetch abandoned", zap.String("key", req.key), zap.Uint64("gen", gen))
			return nil, err
		}
		if err != nil {
			c.metrics.Failures.Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Error("Fetch failed", zap.String("key", req.key), zap.Uint64("gen", gen), zap.Error(err))
			return nil, fmt.Errorf("fetch %q: %w", req.key, err)
		}

		published := c.registry.Commit(req.key, gen, func() {
			c.store.Set(ctx, models.NewEntry(req.key, value, req.ttl))
		})
		span.SetAttributes(attribute.Bool("published", published))
		return outcome{value: value, current: published}, nil
	}
}
