package swr

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/swr/internal/config"
)

// warmupConcurrency bounds the number of fetchers Warmup runs at once.
const warmupConcurrency = 8

// Prefetch loads key into the cache without creating a subscriber. A fresh
// cached value is returned as is; otherwise the fetch in flight for key is
// joined or a new one is started.
func Prefetch[T any](ctx context.Context, c *Client, key string, fetcher Fetcher[T], opts ...SubscriberOption) (T, error) {
	var zero T
	if fetcher == nil {
		return zero, ErrNilFetcher
	}
	if key == "" {
		return zero, ErrEmptyKey
	}
	if c.closed.Load() {
		return zero, ErrClosed
	}

	sc, err := config.NewSubscriberConfig(key, c.config, opts...)
	if err != nil {
		return zero, err
	}

	if !sc.DisableCache {
		if value, ok := c.lookup(ctx, key); ok {
			if data, err := convert[T](value); err == nil {
				return data, nil
			}
		}
	}

	rt, err := c.newRetrier(sc)
	if err != nil {
		return zero, fmt.Errorf("key %q: %w", key, err)
	}
	req := request{
		key:     key,
		ttl:     sc.TTL,
		retrier: rt,
		fetch: func(ctx context.Context) (any, error) {
			v, err := fetcher(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}

	value, err := c.await(ctx, key, c.acquire(ctx, req, false))
	if err != nil {
		return zero, err
	}
	return convert[T](value)
}

// Warmup prefetches every key in fetchers concurrently. It returns the
// first failure; the remaining fetches are cancelled.
func Warmup[T any](ctx context.Context, c *Client, fetchers map[string]Fetcher[T], opts ...SubscriberOption) error {
	keys := make([]string, 0, len(fetchers))
	for key := range fetchers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	for _, key := range keys {
		fetcher := fetchers[key]
		g.Go(func() error {
			if _, err := Prefetch(ctx, c, key, fetcher, opts...); err != nil {
				c.logger.Warn("Failed to warm up key", zap.String("key", key), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	c.logger.Info("Cache warmed up", zap.Int("keys", len(keys)))
	return nil
}
