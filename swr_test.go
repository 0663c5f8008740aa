package swr_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"goflare.io/swr"
	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/resilience"
	"goflare.io/swr/internal/retrier"
	"goflare.io/swr/pkg/serialization"
)

// sharedRedis backs two clients with the same key space.
type sharedRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string][]byte
}

func (f *sharedRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *sharedRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *sharedRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *sharedRedis) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.data {
		if strings.HasPrefix(key, strings.TrimSuffix(match, "*")) {
			keys = append(keys, key)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func TestNew_Options(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name string
		opt  swr.Option
		err  error
	}{
		{name: "zero ttl", opt: swr.WithDefaultTTL(0), err: config.ErrInvalidTTL},
		{name: "zero attempts", opt: swr.WithRetryAttempts(0), err: config.ErrInvalidRetryAttempts},
		{name: "negative delay", opt: swr.WithRetryDelay(-time.Second), err: config.ErrInvalidRetryDelay},
		{name: "unknown strategy", opt: swr.WithRetryStrategy(swr.BackoffStrategy(42), 0), err: config.ErrInvalidRetryStrategy},
		{name: "shrinking factor", opt: swr.WithRetryStrategy(swr.ExponentialBackoff, 0.5), err: retrier.ErrInvalidFactor},
		{name: "zero shards", opt: func(cfg *config.Config) error {
			cfg.ResilienceConfig.EnableCircuitBreaker = true
			cfg.ResilienceConfig.ShardCount = 0
			return nil
		}, err: config.ErrShardCountZero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := swr.New(ctx, tt.opt)
			require.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("unknown serializer", func(t *testing.T) {
		t.Parallel()

		_, err := swr.New(ctx, swr.WithSerialization("yaml"))
		require.Error(t, err)
	})

	t.Run("nil redis client", func(t *testing.T) {
		t.Parallel()

		_, err := swr.New(ctx, swr.WithRemote(nil, ""))
		require.Error(t, err)
	})

	t.Run("invalid bloom filter", func(t *testing.T) {
		t.Parallel()

		_, err := swr.New(ctx, swr.WithBloomFilter(0, 0.01))
		require.Error(t, err)
	})
}

func TestClient_BoundedLocalStore(t *testing.T) {
	t.Parallel()

	c := newClient(t, swr.WithMaxLocalEntries(100))
	ctx := context.Background()

	v, err := swr.Prefetch(ctx, c, "bounded", func(context.Context) (string, error) { return "kept", nil })
	require.NoError(t, err)
	require.Equal(t, "kept", v)

	calls := atomic.NewInt64(0)
	v, err = swr.Prefetch(ctx, c, "bounded", counting(calls, func(context.Context) (string, error) { return "refetched", nil }))
	require.NoError(t, err)
	require.Equal(t, "kept", v)
	require.Zero(t, calls.Load())
	require.Equal(t, []string{"bounded"}, c.Manager().GetCacheStats(ctx).Keys)
}

func TestClient_RemoteTier(t *testing.T) {
	t.Parallel()

	for _, name := range []string{serialization.JSONType, serialization.GobType} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			rdb := &sharedRedis{data: make(map[string][]byte)}

			writer := newClient(t, swr.WithRemote(rdb, "test:"), swr.WithSerialization(name))
			_, err := swr.Prefetch(ctx, writer, "products", func(context.Context) (product, error) {
				return product{Count: 5}, nil
			}, swr.WithTTL(time.Hour))
			require.NoError(t, err)

			// A second client sharing redis decodes the value without fetching.
			reader := newClient(t, swr.WithRemote(rdb, "test:"), swr.WithSerialization(name))
			calls := atomic.NewInt64(0)
			s, err := swr.Subscribe(ctx, reader, "products", counting(calls, func(context.Context) (product, error) {
				return product{}, errUpstream
			}))
			require.NoError(t, err)

			st := settled(t, s)
			require.NoError(t, st.Err)
			require.Equal(t, product{Count: 5}, st.Data)
			require.Zero(t, calls.Load())

			reader.Manager().ClearAllCache(ctx)
			rdb.mu.Lock()
			require.Empty(t, rdb.data)
			rdb.mu.Unlock()
		})
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	t.Parallel()

	c := newClient(t, swr.WithCircuitBreaker(gobreaker.Settings{
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}, 1))
	ctx := context.Background()
	calls := atomic.NewInt64(0)
	failing := counting(calls, func(context.Context) (int, error) { return 0, errUpstream })

	for range 2 {
		_, err := swr.Prefetch(ctx, c, "flaky", failing, swr.WithRetry(2, 0))
		require.ErrorIs(t, err, errUpstream)
	}
	require.Equal(t, int64(4), calls.Load())

	_, err := swr.Prefetch(ctx, c, "flaky", failing, swr.WithRetry(2, 0))
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	require.Equal(t, int64(4), calls.Load(), "open breaker must not call the fetcher")
}

func TestClient_RetryPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy swr.BackoffStrategy
		factor   float64
		delays   []time.Duration
	}{
		{name: "exponential default factor", strategy: swr.ExponentialBackoff, delays: []time.Duration{1, 2, 4}},
		{name: "exponential custom factor", strategy: swr.ExponentialBackoff, factor: 3, delays: []time.Duration{1, 3, 9}},
		{name: "linear", strategy: swr.LinearBackoff, delays: []time.Duration{1, 2, 3}},
		{name: "fibonacci", strategy: swr.FibonacciBackoff, delays: []time.Duration{1, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zap.WarnLevel)
			c := newClient(t, swr.WithLogger(zap.New(core)), swr.WithRetryStrategy(tt.strategy, tt.factor))

			_, err := swr.Prefetch(context.Background(), c, "flaky", func(context.Context) (int, error) {
				return 0, errUpstream
			}, swr.WithRetry(len(tt.delays)+1, time.Millisecond))
			require.ErrorIs(t, err, errUpstream)

			retries := logs.FilterMessage("Retrying fetch").All()
			require.Len(t, retries, len(tt.delays))
			for i, entry := range retries {
				require.Equal(t, tt.delays[i]*time.Millisecond, entry.ContextMap()["delay"], "retry %d", i+1)
			}
		})
	}

	t.Run("custom classifier stops retries", func(t *testing.T) {
		t.Parallel()

		calls := atomic.NewInt64(0)
		c := newClient(t, swr.WithRetryable(func(err error) bool {
			return !errors.Is(err, errUpstream)
		}))

		_, err := swr.Prefetch(context.Background(), c, "flaky", counting(calls, func(context.Context) (int, error) {
			return 0, errUpstream
		}), swr.WithRetry(5, 0))
		require.ErrorIs(t, err, errUpstream)
		require.Equal(t, int64(1), calls.Load())
		require.Zero(t, c.Manager().GetCacheStats(context.Background()).Retries)
	})
}

func TestClient_NotifyFocusAfterClose(t *testing.T) {
	t.Parallel()

	c, err := swr.New(context.Background(), swr.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	c.NotifyFocus()
}
