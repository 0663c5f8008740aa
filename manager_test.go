package swr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goflare.io/swr"
)

func seed(t *testing.T, c *swr.Client, keys ...string) {
	t.Helper()

	fetchers := make(map[string]swr.Fetcher[string], len(keys))
	for _, key := range keys {
		fetchers[key] = func(context.Context) (string, error) { return "value:" + key, nil }
	}
	require.NoError(t, swr.Warmup(context.Background(), c, fetchers, swr.WithTTL(time.Hour)))
}

func TestManager_ClearAllCache(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	ctx := context.Background()
	seed(t, c, "users:1", "users:2", "products")

	m := c.Manager()
	require.Equal(t, 3, m.GetCacheStats(ctx).Size)

	m.ClearAllCache(ctx)
	stats := m.GetCacheStats(ctx)
	require.Zero(t, stats.Size)
	require.Empty(t, stats.Keys)
}

func TestManager_ClearCacheByPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		removed int
		left    []string
	}{
		{name: "prefix", pattern: "users:", removed: 2, left: []string{"products"}},
		{name: "substring", pattern: "duct", removed: 1, left: []string{"users:1", "users:2"}},
		{name: "no match", pattern: "orders", removed: 0, left: []string{"products", "users:1", "users:2"}},
		{name: "empty matches all", pattern: "", removed: 3, left: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newClient(t)
			ctx := context.Background()
			seed(t, c, "users:1", "users:2", "products")

			m := c.Manager()
			require.Equal(t, tt.removed, m.ClearCacheByPattern(ctx, tt.pattern))
			require.Equal(t, tt.left, m.GetCacheStats(ctx).Keys)
		})
	}
}

func TestManager_GetCacheStats(t *testing.T) {
	t.Parallel()

	c := newClient(t)
	ctx := context.Background()
	m := c.Manager()

	s, err := swr.Subscribe(ctx, c, "b", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	settled(t, s)
	require.NoError(t, s.FetchData(ctx, false))
	seed(t, c, "a")

	stats := m.GetCacheStats(ctx)
	require.Equal(t, 2, stats.Size)
	require.Equal(t, []string{"a", "b"}, stats.Keys)
	require.Equal(t, 1, stats.Subscribers)
	require.Zero(t, stats.InFlight)
	require.Equal(t, int64(2), stats.Fetches)
	require.GreaterOrEqual(t, stats.Hits, int64(1))
	require.GreaterOrEqual(t, stats.Misses, int64(2))

	m.ResetStats()
	stats = m.GetCacheStats(ctx)
	require.Zero(t, stats.Hits)
	require.Zero(t, stats.Misses)
	require.Zero(t, stats.Fetches)
	require.Equal(t, 2, stats.Size, "reset only touches counters")
}
