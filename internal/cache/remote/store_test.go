package remote_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"goflare.io/swr/internal/cache/remote"
	"goflare.io/swr/internal/cache/store"
	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/models"
	"goflare.io/swr/pkg/serialization"
)

// fakeRedis implements the handful of commands the remote tier issues.
// Any other command panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu    sync.Mutex
	data  map[string][]byte
	gets  int
	scans int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gets++
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data[key] = value.([]byte)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scans++
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for key := range f.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeRedis) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func newRemote(t *testing.T, client redis.Cmdable, codec string, opts ...config.Option) *remote.Store {
	t.Helper()

	cfg, err := config.NewConfig(opts...)
	require.NoError(t, err)
	cfg.RemoteConfig.Client = client

	enc, dec, err := serialization.Lookup(codec)
	require.NoError(t, err)
	cfg.Serialization = config.SerializationConfig{Type: codec, Encoder: enc, Decoder: dec}

	s, err := remote.New(context.Background(), store.NewMemory(), cfg.RemoteConfig, cfg.Serialization, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func refreshEvery(interval time.Duration) config.Option {
	return func(cfg *config.Config) error {
		cfg.RemoteConfig.BloomFilterSettings.RefreshInterval = interval
		return nil
	}
}

type product struct {
	Count int
}

func TestNew_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := remote.New(context.Background(), store.NewMemory(), config.RemoteConfig{}, config.SerializationConfig{}, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestStore(t *testing.T) {
	t.Parallel()

	for _, codec := range []string{serialization.JSONType, serialization.GobType} {
		t.Run(codec+" shares values across processes", func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			client := newFakeRedis()
			writer := newRemote(t, client, codec)
			writer.Set(ctx, models.NewEntry("products", product{Count: 1}, time.Minute))

			// a second process with an empty local tier
			reader := newRemote(t, client, codec)
			entry, ok := reader.Get(ctx, "products")
			require.True(t, ok)

			enc, ok := entry.Value.(*models.Encoded)
			require.True(t, ok)

			var got product
			require.NoError(t, enc.DecodeInto(&got))
			require.Equal(t, product{Count: 1}, got)
		})
	}

	t.Run("bloom filter skips unknown keys", func(t *testing.T) {
		t.Parallel()

		client := newFakeRedis()
		s := newRemote(t, client, serialization.JSONType)

		_, ok := s.Get(context.Background(), "never-written")
		require.False(t, ok)
		require.Zero(t, client.getCount())
	})

	t.Run("reader opened before the writer sees its keys", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		client := newFakeRedis()
		reader := newRemote(t, client, serialization.JSONType, refreshEvery(time.Millisecond))
		writer := newRemote(t, client, serialization.JSONType)
		writer.Set(ctx, models.NewEntry("late", "v", time.Minute))

		time.Sleep(2 * time.Millisecond)
		entry, ok := reader.Get(ctx, "late")
		require.True(t, ok)
		require.Equal(t, 1, client.getCount())

		enc, ok := entry.Value.(*models.Encoded)
		require.True(t, ok)
		var got string
		require.NoError(t, enc.DecodeInto(&got))
		require.Equal(t, "v", got)
	})

	t.Run("fresh filter negatives skip the rebuild", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		client := newFakeRedis()
		s := newRemote(t, client, serialization.JSONType, refreshEvery(time.Hour))
		scans := client.scanCount()

		for range 3 {
			_, ok := s.Get(ctx, "never-written")
			require.False(t, ok)
		}
		require.Equal(t, scans, client.scanCount())
		require.Zero(t, client.getCount())
	})

	t.Run("stale filter negative rebuilds once", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		client := newFakeRedis()
		s := newRemote(t, client, serialization.JSONType, refreshEvery(time.Nanosecond))
		scans := client.scanCount()

		_, ok := s.Get(ctx, "never-written")
		require.False(t, ok)
		require.Equal(t, scans+1, client.scanCount())
		require.Zero(t, client.getCount(), "a key missing after the rebuild is not fetched")
	})

	t.Run("local hit avoids redis", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		client := newFakeRedis()
		s := newRemote(t, client, serialization.JSONType)
		s.Set(ctx, models.NewEntry("k", "v", time.Minute))

		entry, ok := s.Get(ctx, "k")
		require.True(t, ok)
		require.Equal(t, "v", entry.Value)
		require.Zero(t, client.getCount())
	})

	t.Run("delete clear and keys", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		client := newFakeRedis()
		client.data["other:untouched"] = []byte("x")

		s := newRemote(t, client, serialization.JSONType)
		s.Set(ctx, models.NewEntry("a", 1, time.Minute))
		s.Set(ctx, models.NewEntry("b", 2, time.Minute))
		require.Equal(t, []string{"a", "b"}, s.Keys(ctx))

		s.Delete(ctx, "a")
		require.Equal(t, []string{"b"}, s.Keys(ctx))

		s.Clear(ctx)
		require.Empty(t, s.Keys(ctx))
		require.Contains(t, client.data, "other:untouched")
		require.NoError(t, s.Close())
	})
}
