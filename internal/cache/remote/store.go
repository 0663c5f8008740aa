// Package remote layers a redis tier under a local store so several
// processes can share fetched values.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/swr/internal/cache/store"
	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/models"
	"goflare.io/swr/pkg/serialization"
)

const scanCount = 1000

// wireEntry is the redis representation of a models.Entry. Data holds the
// value encoded with the configured serializer.
type wireEntry struct {
	Timestamp time.Time
	TTL       time.Duration
	Data      []byte
}

// Store is a two-level store: reads go to the local store first, then to
// redis. Redis failures are logged and treated as misses.
type Store struct {
	local   store.Store
	client  redis.Cmdable
	prefix  string
	encoder func(io.Writer) serialization.Encoder
	decoder func(io.Reader) serialization.Decoder
	filter  *BloomFilter
	logger  *zap.Logger
}

// New creates a Store and seeds its bloom filter from the keys already
// present in redis under the configured prefix.
func New(ctx context.Context, local store.Store, rc config.RemoteConfig, sc config.SerializationConfig, logger *zap.Logger) (*Store, error) {
	if rc.Client == nil {
		return nil, errors.New("remote tier requires a redis client")
	}

	s := &Store{
		local:   local,
		client:  rc.Client,
		prefix:  rc.Prefix,
		encoder: sc.Encoder,
		decoder: sc.Decoder,
		filter:  NewBloomFilter(rc.BloomFilterSettings),
		logger:  logger,
	}

	if err := s.filter.Rebuild(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get retrieves a value from the local store, falling back to redis. Values
// read from redis come back as *models.Encoded.
func (s *Store) Get(ctx context.Context, key string) (*models.Entry, bool) {
	if entry, ok := s.local.Get(ctx, key); ok {
		return entry, true
	}

	if !s.filter.Test(key) && !s.recheck(ctx, key) {
		s.logger.Debug("Bloom filter negative for key", zap.String("key", key))
		return nil, false
	}

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Failed to read remote cache", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	entry, err := s.decodeEntry(key, data)
	if err != nil {
		s.logger.Warn("Failed to decode remote entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if entry.IsExpired() {
		return nil, false
	}

	s.local.Set(ctx, entry)
	return entry, true
}

// recheck refreshes a stale filter after a negative so keys written by
// other processes become visible, then tests key again.
func (s *Store) recheck(ctx context.Context, key string) bool {
	refreshed, err := s.filter.Refresh(ctx, s)
	if err != nil {
		s.logger.Warn("Failed to refresh bloom filter", zap.String("key", key), zap.Error(err))
		return false
	}
	return refreshed && s.filter.Test(key)
}

// Set writes through to both tiers.
func (s *Store) Set(ctx context.Context, entry *models.Entry) {
	s.local.Set(ctx, entry)

	ttl := entry.Remaining()
	if ttl <= 0 {
		return
	}

	data, err := s.encodeEntry(entry)
	if err != nil {
		s.logger.Warn("Failed to encode entry for remote cache", zap.String("key", entry.Key), zap.Error(err))
		return
	}

	if err := s.client.Set(ctx, s.prefix+entry.Key, data, ttl).Err(); err != nil {
		s.logger.Warn("Failed to set remote cache", zap.String("key", entry.Key), zap.Error(err))
		return
	}
	s.filter.Add(entry.Key)
}

// Delete removes key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) {
	s.local.Delete(ctx, key)
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		s.logger.Warn("Failed to delete key from remote cache", zap.String("key", key), zap.Error(err))
	}
}

// Clear removes every key under the prefix. Keys outside the prefix are
// left alone.
func (s *Store) Clear(ctx context.Context) {
	s.local.Clear(ctx)

	err := s.scan(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		s.logger.Warn("Failed to clear remote cache", zap.Error(err))
	}
	s.filter.Reset()
}

// Keys returns the union of local and remote keys.
func (s *Store) Keys(ctx context.Context) []string {
	seen := make(map[string]struct{})
	for _, key := range s.local.Keys(ctx) {
		seen[key] = struct{}{}
	}

	err := s.scan(ctx, func(keys []string) error {
		for _, key := range keys {
			seen[strings.TrimPrefix(key, s.prefix)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to scan remote cache keys", zap.Error(err))
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close closes the local tier. The redis client belongs to the caller.
func (s *Store) Close() error {
	return s.local.Close()
}

func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanCount).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys from remote cache: %w", err)
		}
		if err := fn(keys); err != nil {
			return err
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) encodeEntry(entry *models.Entry) ([]byte, error) {
	var payload []byte
	if enc, ok := entry.Value.(*models.Encoded); ok {
		payload = enc.Data
	} else {
		data, err := serialization.Marshal(s.encoder, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value: %w", err)
		}
		payload = data
	}

	return serialization.Marshal(s.encoder, wireEntry{
		Timestamp: entry.Timestamp,
		TTL:       entry.TTL,
		Data:      payload,
	})
}

func (s *Store) decodeEntry(key string, data []byte) (*models.Entry, error) {
	var w wireEntry
	if err := serialization.Unmarshal(s.decoder, data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &models.Entry{
		Key:       key,
		Value:     &models.Encoded{Data: w.Data, Decoder: s.decoder},
		Timestamp: w.Timestamp,
		TTL:       w.TTL,
	}, nil
}
