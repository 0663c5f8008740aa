// Package limited provides a bounded local store backed by Ristretto. When
// the store is full, Ristretto's admission policy decides which keys stay.
package limited

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"goflare.io/swr/internal/models"
)

const bufferItems = 64

// Store implements store.Store using Ristretto, with a Tracker recording
// the keys that were written so they can be listed.
type Store struct {
	cache   *ristretto.Cache[string, *models.Entry]
	tracker *Tracker
	logger  *zap.Logger
}

// New creates a Store holding at most maxEntries entries.
func New(maxEntries uint64, logger *zap.Logger) (*Store, error) {
	if maxEntries == 0 {
		return nil, fmt.Errorf("max entries must be greater than 0")
	}
	numCounters := int64(math.Min(float64(10*maxEntries), float64(math.MaxInt64)))
	maxCost := int64(math.Min(float64(maxEntries), float64(math.MaxInt64)))

	c, err := ristretto.NewCache(&ristretto.Config[string, *models.Entry]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		// each entry costs 1, so MaxCost is an entry count
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Ristretto cache: %w", err)
	}

	return &Store{
		cache:   c,
		tracker: NewTracker(logger),
		logger:  logger,
	}, nil
}

// Get retrieves a fresh entry. Expired entries are deleted on read.
func (s *Store) Get(ctx context.Context, key string) (*models.Entry, bool) {
	entry, found := s.cache.Get(key)
	if !found {
		return nil, false
	}
	if entry.IsExpired() {
		s.Delete(ctx, key)
		return nil, false
	}
	return entry, true
}

// Set stores the entry and waits until it is visible to readers.
func (s *Store) Set(ctx context.Context, entry *models.Entry) {
	// Ristretto drops its own copy at TTL; staleness is still decided by
	// the entry timestamp on read.
	ttl := entry.Remaining()
	if ttl <= 0 {
		return
	}
	if !s.cache.SetWithTTL(entry.Key, entry, 1, ttl) {
		s.logger.Warn("Ristretto SetWithTTL rejected entry", zap.String("key", entry.Key))
		return
	}
	s.cache.Wait()
	s.tracker.Add(ctx, entry.Key)
}

// Delete removes a cache entry and stops tracking the key.
func (s *Store) Delete(ctx context.Context, key string) {
	s.cache.Del(key)
	s.tracker.Remove(ctx, key)
}

// Clear clears the entire cache and stops tracking all keys.
func (s *Store) Clear(ctx context.Context) {
	s.cache.Clear()
	s.tracker.Range(ctx, func(key string) bool {
		s.tracker.Remove(ctx, key)
		return true
	})
}

// Keys returns keys still held by Ristretto. Keys it evicted on its own are
// dropped from the tracker here.
func (s *Store) Keys(ctx context.Context) []string {
	var keys []string
	s.tracker.Range(ctx, func(key string) bool {
		if _, found := s.cache.Get(key); !found {
			s.tracker.Remove(ctx, key)
			return true
		}
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Close closes the underlying Ristretto cache.
func (s *Store) Close() error {
	s.cache.Close()
	return nil
}
