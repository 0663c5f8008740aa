package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sync/singleflight"

	"goflare.io/swr/internal/config"
)

// BloomFilter guards redis round trips: a negative Test means the key was
// not in redis at the last rebuild and was not written through this tier
// since. Other processes write behind its back, so a negative is only
// trusted for RefreshInterval after a rebuild.
type BloomFilter struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	rebuilt  time.Time
	settings config.BloomFilterConfig
	rebuilds singleflight.Group
}

// NewBloomFilter creates an empty filter sized from settings.
func NewBloomFilter(settings config.BloomFilterConfig) *BloomFilter {
	return &BloomFilter{
		filter:   bloom.NewWithEstimates(settings.ExpectedItems, settings.FalsePositiveRate),
		settings: settings,
	}
}

// Add adds a key to the bloom filter.
func (bf *BloomFilter) Add(key string) {
	bf.mu.Lock()
	bf.filter.AddString(key)
	bf.mu.Unlock()
}

// Test checks if a key might be in the bloom filter.
func (bf *BloomFilter) Test(key string) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.filter.TestString(key)
}

// Stale reports whether the last rebuild is older than RefreshInterval.
// A non-positive interval never goes stale.
func (bf *BloomFilter) Stale() bool {
	if bf.settings.RefreshInterval <= 0 {
		return false
	}
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return time.Since(bf.rebuilt) >= bf.settings.RefreshInterval
}

// Refresh rebuilds the filter if it is stale. Concurrent callers share one
// rebuild. It reports whether a rebuild happened.
func (bf *BloomFilter) Refresh(ctx context.Context, s *Store) (bool, error) {
	if !bf.Stale() {
		return false, nil
	}
	_, err, _ := bf.rebuilds.Do("rebuild", func() (any, error) {
		if !bf.Stale() {
			return nil, nil
		}
		return nil, bf.Rebuild(ctx, s)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reset drops every key from the filter.
func (bf *BloomFilter) Reset() {
	bf.mu.Lock()
	bf.filter.ClearAll()
	bf.mu.Unlock()
}

// Rebuild reconstructs the filter from the keys currently held under prefix.
func (bf *BloomFilter) Rebuild(ctx context.Context, s *Store) error {
	newFilter := bloom.NewWithEstimates(bf.settings.ExpectedItems, bf.settings.FalsePositiveRate)

	err := s.scan(ctx, func(keys []string) error {
		for _, key := range keys {
			newFilter.AddString(strings.TrimPrefix(key, s.prefix))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild bloom filter: %w", err)
	}

	bf.mu.Lock()
	bf.filter = newFilter
	bf.rebuilt = time.Now()
	bf.mu.Unlock()
	return nil
}
