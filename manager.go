package swr

import (
	"context"

	"go.uber.org/zap"

	"goflare.io/swr/internal/utils"
)

// Manager is the administrative view over a Client's cache.
type Manager struct {
	client *Client
}

// Stats 快取統計資訊
type Stats struct {
	Size        int
	Keys        []string
	InFlight    int
	Subscribers int

	Hits     int64
	Misses   int64
	Fetches  int64
	Joins    int64
	Retries  int64
	Failures int64
}

// ClearAllCache removes every entry. Subscribers keep their current data.
func (m *Manager) ClearAllCache(ctx context.Context) {
	m.client.store.Clear(ctx)
	m.client.logger.Info("Cleared all cache entries")
}

// ClearCacheByPattern removes every key containing pattern and returns how
// many were removed. An empty pattern matches every key.
func (m *Manager) ClearCacheByPattern(ctx context.Context, pattern string) int {
	removed := 0
	for _, key := range m.client.store.Keys(ctx) {
		if utils.MatchPattern(key, pattern) {
			m.client.store.Delete(ctx, key)
			removed++
		}
	}
	m.client.logger.Info("Cleared cache entries by pattern",
		zap.String("pattern", pattern),
		zap.Int("removed", removed))
	return removed
}

// GetCacheStats returns the stored keys and the client's counters. Keys
// may include entries that have expired but were not read since.
func (m *Manager) GetCacheStats(ctx context.Context) Stats {
	keys := m.client.store.Keys(ctx)
	metrics := m.client.metrics
	return Stats{
		Size:        len(keys),
		Keys:        keys,
		InFlight:    m.client.registry.Len(),
		Subscribers: m.client.subscribers.count(),
		Hits:        metrics.Hits.Load(),
		Misses:      metrics.Misses.Load(),
		Fetches:     metrics.Fetches.Load(),
		Joins:       metrics.Joins.Load(),
		Retries:     metrics.Retries.Load(),
		Failures:    metrics.Failures.Load(),
	}
}

// ResetStats zeroes the counters reported by GetCacheStats.
func (m *Manager) ResetStats() {
	m.client.metrics.Reset()
}
