// Package store defines the cache storage contract and the default
// map-backed implementation with lazy, read-time expiry.
package store

import (
	"context"
	"sort"
	"sync"

	"goflare.io/swr/internal/models"
)

// Store defines the interface for cache storage. Reads never fail: a miss
// or an expired entry both report false.
type Store interface {
	Get(ctx context.Context, key string) (*models.Entry, bool)
	Set(ctx context.Context, entry *models.Entry)
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
	Keys(ctx context.Context) []string
	Close() error
}

// Memory is an unbounded map store. Expired entries are evicted only when
// they are read; there is no background sweeper.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*models.Entry
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*models.Entry)}
}

// Get returns the entry for key if it is still fresh.
func (m *Memory) Get(_ context.Context, key string) (*models.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.IsExpired() {
		delete(m.entries, key)
		return nil, false
	}
	return entry, true
}

// Set inserts or overwrites the entry under entry.Key.
func (m *Memory) Set(_ context.Context, entry *models.Entry) {
	m.mu.Lock()
	m.entries[entry.Key] = entry
	m.mu.Unlock()
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Clear removes every entry.
func (m *Memory) Clear(_ context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]*models.Entry)
	m.mu.Unlock()
}

// Keys returns the stored keys in sorted order, including expired entries
// that have not been read since they went stale.
func (m *Memory) Keys(_ context.Context) []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (m *Memory) Close() error { return nil }
