package models

import "go.uber.org/atomic"

// Metrics 定義指標統計
type Metrics struct {
	Hits     *atomic.Int64
	Misses   *atomic.Int64
	Fetches  *atomic.Int64
	Joins    *atomic.Int64
	Retries  *atomic.Int64
	Failures *atomic.Int64
}

// NewMetrics 創建新的 Metrics 實例
func NewMetrics() *Metrics {
	return &Metrics{
		Hits:     atomic.NewInt64(0),
		Misses:   atomic.NewInt64(0),
		Fetches:  atomic.NewInt64(0),
		Joins:    atomic.NewInt64(0),
		Retries:  atomic.NewInt64(0),
		Failures: atomic.NewInt64(0),
	}
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.Hits.Store(0)
	m.Misses.Store(0)
	m.Fetches.Store(0)
	m.Joins.Store(0)
	m.Retries.Store(0)
	m.Failures.Store(0)
}
