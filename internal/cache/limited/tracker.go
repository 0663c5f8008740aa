package limited

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Tracker tracks the keys written to a Store.
type Tracker struct {
	trackedKeys sync.Map
	logger      *zap.Logger
}

// NewTracker creates a new Tracker instance.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Add adds a key to the tracker.
func (t *Tracker) Add(_ context.Context, key string) {
	t.trackedKeys.Store(key, struct{}{})
}

// Remove removes a key from the tracker.
func (t *Tracker) Remove(_ context.Context, key string) {
	t.trackedKeys.Delete(key)
}

// Range iterates over all tracked keys until f returns false or ctx is done.
func (t *Tracker) Range(ctx context.Context, f func(key string) bool) {
	t.trackedKeys.Range(func(k, _ any) bool {
		if ctx.Err() != nil {
			return false
		}
		strKey, ok := k.(string)
		if !ok {
			t.logger.Warn("Invalid key type in Tracker", zap.Any("key", k))
			return true
		}
		return f(strKey)
	})
}
