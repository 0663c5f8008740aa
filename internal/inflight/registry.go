// Package inflight tracks the single outstanding fetch per key.
//
// Calls are executed through a singleflight.Group. Every registration gets
// a generation number drawn from a registry-wide counter, so a result
// produced by a superseded registration can be recognised and kept out of
// the cache. A key's generation is only remembered while its newest call is
// registered.
// Each call runs under its own context, which is cancelled once every
// waiter has given up on it.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotInFlight is returned by Join when no call is running for the key.
	ErrNotInFlight = errors.New("no fetch in flight for key")
	// ErrPanicked wraps a panic raised by an operation.
	ErrPanicked = errors.New("fetch operation panicked")
)

// Operation is the shared work for a key. gen identifies the registration
// that started it.
type Operation func(ctx context.Context, gen uint64) (any, error)

// Result is what a waiter receives from a Call.
type Result struct {
	Value  any
	Err    error
	Shared bool
	Gen    uint64
}

type flight struct {
	gen     uint64
	waiters int
	cancel  context.CancelFunc
}

// Registry maps keys to their in-flight call.
type Registry struct {
	mu      sync.Mutex
	group   singleflight.Group
	flights map[string]*flight
	gens    map[string]uint64
	next    uint64
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		flights: make(map[string]*flight),
		gens:    make(map[string]uint64),
		logger:  logger,
	}
}

// IsOngoing reports whether a call is registered for key.
func (r *Registry) IsOngoing(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[key]
	return ok
}

// Len returns the number of keys with a call in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}

// Generation returns the generation of the newest call registered for key,
// zero once that call has left the registry.
func (r *Registry) Generation(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[key]
}

// Register starts op as the call for key and returns the caller's handle.
// A call already registered for key is superseded: it keeps running for its
// own waiters but later joiners attach to the new one.
//
// op runs under a context that carries ctx's values but not its
// cancellation; it is cancelled when the last waiter abandons the call.
func (r *Registry) Register(ctx context.Context, key string, op Operation) *Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(ctx, key, op)
}

// Acquire joins the call running for key, or registers op when there is
// none. The check and the registration are atomic, so concurrent callers
// for the same key end up sharing one call.
func (r *Registry) Acquire(ctx context.Context, key string, op Operation) (call *Call, joined bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if call, err := r.join(key); err == nil {
		return call, true
	}
	return r.register(ctx, key, op), false
}

func (r *Registry) register(ctx context.Context, key string, op Operation) *Call {
	r.next++
	gen := r.next
	r.gens[key] = gen

	if old, ok := r.flights[key]; ok {
		r.logger.Debug("Superseding in-flight fetch",
			zap.String("key", key),
			zap.Uint64("old_gen", old.gen),
			zap.Uint64("gen", gen))
	}
	// A settled call may linger in the group until its function returns;
	// forgetting it guarantees op below actually runs.
	r.group.Forget(key)

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	fl := &flight{gen: gen, waiters: 1, cancel: cancel}
	r.flights[key] = fl

	ch := r.group.DoChan(key, func() (value any, err error) {
		defer r.Unregister(key, gen)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("%w: %v", ErrPanicked, p)
			}
		}()
		return op(callCtx, gen)
	})

	return &Call{registry: r, key: key, flight: fl, ch: ch}
}

// Join attaches to the call running for key. It returns ErrNotInFlight when
// there is none; a failure of the joined call reaches every joiner.
func (r *Registry) Join(key string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.join(key)
}

func (r *Registry) join(key string) (*Call, error) {
	fl, ok := r.flights[key]
	if !ok {
		return nil, ErrNotInFlight
	}
	fl.waiters++

	// The registered function only removes its flight under r.mu, so while
	// r.mu is held the singleflight call for key is still live and this
	// function is never executed.
	ch := r.group.DoChan(key, func() (any, error) {
		return nil, ErrNotInFlight
	})
	return &Call{registry: r, key: key, flight: fl, ch: ch}, nil
}

// Unregister removes the slot for key if it still belongs to gen. Calls
// invoke it when they settle, so callers rarely need it directly.
func (r *Registry) Unregister(key string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fl, ok := r.flights[key]; ok && fl.gen == gen {
		delete(r.flights, key)
	}
	r.forget(key, gen)
}

// forget drops the generation of key once its newest call is gone. Older
// calls still running hold smaller generations and keep failing Commit.
func (r *Registry) forget(key string, gen uint64) {
	if r.gens[key] == gen {
		delete(r.gens, key)
	}
}

// Commit runs fn only if gen is still the newest registration for key. The
// check and fn happen atomically with respect to Register.
func (r *Registry) Commit(key string, gen uint64, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gens[key] != gen {
		r.logger.Debug("Discarding superseded fetch result",
			zap.String("key", key),
			zap.Uint64("gen", gen),
			zap.Uint64("latest", r.gens[key]))
		return false
	}
	fn()
	return true
}

// release drops one waiter. The last waiter to leave cancels the call and
// frees the slot so new requesters start a fresh call.
func (r *Registry) release(key string, fl *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl.waiters--
	if fl.waiters > 0 {
		return
	}

	r.logger.Debug("All waiters left, cancelling fetch", zap.String("key", key), zap.Uint64("gen", fl.gen))
	fl.cancel()
	if cur, ok := r.flights[key]; ok && cur == fl {
		delete(r.flights, key)
		r.group.Forget(key)
	}
	r.forget(key, fl.gen)
}

func (r *Registry) done(fl *flight) {
	r.mu.Lock()
	fl.waiters--
	r.mu.Unlock()
}

// Call is a waiter's handle on an in-flight operation.
type Call struct {
	registry *Registry
	key      string
	flight   *flight
	ch       <-chan singleflight.Result
	once     sync.Once
	result   Result
}

// Gen returns the generation of the call.
func (c *Call) Gen() uint64 {
	return c.flight.gen
}

// Wait blocks until the call settles or ctx is done. Leaving through ctx
// counts as abandoning the call. Wait may be called more than once; later
// calls return the first outcome.
func (c *Call) Wait(ctx context.Context) Result {
	c.once.Do(func() {
		select {
		case res := <-c.ch:
			c.registry.done(c.flight)
			c.result = Result{Value: res.Val, Err: res.Err, Shared: res.Shared, Gen: c.flight.gen}
		case <-ctx.Done():
			c.registry.release(c.key, c.flight)
			c.result = Result{Err: ctx.Err(), Gen: c.flight.gen}
		}
	})
	return c.result
}
