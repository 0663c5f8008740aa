package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/models"
	"goflare.io/swr/internal/retrier"
)

// Fetcher loads the value for a key. It should honour ctx cancellation.
type Fetcher[T any] func(ctx context.Context) (T, error)

// SubscriberOption 設置單個訂閱者的選項
type SubscriberOption = config.SubscriberOption

// WithTTL 設置此訂閱者寫入快取時使用的過期時間
func WithTTL(ttl time.Duration) SubscriberOption {
	return func(sc *config.SubscriberConfig) {
		sc.TTL = ttl
	}
}

// WithRetry 設置最大嘗試次數與基礎延遲
func WithRetry(attempts int, delay time.Duration) SubscriberOption {
	return func(sc *config.SubscriberConfig) {
		sc.RetryAttempts = attempts
		sc.RetryDelay = delay
	}
}

// WithInitialData seeds the subscriber's state before the first fetch. The
// value must have the subscriber's type.
func WithInitialData(data any) SubscriberOption {
	return func(sc *config.SubscriberConfig) {
		sc.InitialData = data
		sc.HasInitialData = true
	}
}

// WithDisableCache 跳過快取讀取，每次都呼叫 fetcher；成功結果仍會寫入快取
func WithDisableCache() SubscriberOption {
	return func(sc *config.SubscriberConfig) {
		sc.DisableCache = true
	}
}

// WithFocusRevalidation overrides the client default for focus revalidation.
func WithFocusRevalidation(enabled bool) SubscriberOption {
	return func(sc *config.SubscriberConfig) {
		sc.RevalidateOnFocus = enabled
	}
}

// WithRevalidateInterval 設置定時重新驗證的間隔，0 表示關閉
func WithRevalidateInterval(interval time.Duration) SubscriberOption {
	return func(sc *config.SubscriberConfig) {
		sc.RevalidateInterval = interval
	}
}

// Status is the position of a subscriber in its fetch life cycle.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a snapshot of what a subscriber knows about its key. A failed
// refresh sets Err but leaves the last good Data in place.
type State[T any] struct {
	Data    T
	HasData bool
	Loading bool
	Err     error
}

// Status derives the life-cycle status from the snapshot.
func (s State[T]) Status() Status {
	switch {
	case s.Loading:
		return StatusLoading
	case s.Err != nil:
		return StatusError
	case s.HasData:
		return StatusSuccess
	default:
		return StatusIdle
	}
}

// Subscriber is one consumer of a cached key. It fetches on creation,
// revalidates on focus or on a timer when configured, and stops all of its
// background work on Close.
type Subscriber[T any] struct {
	client  *Client
	fetcher Fetcher[T]
	config  config.SubscriberConfig
	retrier *retrier.Retrier
	logger  *zap.Logger

	mu       sync.Mutex
	state    State[T]
	pending  int
	mounted  bool
	watchers *listeners

	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopAfter  func() bool
	unlisten   func()
	unregister func()
}

// Subscribe creates a subscriber for key and starts its mount fetch in the
// background. The subscriber is closed when ctx is done, when Close is
// called, or when the client is closed.
func Subscribe[T any](ctx context.Context, c *Client, key string, fetcher Fetcher[T], opts ...SubscriberOption) (*Subscriber[T], error) {
	if fetcher == nil {
		return nil, ErrNilFetcher
	}
	if key == "" {
		return nil, ErrEmptyKey
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sc, err := config.NewSubscriberConfig(key, c.config, opts...)
	if err != nil {
		return nil, err
	}
	rt, err := c.newRetrier(sc)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, err)
	}

	s := &Subscriber[T]{
		client:   c,
		fetcher:  fetcher,
		config:   sc,
		retrier:  rt,
		logger:   c.logger.With(zap.String("key", key)),
		mounted:  true,
		watchers: newListeners(),
		unlisten: func() {},
	}
	if sc.HasInitialData {
		data, err := convert[T](sc.InitialData)
		if err != nil {
			return nil, fmt.Errorf("initial data for key %q: %w", key, err)
		}
		s.state.Data = data
		s.state.HasData = true
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.unregister = c.subscribers.add(s.Close)
	if sc.RevalidateOnFocus {
		s.unlisten = c.focus.add(func() {
			s.spawn(func(ctx context.Context) { s.revalidate(ctx, "focus") })
		})
	}
	s.stopAfter = context.AfterFunc(ctx, s.Close)
	s.mu.Unlock()

	if c.closed.Load() {
		s.Close()
		return nil, ErrClosed
	}

	if sc.RevalidateInterval > 0 {
		s.spawn(s.tick)
	}
	s.spawn(func(ctx context.Context) { s.revalidate(ctx, "mount") })

	s.logger.Debug("Subscriber mounted",
		zap.Duration("ttl", sc.TTL),
		zap.Bool("revalidate_on_focus", sc.RevalidateOnFocus),
		zap.Duration("revalidate_interval", sc.RevalidateInterval))
	return s, nil
}

// Key returns the key the subscriber reads and writes.
func (s *Subscriber[T]) Key() string {
	return s.config.Key
}

// State returns a snapshot of the current state.
func (s *Subscriber[T]) State() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watch registers fn to run after every state change and returns the
// function that unregisters it. fn runs on the goroutine that changed the
// state and must not call Close.
func (s *Subscriber[T]) Watch(fn func(State[T])) (cancel func()) {
	return s.watchers.add(func() { fn(s.State()) })
}

// FetchData serves the key from the cache when a fresh entry exists and
// force is false. Otherwise it joins the fetch already in flight for the
// key, or starts one, and waits for it. A forced fetch always starts a new
// call; results of the call it supersedes are kept out of the cache, and
// that call's waiters take the newer result.
//
// The returned error is also recorded in the state, except when the wait
// was cut short by ctx or by Close.
func (s *Subscriber[T]) FetchData(ctx context.Context, force bool) error {
	if !s.isMounted() {
		return ErrClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()

	ctx, span := s.client.tracer.Start(ctx, "Subscriber.FetchData", trace.WithAttributes(
		attribute.String("key", s.config.Key),
		attribute.Bool("force", force),
	))
	defer span.End()

	if !force && !s.config.DisableCache {
		if value, ok := s.client.lookup(ctx, s.config.Key); ok {
			data, err := convert[T](value)
			if err == nil {
				span.SetAttributes(attribute.Bool("cache_hit", true))
				s.update(func(st *State[T]) {
					st.Data = data
					st.HasData = true
					st.Err = nil
				})
				return nil
			}
			s.logger.Warn("Ignoring unusable cached value", zap.Error(err))
		}
	}

	s.update(func(*State[T]) { s.pending++ })
	call := s.client.acquire(ctx, s.request(), force)

	value, err := s.client.await(ctx, s.config.Key, call)
	var data T
	if err == nil {
		data, err = convert[T](value)
	}

	s.update(func(st *State[T]) {
		s.pending--
		switch {
		case err == nil:
			st.Data = data
			st.HasData = true
			st.Err = nil
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			// abandoned; the previous outcome stands
		default:
			st.Err = err
		}
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Refetch forces a new fetch, bypassing the cache and any call in flight.
func (s *Subscriber[T]) Refetch(ctx context.Context) error {
	return s.FetchData(ctx, true)
}

// Mutate replaces the value locally and in the cache without calling the
// fetcher.
func (s *Subscriber[T]) Mutate(ctx context.Context, data T) error {
	if !s.isMounted() {
		return ErrClosed
	}
	s.client.store.Set(ctx, models.NewEntry(s.config.Key, data, s.config.TTL))
	s.update(func(st *State[T]) {
		st.Data = data
		st.HasData = true
		st.Err = nil
	})
	s.logger.Debug("Mutated cached value")
	return nil
}

// ClearCache removes the key from the cache. The subscriber keeps its
// current data until the next fetch.
func (s *Subscriber[T]) ClearCache(ctx context.Context) {
	s.client.store.Delete(ctx, s.config.Key)
}

// Close unmounts the subscriber: listeners and timers are removed, waits in
// progress are abandoned and later results no longer touch the state. It
// blocks until the subscriber's background goroutines have returned.
func (s *Subscriber[T]) Close() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false
	stop, unlisten, unregister := s.stopAfter, s.unlisten, s.unregister
	s.mu.Unlock()

	stop()
	unlisten()
	unregister()
	s.cancel()
	s.wg.Wait()
	s.logger.Debug("Subscriber closed")
}

func (s *Subscriber[T]) request() request {
	return request{
		key:     s.config.Key,
		ttl:     s.config.TTL,
		retrier: s.retrier,
		fetch: func(ctx context.Context) (any, error) {
			v, err := s.fetcher(ctx)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

func (s *Subscriber[T]) isMounted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mounted
}

// update applies fn to the state if the subscriber is still mounted and
// notifies watchers.
func (s *Subscriber[T]) update(fn func(*State[T])) {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	fn(&s.state)
	s.state.Loading = s.pending > 0
	s.mu.Unlock()

	for _, notify := range s.watchers.snapshot() {
		notify()
	}
}

// bind derives a context that is also cancelled when the subscriber closes.
func (s *Subscriber[T]) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// spawn runs fn in a goroutine tracked by Close. It does nothing once the
// subscriber is closed.
func (s *Subscriber[T]) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mounted {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Subscriber[T]) tick(ctx context.Context) {
	ticker := time.NewTicker(s.config.RevalidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.revalidate(ctx, "interval")
		}
	}
}

func (s *Subscriber[T]) revalidate(ctx context.Context, trigger string) {
	if err := s.FetchData(ctx, false); err != nil && ctx.Err() == nil {
		s.logger.Debug("Revalidation failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// convert turns a cached or fetched value into T. Values read from the
// remote tier arrive encoded and are decoded here.
func convert[T any](v any) (T, error) {
	var zero T
	switch val := v.(type) {
	case *models.Encoded:
		var out T
		if err := val.DecodeInto(&out); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		return out, nil
	case T:
		return val, nil
	case nil:
		return zero, nil
	default:
		return zero, fmt.Errorf("%w: have %T, want %T", ErrTypeMismatch, v, zero)
	}
}
