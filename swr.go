package swr

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/swr/internal/cache/limited"
	"goflare.io/swr/internal/cache/remote"
	"goflare.io/swr/internal/cache/store"
	"goflare.io/swr/internal/config"
	"goflare.io/swr/internal/inflight"
	"goflare.io/swr/internal/models"
	"goflare.io/swr/internal/resilience"
	"goflare.io/swr/internal/retrier"
	"goflare.io/swr/pkg/serialization"
)

// Option 定義初始化 Client 的選項接口
type Option = config.Option

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config.Config) error {
		if logger != nil {
			cfg.Logger = logger
		}
		return nil
	}
}

// WithDefaultTTL 設置默認的過期時間
func WithDefaultTTL(ttl time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.DefaultTTL = ttl
		return nil
	}
}

// WithRetryAttempts 設置默認的最大嘗試次數
func WithRetryAttempts(attempts int) Option {
	return func(cfg *config.Config) error {
		cfg.RetryAttempts = attempts
		return nil
	}
}

// WithRetryDelay 設置默認的重試基礎延遲
func WithRetryDelay(delay time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.RetryDelay = delay
		return nil
	}
}

// WithMaxRetryDelay caps a single backoff interval.
func WithMaxRetryDelay(delay time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.MaxRetryDelay = delay
		return nil
	}
}

// WithRetryJitter adds up to jitter*delay of random wait to each backoff.
func WithRetryJitter(jitter float64) Option {
	return func(cfg *config.Config) error {
		cfg.RetryJitter = jitter
		return nil
	}
}

// BackoffStrategy selects how the wait between retries grows.
type BackoffStrategy = retrier.BackoffStrategy

// Backoff strategies for WithRetryStrategy. Each multiplies the retry delay:
// by factor^(n-1), by n, or by the n-th Fibonacci number before retry n+1.
const (
	ExponentialBackoff = retrier.ExponentialBackoff
	LinearBackoff      = retrier.LinearBackoff
	FibonacciBackoff   = retrier.FibonacciBackoff
)

// Permanent marks a fetcher error so it is returned without further retries.
func Permanent(err error) error {
	return retrier.Permanent(err)
}

// WithRetryStrategy 設置重試的退避策略。factor 只用於指數退避，0 表示默認值 2
func WithRetryStrategy(strategy BackoffStrategy, factor float64) Option {
	return func(cfg *config.Config) error {
		cfg.RetryStrategy = strategy
		cfg.RetryFactor = factor
		return nil
	}
}

// WithRetryable 設置判斷錯誤是否可重試的函數，取代默認的 Permanent 判斷
func WithRetryable(fn func(error) bool) Option {
	return func(cfg *config.Config) error {
		cfg.Retryable = fn
		return nil
	}
}

// WithRevalidateOnFocus sets the client-wide default for focus revalidation.
func WithRevalidateOnFocus(enabled bool) Option {
	return func(cfg *config.Config) error {
		cfg.RevalidateOnFocus = enabled
		return nil
	}
}

// WithMaxLocalEntries 使用 Ristretto 限制本地快取的項目數量
func WithMaxLocalEntries(n uint64) Option {
	return func(cfg *config.Config) error {
		cfg.MaxLocalEntries = n
		return nil
	}
}

// WithRemote 設置共享的 Redis 層
func WithRemote(client redis.Cmdable, prefix string) Option {
	return func(cfg *config.Config) error {
		if client == nil {
			return fmt.Errorf("redis client must not be nil")
		}
		cfg.RemoteConfig.Client = client
		if prefix != "" {
			cfg.RemoteConfig.Prefix = prefix
		}
		return nil
	}
}

// WithBloomFilter sizes the bloom filter that fronts the redis tier.
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(cfg *config.Config) error {
		if expectedItems == 0 || falsePositiveRate <= 0 || falsePositiveRate >= 1 {
			return fmt.Errorf("invalid bloom filter settings: %d items, %v rate", expectedItems, falsePositiveRate)
		}
		cfg.RemoteConfig.BloomFilterSettings.ExpectedItems = expectedItems
		cfg.RemoteConfig.BloomFilterSettings.FalsePositiveRate = falsePositiveRate
		return nil
	}
}

// WithBloomRefresh 設置布隆過濾器的重建間隔。過濾器重建超過 interval 後，
// 否定結果會觸發一次重建，以看見其他程序寫入的鍵；interval <= 0 時不重建
func WithBloomRefresh(interval time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.RemoteConfig.BloomFilterSettings.RefreshInterval = interval
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(serializer string) Option {
	return func(cfg *config.Config) error {
		enc, dec, err := serialization.Lookup(serializer)
		if err != nil {
			return err
		}
		cfg.Serialization = config.SerializationConfig{Type: serializer, Encoder: enc, Decoder: dec}
		return nil
	}
}

// WithCircuitBreaker 啟用按 key 分片的熔斷器
func WithCircuitBreaker(settings gobreaker.Settings, shards uint64) Option {
	return func(cfg *config.Config) error {
		cfg.ResilienceConfig.EnableCircuitBreaker = true
		cfg.ResilienceConfig.KeyCircuitBreaker = settings
		if settings.Name == "" {
			cfg.ResilienceConfig.KeyCircuitBreaker.Name = "KeyCircuitBreaker"
		}
		if shards > 0 {
			cfg.ResilienceConfig.ShardCount = shards
		}
		return nil
	}
}

// WithTracer replaces the default otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *config.Config) error {
		if tracer != nil {
			cfg.Tracer = tracer
		}
		return nil
	}
}

// Client owns the state shared by every Subscriber: the store, the
// in-flight registry, metrics and focus listeners.
type Client struct {
	config     *config.Config
	store      store.Store
	registry   *inflight.Registry
	resilience *resilience.Resilience
	metrics    *models.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger

	focus       *listeners
	subscribers *listeners
	closed      *atomic.Bool
}

// New 初始化 Client，接受多個配置選項
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg, err := config.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	s, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:      cfg,
		store:       s,
		registry:    inflight.NewRegistry(cfg.Logger),
		resilience:  resilience.New(cfg.ResilienceConfig, cfg.Logger),
		metrics:     models.NewMetrics(),
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		focus:       newListeners(),
		subscribers: newListeners(),
		closed:      atomic.NewBool(false),
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var local store.Store = store.NewMemory()
	if cfg.MaxLocalEntries > 0 {
		lc, err := limited.New(cfg.MaxLocalEntries, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local cache: %w", err)
		}
		local = lc
	}

	if !cfg.RemoteConfig.Enabled() {
		return local, nil
	}

	rs, err := remote.New(ctx, local, cfg.RemoteConfig, cfg.Serialization, cfg.Logger)
	if err != nil {
		_ = local.Close()
		return nil, fmt.Errorf("failed to initialize remote cache: %w", err)
	}
	return rs, nil
}

// NotifyFocus tells every subscriber with focus revalidation enabled that
// the application regained focus. Each of them runs a cache-checked fetch.
func (c *Client) NotifyFocus() {
	if c.closed.Load() {
		return
	}
	for _, fn := range c.focus.snapshot() {
		fn()
	}
}

// Manager returns the administrative view of the cache.
func (c *Client) Manager() *Manager {
	return &Manager{client: c}
}

// Close 關閉 Client，先卸載所有訂閱者再釋放存儲
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Closing swr client")

	for _, closeSubscriber := range c.subscribers.snapshot() {
		closeSubscriber()
	}

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
