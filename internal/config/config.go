package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/swr/internal/retrier"
	"goflare.io/swr/pkg/serialization"
)

// 預設值 (defaults)
const (
	DefaultTTL           = 5 * time.Minute
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 1000 * time.Millisecond
	DefaultRemotePrefix  = "swr:"
	DefaultShardCount    = 16
	DefaultBloomRefresh  = 10 * time.Second
	TracerName           = "goflare.io/swr"
)

var (
	ErrInvalidTTL           = errors.New("ttl must be greater than 0")
	ErrInvalidRetryAttempts = errors.New("retry attempts must be at least 1")
	ErrInvalidRetryDelay    = errors.New("retry delay must not be negative")
	ErrShardCountZero       = errors.New("shard count must be at least 1")
	ErrInvalidRetryStrategy = errors.New("unknown retry backoff strategy")
)

// Config 用於 Client 的配置
type Config struct {
	DefaultTTL        time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	RetryJitter       float64
	RetryStrategy     retrier.BackoffStrategy
	// RetryFactor 為 0 時使用 retrier 的默認倍數
	RetryFactor       float64
	// Retryable 為 nil 時使用 retrier.IsRetryable
	Retryable         func(error) bool
	RevalidateOnFocus bool

	// MaxLocalEntries 為 0 時使用無上限的 map 存儲
	MaxLocalEntries uint64

	RemoteConfig     RemoteConfig
	ResilienceConfig ResilienceConfig
	Serialization    SerializationConfig
	Logger           *zap.Logger
	Tracer           trace.Tracer
}

// RemoteConfig 遠端 (redis) 層的配置
type RemoteConfig struct {
	Client              redis.Cmdable
	Prefix              string
	BloomFilterSettings BloomFilterConfig
}

// Enabled reports whether a redis tier was configured.
func (rc RemoteConfig) Enabled() bool {
	return rc.Client != nil
}

// BloomFilterConfig 用於布隆過濾器的配置
type BloomFilterConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
	// RefreshInterval 之後的否定結果會觸發重建，<= 0 表示不重建
	RefreshInterval   time.Duration
}

// ResilienceConfig 用於設置熔斷器
type ResilienceConfig struct {
	EnableCircuitBreaker bool
	ShardCount           uint64
	KeyCircuitBreaker    gobreaker.Settings
}

// SerializationConfig 序列化相關配置
type SerializationConfig struct {
	Type    string
	Encoder func(io.Writer) serialization.Encoder
	Decoder func(io.Reader) serialization.Decoder
}

// Option 函數類型
type Option func(*Config) error

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		DefaultTTL:        DefaultTTL,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RevalidateOnFocus: true,
		RemoteConfig: RemoteConfig{
			Prefix: DefaultRemotePrefix,
			BloomFilterSettings: BloomFilterConfig{
				ExpectedItems:     1000,
				FalsePositiveRate: 0.01,
				RefreshInterval:   DefaultBloomRefresh,
			},
		},
		ResilienceConfig: ResilienceConfig{
			ShardCount: DefaultShardCount,
			KeyCircuitBreaker: gobreaker.Settings{
				Name:        "KeyCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 3
				},
			},
		},
		Serialization: SerializationConfig{
			Type:    serialization.JSONType,
			Encoder: serialization.JSONEncoder,
			Decoder: serialization.JSONDecoder,
		},
		Logger: zap.NewNop(),
		Tracer: otel.Tracer(TracerName),
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 最終檢查
func (c *Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return ErrInvalidTTL
	}
	if c.RetryAttempts < 1 {
		return ErrInvalidRetryAttempts
	}
	if c.RetryDelay < 0 {
		return ErrInvalidRetryDelay
	}
	if c.RetryStrategy < retrier.ExponentialBackoff || c.RetryStrategy > retrier.FibonacciBackoff {
		return ErrInvalidRetryStrategy
	}
	if c.RetryFactor != 0 && c.RetryFactor < 1 {
		return retrier.ErrInvalidFactor
	}
	if c.ResilienceConfig.EnableCircuitBreaker && c.ResilienceConfig.ShardCount == 0 {
		return ErrShardCountZero
	}
	return nil
}

// SubscriberConfig 單個訂閱者的配置，建立後不可變
type SubscriberConfig struct {
	Key                string
	TTL                time.Duration
	RetryAttempts      int
	RetryDelay         time.Duration
	InitialData        any
	HasInitialData     bool
	DisableCache       bool
	RevalidateOnFocus  bool
	RevalidateInterval time.Duration
}

// SubscriberOption 函數類型
type SubscriberOption func(*SubscriberConfig)

// NewSubscriberConfig 以 Client 的預設值為基礎建立 SubscriberConfig
func NewSubscriberConfig(key string, defaults *Config, options ...SubscriberOption) (SubscriberConfig, error) {
	sc := SubscriberConfig{
		Key:               key,
		TTL:               defaults.DefaultTTL,
		RetryAttempts:     defaults.RetryAttempts,
		RetryDelay:        defaults.RetryDelay,
		RevalidateOnFocus: defaults.RevalidateOnFocus,
	}
	for _, option := range options {
		option(&sc)
	}

	if sc.TTL <= 0 {
		return sc, fmt.Errorf("key %q: %w", key, ErrInvalidTTL)
	}
	if sc.RetryAttempts < 1 {
		return sc, fmt.Errorf("key %q: %w", key, ErrInvalidRetryAttempts)
	}
	if sc.RetryDelay < 0 {
		return sc, fmt.Errorf("key %q: %w", key, ErrInvalidRetryDelay)
	}
	return sc, nil
}
