package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete smart-cache configuration tree. All services are
// instance-scoped and receive the sections they need at construction.
type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Cache        CacheConfig        `yaml:"cache"`
	TTL          TTLConfig          `yaml:"ttl"`
	Performance  PerformanceConfig  `yaml:"performance"`
	Intervals    IntervalsConfig    `yaml:"intervals"`
	Limits       LimitsConfig       `yaml:"limits"`
	Retry        RetryConfig        `yaml:"retry"`
	Stream       StreamConfig       `yaml:"stream"`
	Governor     GovernorConfig     `yaml:"governor"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Monitor      MonitorConfig      `yaml:"monitor"`
}

// RedisConfig holds connection settings for the warm tier.
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	DB             int    `yaml:"db"`
	Password       string `yaml:"password"`
	PoolSize       int    `yaml:"pool_size"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

// CacheConfig holds the envelope and TTL-bound settings shared by the
// common and stream caches.
type CacheConfig struct {
	DefaultTTLSeconds         int64 `yaml:"default_ttl_seconds"`
	MinTTLSeconds             int64 `yaml:"min_ttl_seconds"`
	MaxTTLSeconds             int64 `yaml:"max_ttl_seconds"`
	CompressionEnabled        bool  `yaml:"compression_enabled"`
	CompressionThresholdBytes int   `yaml:"compression_threshold_bytes"`
	NoExpireDefaultSeconds    int64 `yaml:"no_expire_default_seconds"` // PTTL -1 sentinel
}

// TTLConfig maps caching strategies to TTL classes.
type TTLConfig struct {
	RealTimeTTLSeconds     int64 `yaml:"real_time_ttl_seconds"`
	NearRealTimeTTLSeconds int64 `yaml:"near_real_time_ttl_seconds"`
	BatchQueryTTLSeconds   int64 `yaml:"batch_query_ttl_seconds"`
	OffHoursTTLSeconds     int64 `yaml:"off_hours_ttl_seconds"`
	WeekendTTLSeconds      int64 `yaml:"weekend_ttl_seconds"`
}

// PerformanceConfig bounds resource usage on the hot path.
type PerformanceConfig struct {
	MaxMemoryMB              int `yaml:"max_memory_mb"`
	DefaultBatchSize         int `yaml:"default_batch_size"`
	MaxConcurrentOperations  int `yaml:"max_concurrent_operations"`
	SlowOperationThresholdMS int `yaml:"slow_operation_threshold_ms"`
	ConnectionTimeoutMS      int `yaml:"connection_timeout_ms"`
	OperationTimeoutMS       int `yaml:"operation_timeout_ms"`
}

// IntervalsConfig drives the background tickers.
type IntervalsConfig struct {
	CleanupIntervalMS           int `yaml:"cleanup_interval_ms"`
	HealthCheckIntervalMS       int `yaml:"health_check_interval_ms"`
	MetricsCollectionIntervalMS int `yaml:"metrics_collection_interval_ms"`
	HeartbeatIntervalMS         int `yaml:"heartbeat_interval_ms"`
}

// LimitsConfig holds hard limits; exceeding them is an error, not a clamp.
type LimitsConfig struct {
	MaxKeyLength            int     `yaml:"max_key_length"`
	MaxValueSizeBytes       int     `yaml:"max_value_size_bytes"`
	MaxCacheEntries         int     `yaml:"max_cache_entries"`
	MemoryThresholdRatio    float64 `yaml:"memory_threshold_ratio"`
	ErrorRateAlertThreshold float64 `yaml:"error_rate_alert_threshold"`
	MaxBatchSize            int     `yaml:"max_batch_size"`
	PipelineMaxSize         int     `yaml:"pipeline_max_size"`
}

// RetryConfig shapes the exponential backoff applied to idempotent Redis
// operations.
type RetryConfig struct {
	MaxRetryAttempts          int     `yaml:"max_retry_attempts"`
	BaseRetryDelayMS          int     `yaml:"base_retry_delay_ms"`
	RetryDelayMultiplier      float64 `yaml:"retry_delay_multiplier"`
	MaxRetryDelayMS           int     `yaml:"max_retry_delay_ms"`
	ExponentialBackoffEnabled bool    `yaml:"exponential_backoff_enabled"`
}

// StreamConfig holds the two-tier stream cache settings.
type StreamConfig struct {
	HotCacheTTLMS       int64 `yaml:"hot_cache_ttl_ms"`
	WarmCacheTTLSeconds int64 `yaml:"warm_cache_ttl_seconds"`
	MaxHotCacheSize     int   `yaml:"max_hot_cache_size"`
	StreamBatchSize     int   `yaml:"stream_batch_size"`
}

// GovernorConfig bounds concurrent decompression work.
type GovernorConfig struct {
	Mode             string `yaml:"mode"` // conservative|balanced|aggressive|adaptive
	MaxConcurrent    int    `yaml:"max_concurrent"`
	MaxQueueSize     int    `yaml:"max_queue_size"`
	AdjustIntervalMS int    `yaml:"adjust_interval_ms"`
	CooldownMS       int    `yaml:"cooldown_ms"`
	WindowSize       int    `yaml:"window_size"`
	MaxRetries       int    `yaml:"max_retries"`
}

// OrchestratorConfig drives background refresh scheduling.
type OrchestratorConfig struct {
	StrongUpdateRatio         float64 `yaml:"strong_update_ratio"`
	WeakUpdateRatio           float64 `yaml:"weak_update_ratio"`
	MinUpdateIntervalMS       int     `yaml:"min_update_interval_ms"`
	RefreshQueueSize          int     `yaml:"refresh_queue_size"`
	RefreshRatePerSecond      float64 `yaml:"refresh_rate_per_second"`
	GracefulShutdownTimeoutMS int     `yaml:"graceful_shutdown_timeout_ms"`
}

// MonitorConfig holds the monitoring HTTP server settings.
type MonitorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the configuration used when no file is supplied. Every
// value can be overridden through YAML.
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			DB:             0,
			PoolSize:       10,
			DialTimeoutMS:  5000,
			ReadTimeoutMS:  3000,
			WriteTimeoutMS: 3000,
		},
		Cache: CacheConfig{
			DefaultTTLSeconds:         300,
			MinTTLSeconds:             5,
			MaxTTLSeconds:             86400,
			CompressionEnabled:        true,
			CompressionThresholdBytes: 1024,
			NoExpireDefaultSeconds:    31536000,
		},
		TTL: TTLConfig{
			RealTimeTTLSeconds:     5,
			NearRealTimeTTLSeconds: 30,
			BatchQueryTTLSeconds:   600,
			OffHoursTTLSeconds:     300,
			WeekendTTLSeconds:      3600,
		},
		Performance: PerformanceConfig{
			MaxMemoryMB:              256,
			DefaultBatchSize:         50,
			MaxConcurrentOperations:  20,
			SlowOperationThresholdMS: 100,
			ConnectionTimeoutMS:      3000,
			OperationTimeoutMS:       10000,
		},
		Intervals: IntervalsConfig{
			CleanupIntervalMS:           30000,
			HealthCheckIntervalMS:       15000,
			MetricsCollectionIntervalMS: 30000,
			HeartbeatIntervalMS:         1000,
		},
		Limits: LimitsConfig{
			MaxKeyLength:            256,
			MaxValueSizeBytes:       5 * 1024 * 1024,
			MaxCacheEntries:         100000,
			MemoryThresholdRatio:    0.85,
			ErrorRateAlertThreshold: 0.05,
			MaxBatchSize:            500,
			PipelineMaxSize:         100,
		},
		Retry: RetryConfig{
			MaxRetryAttempts:          3,
			BaseRetryDelayMS:          50,
			RetryDelayMultiplier:      2.0,
			MaxRetryDelayMS:           1000,
			ExponentialBackoffEnabled: true,
		},
		Stream: StreamConfig{
			HotCacheTTLMS:       30000,
			WarmCacheTTLSeconds: 300,
			MaxHotCacheSize:     1000,
			StreamBatchSize:     50,
		},
		Governor: GovernorConfig{
			Mode:             "adaptive",
			MaxConcurrent:    10,
			MaxQueueSize:     100,
			AdjustIntervalMS: 2000,
			CooldownMS:       5000,
			WindowSize:       50,
			MaxRetries:       2,
		},
		Orchestrator: OrchestratorConfig{
			StrongUpdateRatio:         0.5,
			WeakUpdateRatio:           0.25,
			MinUpdateIntervalMS:       5000,
			RefreshQueueSize:          1000,
			RefreshRatePerSecond:      50,
			GracefulShutdownTimeoutMS: 30000,
		},
		Monitor: MonitorConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate ensures the configuration is usable. Startup aborts on error.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis pool_size must be positive, got %d", c.Redis.PoolSize)
	}

	if c.Cache.MinTTLSeconds <= 0 {
		return fmt.Errorf("cache min_ttl_seconds must be positive, got %d", c.Cache.MinTTLSeconds)
	}
	if c.Cache.MaxTTLSeconds < c.Cache.MinTTLSeconds {
		return fmt.Errorf("cache max_ttl_seconds (%d) must be >= min_ttl_seconds (%d)",
			c.Cache.MaxTTLSeconds, c.Cache.MinTTLSeconds)
	}
	if c.Cache.DefaultTTLSeconds < c.Cache.MinTTLSeconds || c.Cache.DefaultTTLSeconds > c.Cache.MaxTTLSeconds {
		return fmt.Errorf("cache default_ttl_seconds (%d) must be within [%d, %d]",
			c.Cache.DefaultTTLSeconds, c.Cache.MinTTLSeconds, c.Cache.MaxTTLSeconds)
	}
	if c.Cache.CompressionThresholdBytes <= 0 {
		return fmt.Errorf("cache compression_threshold_bytes must be positive, got %d", c.Cache.CompressionThresholdBytes)
	}
	if c.Cache.NoExpireDefaultSeconds <= 0 {
		return fmt.Errorf("cache no_expire_default_seconds must be positive, got %d", c.Cache.NoExpireDefaultSeconds)
	}

	for name, v := range map[string]int64{
		"real_time_ttl_seconds":      c.TTL.RealTimeTTLSeconds,
		"near_real_time_ttl_seconds": c.TTL.NearRealTimeTTLSeconds,
		"batch_query_ttl_seconds":    c.TTL.BatchQueryTTLSeconds,
		"off_hours_ttl_seconds":      c.TTL.OffHoursTTLSeconds,
		"weekend_ttl_seconds":        c.TTL.WeekendTTLSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("ttl %s must be positive, got %d", name, v)
		}
	}

	if c.Performance.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("performance max_concurrent_operations must be positive, got %d", c.Performance.MaxConcurrentOperations)
	}
	if c.Performance.ConnectionTimeoutMS <= 0 {
		return fmt.Errorf("performance connection_timeout_ms must be positive, got %d", c.Performance.ConnectionTimeoutMS)
	}
	if c.Performance.OperationTimeoutMS <= 0 {
		return fmt.Errorf("performance operation_timeout_ms must be positive, got %d", c.Performance.OperationTimeoutMS)
	}

	if c.Limits.MaxKeyLength <= 0 {
		return fmt.Errorf("limits max_key_length must be positive, got %d", c.Limits.MaxKeyLength)
	}
	if c.Limits.MaxBatchSize <= 0 {
		return fmt.Errorf("limits max_batch_size must be positive, got %d", c.Limits.MaxBatchSize)
	}
	if c.Limits.PipelineMaxSize <= 0 {
		return fmt.Errorf("limits pipeline_max_size must be positive, got %d", c.Limits.PipelineMaxSize)
	}
	if c.Limits.MemoryThresholdRatio <= 0 || c.Limits.MemoryThresholdRatio > 1 {
		return fmt.Errorf("limits memory_threshold_ratio must be in (0, 1], got %f", c.Limits.MemoryThresholdRatio)
	}

	if c.Retry.MaxRetryAttempts < 0 {
		return fmt.Errorf("retry max_retry_attempts cannot be negative, got %d", c.Retry.MaxRetryAttempts)
	}
	if c.Retry.BaseRetryDelayMS <= 0 {
		return fmt.Errorf("retry base_retry_delay_ms must be positive, got %d", c.Retry.BaseRetryDelayMS)
	}
	if c.Retry.RetryDelayMultiplier < 1 {
		return fmt.Errorf("retry retry_delay_multiplier must be >= 1, got %f", c.Retry.RetryDelayMultiplier)
	}
	if c.Retry.MaxRetryDelayMS < c.Retry.BaseRetryDelayMS {
		return fmt.Errorf("retry max_retry_delay_ms (%d) must be >= base_retry_delay_ms (%d)",
			c.Retry.MaxRetryDelayMS, c.Retry.BaseRetryDelayMS)
	}

	if c.Stream.HotCacheTTLMS <= 0 {
		return fmt.Errorf("stream hot_cache_ttl_ms must be positive, got %d", c.Stream.HotCacheTTLMS)
	}
	if c.Stream.WarmCacheTTLSeconds <= 0 {
		return fmt.Errorf("stream warm_cache_ttl_seconds must be positive, got %d", c.Stream.WarmCacheTTLSeconds)
	}
	if c.Stream.MaxHotCacheSize <= 0 {
		return fmt.Errorf("stream max_hot_cache_size must be positive, got %d", c.Stream.MaxHotCacheSize)
	}
	if c.Stream.StreamBatchSize <= 0 {
		return fmt.Errorf("stream stream_batch_size must be positive, got %d", c.Stream.StreamBatchSize)
	}

	switch c.Governor.Mode {
	case "conservative", "balanced", "aggressive", "adaptive":
	default:
		return fmt.Errorf("governor mode must be one of conservative|balanced|aggressive|adaptive, got %q", c.Governor.Mode)
	}
	if c.Governor.MaxConcurrent <= 0 {
		return fmt.Errorf("governor max_concurrent must be positive, got %d", c.Governor.MaxConcurrent)
	}
	if c.Governor.MaxQueueSize <= 0 {
		return fmt.Errorf("governor max_queue_size must be positive, got %d", c.Governor.MaxQueueSize)
	}
	if c.Governor.WindowSize <= 0 {
		return fmt.Errorf("governor window_size must be positive, got %d", c.Governor.WindowSize)
	}
	if c.Governor.MaxRetries < 0 {
		return fmt.Errorf("governor max_retries cannot be negative, got %d", c.Governor.MaxRetries)
	}

	if c.Orchestrator.StrongUpdateRatio <= 0 || c.Orchestrator.StrongUpdateRatio >= 1 {
		return fmt.Errorf("orchestrator strong_update_ratio must be in (0, 1), got %f", c.Orchestrator.StrongUpdateRatio)
	}
	if c.Orchestrator.WeakUpdateRatio <= 0 || c.Orchestrator.WeakUpdateRatio >= 1 {
		return fmt.Errorf("orchestrator weak_update_ratio must be in (0, 1), got %f", c.Orchestrator.WeakUpdateRatio)
	}
	if c.Orchestrator.RefreshQueueSize <= 0 {
		return fmt.Errorf("orchestrator refresh_queue_size must be positive, got %d", c.Orchestrator.RefreshQueueSize)
	}

	if c.Monitor.Port <= 0 || c.Monitor.Port > 65535 {
		return fmt.Errorf("monitor port must be in (0, 65535], got %d", c.Monitor.Port)
	}

	return nil
}

// ClampTTL forces a TTL into the configured bounds instead of rejecting it.
func (c *CacheConfig) ClampTTL(ttlSeconds int64) int64 {
	if ttlSeconds < c.MinTTLSeconds {
		return c.MinTTLSeconds
	}
	if ttlSeconds > c.MaxTTLSeconds {
		return c.MaxTTLSeconds
	}
	return ttlSeconds
}

// GetDialTimeout returns the dial timeout as a time.Duration.
func (r *RedisConfig) GetDialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

// GetReadTimeout returns the read timeout as a time.Duration.
func (r *RedisConfig) GetReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a time.Duration.
func (r *RedisConfig) GetWriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

// GetConnectionTimeout returns the per-call Redis timeout.
func (p *PerformanceConfig) GetConnectionTimeout() time.Duration {
	return time.Duration(p.ConnectionTimeoutMS) * time.Millisecond
}

// GetOperationTimeout returns the deadline applied to fetch functions.
func (p *PerformanceConfig) GetOperationTimeout() time.Duration {
	return time.Duration(p.OperationTimeoutMS) * time.Millisecond
}

// GetCleanupInterval returns the hot-cache sweep interval.
func (i *IntervalsConfig) GetCleanupInterval() time.Duration {
	return time.Duration(i.CleanupIntervalMS) * time.Millisecond
}

// GetHealthCheckInterval returns the health probe interval.
func (i *IntervalsConfig) GetHealthCheckInterval() time.Duration {
	return time.Duration(i.HealthCheckIntervalMS) * time.Millisecond
}

// GetMetricsCollectionInterval returns the stats publication interval.
func (i *IntervalsConfig) GetMetricsCollectionInterval() time.Duration {
	return time.Duration(i.MetricsCollectionIntervalMS) * time.Millisecond
}

// GetHeartbeatInterval returns the background-refresh scan interval.
func (i *IntervalsConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(i.HeartbeatIntervalMS) * time.Millisecond
}

// GetBaseRetryDelay returns the initial backoff delay.
func (r *RetryConfig) GetBaseRetryDelay() time.Duration {
	return time.Duration(r.BaseRetryDelayMS) * time.Millisecond
}

// GetMaxRetryDelay returns the backoff cap.
func (r *RetryConfig) GetMaxRetryDelay() time.Duration {
	return time.Duration(r.MaxRetryDelayMS) * time.Millisecond
}

// GetHotCacheTTL returns the hot-tier entry lifetime.
func (s *StreamConfig) GetHotCacheTTL() time.Duration {
	return time.Duration(s.HotCacheTTLMS) * time.Millisecond
}

// GetWarmCacheTTL returns the warm-tier SETEX lifetime.
func (s *StreamConfig) GetWarmCacheTTL() time.Duration {
	return time.Duration(s.WarmCacheTTLSeconds) * time.Second
}

// GetAdjustInterval returns the adaptive controller tick.
func (g *GovernorConfig) GetAdjustInterval() time.Duration {
	return time.Duration(g.AdjustIntervalMS) * time.Millisecond
}

// GetCooldown returns the minimum spacing between concurrency adjustments.
func (g *GovernorConfig) GetCooldown() time.Duration {
	return time.Duration(g.CooldownMS) * time.Millisecond
}

// GetMinUpdateInterval returns the per-key refresh spacing.
func (o *OrchestratorConfig) GetMinUpdateInterval() time.Duration {
	return time.Duration(o.MinUpdateIntervalMS) * time.Millisecond
}

// GetGracefulShutdownTimeout returns the drain budget on Close.
func (o *OrchestratorConfig) GetGracefulShutdownTimeout() time.Duration {
	return time.Duration(o.GracefulShutdownTimeoutMS) * time.Millisecond
}
