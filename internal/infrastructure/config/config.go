package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Pool      PoolConfig
	Breaker   BreakerConfig
	Failover  FailoverConfig
	Auth      AuthConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Sync      SyncConfig
	Transport TransportConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// PoolConfig holds connection pool and retry settings.
// Defaults preserve the historical tuning of the platform.
type PoolConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	BackoffFactor       float64
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	EvaluationWindow time.Duration
	MinRequests      int
}

// FailoverConfig holds failover manager settings
type FailoverConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	AutoFailback        bool
	HealthCheckInterval time.Duration
	HistoryRetention    time.Duration
	RecoveryStrategy    string
	RecoveryBaseDelay   time.Duration
	RecoveryMaxDelay    time.Duration
}

// AuthConfig holds credential coordinator settings
type AuthConfig struct {
	MasterKey         string // passphrase the credential cipher key is derived from
	KeySalt           string
	TokenExpiryBuffer time.Duration
	MaxAuthPerHour    int
	RequestTimeout    time.Duration
}

// CacheConfig holds cache store settings
type CacheConfig struct {
	Backend         string // memory or redis
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// RedisConfig holds Redis connection settings for the distributed cache
// and rate-limit backends
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SyncConfig holds sync orchestrator settings
type SyncConfig struct {
	DefaultBatchSize int
	ExecutionHistory int
	JobTimeout       time.Duration
}

// TransportConfig holds outbound tax-authority client settings
type TransportConfig struct {
	RequestTimeout       time.Duration
	CertRotationInterval time.Duration
	MaxResponseBytes     int64
}

// TelemetryConfig holds metrics settings
type TelemetryConfig struct {
	Enabled     bool
	ServiceName string
}

// Load loads configuration from a TOML file and environment variables.
// Priority (highest to lowest):
//  1. Environment variables with EINV_ prefix (e.g., EINV_AUTH_MASTER_KEY)
//  2. config.toml
//  3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("EINV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Pool: PoolConfig{
			MaxRetries:          v.GetInt("pool.max_retries"),
			RetryDelay:          v.GetDuration("pool.retry_delay"),
			BackoffFactor:       v.GetFloat64("pool.backoff_factor"),
			HealthCheckInterval: v.GetDuration("pool.health_check_interval"),
			HealthCheckTimeout:  v.GetDuration("pool.health_check_timeout"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			SuccessThreshold: v.GetInt("breaker.success_threshold"),
			Timeout:          v.GetDuration("breaker.timeout"),
			EvaluationWindow: v.GetDuration("breaker.evaluation_window"),
			MinRequests:      v.GetInt("breaker.min_requests"),
		},
		Failover: FailoverConfig{
			MaxRetries:          v.GetInt("failover.max_retries"),
			RetryDelay:          v.GetDuration("failover.retry_delay"),
			AutoFailback:        v.GetBool("failover.auto_failback"),
			HealthCheckInterval: v.GetDuration("failover.health_check_interval"),
			HistoryRetention:    v.GetDuration("failover.history_retention"),
			RecoveryStrategy:    v.GetString("failover.recovery_strategy"),
			RecoveryBaseDelay:   v.GetDuration("failover.recovery_base_delay"),
			RecoveryMaxDelay:    v.GetDuration("failover.recovery_max_delay"),
		},
		Auth: AuthConfig{
			MasterKey:         v.GetString("auth.master_key"),
			KeySalt:           v.GetString("auth.key_salt"),
			TokenExpiryBuffer: v.GetDuration("auth.token_expiry_buffer"),
			MaxAuthPerHour:    v.GetInt("auth.max_auth_per_hour"),
			RequestTimeout:    v.GetDuration("auth.request_timeout"),
		},
		Cache: CacheConfig{
			Backend:         v.GetString("cache.backend"),
			DefaultTTL:      v.GetDuration("cache.default_ttl"),
			CleanupInterval: v.GetDuration("cache.cleanup_interval"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Sync: SyncConfig{
			DefaultBatchSize: v.GetInt("sync.default_batch_size"),
			ExecutionHistory: v.GetInt("sync.execution_history"),
			JobTimeout:       v.GetDuration("sync.job_timeout"),
		},
		Transport: TransportConfig{
			RequestTimeout:       v.GetDuration("transport.request_timeout"),
			CertRotationInterval: v.GetDuration("transport.cert_rotation_interval"),
			MaxResponseBytes:     v.GetInt64("transport.max_response_bytes"),
		},
		Telemetry: TelemetryConfig{
			Enabled:     v.GetBool("telemetry.enabled"),
			ServiceName: v.GetString("telemetry.service_name"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers built-in defaults. The retry/backoff constants keep
// the platform's historical tuning rather than a re-guessed one.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "einvoice-integration")
	v.SetDefault("app.env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("pool.max_retries", 3)
	v.SetDefault("pool.retry_delay", time.Second)
	v.SetDefault("pool.backoff_factor", 2.0)
	v.SetDefault("pool.health_check_interval", 30*time.Second)
	v.SetDefault("pool.health_check_timeout", 5*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.timeout", 60*time.Second)
	v.SetDefault("breaker.evaluation_window", 60*time.Second)
	v.SetDefault("breaker.min_requests", 10)

	v.SetDefault("failover.max_retries", 3)
	v.SetDefault("failover.retry_delay", 5*time.Second)
	v.SetDefault("failover.auto_failback", true)
	v.SetDefault("failover.health_check_interval", 30*time.Second)
	v.SetDefault("failover.history_retention", 24*time.Hour)
	v.SetDefault("failover.recovery_strategy", "EXPONENTIAL")
	v.SetDefault("failover.recovery_base_delay", time.Second)
	v.SetDefault("failover.recovery_max_delay", 5*time.Minute)

	v.SetDefault("auth.token_expiry_buffer", 60*time.Second)
	v.SetDefault("auth.max_auth_per_hour", 30)
	v.SetDefault("auth.request_timeout", 30*time.Second)
	v.SetDefault("auth.key_salt", "einvoice-credential-store")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.cleanup_interval", 30*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("sync.default_batch_size", 100)
	v.SetDefault("sync.execution_history", 100)
	v.SetDefault("sync.job_timeout", 30*time.Minute)

	v.SetDefault("transport.request_timeout", 30*time.Second)
	v.SetDefault("transport.cert_rotation_interval", time.Hour)
	v.SetDefault("transport.max_response_bytes", 10*1024*1024)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "einvoice-integration")
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Pool.BackoffFactor < 1 {
		return fmt.Errorf("pool.backoff_factor must be >= 1, got %v", c.Pool.BackoffFactor)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Auth.MaxAuthPerHour <= 0 {
		return fmt.Errorf("auth.max_auth_per_hour must be positive, got %d", c.Auth.MaxAuthPerHour)
	}
	switch c.Failover.RecoveryStrategy {
	case "IMMEDIATE", "EXPONENTIAL", "LINEAR", "FIXED", "MANUAL":
	default:
		return fmt.Errorf("failover.recovery_strategy must be one of IMMEDIATE, EXPONENTIAL, LINEAR, FIXED, MANUAL, got %q",
			c.Failover.RecoveryStrategy)
	}
	return nil
}

// IsProduction returns true when running in the production environment
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
