package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for a service
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT"`
	// Per-workspace budget for the billing API; the webhook is exempt
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" envconfig:"HTTP_RATE_LIMIT_PER_MINUTE"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst" envconfig:"HTTP_RATE_LIMIT_BURST"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" envconfig:"DB_HOST"`
	Port            int           `mapstructure:"port" envconfig:"DB_PORT"`
	User            string        `mapstructure:"user" envconfig:"DB_USER"`
	Password        string        `mapstructure:"password" envconfig:"DB_PASSWORD"`
	Database        string        `mapstructure:"database" envconfig:"DB_NAME"`
	Schema          string        `mapstructure:"schema" envconfig:"DB_SCHEMA"`
	SSLMode         string        `mapstructure:"ssl_mode" envconfig:"DB_SSL_MODE"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host" envconfig:"REDIS_HOST"`
	Port         int           `mapstructure:"port" envconfig:"REDIS_PORT"`
	Password     string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB           int           `mapstructure:"db" envconfig:"REDIS_DB"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" envconfig:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"REDIS_WRITE_TIMEOUT"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"consumer_group" envconfig:"KAFKA_CONSUMER_GROUP"`
	Topic         string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC"`
}

// AuthConfig holds the shared secret used to decode session tokens
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" envconfig:"JWT_SECRET"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH"`
}

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	MetricsEnabled bool    `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TracingEnabled bool    `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT"`
	ServiceName    string  `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
	SampleRatio    float64 `mapstructure:"sample_ratio" envconfig:"TRACE_SAMPLE_RATIO"`
}

// StripeConfig holds payment processor configuration
type StripeConfig struct {
	APIKey          string        `mapstructure:"api_key" envconfig:"STRIPE_API_KEY"`
	WebhookSecret   string        `mapstructure:"webhook_secret" envconfig:"STRIPE_WEBHOOK_SECRET"`
	Timeout         time.Duration `mapstructure:"timeout" envconfig:"STRIPE_TIMEOUT"`
	SuccessURL      string        `mapstructure:"success_url" envconfig:"STRIPE_SUCCESS_URL"`
	CancelURL       string        `mapstructure:"cancel_url" envconfig:"STRIPE_CANCEL_URL"`
	BreakerFailures int           `mapstructure:"breaker_failures" envconfig:"STRIPE_BREAKER_FAILURES"`
	BreakerCoolDown time.Duration `mapstructure:"breaker_cool_down" envconfig:"STRIPE_BREAKER_COOL_DOWN"`
}

// BillingConfig holds reconciliation engine configuration
type BillingConfig struct {
	QueueBackend     string        `mapstructure:"queue_backend" envconfig:"BILLING_QUEUE_BACKEND"`
	LockBackend      string        `mapstructure:"lock_backend" envconfig:"BILLING_LOCK_BACKEND"`
	LedgerBackend    string        `mapstructure:"ledger_backend" envconfig:"BILLING_LEDGER_BACKEND"`
	WorkerEnabled    bool          `mapstructure:"worker_enabled" envconfig:"BILLING_WORKER_ENABLED"`
	Workers          int           `mapstructure:"workers" envconfig:"BILLING_WORKERS"`
	MaxDeliveries    int           `mapstructure:"max_deliveries" envconfig:"BILLING_MAX_DELIVERIES"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" envconfig:"BILLING_RETRY_BACKOFF"`
	MaxRetryBackoff  time.Duration `mapstructure:"max_retry_backoff" envconfig:"BILLING_MAX_RETRY_BACKOFF"`
	LockTTL          time.Duration `mapstructure:"lock_ttl" envconfig:"BILLING_LOCK_TTL"`
	SweepSchedule    string        `mapstructure:"sweep_schedule" envconfig:"BILLING_SWEEP_SCHEDULE"`
	SweepStaleAfter  time.Duration `mapstructure:"sweep_stale_after" envconfig:"BILLING_SWEEP_STALE_AFTER"`
	SweepBatchSize   int           `mapstructure:"sweep_batch_size" envconfig:"BILLING_SWEEP_BATCH_SIZE"`
	SweepRatePerSec  float64       `mapstructure:"sweep_rate_per_sec" envconfig:"BILLING_SWEEP_RATE_PER_SEC"`
	PruneSchedule    string        `mapstructure:"prune_schedule" envconfig:"BILLING_PRUNE_SCHEDULE"`
	EventRetention   time.Duration `mapstructure:"event_retention" envconfig:"BILLING_EVENT_RETENTION"`
	RecentEventCache int           `mapstructure:"recent_event_cache" envconfig:"BILLING_RECENT_EVENT_CACHE"`
	Plans            []PlanConfig  `mapstructure:"plans" ignored:"true"`
}

// PlanConfig describes one purchasable plan and its processor price ids
type PlanConfig struct {
	Slug             string `mapstructure:"slug"`
	Name             string `mapstructure:"name"`
	Rank             int    `mapstructure:"rank"`
	MonthlyPriceID   string `mapstructure:"monthly_price_id"`
	AnnualPriceID    string `mapstructure:"annual_price_id"`
	AICreditsMonthly int64  `mapstructure:"ai_credits_monthly"`
}

// ArchiveConfig holds S3 configuration for the raw webhook archive
type ArchiveConfig struct {
	Bucket    string `mapstructure:"bucket" envconfig:"ARCHIVE_BUCKET"`
	Region    string `mapstructure:"region" envconfig:"ARCHIVE_REGION"`
	Endpoint  string `mapstructure:"endpoint" envconfig:"ARCHIVE_ENDPOINT"`
	Prefix    string `mapstructure:"prefix" envconfig:"ARCHIVE_PREFIX"`
	AccessKey string `mapstructure:"access_key" envconfig:"ARCHIVE_ACCESS_KEY"`
	SecretKey string `mapstructure:"secret_key" envconfig:"ARCHIVE_SECRET_KEY"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("./configs/services/" + serviceName)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; continue with env vars
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	// Service-specific environment variables
	envPrefix := toEnvPrefix(serviceName)
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process service env vars: %w", err)
	}

	if cfg.Database.Schema == "" {
		cfg.Database.Schema = "billing"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = serviceName + "-reconciler"
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// setDefaults registers values used when neither the file nor the
// environment sets a key
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.environment", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.rate_limit_per_minute", 120)
	v.SetDefault("http.rate_limit_burst", 20)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "subledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 10*time.Minute)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("kafka.topic", "billing-webhook-events")
	v.SetDefault("auth.jwt_secret", "super-secret-key")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("telemetry.sample_ratio", 0.25)
	v.SetDefault("stripe.timeout", 10*time.Second)
	v.SetDefault("stripe.breaker_failures", 5)
	v.SetDefault("stripe.breaker_cool_down", 30*time.Second)
	v.SetDefault("billing.queue_backend", "memory")
	v.SetDefault("billing.lock_backend", "local")
	v.SetDefault("billing.ledger_backend", "postgres")
	v.SetDefault("billing.worker_enabled", true)
	v.SetDefault("billing.workers", 4)
	v.SetDefault("billing.max_deliveries", 8)
	v.SetDefault("billing.retry_backoff", 2*time.Second)
	v.SetDefault("billing.max_retry_backoff", 5*time.Minute)
	v.SetDefault("billing.lock_ttl", 30*time.Second)
	v.SetDefault("billing.sweep_schedule", "0 */15 * * * *")
	v.SetDefault("billing.sweep_stale_after", 6*time.Hour)
	v.SetDefault("billing.sweep_batch_size", 100)
	v.SetDefault("billing.sweep_rate_per_sec", 5.0)
	v.SetDefault("billing.prune_schedule", "0 30 3 * * *")
	v.SetDefault("billing.event_retention", 90*24*time.Hour)
	v.SetDefault("billing.recent_event_cache", 4096)
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.prefix", "stripe-events")
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// toEnvPrefix converts a service name like "billing-api" to "BILLING_API"
func toEnvPrefix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
