package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch worker.
type Config struct {
	Env        string           `yaml:"env"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Provider   ProviderConfig   `yaml:"provider"`
	Quota      QuotaConfig      `yaml:"quota"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Launch     LaunchConfig     `yaml:"launch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LogConfig mirrors logger.Config.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	RedactPII bool   `yaml:"redact_pii"`
}

// DatabaseConfig holds the Postgres connection and pool settings.
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the shared Redis connection. An empty URL disables the
// rate limiter (fail open) and the Redis queue engine.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Queue engines.
const (
	EngineRabbitMQ = "rabbitmq"
	EngineRedis    = "redis"
	EngineMemory   = "memory"
)

// QueueConfig holds broker selection and the retry policy.
type QueueConfig struct {
	Engine               string `yaml:"engine"`
	RabbitMQURL          string `yaml:"rabbitmq_url"`
	CampaignQueue        string `yaml:"campaign_queue"`
	MessageQueue         string `yaml:"message_queue"`
	Concurrency          int    `yaml:"concurrency"`
	MaxAttempts          int    `yaml:"max_attempts"`
	RetryBaseDelayMs     int    `yaml:"retry_base_delay_ms"`
	JobTimeoutSeconds    int    `yaml:"job_timeout_seconds"`
	PollIntervalMs       int    `yaml:"poll_interval_ms"`
	DepthIntervalSeconds int    `yaml:"depth_interval_seconds"`
}

// RateLimitConfig holds the per-plan fixed-window limits.
type RateLimitConfig struct {
	PlanLimitsPerMinute string `yaml:"plan_limits_per_minute"`
	RetryAfterMs        int    `yaml:"retry_after_ms"`
	WindowTTLSeconds    int    `yaml:"window_ttl_seconds"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
}

// ProviderConfig holds WhatsApp Cloud API credentials and send policy.
type ProviderConfig struct {
	AccessToken     string  `yaml:"access_token"`
	PhoneNumberID   string  `yaml:"phone_number_id"`
	GraphVersion    string  `yaml:"graph_version"`
	BaseURL         string  `yaml:"base_url"`
	DefaultLanguage string  `yaml:"default_language"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	AllowMock       bool    `yaml:"allow_mock"`
	MaxRPS          float64 `yaml:"max_rps"`
	Burst           int     `yaml:"burst"`
}

// Quota modes.
const (
	QuotaPostgres = "postgres"
	QuotaHTTP     = "http"
	QuotaDisabled = "disabled"
)

// QuotaConfig selects the billing quota collaborator.
type QuotaConfig struct {
	Mode           string `yaml:"mode"`
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// DeadLetterConfig enables the S3 dead-letter archive when S3Bucket is set.
type DeadLetterConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

// LaunchConfig tunes the fan-out.
type LaunchConfig struct {
	LockTTLSeconds   int `yaml:"lock_ttl_seconds"`
	LockRetrySeconds int `yaml:"lock_retry_seconds"`
	// JobTimeoutSeconds bounds one fan-out pass. Zero leaves it unbounded;
	// the launch lock is renewed for as long as the pass runs.
	JobTimeoutSeconds int `yaml:"job_timeout_seconds"`
}

// MetricsConfig holds the ops HTTP listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig holds the OTLP exporter. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}, Log: LogConfig{RedactPII: true}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetimeMinutes == 0 {
		c.Database.ConnMaxLifetimeMinutes = 5
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "dispatch"
	}
	if c.Queue.Engine == "" {
		c.Queue.Engine = EngineRabbitMQ
	}
	if c.Queue.RabbitMQURL == "" {
		c.Queue.RabbitMQURL = "amqp://localhost:5672"
	}
	if c.Queue.CampaignQueue == "" {
		c.Queue.CampaignQueue = "campaign.launch"
	}
	if c.Queue.MessageQueue == "" {
		c.Queue.MessageQueue = "message.send"
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 20
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.RetryBaseDelayMs == 0 {
		c.Queue.RetryBaseDelayMs = 5000
	}
	if c.Queue.JobTimeoutSeconds == 0 {
		c.Queue.JobTimeoutSeconds = 120
	}
	if c.Queue.PollIntervalMs == 0 {
		c.Queue.PollIntervalMs = 250
	}
	if c.Queue.DepthIntervalSeconds == 0 {
		c.Queue.DepthIntervalSeconds = 15
	}
	if c.RateLimit.PlanLimitsPerMinute == "" {
		c.RateLimit.PlanLimitsPerMinute = "starter:30,pro:120,enterprise:600,default:60"
	}
	if c.RateLimit.RetryAfterMs == 0 {
		c.RateLimit.RetryAfterMs = 15000
	}
	if c.RateLimit.WindowTTLSeconds == 0 {
		c.RateLimit.WindowTTLSeconds = 70
	}
	if c.RateLimit.CacheTTLSeconds == 0 {
		c.RateLimit.CacheTTLSeconds = 300
	}
	if c.Provider.GraphVersion == "" {
		c.Provider.GraphVersion = "v20.0"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://graph.facebook.com"
	}
	if c.Provider.DefaultLanguage == "" {
		c.Provider.DefaultLanguage = "pt_BR"
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 10
	}
	if c.Provider.Burst == 0 {
		c.Provider.Burst = 1
	}
	if c.Quota.Mode == "" {
		c.Quota.Mode = QuotaPostgres
	}
	if c.Quota.TimeoutSeconds == 0 {
		c.Quota.TimeoutSeconds = 5
	}
	if c.Quota.MaxRetries == 0 {
		c.Quota.MaxRetries = 2
	}
	if c.DeadLetter.S3Prefix == "" {
		c.DeadLetter.S3Prefix = "dead-letters"
	}
	if c.Launch.LockTTLSeconds == 0 {
		c.Launch.LockTTLSeconds = 300
	}
	if c.Launch.LockRetrySeconds == 0 {
		c.Launch.LockRetrySeconds = 30
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9464
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "dispatch-worker"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate rejects configurations the worker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Queue.Engine {
	case EngineRabbitMQ, EngineRedis, EngineMemory:
	default:
		errs = append(errs, fmt.Errorf("queue.engine %q is not one of rabbitmq, redis, memory", c.Queue.Engine))
	}
	if c.Queue.Engine == EngineRedis && c.Redis.URL == "" {
		errs = append(errs, errors.New("queue.engine redis requires redis.url"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, errors.New("queue.concurrency must be at least 1"))
	}
	switch c.Quota.Mode {
	case QuotaPostgres, QuotaDisabled:
	case QuotaHTTP:
		if c.Quota.BaseURL == "" {
			errs = append(errs, errors.New("quota.mode http requires quota.base_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.mode %q is not one of postgres, http, disabled", c.Quota.Mode))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the worker runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// MockSendAllowed reports whether the provider may fall back to mock sends
// when credentials are missing. Never in production.
func (c *Config) MockSendAllowed() bool {
	return c.Provider.AllowMock && !c.IsProduction()
}

// RetryBaseDelay returns the linear backoff unit.
func (q QueueConfig) RetryBaseDelay() time.Duration {
	return time.Duration(q.RetryBaseDelayMs) * time.Millisecond
}

// JobTimeout bounds a single handler invocation.
func (q QueueConfig) JobTimeout() time.Duration {
	return time.Duration(q.JobTimeoutSeconds) * time.Second
}

// JobTimeout bounds one fan-out pass; zero means no bound.
func (l LaunchConfig) JobTimeout() time.Duration {
	return time.Duration(l.JobTimeoutSeconds) * time.Second
}

// PollInterval is the idle wait of polling brokers.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// DepthInterval is the queue depth sampling period.
func (q QueueConfig) DepthInterval() time.Duration {
	return time.Duration(q.DepthIntervalSeconds) * time.Second
}

// RetryAfter is the deferral suggested to rate-limited sends.
func (r RateLimitConfig) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}

// WindowTTL is the expiry set on a fresh window counter.
func (r RateLimitConfig) WindowTTL() time.Duration {
	return time.Duration(r.WindowTTLSeconds) * time.Second
}

// CacheTTL is the lifetime of cached plan limits.
func (r RateLimitConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// Timeout bounds one provider call.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}, Log: LogConfig{RedactPII: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadFromEnv loads .env (if present), then the YAML file at path (if
// path is non-empty), then applies environment overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Env, "APP_ENV")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Queue.Engine, "QUEUE_ENGINE")
	setString(&cfg.Queue.RabbitMQURL, "RABBITMQ_URL")
	setString(&cfg.Queue.CampaignQueue, "CAMPAIGN_QUEUE")
	setString(&cfg.Queue.MessageQueue, "MESSAGE_QUEUE")
	setInt(&cfg.Queue.MaxAttempts, "WORKER_MAX_ATTEMPTS")
	setInt(&cfg.Queue.RetryBaseDelayMs, "WORKER_RETRY_BASE_DELAY_MS")
	setInt(&cfg.Queue.Concurrency, "WORKER_CONCURRENCY")
	setInt(&cfg.Queue.DepthIntervalSeconds, "WORKER_QUEUE_DEPTH_INTERVAL_SECONDS")
	setInt(&cfg.Launch.JobTimeoutSeconds, "LAUNCH_JOB_TIMEOUT_SECONDS")
	setString(&cfg.RateLimit.PlanLimitsPerMinute, "PLAN_LIMITS_PER_MINUTE")
	setString(&cfg.Provider.AccessToken, "META_ACCESS_TOKEN")
	setString(&cfg.Provider.PhoneNumberID, "META_PHONE_NUMBER_ID")
	setString(&cfg.Provider.GraphVersion, "META_GRAPH_VERSION")
	setBool(&cfg.Provider.AllowMock, "ALLOW_MOCK_WHATSAPP_SEND")
	setString(&cfg.Quota.Mode, "QUOTA_MODE")
	setString(&cfg.Quota.BaseURL, "QUOTA_BASE_URL")
	setString(&cfg.Quota.Token, "QUOTA_TOKEN")
	setString(&cfg.DeadLetter.S3Bucket, "DEAD_LETTER_S3_BUCKET")
	setString(&cfg.DeadLetter.S3Region, "AWS_REGION")
	setInt(&cfg.Metrics.Port, "WORKER_METRICS_PORT")
	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
