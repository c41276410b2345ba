// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlcore/internal/fingerprint"
	fetchmw "github.com/JakeFAU/crawlcore/internal/middleware/fetch"
	"github.com/JakeFAU/crawlcore/internal/queue"
	"github.com/JakeFAU/crawlcore/internal/queue/postgres"
)

// Sink kinds accepted in SinkConfig.Kind.
const (
	SinkLog      = "log"
	SinkMemory   = "memory"
	SinkFile     = "file"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
	SinkPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DB       DBConfig       `mapstructure:"db"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Sink     SinkConfig     `mapstructure:"sink"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the dispatch engine and the standard middlewares.
type CrawlerConfig struct {
	Concurrency          int           `mapstructure:"concurrency"`
	ConcurrencyPerDomain int           `mapstructure:"concurrency_per_domain"`
	DelayPerDomain       time.Duration `mapstructure:"delay_per_domain"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	UserAgent            string        `mapstructure:"user_agent"`
	MaxDepth             int           `mapstructure:"max_depth"`
	DepthPriority        int           `mapstructure:"depth_priority"`
	AllowedDomains       []string      `mapstructure:"allowed_domains"`
	BlockedDomains       []string      `mapstructure:"blocked_domains"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	Seeds                []string      `mapstructure:"seeds"`
}

// RetryConfig configures the retry middleware.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	Jitter        float64       `mapstructure:"jitter"`
	HTTPCodes     []int         `mapstructure:"http_codes"`
	PriorityDelta int           `mapstructure:"priority_delta"`
}

// DedupConfig configures request fingerprinting.
type DedupConfig struct {
	IgnoreQueryParams []string `mapstructure:"ignore_query_params"`
	KeepQueryParams   []string `mapstructure:"keep_query_params"`
	Algorithm         string   `mapstructure:"algorithm"`
	Persist           bool     `mapstructure:"persist"`
}

// QueueConfig selects the work queue backend.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	MaxSize      int           `mapstructure:"maxsize"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// SinkConfig selects where accepted items go.
type SinkConfig struct {
	Kind      string `mapstructure:"kind"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	BatchSize int    `mapstructure:"batch_size"`
	Table     string `mapstructure:"table"`
}

// PubSubConfig holds metadata for publish-subscribe delivery.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig sizes the progress hub.
type ProgressConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	retry := fetchmw.DefaultRetryConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", 10)
	v.SetDefault("crawler.concurrency_per_domain", 2)
	v.SetDefault("crawler.delay_per_domain", 250*time.Millisecond)
	v.SetDefault("crawler.fetch_timeout", 30*time.Second)
	v.SetDefault("crawler.user_agent", "crawlcore/1.0")
	v.SetDefault("crawler.max_depth", 0)
	v.SetDefault("crawler.depth_priority", 1)
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.poll_interval", 100*time.Millisecond)
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("retry.max_retries", retry.MaxRetries)
	v.SetDefault("retry.backoff_base", retry.BackoffBase)
	v.SetDefault("retry.backoff_max", retry.BackoffMax)
	v.SetDefault("retry.jitter", retry.Jitter)
	v.SetDefault("retry.http_codes", retry.HTTPCodes)
	v.SetDefault("retry.priority_delta", -1)
	v.SetDefault("dedup.ignore_query_params", []string{})
	v.SetDefault("dedup.keep_query_params", []string{})
	v.SetDefault("dedup.algorithm", fingerprint.AlgorithmBLAKE2b)
	v.SetDefault("dedup.persist", false)
	v.SetDefault("queue.backend", queue.BackendMemory)
	v.SetDefault("queue.maxsize", 0)
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "crawlcore")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_queue")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("sink.kind", SinkLog)
	v.SetDefault("sink.dir", "./items")
	v.SetDefault("sink.gcs_bucket", "")
	v.SetDefault("sink.prefix", "items")
	v.SetDefault("sink.batch_size", 100)
	v.SetDefault("sink.table", "crawl_items")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return errors.New("crawler.concurrency must be > 0")
	}
	if c.Crawler.ConcurrencyPerDomain <= 0 {
		return errors.New("crawler.concurrency_per_domain must be > 0")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return errors.New("crawler.fetch_timeout must be > 0")
	}
	if c.Crawler.DelayPerDomain < 0 {
		return errors.New("crawler.delay_per_domain must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.max_retries must be >= 0")
	}
	if len(c.Dedup.IgnoreQueryParams) > 0 && len(c.Dedup.KeepQueryParams) > 0 {
		return errors.New("dedup.ignore_query_params and dedup.keep_query_params are mutually exclusive")
	}
	if c.Queue.MaxSize < 0 {
		return errors.New("queue.maxsize must be >= 0")
	}
	switch strings.ToLower(c.Queue.Backend) {
	case "", queue.BackendMemory:
	case queue.BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis.addr must be set for the redis queue backend")
		}
	case queue.BackendPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set for the postgres queue backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return errors.New("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Sink.Kind {
	case SinkLog, SinkMemory:
	case SinkFile:
		if c.Sink.Dir == "" {
			return errors.New("sink.dir must be set for the file sink")
		}
	case SinkGCS:
		if c.Sink.GCSBucket == "" {
			return errors.New("sink.gcs_bucket must be set for the gcs sink")
		}
	case SinkPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return errors.New("pubsub.project_id and pubsub.topic_name must be set for the pubsub sink")
		}
	case SinkPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn must be set for the postgres sink")
		}
	default:
		return fmt.Errorf("sink.kind %q is not supported", c.Sink.Kind)
	}
	return nil
}

// FingerprintConfig maps the dedup settings onto the fingerprinter.
func (c Config) FingerprintConfig() fingerprint.Config {
	return fingerprint.Config{
		IgnoreQueryParams: c.Dedup.IgnoreQueryParams,
		KeepQueryParams:   c.Dedup.KeepQueryParams,
		Algorithm:         c.Dedup.Algorithm,
	}
}

// QueueBackendConfig maps queue, redis and db settings onto the queue factory.
func (c Config) QueueBackendConfig() queue.Config {
	return queue.Config{
		Backend:      c.Queue.Backend,
		MaxSize:      c.Queue.MaxSize,
		PollInterval: c.Queue.PollInterval,
		PersistSeen:  c.Dedup.Persist,
		Redis: queue.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Key:      c.Redis.Key,
		},
		Postgres: postgres.Config{
			DSN:      c.DB.DSN,
			Table:    c.DB.Table,
			MaxConns: int32(c.DB.MaxOpenConns),
		},
	}
}

// RetryMiddlewareConfig maps the retry settings onto the retry middleware.
func (c Config) RetryMiddlewareConfig() fetchmw.RetryConfig {
	return fetchmw.RetryConfig{
		MaxRetries:  c.Retry.MaxRetries,
		BackoffBase: c.Retry.BackoffBase,
		BackoffMax:  c.Retry.BackoffMax,
		Jitter:      c.Retry.Jitter,
		HTTPCodes:   c.Retry.HTTPCodes,
	}
}
