// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Job       JobConfig       `mapstructure:"job"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Graph     GraphConfig     `mapstructure:"graph"`
	Report    ReportConfig    `mapstructure:"report"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls the read-only query API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// CrawlerConfig governs workers, fetchers and the frontier lease/backoff.
type CrawlerConfig struct {
	Concurrency           int            `mapstructure:"concurrency"`
	UserAgent             string         `mapstructure:"user_agent"`
	RequestTimeoutSeconds int            `mapstructure:"request_timeout_seconds"`
	PollIntervalMs        int            `mapstructure:"poll_interval_ms"`
	LeaseTimeoutSeconds   int            `mapstructure:"lease_timeout_seconds"`
	BackoffBaseMs         int            `mapstructure:"backoff_base_ms"`
	BackoffMaxMs          int            `mapstructure:"backoff_max_ms"`
	RespectRobots         bool           `mapstructure:"respect_robots"`
	MaxBodyBytes          int            `mapstructure:"max_body_bytes"`
	Headless              HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures headless promotion.
type HeadlessConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ExecPath    string `mapstructure:"exec_path"`
	NoSandbox   bool   `mapstructure:"no_sandbox"`
	MaxParallel int    `mapstructure:"max_parallel"`
	MinText     int    `mapstructure:"min_text"`
	MinLinks    int    `mapstructure:"min_links"`
}

// JobConfig describes the single job the binary runs.
type JobConfig struct {
	ID                  string   `mapstructure:"id"`
	Seeds               []string `mapstructure:"seeds"`
	MaxDepth            int      `mapstructure:"max_depth"`
	MaxPages            int      `mapstructure:"max_pages"`
	CrawlEntireDomain   bool     `mapstructure:"crawl_entire_domain"`
	FollowInternalLinks bool     `mapstructure:"follow_internal_links"`
	FollowExternalLinks bool     `mapstructure:"follow_external_links"`
	IncludePatterns     []string `mapstructure:"include_patterns"`
	ExcludePatterns     []string `mapstructure:"exclude_patterns"`
	DenyDomains         []string `mapstructure:"deny_domains"`
	PerDomainDelayMs    int      `mapstructure:"per_domain_delay_ms"`
	MaxRetries          int      `mapstructure:"max_retries"`
}

// FrontierConfig selects the frontier backend.
type FrontierConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig addresses the Redis frontier.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// StorageConfig selects the CAS blob backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DatabaseConfig holds Postgres connection settings. An empty DSN keeps the
// catalog and record index in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PublisherConfig selects where capture and dead-letter events go.
type PublisherConfig struct {
	Backend         string   `mapstructure:"backend"`
	ProjectID       string   `mapstructure:"project_id"`
	Brokers         []string `mapstructure:"brokers"`
	CaptureTopic    string   `mapstructure:"capture_topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
}

// GraphConfig points the link-graph sink at Neo4j. An empty URI disables it.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// ReportConfig controls report export.
type ReportConfig struct {
	XLSXPath string `mapstructure:"xlsx_path"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
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
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.user_agent", "cfpl-crawler/0.1")
	v.SetDefault("crawler.request_timeout_seconds", 30)
	v.SetDefault("crawler.poll_interval_ms", 100)
	v.SetDefault("crawler.lease_timeout_seconds", 300)
	v.SetDefault("crawler.backoff_base_ms", 500)
	v.SetDefault("crawler.backoff_max_ms", 30000)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.headless.enabled", false)
	v.SetDefault("crawler.headless.max_parallel", 1)
	v.SetDefault("crawler.headless.min_text", 200)
	v.SetDefault("crawler.headless.min_links", 3)
	v.SetDefault("job.max_depth", 3)
	v.SetDefault("job.max_pages", 0)
	v.SetDefault("job.follow_internal_links", true)
	v.SetDefault("job.per_domain_delay_ms", 1000)
	v.SetDefault("job.max_retries", 3)
	v.SetDefault("frontier.backend", "memory")
	v.SetDefault("frontier.redis.addr", "localhost:6379")
	v.SetDefault("frontier.redis.prefix", "cfpl:frontier:")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "data/cas")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("tracing.service_name", "cfpl-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Enabled && c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("crawler.request_timeout_seconds must be > 0"))
	}
	if c.Crawler.Headless.Enabled && c.Crawler.Headless.MaxParallel <= 0 {
		errs = append(errs, errors.New("crawler.headless.max_parallel must be > 0 when headless is enabled"))
	}
	if len(c.Job.Seeds) == 0 {
		errs = append(errs, errors.New("job.seeds must not be empty"))
	}
	if c.Job.MaxDepth < 0 {
		errs = append(errs, errors.New("job.max_depth must be >= 0"))
	}
	if c.Job.MaxPages < 0 {
		errs = append(errs, errors.New("job.max_pages must be >= 0"))
	}
	if c.Job.MaxRetries < 0 {
		errs = append(errs, errors.New("job.max_retries must be >= 0"))
	}
	switch c.Frontier.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres frontier"))
		}
	case "redis":
		if c.Frontier.Redis.Addr == "" {
			errs = append(errs, errors.New("frontier.redis.addr is required for the redis frontier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown frontier.backend %q", c.Frontier.Backend))
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir is required for local storage"))
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.Publisher.Backend {
	case "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			errs = append(errs, errors.New("publisher.project_id is required for pubsub"))
		}
	case "kafka":
		if len(c.Publisher.Brokers) == 0 {
			errs = append(errs, errors.New("publisher.brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publisher.backend %q", c.Publisher.Backend))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

// JobConfig converts the job section into the crawler's job configuration.
// The policy is normalized so crawling the entire domain follows internal links.
func (c Config) JobConfig() crawler.JobConfig {
	return crawler.JobConfig{
		JobID: c.Job.ID,
		Seeds: append([]string(nil), c.Job.Seeds...),
		Policy: crawler.DomainPolicy{
			CrawlEntireDomain:   c.Job.CrawlEntireDomain,
			FollowInternalLinks: c.Job.FollowInternalLinks,
			FollowExternalLinks: c.Job.FollowExternalLinks,
			IncludePatterns:     c.Job.IncludePatterns,
			ExcludePatterns:     c.Job.ExcludePatterns,
			DenyDomains:         c.Job.DenyDomains,
			MaxDepth:            c.Job.MaxDepth,
			MaxPages:            c.Job.MaxPages,
			PerDomainDelay:      time.Duration(c.Job.PerDomainDelayMs) * time.Millisecond,
		}.Normalized(),
		MaxRetries: c.Job.MaxRetries,
	}
}

// RetryPolicy builds the frontier retry policy from the crawler and job sections.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxRetries: c.Job.MaxRetries,
		BaseDelay:  time.Duration(c.Crawler.BackoffBaseMs) * time.Millisecond,
		MaxDelay:   time.Duration(c.Crawler.BackoffMaxMs) * time.Millisecond,
	}
}

// RequestTimeout is the per-fetch deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.RequestTimeoutSeconds) * time.Second
}

// LeaseTimeout is how long an in-flight item may stay leased.
func (c Config) LeaseTimeout() time.Duration {
	return time.Duration(c.Crawler.LeaseTimeoutSeconds) * time.Second
}

// PollInterval is how long an idle worker waits before asking again.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Crawler.PollIntervalMs) * time.Millisecond
}
