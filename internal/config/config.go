package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Media      MediaConfig      `yaml:"media" mapstructure:"media"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	CORSOrigins         []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ResilienceConfig configures provider retries and circuit breakers.
type ResilienceConfig struct {
	MaxAttempts         int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs    int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// PipelineConfig configures stage execution.
type PipelineConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	Workers             int     `yaml:"workers" mapstructure:"workers"`
	QueueSize           int     `yaml:"queue_size" mapstructure:"queue_size"`
	RecoverIntervalSecs int     `yaml:"recover_interval_secs" mapstructure:"recover_interval_secs"`
	LogRetentionDays    int     `yaml:"log_retention_days" mapstructure:"log_retention_days"`
	AutoPublishPlatform string  `yaml:"auto_publish_platform" mapstructure:"auto_publish_platform"`
	RefreshTimeoutSecs  int     `yaml:"refresh_timeout_secs" mapstructure:"refresh_timeout_secs"`
}

// IngestConfig bounds uploads accepted by the ingestion endpoint.
type IngestConfig struct {
	MaxImages     int      `yaml:"max_images" mapstructure:"max_images"`
	MaxImageBytes int64    `yaml:"max_image_bytes" mapstructure:"max_image_bytes"`
	AllowedTypes  []string `yaml:"allowed_types" mapstructure:"allowed_types"`
}

// MediaConfig selects where uploaded images are stored.
type MediaConfig struct {
	Backend string    `yaml:"backend" mapstructure:"backend"`
	Dir     string    `yaml:"dir" mapstructure:"dir"`
	BaseURL string    `yaml:"base_url" mapstructure:"base_url"`
	FTP     FTPConfig `yaml:"ftp" mapstructure:"ftp"`
}

// FTPConfig holds the FTP media backend settings.
type FTPConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	User        string `yaml:"user" mapstructure:"user"`
	Password    string `yaml:"password" mapstructure:"password"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// NotifyConfig configures change notifications.
type NotifyConfig struct {
	Postgres bool   `yaml:"postgres" mapstructure:"postgres"`
	Channel  string `yaml:"channel" mapstructure:"channel"`
}

// SchedulerConfig selects how follow-on stages are scheduled.
type SchedulerConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
	// StageTimeoutHours caps one stage activity. Zero leaves it effectively
	// unbounded.
	StageTimeoutHours int `yaml:"stage_timeout_hours" mapstructure:"stage_timeout_hours"`
}

// RateLimitConfig configures the per-caller API rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	TTLSecs           int     `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// PublishConfig holds credentials for the publishing platforms.
type PublishConfig struct {
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Ebay       EbayConfig       `yaml:"ebay" mapstructure:"ebay"`
}

// NotionConfig holds Notion API credentials and the catalog database ID.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	DatabaseID string `yaml:"database_id" mapstructure:"database_id"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
	// RPS caps API calls per second; 0 disables throttling.
	RPS float64 `yaml:"rps" mapstructure:"rps"`
}

// EbayConfig holds eBay Sell Inventory API settings.
type EbayConfig struct {
	Token               string `yaml:"token" mapstructure:"token"`
	BaseURL             string `yaml:"base_url" mapstructure:"base_url"`
	MarketplaceID       string `yaml:"marketplace_id" mapstructure:"marketplace_id"`
	MerchantLocationKey string `yaml:"merchant_location_key" mapstructure:"merchant_location_key"`
	FulfillmentPolicyID string `yaml:"fulfillment_policy_id" mapstructure:"fulfillment_policy_id"`
	PaymentPolicyID     string `yaml:"payment_policy_id" mapstructure:"payment_policy_id"`
	ReturnPolicyID      string `yaml:"return_policy_id" mapstructure:"return_policy_id"`
	CategoryID          string `yaml:"category_id" mapstructure:"category_id"`
}

// ReconcileConfig points at the optional key-feature rules file.
type ReconcileConfig struct {
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StallMinutes         int     `yaml:"stall_minutes" mapstructure:"stall_minutes"`
	// RealertMinutes holds back a repeat of a still-firing alert.
	RealertMinutes int `yaml:"realert_minutes" mapstructure:"realert_minutes"`
}

// Load reads configuration from config.yaml and LISTING_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "listing.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 10)
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_cooldown_secs", 30)
	v.SetDefault("pipeline.confidence_threshold", 80)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 100)
	v.SetDefault("pipeline.recover_interval_secs", 60)
	v.SetDefault("pipeline.log_retention_days", 30)
	v.SetDefault("pipeline.refresh_timeout_secs", 120)
	v.SetDefault("ingest.max_images", 10)
	v.SetDefault("ingest.max_image_bytes", 10<<20)
	v.SetDefault("ingest.allowed_types", []string{"image/jpeg", "image/png", "image/webp", "image/gif"})
	v.SetDefault("media.backend", "local")
	v.SetDefault("media.dir", "media")
	v.SetDefault("media.base_url", "/media")
	v.SetDefault("media.ftp.timeout_secs", 30)
	v.SetDefault("notify.channel", "listing_changes")
	v.SetDefault("scheduler.backend", "queue")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "listing-stages")
	v.SetDefault("temporal.stage_timeout_hours", 0)
	v.SetDefault("ratelimit.requests_per_second", 2)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.ttl_secs", 600)
	v.SetDefault("publish.salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("publish.salesforce.rps", 5)
	v.SetDefault("publish.ebay.base_url", "https://api.ebay.com")
	v.SetDefault("publish.ebay.marketplace_id", "EBAY_US")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stall_minutes", 30)
	v.SetDefault("monitoring.realert_minutes", 60)

	// Secrets have no default but must be known keys so env vars bind on Unmarshal.
	for _, key := range []string{
		"store.database_url", "anthropic.key", "perplexity.key",
		"media.ftp.addr", "media.ftp.user", "media.ftp.password",
		"publish.notion.token", "publish.notion.database_id",
		"publish.salesforce.client_id", "publish.salesforce.username", "publish.salesforce.key_path",
		"publish.ebay.token", "pipeline.auto_publish_platform", "reconcile.rules_path",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command mode depends on. Modes are
// "serve", "worker" and "cli".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "serve", "worker", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}

	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 100 {
		problems = append(problems, "pipeline.confidence_threshold must be between 0 and 100")
	}

	switch c.Pipeline.AutoPublishPlatform {
	case "", "notion", "salesforce", "ebay":
	default:
		problems = append(problems, fmt.Sprintf("pipeline.auto_publish_platform %q is not supported", c.Pipeline.AutoPublishPlatform))
	}

	if mode == "serve" || mode == "worker" {
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Perplexity.Key == "" {
			problems = append(problems, "perplexity.key is required")
		}
		if c.Pipeline.Workers < 1 {
			problems = append(problems, "pipeline.workers must be >= 1")
		}
		switch c.Scheduler.Backend {
		case "queue", "temporal":
		default:
			problems = append(problems, fmt.Sprintf("scheduler.backend %q is not one of queue, temporal", c.Scheduler.Backend))
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		switch c.Media.Backend {
		case "local":
		case "ftp":
			if c.Media.FTP.Addr == "" {
				problems = append(problems, "media.ftp.addr is required for the ftp backend")
			}
		default:
			problems = append(problems, fmt.Sprintf("media.backend %q is not one of local, ftp", c.Media.Backend))
		}
		if c.Ingest.MaxImages < 1 {
			problems = append(problems, "ingest.max_images must be >= 1")
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1) {
			problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if consoleFormat(cfg.Format, os.Stderr.Fd()) {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// consoleFormat reports whether logs written to fd use the console encoder.
// "auto" picks console for an interactive terminal and JSON otherwise.
func consoleFormat(format string, fd uintptr) bool {
	switch format {
	case "console":
		return true
	case "auto":
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	default:
		return false
	}
}
