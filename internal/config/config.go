package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Crawl     CrawlConfig     `yaml:"crawl" mapstructure:"crawl"`
	Triage    TriageConfig    `yaml:"triage" mapstructure:"triage"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Goldset   GoldsetConfig   `yaml:"goldset" mapstructure:"goldset"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Sources   []SourceSeed    `yaml:"sources" mapstructure:"sources"`
}

// SourceSeed declares one crawl target. Seeds are upserted at startup;
// sources are never deleted, only disabled by sustained failure.
type SourceSeed struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Kind string `yaml:"kind" mapstructure:"kind"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// CrawlConfig configures source fetching.
type CrawlConfig struct {
	Concurrency        int     `yaml:"concurrency" mapstructure:"concurrency"`
	PerHostRate        float64 `yaml:"per_host_rate" mapstructure:"per_host_rate"`
	HostBurst          int     `yaml:"host_burst" mapstructure:"host_burst"`
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent          string  `yaml:"user_agent" mapstructure:"user_agent"`
	BackoffBaseSecs    int     `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffCapExponent int     `yaml:"backoff_cap_exponent" mapstructure:"backoff_cap_exponent"`
	DisableThreshold   int     `yaml:"disable_threshold" mapstructure:"disable_threshold"`
}

// TriageConfig configures the relevance prefilter.
type TriageConfig struct {
	MinScore     float64 `yaml:"min_score" mapstructure:"min_score"`
	OntologyPath string  `yaml:"ontology_path" mapstructure:"ontology_path"`
}

// QueueConfig configures the extraction work queue.
type QueueConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	LeaseSecs   int `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// ExtractConfig configures the inference stage.
type ExtractConfig struct {
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int `yaml:"max_retries" mapstructure:"max_retries"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// NotifyConfig configures run digests.
type NotifyConfig struct {
	WebhookURL    string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// ScheduleConfig configures the run cadence.
type ScheduleConfig struct {
	Cron           string `yaml:"cron" mapstructure:"cron"`
	RunTimeoutMins int    `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
}

// GoldsetConfig configures the offline accuracy gate.
type GoldsetConfig struct {
	FixturesPath string  `yaml:"fixtures_path" mapstructure:"fixtures_path"`
	Threshold    float64 `yaml:"threshold" mapstructure:"threshold"`
}

// ServerConfig configures the operational HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COVERAGE_WATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.path", "coverage-watch.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.per_host_rate", 2.0)
	v.SetDefault("crawl.host_burst", 2)
	v.SetDefault("crawl.timeout_secs", 30)
	v.SetDefault("crawl.user_agent", "coverage-watch/1.0")
	v.SetDefault("crawl.backoff_base_secs", 60)
	v.SetDefault("crawl.backoff_cap_exponent", 6)
	v.SetDefault("crawl.disable_threshold", 5)
	v.SetDefault("triage.min_score", 2.0)
	v.SetDefault("triage.ontology_path", "")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.lease_secs", 120)
	v.SetDefault("extract.timeout_secs", 60)
	v.SetDefault("extract.max_retries", 2)
	v.SetDefault("extract.concurrency", 2)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.min_confidence", 0.7)
	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("schedule.run_timeout_mins", 30)
	v.SetDefault("goldset.fixtures_path", "")
	v.SetDefault("goldset.threshold", 0.8)

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

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
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
