// Package config loads the engine's configuration from environment
// variables and optional config files via viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for an embedded engine instance.
type Config struct {
	Name           string          `mapstructure:"name"`
	Debug          bool            `mapstructure:"debug"`
	MaxConcurrency int             `mapstructure:"max_concurrency"`
	DebounceMs     int             `mapstructure:"debounce_ms"`
	MaxCascadeDepth int            `mapstructure:"max_cascade_depth"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	ActionTimeout   time.Duration  `mapstructure:"action_timeout"`

	Facts       FactsConfig       `mapstructure:"facts"`
	Events      EventsConfig      `mapstructure:"events"`
	Rules       RulesConfig       `mapstructure:"rules"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Timers      TimersConfig      `mapstructure:"timers"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// FactsConfig tunes the fact store.
type FactsConfig struct {
	SubscriberQueueSize int `mapstructure:"subscriber_queue_size"`
}

// EventsConfig tunes the event store retention ring.
type EventsConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// RulesConfig tunes rule registration and evaluation.
type RulesConfig struct {
	Strict bool `mapstructure:"strict"`
}

// PersistenceConfig names a storage adapter key used to persist rules.
type PersistenceConfig struct {
	Adapter string `mapstructure:"adapter"`
	Key     string `mapstructure:"key"`
}

// TimersConfig tunes timer persistence.
type TimersConfig struct {
	Adapter           string        `mapstructure:"adapter"`
	CheckInterval     time.Duration `mapstructure:"check_interval"`
}

// AuditConfig tunes the audit log and its optional persistence.
type AuditConfig struct {
	Adapter          string        `mapstructure:"adapter"`
	RetentionMs      time.Duration `mapstructure:"retention_ms"`
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxMemoryEntries int           `mapstructure:"max_memory_entries"`
	TraceQueueSize   int           `mapstructure:"trace_queue_size"`
}

// TracingConfig tunes the in-memory trace bus.
type TracingConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxEntries int  `mapstructure:"max_entries"`
}

// MetricsConfig tunes Prometheus metrics emission.
type MetricsConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	PerRuleMetrics   bool   `mapstructure:"per_rule_metrics"`
	MaxLabeledRules  int    `mapstructure:"max_labeled_rules"`
	HistogramBuckets []float64 `mapstructure:"histogram_buckets"`
	Prefix           string `mapstructure:"prefix"`
}

// OpenTelemetryConfig tunes OpenTelemetry span emission.
type OpenTelemetryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ServiceName     string `mapstructure:"service_name"`
	TraceConditions bool   `mapstructure:"trace_conditions"`
}

// NotificationsConfig configures example ServiceRegistry clients.
type NotificationsConfig struct {
	Email EmailConfig `mapstructure:"email"`
	SMS   SMSConfig   `mapstructure:"sms"`
}

// EmailConfig configures the SendGrid-backed email service.
type EmailConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	APIKey          string        `mapstructure:"api_key"`
	FromAddress     string        `mapstructure:"from_address"`
	FromName        string        `mapstructure:"from_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// SMSConfig configures the Twilio-backed SMS service.
type SMSConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AccountSID      string        `mapstructure:"account_sid"`
	AuthToken       string        `mapstructure:"auth_token"`
	FromNumber      string        `mapstructure:"from_number"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"` // json, text
	IncludeSource bool   `mapstructure:"include_source"`
}

// Load loads configuration from environment variables and an optional
// config file, falling back to defaults when neither is present.
func Load() (Config, error) {
	viper.SetConfigName("engine")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RULE_ENGINE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("name", "rule-engine")
	viper.SetDefault("debug", false)
	viper.SetDefault("max_concurrency", 0) // 0 => runtime.NumCPU()
	viper.SetDefault("debounce_ms", 0)
	viper.SetDefault("max_cascade_depth", 64)
	viper.SetDefault("shutdown_timeout", "30s")
	viper.SetDefault("action_timeout", "30s")

	viper.SetDefault("facts.subscriber_queue_size", 64)

	viper.SetDefault("events.max_events", 10000)
	viper.SetDefault("events.max_age", "24h")

	viper.SetDefault("rules.strict", false)

	viper.SetDefault("timers.check_interval", "250ms")

	viper.SetDefault("audit.retention_ms", "24h")
	viper.SetDefault("audit.batch_size", 100)
	viper.SetDefault("audit.flush_interval", "5s")
	viper.SetDefault("audit.max_memory_entries", 5000)
	viper.SetDefault("audit.trace_queue_size", 256)

	viper.SetDefault("tracing.enabled", true)
	viper.SetDefault("tracing.max_entries", 2000)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.per_rule_metrics", true)
	viper.SetDefault("metrics.max_labeled_rules", 200)
	viper.SetDefault("metrics.histogram_buckets", []float64{.001, .005, .01, .05, .1, .5, 1, 5})
	viper.SetDefault("metrics.prefix", "rule_engine")

	viper.SetDefault("opentelemetry.enabled", false)
	viper.SetDefault("opentelemetry.service_name", "rule-engine")
	viper.SetDefault("opentelemetry.trace_conditions", false)

	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.timeout", "10s")
	viper.SetDefault("notifications.email.rate_limit_per_min", 60)

	viper.SetDefault("notifications.sms.enabled", false)
	viper.SetDefault("notifications.sms.timeout", "10s")
	viper.SetDefault("notifications.sms.rate_limit_per_min", 30)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.include_source", false)
}
