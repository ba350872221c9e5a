// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/extract"
	"github.com/JakeFAU/chapterd/internal/navigator/browser"
	"github.com/JakeFAU/chapterd/internal/navigator/static"
	"github.com/JakeFAU/chapterd/internal/retry"
)

// EnvPrefix is prepended to every environment override, e.g.
// CHAPTERD_ACCOUNT_SECRET for account.secret.
const EnvPrefix = "CHAPTERD"

const maxImageConcurrency = 8

// Navigator drivers.
const (
	DriverBrowser = "browser"
	DriverStatic  = "static"
)

// Summary archive backends.
const (
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
	ArchiveNone  = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Account   AccountConfig   `mapstructure:"account"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Retry     RetryConfig     `mapstructure:"retry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Navigator NavigatorConfig `mapstructure:"navigator"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Events    EventsConfig    `mapstructure:"events"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AccountConfig holds the site login. Prefer the CHAPTERD_ACCOUNT_* env vars.
type AccountConfig struct {
	Identifier string `mapstructure:"identifier"`
	Secret     string `mapstructure:"secret"`
}

// Account converts the section into the redacting download.Account.
func (a AccountConfig) Account() download.Account {
	return download.Account{Identifier: a.Identifier, Secret: a.Secret}
}

// String never prints the secret.
func (a AccountConfig) String() string {
	return a.Account().String()
}

// DownloadsConfig governs where and how chapters are written.
type DownloadsConfig struct {
	Root             string        `mapstructure:"root"`
	ImageConcurrency int           `mapstructure:"image_concurrency"`
	RequeueBatches   bool          `mapstructure:"requeue_batches"`
	MinImagesOK      int           `mapstructure:"min_images_ok"`
	MinImagesPartial int           `mapstructure:"min_images_partial"`
	SummaryName      string        `mapstructure:"summary_name"`
	FinalizeTimeout  time.Duration `mapstructure:"finalize_timeout"`
	ValidateImages   bool          `mapstructure:"validate_images"`
}

// RetryConfig bounds every retried network operation.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// Policy builds the retry policy.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.NewPolicy()
	p.MaxAttempts = r.MaxAttempts
	p.BaseDelay = r.BaseDelay
	p.MaxDelay = r.MaxDelay
	p.Jitter = r.Jitter
	return p
}

// HTTPConfig configures the asset client and the identity every driver shares.
type HTTPConfig struct {
	Timeout        time.Duration     `mapstructure:"timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	RateLimitRPS   float64           `mapstructure:"rate_limit_rps"`
	RateLimitBurst int               `mapstructure:"rate_limit_burst"`
	RespectRobots  bool              `mapstructure:"respect_robots"`
	Headers        map[string]string `mapstructure:"headers"`
}

// Header converts Headers into an http.Header.
func (h HTTPConfig) Header() http.Header {
	out := make(http.Header, len(h.Headers))
	for k, v := range h.Headers {
		out.Set(k, v)
	}
	return out
}

// NavigatorConfig selects and tunes the chapter navigator.
type NavigatorConfig struct {
	Driver        string         `mapstructure:"driver"`
	RequiresLogin bool           `mapstructure:"requires_login"`
	Browser       browser.Config `mapstructure:"browser"`
	Static        static.Config  `mapstructure:"static"`
	Rules         extract.Rules  `mapstructure:"rules"`

	// HostRules override Rules per host, for works spread over mirrors
	// with different reader layouts.
	HostRules []extract.HostRules `mapstructure:"host_rules"`
}

// QueueConfig sizes the ticket queue and the worker pool.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
	Workers  int `mapstructure:"workers"`
}

// EventsConfig tunes the progress hub and its sinks.
type EventsConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SinkQueue        int           `mapstructure:"sink_queue"`
	MaxLogs          int           `mapstructure:"max_logs"`
	LogSink          bool          `mapstructure:"log_sink"`
	PrometheusSink   bool          `mapstructure:"prometheus_sink"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

// StorageConfig selects the run summary archive.
type StorageConfig struct {
	Archive     string `mapstructure:"archive"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	CheckBucket bool   `mapstructure:"check_bucket"`
}

// DatabaseConfig controls the Postgres event ledger.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	DSN             string        `mapstructure:"dsn"`
	EventsTable     string        `mapstructure:"events_table"`
	SummariesTable  string        `mapstructure:"summaries_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds the upload handoff target.
type PubSubConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ProjectID    string `mapstructure:"project_id"`
	HandoffTopic string `mapstructure:"handoff_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls run tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// New returns a Viper instance with defaults and env overrides applied.
// Commands bind their flags onto it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return Config{}, err
	}
	return Decode(v)
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (Config, error) {
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("account.identifier", "")
	v.SetDefault("account.secret", "")
	v.SetDefault("downloads.root", "downloads")
	v.SetDefault("downloads.image_concurrency", 1)
	v.SetDefault("downloads.requeue_batches", false)
	v.SetDefault("downloads.min_images_ok", 3)
	v.SetDefault("downloads.min_images_partial", 1)
	v.SetDefault("downloads.summary_name", "summary.json")
	v.SetDefault("downloads.finalize_timeout", "15s")
	v.SetDefault("downloads.validate_images", true)
	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", retry.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("retry.jitter", 0.0)
	v.SetDefault("http.timeout", "45s")
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.rate_limit_rps", 4.0)
	v.SetDefault("http.rate_limit_burst", 2)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("navigator.driver", DriverBrowser)
	v.SetDefault("navigator.requires_login", true)
	v.SetDefault("navigator.browser.headless", true)
	v.SetDefault("navigator.browser.login_url", "")
	v.SetDefault("navigator.static.login_url", "")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("queue.workers", 1)
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.max_batch_events", 1000)
	v.SetDefault("events.max_batch_wait", "500ms")
	v.SetDefault("events.sink_timeout", "10s")
	v.SetDefault("events.sink_queue", 16)
	v.SetDefault("events.max_logs", 300)
	v.SetDefault("events.log_sink", true)
	v.SetDefault("events.prometheus_sink", true)
	v.SetDefault("events.heartbeat", "15s")
	v.SetDefault("storage.archive", ArchiveLocal)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "summaries")
	v.SetDefault("storage.check_bucket", true)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.events_table", "download_events")
	v.SetDefault("database.summaries_table", "run_summaries")
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.handoff_topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "chapterd")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(strings.TrimSpace(c.Downloads.Root) != "", "downloads.root is required")
	check(c.Downloads.ImageConcurrency >= 1 && c.Downloads.ImageConcurrency <= maxImageConcurrency,
		fmt.Sprintf("downloads.image_concurrency must be between 1 and %d", maxImageConcurrency))
	check(c.Downloads.MinImagesPartial >= 1, "downloads.min_images_partial must be >= 1")
	check(c.Downloads.MinImagesOK >= c.Downloads.MinImagesPartial,
		"downloads.min_images_ok must be >= downloads.min_images_partial")
	check(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be >= 1")
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be > 0")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must be >= retry.base_delay")
	check(c.Retry.Jitter >= 0 && c.Retry.Jitter <= 1, "retry.jitter must be between 0 and 1")
	check(c.HTTP.Timeout > 0, "http.timeout must be > 0")
	check(c.Navigator.Driver == DriverBrowser || c.Navigator.Driver == DriverStatic,
		"navigator.driver must be browser or static")
	if c.Navigator.RequiresLogin {
		check(c.Account.Identifier != "" && c.Account.Secret != "",
			"account.identifier and account.secret are required when navigator.requires_login is set")
		check(c.loginURL() != "", "a login_url is required for the selected navigator driver")
	}
	check(c.Queue.Capacity >= 1, "queue.capacity must be >= 1")
	check(c.Queue.Workers >= 1, "queue.workers must be >= 1")
	switch c.Storage.Archive {
	case ArchiveLocal, ArchiveNone:
	case ArchiveGCS:
		check(c.Storage.GCSBucket != "", "storage.gcs_bucket is required for the gcs archive")
	default:
		errs = append(errs, fmt.Errorf("storage.archive must be local, gcs or none, got %q", c.Storage.Archive))
	}
	check(!c.Database.Enabled || c.Database.DSN != "", "database.dsn is required when the ledger is enabled")
	if c.PubSub.Enabled {
		check(c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub is enabled")
		check(c.PubSub.HandoffTopic != "", "pubsub.handoff_topic is required when pubsub is enabled")
	}
	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1, "telemetry.sample_ratio must be between 0 and 1")
	return errors.Join(errs...)
}

func (c Config) loginURL() string {
	if c.Navigator.Driver == DriverStatic {
		return c.Navigator.Static.LoginURL
	}
	return c.Navigator.Browser.LoginURL
}

// BrowserConfig returns the browser driver settings with the shared HTTP
// identity and extraction rules folded in.
func (c Config) BrowserConfig() browser.Config {
	out := c.Navigator.Browser
	if out.UserAgent == "" {
		out.UserAgent = c.HTTP.UserAgent
	}
	out.ExtraHeaders = c.HTTP.Header()
	out.Rules = c.Navigator.Rules
	out.HostRules = c.Navigator.HostRules
	return out
}

// StaticConfig returns the static driver settings with the shared HTTP
// identity and extraction rules folded in.
func (c Config) StaticConfig() static.Config {
	out := c.Navigator.Static
	if out.UserAgent == "" {
		out.UserAgent = c.HTTP.UserAgent
	}
	if out.Timeout <= 0 {
		out.Timeout = c.HTTP.Timeout
	}
	out.ExtraHeaders = c.HTTP.Header()
	out.Rules = c.Navigator.Rules
	out.HostRules = c.Navigator.HostRules
	return out
}
