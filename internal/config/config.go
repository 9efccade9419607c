// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. GHOSTFETCH_POOL_CAPACITY.
const EnvPrefix = "GHOSTFETCH"

// DefaultUserAgent is sent by both session backends unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Session SessionConfig `mapstructure:"session"`
	Store   StoreConfig   `mapstructure:"store"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// PoolConfig sizes the session pool. Capacity is also the worker count.
type PoolConfig struct {
	Capacity     int `mapstructure:"capacity"`
	RecycleAfter int `mapstructure:"recycle_after"`
}

// PacingConfig controls per-host admission spacing.
type PacingConfig struct {
	MinSpacing time.Duration `mapstructure:"min_spacing"`
}

// WorkerConfig governs each fetch attempt.
type WorkerConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// RetryConfig bounds exponential backoff between attempts.
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// SyncConfig bounds how long POST /fetch/sync may wait.
type SyncConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

// JobsConfig controls retention of terminal jobs.
type JobsConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// ReaperConfig schedules TTL purges.
type ReaperConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// ProxyConfig points at the proxy list and rotation strategy.
type ProxyConfig struct {
	Strategy string `mapstructure:"strategy"`
	File     string `mapstructure:"file"`
}

// SessionConfig configures browser sessions.
type SessionConfig struct {
	Backend           string        `mapstructure:"backend"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// StoreConfig selects the durable job store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

// NotifyConfig bounds callback delivery.
type NotifyConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	Workers     int           `mapstructure:"workers"`
}

// PubSubConfig enables pubsub:// callbacks when ProjectID is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ArchiveConfig selects where raw HTML is archived.
type ArchiveConfig struct {
	Driver   string `mapstructure:"driver"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	IntakeRPS      float64       `mapstructure:"intake_rps"`
	IntakeBurst    int           `mapstructure:"intake_burst"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls OpenTelemetry span recording.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from defaults, an optional YAML file and the
// environment. envFiles are loaded into the process environment first; when
// none are given ".env" is tried. Missing env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.capacity", 2)
	v.SetDefault("pool.recycle_after", 50)
	v.SetDefault("pacing.min_spacing", 10*time.Second)
	v.SetDefault("worker.attempt_timeout", 90*time.Second)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("sync.default_timeout", 120*time.Second)
	v.SetDefault("sync.max_timeout", 300*time.Second)
	v.SetDefault("jobs.ttl", 24*time.Hour)
	v.SetDefault("reaper.schedule", "@every 1h")
	v.SetDefault("proxy.strategy", "round_robin")
	v.SetDefault("proxy.file", "proxies.txt")
	v.SetDefault("session.backend", "headless")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.user_agent", DefaultUserAgent)
	v.SetDefault("session.settle_delay", 2*time.Second)
	v.SetDefault("session.navigation_timeout", 60*time.Second)
	v.SetDefault("session.exec_path", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "storage/jobs.db")
	v.SetDefault("store.table", "jobs")
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.base_delay", time.Second)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.queue_depth", 256)
	v.SetDefault("notify.workers", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.local_dir", "storage/html")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.intake_rps", 0.0)
	v.SetDefault("server.intake_burst", 10)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ghostfetch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Pool.Capacity >= 1, "pool.capacity must be >= 1")
	check(c.Pool.RecycleAfter >= 0, "pool.recycle_after must be >= 0")
	check(c.Pacing.MinSpacing >= 0, "pacing.min_spacing must be >= 0")
	check(c.Worker.AttemptTimeout > 0, "worker.attempt_timeout must be > 0")
	check(c.Worker.MaxAttempts >= 1, "worker.max_attempts must be >= 1")
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be > 0")
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be > 0")
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay, "retry.max_delay must be >= retry.base_delay")
	check(c.Sync.DefaultTimeout > 0, "sync.default_timeout must be > 0")
	check(c.Sync.DefaultTimeout <= c.Sync.MaxTimeout, "sync.default_timeout must be <= sync.max_timeout")
	check(c.Jobs.TTL > 0, "jobs.ttl must be > 0")
	check(c.Reaper.Schedule != "", "reaper.schedule must be set")
	check(oneOf(c.Proxy.Strategy, "round_robin", "random"), "proxy.strategy %q is not round_robin or random", c.Proxy.Strategy)
	check(oneOf(c.Session.Backend, "headless", "plain"), "session.backend %q is not headless or plain", c.Session.Backend)
	check(c.Session.NavigationTimeout > 0, "session.navigation_timeout must be > 0")
	check(oneOf(c.Store.Driver, "sqlite", "postgres", "memory"), "store.driver %q is not sqlite, postgres or memory", c.Store.Driver)
	check(c.Store.Driver == "memory" || c.Store.DSN != "", "store.dsn must be set for driver %s", c.Store.Driver)
	check(c.Notify.MaxAttempts >= 1, "notify.max_attempts must be >= 1")
	check(c.Notify.QueueDepth >= 1, "notify.queue_depth must be >= 1")
	check(c.Notify.Workers >= 1, "notify.workers must be >= 1")
	check(oneOf(c.Archive.Driver, "none", "local", "gcs"), "archive.driver %q is not none, local or gcs", c.Archive.Driver)
	check(c.Archive.Driver != "gcs" || c.Archive.Bucket != "", "archive.bucket must be set when archive.driver is gcs")
	check(c.Archive.Driver != "local" || c.Archive.LocalDir != "", "archive.local_dir must be set when archive.driver is local")
	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Server.IntakeRPS >= 0, "server.intake_rps must be >= 0")
	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be within [0, 1]")
	check(!c.Tracing.Enabled || c.Tracing.ServiceName != "", "tracing.service_name must be set when tracing is enabled")

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}
