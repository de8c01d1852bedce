// Package config loads messsync configuration with viper.
//
// Priority (highest to lowest):
//  1. Environment variables with MESSSYNC_ prefix (e.g. MESSSYNC_SYNC_INTERVAL)
//  2. messsync.toml
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MinhajShafin/MessKhata/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESSSYNC"

// Remote kinds.
const (
	RemoteMemory = "memory"
	RemoteRedis  = "redis"
)

// Config holds all messsync configuration
type Config struct {
	Device    DeviceConfig
	Store     StoreConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Notify    NotifyConfig
	Dashboard DashboardConfig
	Log       logging.Config
}

// DeviceConfig identifies this device and its user
type DeviceConfig struct {
	ID       string // Stamped on every local write (default: hostname)
	MemberID string // Member whose expenses and meals notify (empty = all)
}

// StoreConfig holds Local Store settings
type StoreConfig struct {
	Path        string // SQLite database file
	MaxAttempts int    // Rejected push attempts before dead-lettering
}

// RemoteConfig selects and configures the Remote Store Adapter
type RemoteConfig struct {
	Kind          string // memory or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// SyncConfig holds coordinator and scheduler settings
type SyncConfig struct {
	Enabled          bool
	Interval         time.Duration
	BatchSize        int
	InFlightTimeout  time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MaxRetries       int
	CompactInterval  time.Duration
	Retention        time.Duration
	TriggerDir       string
	ResubscribeDelay time.Duration
}

// NotifyConfig holds Notification Dispatcher settings
type NotifyConfig struct {
	Enabled bool
	Timeout time.Duration
}

// DashboardConfig holds WebSocket dashboard settings
type DashboardConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// setDefaults registers built-in defaults on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("device.id", "")
	v.SetDefault("device.member_id", "")

	v.SetDefault("store.path", filepath.Join(".messsync", "mess.db"))
	v.SetDefault("store.max_attempts", 5)

	v.SetDefault("remote.kind", RemoteMemory)
	v.SetDefault("remote.redis_addr", "localhost:6379")
	v.SetDefault("remote.redis_password", "")
	v.SetDefault("remote.redis_db", 0)
	v.SetDefault("remote.key_prefix", "messsync:")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.inflight_timeout", 2*time.Minute)
	v.SetDefault("sync.backoff_initial", time.Second)
	v.SetDefault("sync.backoff_max", 5*time.Minute)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.compact_interval", time.Hour)
	v.SetDefault("sync.retention", 7*24*time.Hour)
	v.SetDefault("sync.trigger_dir", filepath.Join(".messsync", "triggers"))
	v.SetDefault("sync.resubscribe_delay", 30*time.Second)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.timeout", 30*time.Second)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Loader reads configuration and watches it for changes.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader reads path, or messsync.toml from the working directory and
// $HOME/.config/messsync when path is empty. A missing file is not an error.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("messsync")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "messsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}, nil
}

// Load reads and validates configuration in one step.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Config builds and validates the current configuration.
func (l *Loader) Config() (*Config, error) {
	v := l.v
	cfg := &Config{
		Device: DeviceConfig{
			ID:       v.GetString("device.id"),
			MemberID: v.GetString("device.member_id"),
		},
		Store: StoreConfig{
			Path:        v.GetString("store.path"),
			MaxAttempts: v.GetInt("store.max_attempts"),
		},
		Remote: RemoteConfig{
			Kind:          strings.ToLower(v.GetString("remote.kind")),
			RedisAddr:     v.GetString("remote.redis_addr"),
			RedisPassword: v.GetString("remote.redis_password"),
			RedisDB:       v.GetInt("remote.redis_db"),
			KeyPrefix:     v.GetString("remote.key_prefix"),
		},
		Sync: SyncConfig{
			Enabled:          v.GetBool("sync.enabled"),
			Interval:         v.GetDuration("sync.interval"),
			BatchSize:        v.GetInt("sync.batch_size"),
			InFlightTimeout:  v.GetDuration("sync.inflight_timeout"),
			BackoffInitial:   v.GetDuration("sync.backoff_initial"),
			BackoffMax:       v.GetDuration("sync.backoff_max"),
			MaxRetries:       v.GetInt("sync.max_retries"),
			CompactInterval:  v.GetDuration("sync.compact_interval"),
			Retention:        v.GetDuration("sync.retention"),
			TriggerDir:       v.GetString("sync.trigger_dir"),
			ResubscribeDelay: v.GetDuration("sync.resubscribe_delay"),
		},
		Notify: NotifyConfig{
			Enabled: v.GetBool("notify.enabled"),
			Timeout: v.GetDuration("notify.timeout"),
		},
		Dashboard: DashboardConfig{
			Enabled: v.GetBool("dashboard.enabled"),
			Host:    v.GetString("dashboard.host"),
			Port:    v.GetInt("dashboard.port"),
		},
		Log: logging.Config{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
	}

	if cfg.Device.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("device.id is not set and hostname is unavailable: %w", err)
		}
		cfg.Device.ID = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch calls fn with the reloaded configuration whenever the config file
// changes. Invalid edits are logged and ignored; the previous configuration
// stays in effect.
func (l *Loader) Watch(logger *zap.Logger, fn func(*Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.Config()
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name))
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the last configuration built by Config, or nil.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.ID == "" {
		errs = append(errs, fmt.Errorf("device.id is required"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.max_attempts must be at least 1 (got %d)", c.Store.MaxAttempts))
	}
	switch c.Remote.Kind {
	case RemoteMemory:
	case RemoteRedis:
		if c.Remote.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("remote.redis_addr is required for the redis remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.kind must be %q or %q (got %q)", RemoteMemory, RemoteRedis, c.Remote.Kind))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive (got %s)", c.Sync.Interval))
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be at least 1 (got %d)", c.Sync.BatchSize))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries must not be negative (got %d)", c.Sync.MaxRetries))
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		errs = append(errs, fmt.Errorf("sync backoff must satisfy 0 < backoff_initial <= backoff_max (got %s, %s)",
			c.Sync.BackoffInitial, c.Sync.BackoffMax))
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 0 || c.Dashboard.Port > 65535) {
		errs = append(errs, fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
