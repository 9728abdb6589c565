package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Defaults
const (
	DefaultFoundationsFile = "foundations.json"
	DefaultDatadogURL      = "https://api.datadoghq.com"
	DefaultTimeRangeHours  = 1
	DefaultDatadogTimeout  = 30 * time.Second
	DefaultStartTimestamp  = 1514764800 // 2018-01-01T00:00:00Z
	DefaultWindowPolicy    = WindowExtend
	DefaultPointPrecision  = PrecisionMillis
	DefaultStoreBackend    = BackendBadger
	DefaultStorePath       = "./data/tinysync"
	DefaultMaxMemoryMB     = 48
	DefaultStoreTimeout    = 30 * time.Second
	DefaultLogLevel        = "info"
)

// Window policies
const (
	WindowExtend = "extend"
	WindowFixed  = "fixed"
)

// Point timestamp precisions
const (
	PrecisionMillis  = "ms"
	PrecisionSeconds = "s"
)

// Store backends
const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const secondsPerHour = 3600

// Config holds every recognised option.
type Config struct {
	FoundationsFile string        `mapstructure:"foundations_file"`
	QueriesFile     string        `mapstructure:"queries_file"`
	Datadog         DatadogConfig `mapstructure:"datadog"`
	Sync            SyncConfig    `mapstructure:"sync"`
	Writer          WriterConfig  `mapstructure:"writer"`
	Store           StoreConfig   `mapstructure:"store"`
	Stats           StatsConfig   `mapstructure:"stats"`
	Log             LogConfig     `mapstructure:"log"`
}

// DatadogConfig holds the source API settings.
type DatadogConfig struct {
	URL       string        `mapstructure:"url"`
	APIKey    string        `mapstructure:"api_key"`
	AppKey    string        `mapstructure:"app_key"`
	TimeRange int           `mapstructure:"time_range"` // hours per query window
	Timeout   time.Duration `mapstructure:"timeout"`
}

// SyncConfig controls where a sweep starts and how windows advance.
type SyncConfig struct {
	StartTimestamp int64  `mapstructure:"start_timestamp"`
	WindowPolicy   string `mapstructure:"window_policy"`
	PointPrecision string `mapstructure:"point_precision"`
}

// WriterConfig controls point decoding.
type WriterConfig struct {
	SkipNullPoints bool `mapstructure:"skip_null_points"`
}

// StoreConfig selects and sizes the destination backend.
type StoreConfig struct {
	Backend     string        `mapstructure:"backend"`
	Path        string        `mapstructure:"path"`
	MaxMemoryMB int64         `mapstructure:"max_memory_mb"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// StatsConfig controls run statistics output.
type StatsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TimeRangeSeconds is the query window size in seconds.
func (c *Config) TimeRangeSeconds() int64 {
	return int64(c.Datadog.TimeRange) * secondsPerHour
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"foundations-file": "foundations_file",
	"queries-file":     "queries_file",
	"time-range":       "datadog.time_range",
	"datadog-api-key":  "datadog.api_key",
	"datadog-app-key":  "datadog.app_key",
	"datadog-url":      "datadog.url",
	"start-timestamp":  "sync.start_timestamp",
	"window-policy":    "sync.window_policy",
	"store-backend":    "store.backend",
	"store-path":       "store.path",
	"stats-textfile":   "stats.textfile",
	"log-level":        "log.level",
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "optional config file (yaml, json or toml)")
	fs.StringP("foundations-file", "f", DefaultFoundationsFile, "the JSON foundations file")
	fs.StringP("queries-file", "q", "", "the JSON queries file")
	fs.IntP("time-range", "t", DefaultTimeRangeHours, "Datadog query window (hours)")
	fs.StringP("datadog-api-key", "a", "", "Datadog API key")
	fs.StringP("datadog-app-key", "k", "", "Datadog application key")
	fs.String("datadog-url", DefaultDatadogURL, "Datadog API base URL")
	fs.Int64("start-timestamp", DefaultStartTimestamp, "epoch seconds to start from when a metric has no stored data")
	fs.String("window-policy", DefaultWindowPolicy, "window advance policy: extend or fixed")
	fs.String("store-backend", DefaultStoreBackend, "destination store: badger, sqlite or memory")
	fs.StringP("store-path", "d", DefaultStorePath, "destination store path")
	fs.String("stats-textfile", "", "write run statistics in Prometheus text format to this file")
	fs.StringP("log-level", "l", DefaultLogLevel, "log level: debug, info, warn, error")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("foundations_file", DefaultFoundationsFile)
	v.SetDefault("queries_file", "")
	v.SetDefault("datadog.url", DefaultDatadogURL)
	v.SetDefault("datadog.api_key", "")
	v.SetDefault("datadog.app_key", "")
	v.SetDefault("datadog.time_range", DefaultTimeRangeHours)
	v.SetDefault("datadog.timeout", DefaultDatadogTimeout)
	v.SetDefault("sync.start_timestamp", DefaultStartTimestamp)
	v.SetDefault("sync.window_policy", DefaultWindowPolicy)
	v.SetDefault("sync.point_precision", DefaultPointPrecision)
	v.SetDefault("writer.skip_null_points", false)
	v.SetDefault("store.backend", DefaultStoreBackend)
	v.SetDefault("store.path", DefaultStorePath)
	v.SetDefault("store.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("store.timeout", DefaultStoreTimeout)
	v.SetDefault("stats.textfile", "")
	v.SetDefault("log.level", DefaultLogLevel)
}

// Load reads configuration from (in decreasing priority):
//  1. command-line flags registered with RegisterFlags (fs may be nil)
//  2. environment variables (e.g. DATADOG_API_KEY, STORE_PATH)
//  3. the file named by --config, if any
//  4. defaults
//
// The returned config is not validated; call Validate or ValidateStore.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks every setting the sync command needs and reports all
// problems at once.
func (c *Config) Validate() error {
	var err error
	if c.FoundationsFile == "" {
		err = multierr.Append(err, errors.New("foundations_file is required"))
	}
	if c.QueriesFile == "" {
		err = multierr.Append(err, errors.New("queries_file is required"))
	}
	if c.Datadog.APIKey == "" {
		err = multierr.Append(err, errors.New("datadog.api_key is required"))
	}
	if c.Datadog.AppKey == "" {
		err = multierr.Append(err, errors.New("datadog.app_key is required"))
	}
	if c.Datadog.URL == "" {
		err = multierr.Append(err, errors.New("datadog.url is required"))
	}
	if c.Datadog.TimeRange <= 0 {
		err = multierr.Append(err, fmt.Errorf("datadog.time_range must be positive, got %d", c.Datadog.TimeRange))
	}
	if c.Datadog.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("datadog.timeout must be positive, got %s", c.Datadog.Timeout))
	}
	if c.Sync.StartTimestamp <= 0 {
		err = multierr.Append(err, fmt.Errorf("sync.start_timestamp must be positive, got %d", c.Sync.StartTimestamp))
	}
	if c.Sync.WindowPolicy != WindowExtend && c.Sync.WindowPolicy != WindowFixed {
		err = multierr.Append(err, fmt.Errorf("sync.window_policy must be %q or %q, got %q", WindowExtend, WindowFixed, c.Sync.WindowPolicy))
	}
	if c.Sync.PointPrecision != PrecisionMillis && c.Sync.PointPrecision != PrecisionSeconds {
		err = multierr.Append(err, fmt.Errorf("sync.point_precision must be %q or %q, got %q", PrecisionMillis, PrecisionSeconds, c.Sync.PointPrecision))
	}
	return multierr.Append(err, c.ValidateStore())
}

// ValidateStore checks the store and logging settings only.
func (c *Config) ValidateStore() error {
	var err error
	switch c.Store.Backend {
	case BackendBadger, BackendSQLite:
		if c.Store.Path == "" {
			err = multierr.Append(err, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case BackendMemory:
	default:
		err = multierr.Append(err, fmt.Errorf("store.backend must be one of badger, sqlite, memory, got %q", c.Store.Backend))
	}
	if c.Store.MaxMemoryMB < 0 {
		err = multierr.Append(err, fmt.Errorf("store.max_memory_mb must not be negative, got %d", c.Store.MaxMemoryMB))
	}
	if c.Store.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("store.timeout must be positive, got %s", c.Store.Timeout))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return err
}
