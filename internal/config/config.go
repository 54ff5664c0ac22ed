// Package config loads rsctl settings from rsctl.yaml, RS_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/export"
	"github.com/Sternrassler/risksense-client/pkg/pagination"
)

// EnvPrefix prefixes environment overrides, e.g. RS_PLATFORM_API_KEY.
const EnvPrefix = "RS"

// Config is the complete CLI configuration.
type Config struct {
	Platform PlatformConfig `mapstructure:"platform"`
	Search   SearchConfig   `mapstructure:"search"`
	Export   ExportConfig   `mapstructure:"export"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type PlatformConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	ClientID int           `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SearchConfig struct {
	PageSize          int     `mapstructure:"page_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type ExportConfig struct {
	OutDir      string        `mapstructure:"out_dir"`
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// RedisConfig locates the export job store. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig enables a /metrics listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"base-url":     "platform.base_url",
	"api-key":      "platform.api_key",
	"client-id":    "platform.client_id",
	"timeout":      "platform.timeout",
	"page-size":    "search.page_size",
	"concurrency":  "search.concurrency",
	"rps":          "search.requests_per_second",
	"out-dir":      "export.out_dir",
	"max-wait":     "export.max_wait",
	"redis-addr":   "redis.addr",
	"log-level":    "log.level",
	"pretty":       "log.pretty",
	"metrics-addr": "metrics.addr",
}

func setDefaults(v *viper.Viper) {
	poll := export.DefaultPollConfig()

	v.SetDefault("platform.base_url", client.DefaultBaseURL)
	v.SetDefault("platform.timeout", 30*time.Second)
	v.SetDefault("search.page_size", 1000)
	v.SetDefault("search.concurrency", pagination.DefaultConfig().MaxConcurrency)
	v.SetDefault("export.out_dir", ".")
	v.SetDefault("export.poll_initial", poll.InitialInterval)
	v.SetDefault("export.poll_max", poll.MaxInterval)
	v.SetDefault("export.max_wait", poll.MaxWait)
	v.SetDefault("log.level", "info")
}

// Load reads configuration. With an explicit path the file must exist;
// otherwise rsctl.yaml is looked up in the working directory and
// $HOME/.config/rsctl and is optional. Flags that were set on the command
// line override everything else. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows.
	for _, key := range []string{"platform.api_key", "platform.client_id", "redis.addr", "redis.password", "redis.db", "log.pretty", "metrics.addr", "search.requests_per_second"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rsctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/rsctl")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every platform command needs.
func (c Config) Validate() error {
	var errs []error
	if c.Platform.BaseURL == "" {
		errs = append(errs, errors.New("platform.base_url is required"))
	}
	if c.Platform.APIKey == "" {
		errs = append(errs, errors.New("platform.api_key is required (or RS_PLATFORM_API_KEY)"))
	}
	if c.Platform.ClientID <= 0 {
		errs = append(errs, errors.New("platform.client_id must be positive"))
	}
	if c.Search.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("search.page_size must be positive, got %d", c.Search.PageSize))
	}
	if c.Search.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("search.concurrency must be positive, got %d", c.Search.Concurrency))
	}
	return errors.Join(errs...)
}

// ClientConfig returns the HTTP client configuration.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.Platform.BaseURL, c.Platform.APIKey)
	if c.Platform.Timeout > 0 {
		cfg.Timeout = c.Platform.Timeout
	}
	return cfg
}

// PaginationConfig returns the page fetch configuration.
func (c Config) PaginationConfig() pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.MaxConcurrency = c.Search.Concurrency
	cfg.RequestsPerSecond = c.Search.RequestsPerSecond
	return cfg
}

// PollConfig returns the export polling policy.
func (c Config) PollConfig() export.PollConfig {
	cfg := export.DefaultPollConfig()
	if c.Export.PollInitial > 0 {
		cfg.InitialInterval = c.Export.PollInitial
	}
	if c.Export.PollMax > 0 {
		cfg.MaxInterval = c.Export.PollMax
	}
	if c.Export.MaxWait > 0 {
		cfg.MaxWait = c.Export.MaxWait
	}
	return cfg
}
