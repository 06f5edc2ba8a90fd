// Package config loads the Vigil service configuration from file and
// environment via viper, with secrets optionally resolved from HashiCorp
// Vault.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Vigil detection core.
type Config struct {
	Logging struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"logging"`

	ClickHouse struct {
		Addr        string `mapstructure:"addr"`
		Database    string `mapstructure:"database"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		MaxPoolSize int    `mapstructure:"max_pool_size"`
		TLS         bool   `mapstructure:"tls"`
	} `mapstructure:"clickhouse"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Scheduler struct {
		Enabled                bool          `mapstructure:"enabled"`
		TickInterval           time.Duration `mapstructure:"tick_interval"`
		MaxCatchupWindows      int           `mapstructure:"max_catchup_windows"`
		MaxParallelEvaluations int           `mapstructure:"max_parallel_evaluations"`
		LeaseTTL               time.Duration `mapstructure:"lease_ttl"`
		QueryQPS               float64       `mapstructure:"query_qps"`
		TenantLookback         time.Duration `mapstructure:"tenant_lookback"`
		TenantCacheTTL         time.Duration `mapstructure:"tenant_cache_ttl"`
	} `mapstructure:"scheduler"`

	Ops struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"ops"`

	Secrets struct {
		Provider string `mapstructure:"provider"` // env (default) or vault
		Vault    struct {
			Address string `mapstructure:"address"`
			Token   string `mapstructure:"token"`
			Path    string `mapstructure:"path"`
		} `mapstructure:"vault"`
	} `mapstructure:"secrets"`
}

// Load reads configuration from the given file (optional) plus VIGIL_*
// environment overrides, applies defaults, and resolves secrets.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("vigil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vigil")
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; defaults plus env suffice.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("clickhouse.addr", "localhost:9000")
	v.SetDefault("clickhouse.database", "vigil")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.max_pool_size", 10)
	v.SetDefault("clickhouse.tls", false)

	v.SetDefault("sqlite.path", "./data/vigil.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", 10*time.Second)
	v.SetDefault("scheduler.max_catchup_windows", 12)
	v.SetDefault("scheduler.max_parallel_evaluations", 4)
	v.SetDefault("scheduler.lease_ttl", 30*time.Second)
	v.SetDefault("scheduler.query_qps", 20.0)
	v.SetDefault("scheduler.tenant_lookback", 7*24*time.Hour)
	v.SetDefault("scheduler.tenant_cache_ttl", 5*time.Minute)

	v.SetDefault("ops.port", 9090)

	v.SetDefault("secrets.provider", "env")
}

// resolveSecrets overwrites store credentials from the configured secret
// manager when one is enabled; config-file values act as fallbacks.
func (c *Config) resolveSecrets() error {
	mgr, err := NewSecretManager(c)
	if err != nil {
		return err
	}
	if mgr == nil {
		return nil
	}
	if pw, err := mgr.GetSecret("clickhouse_password"); err == nil && pw != "" {
		c.ClickHouse.Password = pw
	}
	if pw, err := mgr.GetSecret("redis_password"); err == nil && pw != "" {
		c.Redis.Password = pw
	}
	return nil
}

func (c *Config) validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.MaxCatchupWindows < 1 {
		return fmt.Errorf("scheduler.max_catchup_windows must be at least 1")
	}
	if c.Scheduler.MaxParallelEvaluations < 1 {
		return fmt.Errorf("scheduler.max_parallel_evaluations must be at least 1")
	}
	if c.ClickHouse.Addr == "" {
		return fmt.Errorf("clickhouse.addr must not be empty")
	}
	return nil
}
