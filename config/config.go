// Package config loads the server configuration from an optional config file
// and CONDO_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "CONDO"

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Log       LogConfig
	Redis     RedisConfig
	Snapshot  SnapshotConfig
	Scheduler SchedulerConfig
	Penalty   PenaltyConfig
	Batch     BatchConfig
}

type AppConfig struct {
	Env  string
	Port string
}

type DatabaseConfig struct {
	Path string // file path or ":memory:"
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type SnapshotConfig struct {
	TTL         time.Duration
	Concurrency int
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type PenaltyConfig struct {
	DefaultAmount decimal.Decimal
}

type BatchConfig struct {
	LockTTL time.Duration
}

// Load reads config.yaml from . or ./config when present, then applies the
// environment (CONDO_APP_PORT overrides app.port).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	penalty, err := decimal.NewFromString(v.GetString("penalty.default_amount"))
	if err != nil {
		return nil, fmt.Errorf("penalty.default_amount: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Snapshot: SnapshotConfig{
			TTL:         v.GetDuration("snapshot.ttl"),
			Concurrency: v.GetInt("snapshot.concurrency"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("scheduler.enabled"),
			Interval: v.GetDuration("scheduler.interval"),
		},
		Penalty: PenaltyConfig{
			DefaultAmount: penalty,
		},
		Batch: BatchConfig{
			LockTTL: v.GetDuration("batch.lock_ttl"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.path", "./data/dues.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("snapshot.ttl", "24h")
	v.SetDefault("snapshot.concurrency", 8)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("penalty.default_amount", "100")
	v.SetDefault("batch.lock_ttl", "30m")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Port == "" {
		errs = append(errs, errors.New("app.port is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Snapshot.TTL <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.ttl must be positive, got %s", c.Snapshot.TTL))
	}
	if c.Snapshot.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.concurrency must be positive, got %d", c.Snapshot.Concurrency))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive, got %s", c.Scheduler.Interval))
	}
	if !c.Penalty.DefaultAmount.IsPositive() {
		errs = append(errs, fmt.Errorf("penalty.default_amount must be positive, got %s", c.Penalty.DefaultAmount))
	}
	if c.Batch.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("batch.lock_ttl must be positive, got %s", c.Batch.LockTTL))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.App.Env == "production" }
