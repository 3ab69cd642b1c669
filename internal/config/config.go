package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config is the process configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig selects the alert and session aggregate drivers
type StorageConfig struct {
	AlertDriver   string `mapstructure:"alert_driver"`
	SessionDriver string `mapstructure:"session_driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	PublishEvents  bool          `mapstructure:"publish_events"`
}

type RPCConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type SchedulerConfig struct {
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
	ReconcileSettle   time.Duration `mapstructure:"reconcile_settle"`
}

type HealthConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Load reads config.yaml from the given search paths, applies PROCTOR_*
// environment overrides and validates the result. A missing file is not
// an error; defaults apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("PROCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "proctor-alerts")
	v.SetDefault("app.version", "1.0.0")

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("storage.alert_driver", DriverSQLite)
	v.SetDefault("storage.session_driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "proctor.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "proctor")

	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.publish_events", true)

	v.SetDefault("rpc.request_timeout", 10*time.Second)
	v.SetDefault("rpc.max_in_flight", 64)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("scheduler.reconcile_schedule", "0 */15 * * * *")
	v.SetDefault("scheduler.reconcile_settle", time.Minute)

	v.SetDefault("health.sample_interval", 15*time.Second)
}

// Validate checks driver names and the combinations they require
func (c *Config) Validate() error {
	switch c.Storage.AlertDriver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported alert driver: %q", c.Storage.AlertDriver)
	}

	switch c.Storage.SessionDriver {
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return errors.New("redis session driver requires redis.addr")
		}
	default:
		return fmt.Errorf("unsupported session driver: %q", c.Storage.SessionDriver)
	}

	if (c.Storage.AlertDriver == DriverSQLite || c.Storage.SessionDriver == DriverSQLite) && c.Storage.SQLitePath == "" {
		return errors.New("sqlite driver requires storage.sqlite_path")
	}

	if len(c.NATS.URLs) == 0 {
		return errors.New("at least one nats url is required")
	}
	return nil
}
