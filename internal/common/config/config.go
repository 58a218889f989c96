// Package config loads the cnapi-core process configuration from a YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP façade.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	ReadTimeoutMS  int `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS int `mapstructure:"write_timeout_ms"`
}

// ReadTimeoutDuration returns ReadTimeoutMS as a time.Duration.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeoutDuration returns WriteTimeoutMS as a time.Duration.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// StoreConfig configures the Object Store backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory, sqlite, postgres
	DSN         string `mapstructure:"dsn"`
	EtagRetries int    `mapstructure:"etag_retries"`
}

// TransportConfig configures the Agent Transport backend.
type TransportConfig struct {
	Driver  string `mapstructure:"driver"` // nats, dockersim
	NATSURL string `mapstructure:"nats_url"`
}

// WaitlistConfig configures the Waitlist Scheduler.
type WaitlistConfig struct {
	MaxLimit              int           `mapstructure:"max_limit"`
	DefaultTimeoutSeconds int           `mapstructure:"default_timeout_seconds"`
	RetentionWindow       time.Duration `mapstructure:"retention_window"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
}

// TaskConfig configures the Task Registry.
type TaskConfig struct {
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	// ActiveTimeout bounds how long a task may stay active with no
	// on_terminal delivery before the registry's sweep forces it to
	// failure, per spec.md §4.3's "If on_terminal never arrives, the task
	// remains active until an upper-layer administrative timeout forces
	// it to failure" failure semantics.
	ActiveTimeout time.Duration `mapstructure:"active_timeout"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	Waitlist  WaitlistConfig  `mapstructure:"waitlist"`
	Task      TaskConfig      `mapstructure:"task"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// defaults sets every value that's safe to ship without an operator
// override; Load layers config file + env vars on top of these.
func defaults(v *viper.Viper) {
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout_ms", 15000)
	v.SetDefault("server.write_timeout_ms", 15000)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.etag_retries", 3)

	v.SetDefault("transport.driver", "dockersim")
	v.SetDefault("transport.nats_url", "nats://127.0.0.1:4222")

	v.SetDefault("waitlist.max_limit", 1000)
	v.SetDefault("waitlist.default_timeout_seconds", 30)
	v.SetDefault("waitlist.retention_window", "24h")
	v.SetDefault("waitlist.sweep_interval", "1m")

	v.SetDefault("task.retention_window", "10m")
	v.SetDefault("task.active_timeout", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from (in ascending priority) built-in defaults,
// a config file named "cnapi" on the given search paths, and
// CNAPI_-prefixed environment variables (a nested key such as
// logging.level is read from CNAPI_LOGGING_LEVEL).
func Load(searchPaths ...string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("CNAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("cnapi")
	v.SetConfigType("yaml")
	if len(searchPaths) == 0 {
		searchPaths = []string{".", "./configs", "/etc/cnapi-core"}
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine — defaults + env vars still apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
