// Package config loads runtime settings from defaults, an optional config file
// and STUDYBUDDY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/erilali/studybuddy/internal/telemetry"
	"github.com/spf13/viper"
)

const envPrefix = "STUDYBUDDY"

// Lobby persistence backends.
const (
	BackendMemory   = "memory"
	BackendHTTP     = "http"
	BackendPostgres = "postgres"
)

type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

type WebSocketConfig struct {
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	MaxMessageSize int64           `mapstructure:"max_message_size"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

type PresenceConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type LobbyConfig struct {
	Backend       string        `mapstructure:"backend"`
	APIURL        string        `mapstructure:"api_url"`
	PurgeAfter    time.Duration `mapstructure:"purge_after"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NatsConfig struct {
	URL string `mapstructure:"url"`
}

// Config is the full server configuration.
type Config struct {
	Port        int              `mapstructure:"port"`
	PortRetries int              `mapstructure:"port_retries"`
	Lobby       LobbyConfig      `mapstructure:"lobby"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Nats        NatsConfig       `mapstructure:"nats"`
	Presence    PresenceConfig   `mapstructure:"presence"`
	WS          WebSocketConfig  `mapstructure:"ws"`
	Log         logger.LogConfig `mapstructure:"log"`
	Metrics     telemetry.Config `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	logDefaults := logger.DefaultLogConfig()
	metricsDefaults := telemetry.DefaultConfig()

	v.SetDefault("port", 3001)
	v.SetDefault("port_retries", 10)
	v.SetDefault("lobby.backend", BackendMemory)
	v.SetDefault("lobby.api_url", "")
	v.SetDefault("lobby.purge_after", 24*time.Hour)
	v.SetDefault("lobby.purge_interval", 10*time.Minute)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "")
	v.SetDefault("presence.sweep_interval", 60*time.Second)
	v.SetDefault("presence.stale_after", 2*time.Minute)
	v.SetDefault("ws.allowed_origins", []string{"*"})
	v.SetDefault("ws.max_message_size", message.MaxFrameSize)
	v.SetDefault("ws.rate_limit.burst", 20)
	v.SetDefault("ws.rate_limit.refill_interval", time.Second)
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.log_to_file", logDefaults.LogToFile)
	v.SetDefault("log.log_to_json", logDefaults.LogToJSON)
	v.SetDefault("log.file_path", logDefaults.FilePath)
	v.SetDefault("log.max_size", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age", logDefaults.MaxAge)
	v.SetDefault("log.compress", logDefaults.Compress)
	v.SetDefault("metrics.enabled", metricsDefaults.Enabled)
	v.SetDefault("metrics.service_name", metricsDefaults.ServiceName)
	v.SetDefault("metrics.otlp_endpoint", metricsDefaults.Endpoint)
	v.SetDefault("metrics.interval", metricsDefaults.Interval)
}

// Default returns the configuration with no file and no environment applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads the configuration. A config file is optional: when
// STUDYBUDDY_CONFIG names one it must be readable, otherwise studybuddy.* in
// the working directory is used if present. On a read error the defaults
// (plus environment) are returned together with the error.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var readErr error
	if path := os.Getenv(envPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		readErr = v.ReadInConfig()
	} else {
		v.SetConfigName("studybuddy")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				readErr = err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Default(), fmt.Errorf("decode config: %w", err)
	}
	cfg.WS.AllowedOrigins = splitList(cfg.WS.AllowedOrigins)

	if readErr != nil {
		return cfg, fmt.Errorf("read config file: %w", readErr)
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.Lobby.Backend {
	case BackendMemory:
	case BackendHTTP:
		if c.Lobby.APIURL == "" {
			return fmt.Errorf("lobby.api_url is required for the %q backend", BackendHTTP)
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the %q backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown lobby backend %q", c.Lobby.Backend)
	}
	if c.WS.MaxMessageSize < message.MaxFrameSize {
		return fmt.Errorf("ws.max_message_size must be at least %d to fit a full chat message", message.MaxFrameSize)
	}
	if c.Metrics.Enabled && c.Metrics.Interval <= 0 {
		return fmt.Errorf("metrics.interval must be positive when metrics are enabled")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// splitList accepts both list values and a single comma separated value,
// which is how a list arrives from an environment variable.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
