// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fall-detection-client/internal/auth"
	"fall-detection-client/internal/data"
	"fall-detection-client/internal/realtime"

	"github.com/spf13/viper"
)

const envPrefix = "FALLWATCH"

type Config struct {
	Server struct {
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		AutoConnect bool   `mapstructure:"auto_connect"`
	} `mapstructure:"server"`

	Client struct {
		HeartbeatPeriod      time.Duration `mapstructure:"heartbeat_period"`
		MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
		MaxBackoff           time.Duration `mapstructure:"max_backoff"`
		HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
		HistoryCapacity      int           `mapstructure:"history_capacity"`
	} `mapstructure:"client"`

	Notifications Notifications `mapstructure:"notifications"`

	API struct {
		Port int         `mapstructure:"port"`
		Auth auth.Config `mapstructure:",squash"`
	} `mapstructure:"api"`

	Mock struct {
		Port           int           `mapstructure:"port"`
		StatusInterval time.Duration `mapstructure:"status_interval"`
		AlertInterval  time.Duration `mapstructure:"alert_interval"`
	} `mapstructure:"mock"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Notifications is the user's notification preference plus sink wiring.
type Notifications struct {
	Enabled         bool          `mapstructure:"enabled"`
	MinimumSeverity string        `mapstructure:"minimum_severity"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	SlackWebhook    string        `mapstructure:"slack_webhook"`
	NATSURL         string        `mapstructure:"nats_url"`
	NATSSubject     string        `mapstructure:"nats_subject"`
	RedisAddr       string        `mapstructure:"redis_addr"`
}

// LoadConfig reads config.yaml from path, if present, and overlays
// FALLWATCH_* environment variables on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment", "path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "192.168.1.100")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auto_connect", true)

	v.SetDefault("client.heartbeat_period", 30*time.Second)
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.max_backoff", 30*time.Second)
	v.SetDefault("client.handshake_timeout", 10*time.Second)
	v.SetDefault("client.history_capacity", 100)

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.minimum_severity", "WARNING")
	v.SetDefault("notifications.cooldown", time.Duration(0))
	v.SetDefault("notifications.slack_webhook", "")
	v.SetDefault("notifications.nats_url", "")
	v.SetDefault("notifications.nats_subject", "fallwatch.alerts")
	v.SetDefault("notifications.redis_addr", "")

	v.SetDefault("api.port", 8090)
	v.SetDefault("api.api_keys", []string{})
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.jwt_expiration", 60)

	v.SetDefault("mock.port", 8080)
	v.SetDefault("mock.status_interval", 5*time.Second)
	v.SetDefault("mock.alert_interval", 20*time.Second)

	v.SetDefault("log.level", "info")
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{
		"server.port": c.Server.Port,
		"api.port":    c.API.Port,
		"mock.port":   c.Mock.Port,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d out of range 1-65535", name, port))
		}
	}
	for name, d := range map[string]time.Duration{
		"client.heartbeat_period":  c.Client.HeartbeatPeriod,
		"client.max_backoff":       c.Client.MaxBackoff,
		"client.handshake_timeout": c.Client.HandshakeTimeout,
		"mock.status_interval":     c.Mock.StatusInterval,
		"mock.alert_interval":      c.Mock.AlertInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", name, d))
		}
	}
	if c.Client.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("client.max_reconnect_attempts: must be at least 1"))
	}
	if c.Client.HistoryCapacity < 1 {
		errs = append(errs, errors.New("client.history_capacity: must be at least 1"))
	}
	if c.Notifications.Cooldown < 0 {
		errs = append(errs, errors.New("notifications.cooldown: must not be negative"))
	}
	if _, ok := data.ParseSeverity(c.Notifications.MinimumSeverity); !ok {
		errs = append(errs, fmt.Errorf("notifications.minimum_severity: unknown severity %q", c.Notifications.MinimumSeverity))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Realtime maps the client section onto the connection state machine's config.
func (c *Config) Realtime() realtime.Config {
	return realtime.Config{
		HeartbeatPeriod:      c.Client.HeartbeatPeriod,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		MaxBackoff:           c.Client.MaxBackoff,
		HistoryCapacity:      c.Client.HistoryCapacity,
	}
}

// MinimumSeverityLevel returns the parsed notification threshold. Validate has
// already rejected unknown names.
func (n Notifications) MinimumSeverityLevel() data.Severity {
	sev, ok := data.ParseSeverity(n.MinimumSeverity)
	if !ok {
		return data.SeverityWarning
	}
	return sev
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
