package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the NestAid backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Email       EmailConfig       `mapstructure:"email"`
	SMS         SMSConfig         `mapstructure:"sms"`
	Invitations InvitationConfig  `mapstructure:"invitations"`
	Contacts    ContactConfig     `mapstructure:"contacts"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SMSConfig defines the outbound SMS gateway and its pacing. The send
// interval is a provider compliance ceiling, not a tuning knob.
type SMSConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	From         string        `mapstructure:"from"`
	SendInterval time.Duration `mapstructure:"send_interval"`
	Burst        int           `mapstructure:"burst"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Backoff      time.Duration `mapstructure:"backoff"`
}

// InvitationConfig captures invitation lifecycle settings.
type InvitationConfig struct {
	ExpiryDays       int    `mapstructure:"expiry_days"`
	ResendWindowDays int    `mapstructure:"resend_window_days"`
	MaxBulkSize      int    `mapstructure:"max_bulk_size"`
	BaseURL          string `mapstructure:"base_url"`
}

// ContactConfig captures contact ingestion limits.
type ContactConfig struct {
	ImportLimit int `mapstructure:"import_limit"`
	SyncLimit   int `mapstructure:"sync_limit"`
	Workers     int `mapstructure:"workers"`
}

// MaintenanceConfig controls the background sweep schedules.
type MaintenanceConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	ExpirySchedule       string `mapstructure:"expiry_schedule"`
	HistorySchedule      string `mapstructure:"history_schedule"`
	HistoryRetentionDays int    `mapstructure:"history_retention_days"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("NESTAID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/nestaid.sqlite")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("sms.enabled", false)
	v.SetDefault("sms.from", "")
	v.SetDefault("sms.send_interval", "1s")
	v.SetDefault("sms.burst", 1)
	v.SetDefault("sms.max_attempts", 3)
	v.SetDefault("sms.backoff", "500ms")

	v.SetDefault("invitations.expiry_days", 7)
	v.SetDefault("invitations.resend_window_days", 30)
	v.SetDefault("invitations.max_bulk_size", 500)
	v.SetDefault("invitations.base_url", "https://nestaid.app")

	v.SetDefault("contacts.import_limit", 1000)
	v.SetDefault("contacts.sync_limit", 5000)
	v.SetDefault("contacts.workers", 10)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.expiry_schedule", "@every 10m")
	v.SetDefault("maintenance.history_schedule", "@daily")
	v.SetDefault("maintenance.history_retention_days", 90)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
