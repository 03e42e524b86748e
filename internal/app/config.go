package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Keyfold backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	Environment string `mapstructure:"environment"`
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
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// VaultConfig configures the envelope-encryption keyring. MasterKey accepts
// hex, base64, or raw bytes; Mode selects how organization keys are wrapped.
type VaultConfig struct {
	MasterKey string `mapstructure:"master_key"`
	Mode      string `mapstructure:"mode"`
}

// AuthConfig captures authentication-related settings.
type AuthConfig struct {
	Issuer        string        `mapstructure:"issuer"`
	TOTPIssuer    string        `mapstructure:"totp_issuer"`
	ResetTokenTTL time.Duration `mapstructure:"reset_token_ttl"`
}

// RateLimitConfig holds the per-route limiter rules. Login limits act as the
// fallback when no tenant is identified; organizations carry their own
// brute-force limit and jail.
type RateLimitConfig struct {
	Login RouteRule `mapstructure:"login"`
	Reset RouteRule `mapstructure:"reset"`
	MFA   RouteRule `mapstructure:"mfa"`
}

// RouteRule is a fixed-window rule: at most Limit calls per Bucket, with a
// Jail lockout once exceeded.
type RouteRule struct {
	Limit  int           `mapstructure:"limit"`
	Bucket time.Duration `mapstructure:"bucket"`
	Jail   time.Duration `mapstructure:"jail"`
}

// MaintenanceConfig schedules the background cleanup jobs.
type MaintenanceConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	SessionSchedule    string        `mapstructure:"session_schedule"`
	TokenSchedule      string        `mapstructure:"token_schedule"`
	CounterSchedule    string        `mapstructure:"counter_schedule"`
	AccessLogSchedule  string        `mapstructure:"access_log_schedule"`
	AccessLogRetention time.Duration `mapstructure:"access_log_retention"`
	CounterIdle        time.Duration `mapstructure:"counter_idle"`
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

	v.SetEnvPrefix("KEYFOLD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.environment", "production")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/keyfold.sqlite")

	v.SetDefault("vault.mode", "aes-gcm")

	v.SetDefault("auth.issuer", "keyfold")
	v.SetDefault("auth.totp_issuer", "Keyfold")
	v.SetDefault("auth.reset_token_ttl", "72h")

	v.SetDefault("ratelimit.login.limit", 10)
	v.SetDefault("ratelimit.login.bucket", "1m")
	v.SetDefault("ratelimit.login.jail", "1h")
	v.SetDefault("ratelimit.reset.limit", 5)
	v.SetDefault("ratelimit.reset.bucket", "15m")
	v.SetDefault("ratelimit.reset.jail", "15m")
	v.SetDefault("ratelimit.mfa.limit", 10)
	v.SetDefault("ratelimit.mfa.bucket", "1m")
	v.SetDefault("ratelimit.mfa.jail", "15m")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.session_schedule", "@hourly")
	v.SetDefault("maintenance.token_schedule", "@daily")
	v.SetDefault("maintenance.counter_schedule", "@hourly")
	v.SetDefault("maintenance.access_log_schedule", "@daily")
	v.SetDefault("maintenance.access_log_retention", "2160h") // 90 days
	v.SetDefault("maintenance.counter_idle", "24h")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
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
