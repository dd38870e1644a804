// Package config loads and validates the licensing service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the SCRIPTHUB_ prefix, so
// SCRIPTHUB_DATABASE_URL overrides database.url and
// SCRIPTHUB_PLANS_TIERS_FREE_KEYS overrides plans.tiers.free.keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Plans     PlansConfig     `mapstructure:"plans"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration. URL wins over the
// individual host fields when set.
type DatabaseConfig struct {
	URL                string `mapstructure:"url"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
	MigrateOnStart     bool   `mapstructure:"migrate_on_start"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig throttles the public validation endpoint per client IP.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PlansConfig holds the plan window policy and the per-tier quota table.
type PlansConfig struct {
	ResetWindow            time.Duration                  `mapstructure:"reset_window"`
	FreshWindowOnDowngrade bool                           `mapstructure:"fresh_window_on_downgrade"`
	Tiers                  map[string]domain.TierDefaults `mapstructure:"tiers"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

var tierNames = []domain.PlanType{domain.PlanFree, domain.PlanPro, domain.PlanEnterprise, domain.PlanCustom}

var tierFields = []string{"obfuscation", "keys", "deployments", "devices_per_key"}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		"database.url",
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.migrate_on_start",

		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		"rate_limit.enabled",
		"rate_limit.requests_per_minute",
		"rate_limit.burst",

		"logging.level",
		"logging.format",

		"plans.reset_window",
		"plans.fresh_window_on_downgrade",

		"sweeper.enabled",
		"sweeper.interval",
	}
	for _, tier := range tierNames {
		for _, field := range tierFields {
			keys = append(keys, fmt.Sprintf("plans.tiers.%s.%s", tier, field))
		}
	}

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var for %s: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/scripthub")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("SCRIPTHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "scripthub")
	v.SetDefault("database.user", "scripthub")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 120)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	policy := domain.DefaultPlanPolicy()
	v.SetDefault("plans.reset_window", policy.ResetWindow.String())
	v.SetDefault("plans.fresh_window_on_downgrade", policy.FreshWindowOnDowngrade)
	for _, tier := range tierNames {
		d := policy.Tiers[tier]
		v.SetDefault(fmt.Sprintf("plans.tiers.%s.obfuscation", tier), d.Obfuscation)
		v.SetDefault(fmt.Sprintf("plans.tiers.%s.keys", tier), d.Keys)
		v.SetDefault(fmt.Sprintf("plans.tiers.%s.deployments", tier), d.Deployments)
		v.SetDefault(fmt.Sprintf("plans.tiers.%s.devices_per_key", tier), d.DevicesPerKey)
	}

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "1h")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required when database.url is not set")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required when database.url is not set")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required when database.url is not set")
		}
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute < 1 {
			return fmt.Errorf("rate_limit.requests_per_minute must be at least 1")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Plans.ResetWindow <= 0 {
		return fmt.Errorf("plans.reset_window must be positive")
	}
	if err := c.Plans.TierTable().Validate(); err != nil {
		return fmt.Errorf("plans.tiers: %w", err)
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive when the sweeper is enabled")
	}

	return nil
}

// TierTable converts the configured tiers into the domain table.
func (p PlansConfig) TierTable() domain.TierTable {
	table := make(domain.TierTable, len(p.Tiers))
	for name, d := range p.Tiers {
		table[domain.PlanType(strings.ToLower(name))] = d
	}
	return table
}

// PlanPolicy returns the policy the plan, quota and license engines run with.
func (c *Config) PlanPolicy() domain.PlanPolicy {
	return domain.PlanPolicy{
		ResetWindow:            c.Plans.ResetWindow,
		FreshWindowOnDowngrade: c.Plans.FreshWindowOnDowngrade,
		Tiers:                  c.Plans.TierTable(),
	}
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
