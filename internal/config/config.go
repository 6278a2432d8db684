package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileEnv names the environment variable pointing at an optional TOML file
const ConfigFileEnv = "LEDGER_CONFIG_FILE"

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Drift    DriftConfig    `toml:"drift"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port int `toml:"port"`
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	DBName       string `toml:"dbname"`
	SSLMode      string `toml:"sslmode"`
	TestDBName   string `toml:"test_dbname"` // Separate database for testing
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// LedgerConfig tunes the write and read paths
type LedgerConfig struct {
	NodeID           int64    `toml:"node_id"` // snowflake node, unique per process
	DefaultPageLimit int      `toml:"default_page_limit"`
	MaxPageLimit     int      `toml:"max_page_limit"`
	LockTimeout      Duration `toml:"lock_timeout"`
	SettingsTTL      Duration `toml:"settings_ttl"`
}

// DriftConfig controls the background drift scan
type DriftConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  Duration `toml:"interval"`
	Threshold int64    `toml:"threshold"`
}

// LogConfig controls the zap logger
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Duration decodes TOML strings such as "5s" or "24h"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Username:     "postgres",
			Password:     "password",
			DBName:       "loyalty",
			SSLMode:      "disable",
			TestDBName:   "loyalty_test",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Auth: AuthConfig{JWTSecret: "your-secret-key-here"},
		Ledger: LedgerConfig{
			NodeID:           1,
			DefaultPageLimit: 20,
			MaxPageLimit:     100,
			LockTimeout:      Duration{5 * time.Second},
			SettingsTTL:      Duration{5 * time.Minute},
		},
		Drift: DriftConfig{
			Enabled:  true,
			Interval: Duration{24 * time.Hour},
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads the configuration from the optional TOML file named by
// LEDGER_CONFIG_FILE, then from environment variables, which win.
func LoadConfig() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvAsInt("SERVER_PORT", cfg.Server.Port)

	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvAsInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Username = getEnv("DB_USERNAME", cfg.Database.Username)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getEnv("DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.TestDBName = getEnv("TEST_DB_NAME", cfg.Database.TestDBName)
	cfg.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Ledger.NodeID = int64(getEnvAsInt("LEDGER_NODE_ID", int(cfg.Ledger.NodeID)))
	cfg.Ledger.DefaultPageLimit = getEnvAsInt("LEDGER_DEFAULT_PAGE_LIMIT", cfg.Ledger.DefaultPageLimit)
	cfg.Ledger.MaxPageLimit = getEnvAsInt("LEDGER_MAX_PAGE_LIMIT", cfg.Ledger.MaxPageLimit)
	cfg.Ledger.LockTimeout.Duration = getEnvAsDuration("LEDGER_LOCK_TIMEOUT", cfg.Ledger.LockTimeout.Duration)
	cfg.Ledger.SettingsTTL.Duration = getEnvAsDuration("LEDGER_SETTINGS_TTL", cfg.Ledger.SettingsTTL.Duration)

	cfg.Drift.Enabled = getEnvAsBool("DRIFT_ENABLED", cfg.Drift.Enabled)
	cfg.Drift.Interval.Duration = getEnvAsDuration("DRIFT_INTERVAL", cfg.Drift.Interval.Duration)
	cfg.Drift.Threshold = int64(getEnvAsInt("DRIFT_THRESHOLD", int(cfg.Drift.Threshold)))

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = getEnvAsBool("LOG_DEVELOPMENT", cfg.Log.Development)
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if c.Ledger.NodeID < 0 || c.Ledger.NodeID > 1023 {
		return fmt.Errorf("ledger node id must be between 0 and 1023, got %d", c.Ledger.NodeID)
	}
	if c.Ledger.DefaultPageLimit < 1 || c.Ledger.MaxPageLimit < c.Ledger.DefaultPageLimit {
		return fmt.Errorf("invalid page limits: default %d, max %d", c.Ledger.DefaultPageLimit, c.Ledger.MaxPageLimit)
	}
	if c.Drift.Enabled && c.Drift.Interval.Duration <= 0 {
		return fmt.Errorf("drift interval must be positive")
	}
	if c.Drift.Threshold < 0 {
		return fmt.Errorf("drift threshold must not be negative")
	}
	return nil
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
