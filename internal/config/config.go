// Package config loads and validates runtime configuration at startup.
// Values come from (lowest to highest precedence) defaults, an optional YAML
// file, a .env file and the process environment.
// Fail-fast: if a required value is missing, Load returns an error.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the scoring service.
type Config struct {
	Port        string        `mapstructure:"port"`
	GRPCPort    string        `mapstructure:"grpc-port"`
	DatabaseURL string        `mapstructure:"database-url"`
	RedisURL    string        `mapstructure:"redis-url"`
	Log         LogConfig     `mapstructure:"log"`
	Scorer      ScorerConfig  `mapstructure:"scorer"`
	Scoring     ScoringConfig `mapstructure:"scoring"`
	Sweeper     SweeperConfig `mapstructure:"sweeper"`
}

type LogConfig struct {
	JSON  bool `mapstructure:"json"`
	Debug bool `mapstructure:"debug"`
}

// ScorerConfig describes the external scoring service.
type ScorerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// APIKey may be plain or in the iv:tag:data encrypted form.
	APIKey           string `mapstructure:"api-key"`
	APIKeyFile       string `mapstructure:"api-key-file"`
	EncryptionSecret string `mapstructure:"encryption-secret"`
}

// ScoringConfig tunes the orchestrators.
type ScoringConfig struct {
	JobTimeout       time.Duration `mapstructure:"job-timeout"`
	LockTTL          time.Duration `mapstructure:"lock-ttl"`
	ReconcileMissing bool          `mapstructure:"reconcile-missing"`
}

// SweeperConfig drives the periodic maintenance jobs.
type SweeperConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	RetentionDays int           `mapstructure:"retention-days"`
	StuckAfter    time.Duration `mapstructure:"stuck-after"`
	HealthEvery   time.Duration `mapstructure:"health-every"`
}

// envBindings maps config keys to the environment variables shared with the
// rest of the jobmate services.
var envBindings = map[string]string{
	"port":                      "SCORING_PORT",
	"grpc-port":                 "SCORING_GRPC_PORT",
	"database-url":              "DATABASE_URL",
	"redis-url":                 "REDIS_URL",
	"log.json":                  "LOG_JSON",
	"log.debug":                 "LOG_DEBUG",
	"scorer.url":                "SCRAPER_URL",
	"scorer.timeout":            "SCORER_TIMEOUT",
	"scorer.api-key":            "SCORER_API_KEY",
	"scorer.api-key-file":       "SCORER_API_KEY_FILE",
	"scorer.encryption-secret":  "ENCRYPTION_SECRET",
	"scoring.job-timeout":       "SCORING_JOB_TIMEOUT",
	"scoring.lock-ttl":          "SCORING_LOCK_TTL",
	"scoring.reconcile-missing": "SCORING_RECONCILE_MISSING",
	"sweeper.enabled":           "SWEEPER_ENABLED",
	"sweeper.schedule":          "SWEEPER_SCHEDULE",
	"sweeper.retention-days":    "SWEEPER_RETENTION_DAYS",
	"sweeper.stuck-after":       "SWEEPER_STUCK_AFTER",
	"sweeper.health-every":      "SWEEPER_HEALTH_EVERY",
}

// New returns a viper instance with defaults and environment bindings set.
// Callers may bind command-line flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", "8083")
	v.SetDefault("grpc-port", "9083")
	v.SetDefault("scorer.url", "http://localhost:8000")
	v.SetDefault("scorer.timeout", 30*time.Second)
	v.SetDefault("scoring.job-timeout", 60*time.Second)
	v.SetDefault("scoring.lock-ttl", 10*time.Minute)
	v.SetDefault("scoring.reconcile-missing", false)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 6h")
	v.SetDefault("sweeper.retention-days", 7)
	v.SetDefault("sweeper.stuck-after", time.Duration(0))
	v.SetDefault("sweeper.health-every", 15*time.Second)

	for key, env := range envBindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}

	return v
}

// Load reads the optional config file and .env, then returns a validated Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if file = strings.TrimSpace(file); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", file, err)
		}
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

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if strings.TrimSpace(c.Scorer.URL) == "" {
		return errors.New("SCRAPER_URL must not be empty")
	}
	if c.Scorer.Timeout <= 0 {
		return fmt.Errorf("scorer timeout must be positive, got %s", c.Scorer.Timeout)
	}
	if c.Scoring.JobTimeout <= 0 {
		return fmt.Errorf("scoring job timeout must be positive, got %s", c.Scoring.JobTimeout)
	}
	if c.Scoring.LockTTL <= 0 {
		return fmt.Errorf("scoring lock ttl must be positive, got %s", c.Scoring.LockTTL)
	}
	if c.Sweeper.RetentionDays < 0 {
		return fmt.Errorf("SWEEPER_RETENTION_DAYS must not be negative, got %d", c.Sweeper.RetentionDays)
	}
	return nil
}
