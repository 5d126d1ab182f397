package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Vendor holds the upstream feed endpoints and credentials.
type Vendor struct {
	HistURL string `yaml:"hist_url"`
	LiveURL string `yaml:"live_url"`
	APIKey  string `yaml:"api_key"`
}

// KeyTag returns the API key suffix. Log lines carry only this tag, never
// the full key.
func (v Vendor) KeyTag() string {
	if len(v.APIKey) <= 5 {
		return v.APIKey
	}
	return v.APIKey[len(v.APIKey)-5:]
}

// Config holds all application configuration: a YAML file overlaid by
// environment variables. Env wins over file, file wins over defaults.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DBPath      string `yaml:"db_path"`

	// RedisAddr empty disables Redis mirroring entirely.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Vendor Vendor `yaml:"vendor"`

	// LogDir is where sendto "log" per-client files land.
	LogDir string `yaml:"log_dir"`

	DefaultLookbackDays int `yaml:"default_lookback_days"`
	EarlyCushionDays    int `yaml:"early_cushion_days"`
	LateCushionHours    int `yaml:"late_cushion_hours"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:          ":8750",
		MetricsAddr:         ":9102",
		DBPath:              "chartfeed.db",
		LogDir:              "logs",
		DefaultLookbackDays: 60,
		EarlyCushionDays:    3,
		LateCushionHours:    3,
	}
}

// Local feedsim endpoints, used when no vendor is configured at all so a
// bare binary runs against `go run ./cmd/feedsim`.
const (
	FeedsimHistURL = "http://localhost:8760"
	FeedsimLiveURL = "ws://localhost:8760/v1/live"
	FeedsimAPIKey  = "sim-key-00000"
)

// Load reads the YAML file named by CHARTFEED_CONFIG (default config.yaml;
// a missing file is not an error) and applies environment overrides on top.
func Load() (*Config, error) {
	cfg := defaults()

	path := getEnv("CHARTFEED_CONFIG", "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("[config] loaded %s", path)
	case os.IsNotExist(err):
		log.Printf("[config] %s not found, using defaults + env", path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.Vendor.HistURL = getEnv("VENDOR_HIST_URL", cfg.Vendor.HistURL)
	cfg.Vendor.LiveURL = getEnv("VENDOR_LIVE_URL", cfg.Vendor.LiveURL)
	cfg.Vendor.APIKey = getEnv("VENDOR_API_KEY", cfg.Vendor.APIKey)
	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)
	cfg.DefaultLookbackDays = getEnvInt("DEFAULT_LOOKBACK_DAYS", cfg.DefaultLookbackDays)
	cfg.EarlyCushionDays = getEnvInt("EARLY_CUSHION_DAYS", cfg.EarlyCushionDays)
	cfg.LateCushionHours = getEnvInt("LATE_CUSHION_HOURS", cfg.LateCushionHours)

	if cfg.Vendor == (Vendor{}) {
		log.Printf("[config] no vendor configured, defaulting to local feedsim at %s", FeedsimHistURL)
		cfg.Vendor = Vendor{HistURL: FeedsimHistURL, LiveURL: FeedsimLiveURL, APIKey: FeedsimAPIKey}
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Vendor.HistURL == "" {
		return fmt.Errorf("vendor.hist_url is required (or set VENDOR_HIST_URL)")
	}
	if c.Vendor.LiveURL == "" {
		return fmt.Errorf("vendor.live_url is required (or set VENDOR_LIVE_URL)")
	}
	if c.Vendor.APIKey == "" {
		return fmt.Errorf("vendor api key is required (set VENDOR_API_KEY)")
	}
	if c.DefaultLookbackDays <= 0 {
		return fmt.Errorf("default_lookback_days must be positive, got %d", c.DefaultLookbackDays)
	}
	if c.EarlyCushionDays < 0 || c.LateCushionHours < 0 {
		return fmt.Errorf("cushions must not be negative")
	}
	return nil
}

// DefaultLookback is the start_time window when a client omits one.
func (c *Config) DefaultLookback() time.Duration {
	return time.Duration(c.DefaultLookbackDays) * 24 * time.Hour
}

// EarlyCushion is the head gap below which no backfill fetch is issued.
func (c *Config) EarlyCushion() time.Duration {
	return time.Duration(c.EarlyCushionDays) * 24 * time.Hour
}

// LateCushion is the tail gap below which a now-ended request skips the
// historical endpoint and fills from the live catch-up alone.
func (c *Config) LateCushion() time.Duration {
	return time.Duration(c.LateCushionHours) * time.Hour
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, keeping %d", key, v, fallback)
		return fallback
	}
	return n
}
