package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aussiebroadwan/console/internal/console/store"
	"github.com/aussiebroadwan/console/pkg/gateway"
	"github.com/aussiebroadwan/console/pkg/httpx"
)

// Store drivers.
const (
	StoreMemory  = "memory"
	StoreKeyring = "keyring"
	StoreFile    = "file"
	StoreSQLite  = "sqlite"
)

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

type Config struct {
	BaseURL         string        `yaml:"base_url"`         // Required: admin API base URL, e.g. https://admin.example.com/api/v1
	Profile         string        `yaml:"profile"`          // Credential profile name (default: default)
	StoreDriver     string        `yaml:"store"`            // memory, keyring, file, sqlite (default: keyring)
	StorePath       string        `yaml:"store_path"`       // File or sqlite path (default: under the user config dir)
	StorePassphrase string        `yaml:"-"`                // Required for the file store; env or flag only
	KeyringService  string        `yaml:"keyring_service"`  // Keychain service name (default: aussiebroadwan-console)
	Timeout         time.Duration `yaml:"timeout"`          // Per request timeout (default: 10s)
	RefreshTimeout  time.Duration `yaml:"refresh_timeout"`  // Token refresh timeout (default: 15s)
	Language        string        `yaml:"language"`         // Message language, en or zh-Hans (default: en)
	Env             string        `yaml:"env"`              // Environment (dev, prod) (default: prod)
	LogLevel        string        `yaml:"log_level"`        // Log level (debug, info, warn, error) (default: warn)
	LogFormat       string        `yaml:"log_format"`       // Log format (json, text) (default: text)
	MetricsAddr     string        `yaml:"metrics_addr"`     // Serve Prometheus metrics on this address when set
	RateLimit       RateLimit     `yaml:"rate_limit"`       // Client-side request limit per host

	// Sources tracks where each value came from.
	Sources map[string]Source `yaml:"-"`
}

type RateLimit struct {
	Requests  int `yaml:"requests"`
	WindowSec int `yaml:"window_sec"`
	Burst     int `yaml:"burst"`
}

func (r RateLimit) config() httpx.RateLimitConfig {
	return httpx.RateLimitConfig{
		RequestsPerWindow: r.Requests,
		Window:            time.Duration(r.WindowSec) * time.Second,
		Burst:             r.Burst,
	}
}

// FlagOverrides holds command-line flag values. Empty values are ignored.
type FlagOverrides struct {
	ConfigFile string
	BaseURL    string
	Profile    string
	Store      string
	StorePath  string
	Language   string
	LogLevel   string
}

// DefaultConfigDir is where the config file and file-based stores live.
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "aussiebroadwan-console")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	limit := httpx.DefaultLimit
	return Config{
		Profile:        store.DefaultProfile,
		StoreDriver:    StoreKeyring,
		Timeout:        gateway.DefaultTimeout,
		RefreshTimeout: gateway.DefaultRefreshTimeout,
		Language:       "en",
		Env:            "prod",
		LogLevel:       "warn",
		LogFormat:      "text",
		RateLimit: RateLimit{
			Requests:  limit.RequestsPerWindow,
			WindowSec: int(limit.Window / time.Second),
			Burst:     limit.Burst,
		},
		Sources: map[string]Source{},
	}
}

// LoadConfig resolves the configuration.
// Precedence: flags > env > config file > defaults
func LoadConfig(flags FlagOverrides) (Config, error) {
	cfg := DefaultConfig()

	path := flags.ConfigFile
	explicit := path != ""
	if !explicit {
		path = getEnvOrDefault("CONSOLE_CONFIG", filepath.Join(DefaultConfigDir(), "config.yaml"))
		explicit = os.Getenv("CONSOLE_CONFIG") != ""
	}
	if err := loadFromFile(&cfg, path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	LoadFromEnv(&cfg)
	cfg.applyFlags(flags)

	if cfg.StorePath == "" {
		switch cfg.StoreDriver {
		case StoreFile:
			cfg.StorePath = filepath.Join(DefaultConfigDir(), "credentials.json")
		case StoreSQLite:
			cfg.StorePath = filepath.Join(DefaultConfigDir(), "console.db")
		}
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	mark := func(key string) { cfg.Sources[key] = SourceFile }
	if fileCfg.BaseURL != "" {
		cfg.BaseURL = fileCfg.BaseURL
		mark("base_url")
	}
	if fileCfg.Profile != "" {
		cfg.Profile = fileCfg.Profile
		mark("profile")
	}
	if fileCfg.StoreDriver != "" {
		cfg.StoreDriver = fileCfg.StoreDriver
		mark("store")
	}
	if fileCfg.StorePath != "" {
		cfg.StorePath = fileCfg.StorePath
		mark("store_path")
	}
	if fileCfg.KeyringService != "" {
		cfg.KeyringService = fileCfg.KeyringService
		mark("keyring_service")
	}
	if fileCfg.Timeout > 0 {
		cfg.Timeout = fileCfg.Timeout
		mark("timeout")
	}
	if fileCfg.RefreshTimeout > 0 {
		cfg.RefreshTimeout = fileCfg.RefreshTimeout
		mark("refresh_timeout")
	}
	if fileCfg.Language != "" {
		cfg.Language = fileCfg.Language
		mark("language")
	}
	if fileCfg.Env != "" {
		cfg.Env = fileCfg.Env
		mark("env")
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
		mark("log_level")
	}
	if fileCfg.LogFormat != "" {
		cfg.LogFormat = fileCfg.LogFormat
		mark("log_format")
	}
	if fileCfg.MetricsAddr != "" {
		cfg.MetricsAddr = fileCfg.MetricsAddr
		mark("metrics_addr")
	}
	if fileCfg.RateLimit.Requests > 0 {
		cfg.RateLimit.Requests = fileCfg.RateLimit.Requests
		mark("rate_limit.requests")
	}
	if fileCfg.RateLimit.WindowSec > 0 {
		cfg.RateLimit.WindowSec = fileCfg.RateLimit.WindowSec
		mark("rate_limit.window_sec")
	}
	if fileCfg.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fileCfg.RateLimit.Burst
		mark("rate_limit.burst")
	}
	return nil
}

// LoadFromEnv applies CONSOLE_* environment variables to cfg.
func LoadFromEnv(cfg *Config) {
	str := func(key, env string, dst *string) {
		if v := getEnvOrDefault(env, *dst); v != *dst {
			*dst = v
			cfg.Sources[key] = SourceEnv
		}
	}
	dur := func(key, env string, dst *time.Duration) {
		if v := getEnvDurationOrDefault(env, *dst); v != *dst {
			*dst = v
			cfg.Sources[key] = SourceEnv
		}
	}

	str("base_url", "CONSOLE_BASE_URL", &cfg.BaseURL)
	str("profile", "CONSOLE_PROFILE", &cfg.Profile)
	str("store", "CONSOLE_STORE", &cfg.StoreDriver)
	str("store_path", "CONSOLE_STORE_PATH", &cfg.StorePath)
	str("store_passphrase", "CONSOLE_STORE_PASSPHRASE", &cfg.StorePassphrase)
	str("keyring_service", "CONSOLE_KEYRING_SERVICE", &cfg.KeyringService)
	dur("timeout", "CONSOLE_TIMEOUT", &cfg.Timeout)
	dur("refresh_timeout", "CONSOLE_REFRESH_TIMEOUT", &cfg.RefreshTimeout)
	str("language", "CONSOLE_LANGUAGE", &cfg.Language)
	str("env", "CONSOLE_ENV", &cfg.Env)
	str("log_level", "CONSOLE_LOG_LEVEL", &cfg.LogLevel)
	str("log_format", "CONSOLE_LOG_FORMAT", &cfg.LogFormat)
	str("metrics_addr", "CONSOLE_METRICS_ADDR", &cfg.MetricsAddr)

	limit := httpx.ParseRateLimitFromEnv("CONSOLE", cfg.RateLimit.config())
	if limit != cfg.RateLimit.config() {
		cfg.RateLimit = RateLimit{
			Requests:  limit.RequestsPerWindow,
			WindowSec: int(limit.Window / time.Second),
			Burst:     limit.Burst,
		}
		cfg.Sources["rate_limit"] = SourceEnv
	}
}

func (cfg *Config) applyFlags(flags FlagOverrides) {
	apply := func(key, val string, dst *string) {
		if val != "" {
			*dst = val
			cfg.Sources[key] = SourceFlag
		}
	}
	apply("base_url", flags.BaseURL, &cfg.BaseURL)
	apply("profile", flags.Profile, &cfg.Profile)
	apply("store", flags.Store, &cfg.StoreDriver)
	apply("store_path", flags.StorePath, &cfg.StorePath)
	apply("language", flags.Language, &cfg.Language)
	apply("log_level", flags.LogLevel, &cfg.LogLevel)
}

// Validate reports configuration that cannot work.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required (set CONSOLE_BASE_URL or --base-url)"))
	}
	switch cfg.StoreDriver {
	case StoreMemory, StoreKeyring, StoreSQLite:
	case StoreFile:
		if cfg.StorePassphrase == "" {
			errs = append(errs, errors.New("the file store needs CONSOLE_STORE_PASSPHRASE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", cfg.StoreDriver))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
