package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a file path and applies environment variable overrides
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	// Call cfg.Validate() after applying CLI overrides in the caller
	return cfg, nil
}

// loadFromFile decodes a JSON or YAML file on top of cfg.
// Keys missing from the file keep their defaults.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from TM_* environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("TM_API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("TM_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("TM_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("TM_SESSION_KEY_PATTERN"); v != "" {
		cfg.SessionKeyPattern = v
	}

	// Storage
	if v := os.Getenv("TM_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("TM_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TM_REDIS_ADDR"); v != "" {
		cfg.Storage.RedisAddr = v
	}
	if v := os.Getenv("TM_REDIS_PASSWORD"); v != "" {
		cfg.Storage.RedisPassword = v
	}
	if v := os.Getenv("TM_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.RedisDB = n
		}
	}

	// Timing
	envDuration("TM_READ_TIMEOUT", &cfg.Timing.ReadTimeout)
	envDuration("TM_WRITE_TIMEOUT", &cfg.Timing.WriteTimeout)
	envDuration("TM_DEBOUNCE", &cfg.Timing.Debounce)
	envDuration("TM_VERIFY_GRACE", &cfg.Timing.VerifyGrace)
	envDuration("TM_JOIN_TIMEOUT", &cfg.Timing.JoinTimeout)

	// Cross-tab invalidation
	if v := os.Getenv("TM_CROSS_TAB"); v != "" {
		cfg.CrossTab.Enabled = envBool(v)
	}
	if v := os.Getenv("TM_CROSS_TAB_KEY"); v != "" {
		cfg.CrossTab.Key = v
	}
	envDuration("TM_CROSS_TAB_POLL", &cfg.CrossTab.PollInterval)

	if v := os.Getenv("TM_INCLUDE_UNASSIGNED"); v != "" {
		cfg.IncludeUnassigned = envBool(v)
	}

	if v := os.Getenv("TM_DEBUG"); v != "" {
		cfg.Debug = envBool(v)
	}
	if v := os.Getenv("TM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
	}
}

// LoadFromEnvironment creates a configuration using only environment variables
// Validation is deferred to allow CLI flag overrides to be applied first
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}
