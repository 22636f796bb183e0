package config

import (
	"fmt"
	"regexp"
	"time"
)

// Config holds all configuration for the synchronization layer
type Config struct {
	APIBaseURL  string `json:"apiBaseUrl" yaml:"apiBaseUrl"`
	RealtimeURL string `json:"realtimeUrl" yaml:"realtimeUrl"` // empty disables the push channel
	APIKey      string `json:"apiKey" yaml:"apiKey"`
	Schema      string `json:"schema" yaml:"schema"`

	Storage           StorageConfig `json:"storage" yaml:"storage"`
	SessionKeyPattern string        `json:"sessionKeyPattern" yaml:"sessionKeyPattern"`

	Timing   TimingConfig   `json:"timing" yaml:"timing"`
	CrossTab CrossTabConfig `json:"crossTab" yaml:"crossTab"`

	// IncludeUnassigned controls whether non-admin operators see rows with no tenant
	IncludeUnassigned bool `json:"includeUnassigned" yaml:"includeUnassigned"`

	Debug    bool   `json:"debug" yaml:"debug"`
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// StorageConfig selects the persistent key-value store backend
type StorageConfig struct {
	Driver        string `json:"driver" yaml:"driver"` // memory, sqlite, redis
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddr     string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty" yaml:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty" yaml:"redisDb,omitempty"`
	Prefix        string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// TimingConfig holds every timeout and interval used by the layer
type TimingConfig struct {
	ReadTimeout  Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout"`
	Debounce     Duration `json:"debounce" yaml:"debounce"`
	VerifyGrace  Duration `json:"verifyGrace" yaml:"verifyGrace"`
	JoinTimeout  Duration `json:"joinTimeout" yaml:"joinTimeout"`
}

// CrossTabConfig configures invalidation between sibling processes
type CrossTabConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Key          string   `json:"key" yaml:"key"`
	PollInterval Duration `json:"pollInterval" yaml:"pollInterval"`
	WatchFile    bool     `json:"watchFile" yaml:"watchFile"` // sqlite driver only
}

// DefaultConfig returns the configuration used when nothing is supplied
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL:        "http://localhost:8081/rest/v1",
		Schema:            "public",
		SessionKeyPattern: `^sb-[a-z0-9-]+-auth-token$`,
		Storage: StorageConfig{
			Driver: "memory",
		},
		Timing: TimingConfig{
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			Debounce:     Duration(400 * time.Millisecond),
			VerifyGrace:  Duration(750 * time.Millisecond),
			JoinTimeout:  Duration(10 * time.Second),
		},
		CrossTab: CrossTabConfig{
			Enabled:      true,
			Key:          "tenantmirror:last-mutation",
			PollInterval: Duration(2 * time.Second),
		},
		IncludeUnassigned: true,
		LogLevel:          "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if _, err := regexp.Compile(c.SessionKeyPattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionKeyPattern, err)
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	for _, d := range []Duration{
		c.Timing.ReadTimeout, c.Timing.WriteTimeout, c.Timing.Debounce,
		c.Timing.VerifyGrace, c.Timing.JoinTimeout,
	} {
		if d <= 0 {
			return ErrInvalidTiming
		}
	}
	if c.CrossTab.Enabled && c.CrossTab.PollInterval <= 0 {
		return ErrInvalidTiming
	}
	return nil
}

// Validate checks the storage backend selection
func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			return ErrMissingStoragePath
		}
	case "redis":
		if s.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return ErrUnknownStorageDriver
	}
	return nil
}
