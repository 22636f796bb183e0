package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"TM_API_BASE_URL", "TM_REALTIME_URL", "TM_API_KEY", "TM_SESSION_KEY_PATTERN",
	"TM_STORAGE_DRIVER", "TM_STORAGE_PATH", "TM_REDIS_ADDR", "TM_REDIS_PASSWORD", "TM_REDIS_DB",
	"TM_READ_TIMEOUT", "TM_WRITE_TIMEOUT", "TM_DEBOUNCE", "TM_VERIFY_GRACE", "TM_JOIN_TIMEOUT",
	"TM_CROSS_TAB", "TM_CROSS_TAB_KEY", "TM_CROSS_TAB_POLL", "TM_INCLUDE_UNASSIGNED",
	"TM_DEBUG", "TM_LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr error
		checks  func(*testing.T, *Config)
	}{
		{
			name: "minimal valid config",
			envVars: map[string]string{
				"TM_API_BASE_URL": "http://localhost:9000/rest/v1",
				"TM_API_KEY":      "anon-key",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://localhost:9000/rest/v1" {
					t.Errorf("expected APIBaseURL override, got %s", cfg.APIBaseURL)
				}
				if cfg.APIKey != "anon-key" {
					t.Errorf("expected APIKey=anon-key, got %s", cfg.APIKey)
				}
			},
		},
		{
			name: "defaults when no env set",
			envVars: map[string]string{
				"TM_API_KEY": "anon-key",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Timing.ReadTimeout.Std() != 10*time.Second {
					t.Errorf("expected 10s read timeout, got %s", cfg.Timing.ReadTimeout)
				}
				if cfg.Timing.WriteTimeout.Std() != 15*time.Second {
					t.Errorf("expected 15s write timeout, got %s", cfg.Timing.WriteTimeout)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected default LogLevel=info, got %s", cfg.LogLevel)
				}
				if !cfg.IncludeUnassigned {
					t.Error("expected IncludeUnassigned=true by default")
				}
			},
		},
		{
			name: "storage and timing overrides",
			envVars: map[string]string{
				"TM_API_KEY":        "anon-key",
				"TM_STORAGE_DRIVER": "redis",
				"TM_REDIS_ADDR":     "localhost:6379",
				"TM_REDIS_DB":       "3",
				"TM_DEBOUNCE":       "300ms",
				"TM_CROSS_TAB":      "false",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Driver != "redis" || cfg.Storage.RedisDB != 3 {
					t.Errorf("unexpected storage config: %+v", cfg.Storage)
				}
				if cfg.Timing.Debounce.Std() != 300*time.Millisecond {
					t.Errorf("expected 300ms debounce, got %s", cfg.Timing.Debounce)
				}
				if cfg.CrossTab.Enabled {
					t.Error("expected cross-tab disabled")
				}
			},
		},
		{
			name:    "missing api key fails validation",
			envVars: map[string]string{},
			wantErr: ErrMissingAPIKey,
		},
		{
			name: "sqlite without path fails validation",
			envVars: map[string]string{
				"TM_API_KEY":        "anon-key",
				"TM_STORAGE_DRIVER": "sqlite",
			},
			wantErr: ErrMissingStoragePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := LoadFromEnvironment()
			if err != nil {
				t.Fatalf("LoadFromEnvironment() error = %v", err)
			}

			err = cfg.Validate()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
			if tt.checks != nil {
				tt.checks(t, cfg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	t.Run("yaml keeps defaults for missing keys", func(t *testing.T) {
		path := filepath.Join(dir, "config.yaml")
		content := "apiBaseUrl: https://example.test/rest/v1\napiKey: k\ntiming:\n  verifyGrace: 1s\nstorage:\n  driver: sqlite\n  path: /tmp/tm.db\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate() error = %v", err)
		}
		if cfg.Timing.VerifyGrace.Std() != time.Second {
			t.Errorf("expected verifyGrace=1s, got %s", cfg.Timing.VerifyGrace)
		}
		if cfg.Timing.ReadTimeout.Std() != 10*time.Second {
			t.Errorf("expected default read timeout to survive, got %s", cfg.Timing.ReadTimeout)
		}
	})

	t.Run("json accepts millisecond numbers", func(t *testing.T) {
		path := filepath.Join(dir, "config.json")
		content := `{"apiBaseUrl":"https://example.test/rest/v1","apiKey":"k","timing":{"debounce":350}}`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Timing.Debounce.Std() != 350*time.Millisecond {
			t.Errorf("expected debounce=350ms, got %s", cfg.Timing.Debounce)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.json"))
		if !errors.Is(err, ErrConfigFileNotFound) {
			t.Fatalf("expected ErrConfigFileNotFound, got %v", err)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		if !errors.Is(err, ErrInvalidConfigFormat) {
			t.Fatalf("expected ErrInvalidConfigFormat, got %v", err)
		}
	})
}
