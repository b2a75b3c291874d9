package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().ValidateConfig(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("HOSTFETCH_TIMEOUT", "45")
	t.Setenv("HOSTFETCH_WORKERS", "4")
	t.Setenv("HOSTFETCH_SERVICES", "/tmp/services.yaml")
	t.Setenv("HOSTFETCH_CAPTCHA_USER", "solver")
	t.Setenv("HOSTFETCH_DEBUG", "1")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.DefaultTimeout != 45 {
		t.Errorf("DefaultTimeout = %d, want 45", cfg.DefaultTimeout)
	}
	if cfg.Timeout() != 45*time.Second {
		t.Errorf("Timeout() = %v, want 45s", cfg.Timeout())
	}
	if cfg.UploadWorkers != 4 {
		t.Errorf("UploadWorkers = %d, want 4", cfg.UploadWorkers)
	}
	if cfg.ServicesFile != "/tmp/services.yaml" {
		t.Errorf("ServicesFile = %q", cfg.ServicesFile)
	}
	if cfg.CaptchaUsername != "solver" {
		t.Errorf("CaptchaUsername = %q", cfg.CaptchaUsername)
	}
	if !cfg.EnableDebug {
		t.Error("EnableDebug should be set from HOSTFETCH_DEBUG")
	}
}

func TestConfig_LoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("HOSTFETCH_TIMEOUT", "-3")
	t.Setenv("HOSTFETCH_WORKERS", "99")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if cfg.DefaultTimeout != 30 {
		t.Errorf("invalid timeout should be ignored, got %d", cfg.DefaultTimeout)
	}
	if cfg.UploadWorkers != 2 {
		t.Errorf("out-of-range workers should be ignored, got %d", cfg.UploadWorkers)
	}
}

func TestConfig_ValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_timeout", func(c *Config) { c.DefaultTimeout = 0 }},
		{"negative_retries", func(c *Config) { c.MaxRetries = -1 }},
		{"too_many_workers", func(c *Config) { c.UploadWorkers = 17 }},
		{"no_user_agents", func(c *Config) { c.UserAgentList = nil }},
		{"no_poll_limit", func(c *Config) { c.CaptchaPollLimit = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.ValidateConfig(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostfetch.yaml")
	doc := `
services:
  example:
    upload_url: https://files.example/upload
    link_pattern: 'https://files\.example/d/\w+'
  bare:
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	services, err := LoadServices(path)
	if err != nil {
		t.Fatalf("LoadServices() error = %v", err)
	}
	if got := services["example"]["upload_url"]; got != "https://files.example/upload" {
		t.Errorf("upload_url = %q", got)
	}
	if services["bare"] == nil {
		t.Error("services without options should get an empty option map")
	}
}

func TestParseServices_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid_yaml", "services: [unclosed"},
		{"no_services", "other: 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServices([]byte(tt.doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := LoadServices(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
