package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

const minimalYAML = `
auth:
  api_key: "k1"
  api_secret: "s1"
  auth_expires_skew_sec: 5
transport:
  url: "wss://ws.bitmex.com/realtime"
rest:
  base_url: "https://www.bitmex.com/api/v1"
  retry_count: 3
`

func TestLoadReadsYAML(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Auth.APIKey != "k1" {
		t.Errorf("APIKey = %q, want %q", cfg.Auth.APIKey, "k1")
	}
	if cfg.Transport.URL != "wss://ws.bitmex.com/realtime" {
		t.Errorf("Transport.URL = %q", cfg.Transport.URL)
	}
}

func TestLoadEnvOverridesSensitiveFields(t *testing.T) {
	path := writeTestConfig(t, minimalYAML)

	t.Setenv("BITMEX_API_KEY", "env-key")
	t.Setenv("BITMEX_API_SECRET", "env-secret")
	t.Setenv("BITMEX_AUTH_EXPIRES_SKEW_SEC", "10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Auth.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Auth.APIKey)
	}
	if cfg.Auth.APISecret != "env-secret" {
		t.Errorf("APISecret = %q, want env override", cfg.Auth.APISecret)
	}
	if cfg.Auth.AuthExpiresSkewSec != 10 {
		t.Errorf("AuthExpiresSkewSec = %d, want 10", cfg.Auth.AuthExpiresSkewSec)
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate should fail on empty config")
	}

	cfg = &Config{
		Auth: AuthConfig{APIKey: "k", APISecret: "s", AuthExpiresSkewSec: 5},
		Transport: TransportConfig{URL: "wss://ws.bitmex.com/realtime"},
		REST:      RESTConfig{BaseURL: "https://www.bitmex.com/api/v1"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate should pass on a complete config: %v", err)
	}
}
