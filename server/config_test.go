package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qqconnect/qq"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.QQ.ClientID = "app1"
	cfg.QQ.ClientSecret = "secret1"
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
qq:
  client_id: app1
  client_secret: secret1
  send_redirect_uri: true
  timeout: 5s
state:
  driver: memory
`)

	t.Setenv("QQCONNECT_SERVER_PUBLIC_URL", "https://login.example.com")
	t.Setenv("QQCONNECT_QQ_SEND_REDIRECT_URI", "false")
	t.Setenv("QQCONNECT_STATE_TTL", "2m")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://login.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.QQ.SendsRedirectURI() {
		t.Fatalf("send_redirect_uri override should disable redirect_uri")
	}
	if cfg.QQ.Timeout != 5*time.Second {
		t.Fatalf("timeout = %v", cfg.QQ.Timeout)
	}
	if cfg.State.TTL != 2*time.Minute {
		t.Fatalf("state ttl = %v", cfg.State.TTL)
	}
	if cfg.CallbackURL() != "https://login.example.com/auth/qq/callback" {
		t.Fatalf("callback url = %q", cfg.CallbackURL())
	}
}

func TestLoadConfigCredentialsFromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  public_url: http://localhost:8080\n")
	t.Setenv("QQCONNECT_QQ_CLIENT_ID", "env-app")
	t.Setenv("QQCONNECT_QQ_CLIENT_SECRET", "env-secret")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.QQ.ClientID != "env-app" || cfg.QQ.ClientSecret != "env-secret" {
		t.Fatalf("credentials not taken from env: %+v", cfg.QQ)
	}
}

func TestConfigValidateRequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	var cerr *qq.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected qq.ConfigError, got %v", err)
	}
	if cerr.Field != "client_id" {
		t.Fatalf("field = %q", cerr.Field)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  unknown_field: value
qq:
  client_id: app1
  client_secret: secret1
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "unknown_field") {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestLoadConfigIgnoresComments(t *testing.T) {
	path := writeConfig(t, `# qqconnect
server:
  # dev listener
  public_url: http://localhost:8080
qq:
  client_id: app1
  client_secret: secret1
`)
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := map[string]func(*Config){
		"public url":   func(c *Config) { c.Server.PublicURL = "not-a-url" },
		"tls version":  func(c *Config) { c.Server.TLS.MinVersion = "1.1" },
		"prod domains": func(c *Config) { c.Server.DevMode = false; c.Server.TLS.Domains = nil },
		"cookie":       func(c *Config) { c.Server.CookieDomain = ".example.org" },
		"redirect uri": func(c *Config) { c.QQ.RedirectURI = "/cb" },
		"driver":       func(c *Config) { c.State.Driver = "etcd" },
		"redis addr":   func(c *Config) { c.State.Driver = StateDriverRedis; c.State.Redis.Addr = "" },
		"negative ttl": func(c *Config) { c.Session.TTL = -time.Second },
	}
	for name, mutate := range tests {
		cfg := validConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateCookieDomainSuffix(t *testing.T) {
	cfg := validConfig()
	cfg.Server.PublicURL = "https://login.dev.example.com:8443/app"
	cfg.Server.CookieDomain = ".dev.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("matching cookie domain rejected: %v", err)
	}
}

func TestCallbackURLPrefersRedirectURI(t *testing.T) {
	cfg := validConfig()
	cfg.Server.PublicURL = "https://login.example.com/"
	if got := cfg.CallbackURL(); got != "https://login.example.com/auth/qq/callback" {
		t.Fatalf("callback url = %q", got)
	}
	cfg.QQ.RedirectURI = "https://app.example.com/cb"
	if got := cfg.CallbackURL(); got != "https://app.example.com/cb" {
		t.Fatalf("callback url = %q", got)
	}
}

func TestKeysPath(t *testing.T) {
	cfg := validConfig()
	cfg.Server.SecretsPath = "/var/lib/qqconnect/"
	if got := cfg.KeysPath(); got != "/var/lib/qqconnect/jwks.json" {
		t.Fatalf("keys path = %q", got)
	}
	cfg.Session.JWKSPath = "/etc/keys.json"
	if got := cfg.KeysPath(); got != "/etc/keys.json" {
		t.Fatalf("keys path = %q", got)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	out := splitAndTrim(" a , ,b,, c ")
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}
