package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qqconnect/flow"
	"qqconnect/qq"
)

// Session defaults.
const (
	DefaultSessionTTL     = 12 * time.Hour
	DefaultRotateInterval = 30 * 24 * time.Hour
	DefaultLoginCookieTTL = 10 * time.Minute
)

// State store drivers.
const (
	StateDriverMemory = "memory"
	StateDriverRedis  = "redis"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	QQ      qq.Config     `yaml:"qq"`
	State   StateConfig   `yaml:"state"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	SecretsPath     string    `yaml:"secrets_path"`
	LogFile         string    `yaml:"log_file"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
}

// StateConfig selects where pending login states live between request and callback.
type StateConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig is used when state.driver is redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SessionConfig controls the session token minted after a successful login.
type SessionConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
			},
		},
		QQ: qq.Config{
			DefaultScope: qq.DefaultScope,
			Timeout:      qq.DefaultTimeout,
		},
		State: StateConfig{
			Driver: StateDriverMemory,
			TTL:    flow.DefaultStateTTL,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: flow.DefaultRedisPrefix,
			},
		},
		Session: SessionConfig{
			TTL:            DefaultSessionTTL,
			RotateInterval: DefaultRotateInterval,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// CallbackURL is the redirect_uri registered with QQ Connect.
func (c Config) CallbackURL() string {
	if c.QQ.RedirectURI != "" {
		return c.QQ.RedirectURI
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/auth/qq/callback"
}

// KeysPath is where the session signing keys are persisted.
func (c Config) KeysPath() string {
	if c.Session.JWKSPath != "" {
		return c.Session.JWKSPath
	}
	return strings.TrimRight(c.Server.SecretsPath, "/") + "/jwks.json"
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"QQCONNECT_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"QQCONNECT_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"QQCONNECT_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"QQCONNECT_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"QQCONNECT_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"QQCONNECT_SERVER_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"QQCONNECT_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"QQCONNECT_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"QQCONNECT_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"QQCONNECT_SERVER_LOG_FILE":          func(v string) { cfg.Server.LogFile = v },
		"QQCONNECT_QQ_CLIENT_ID":             func(v string) { cfg.QQ.ClientID = v },
		"QQCONNECT_QQ_CLIENT_SECRET":         func(v string) { cfg.QQ.ClientSecret = v },
		"QQCONNECT_QQ_REDIRECT_URI":          func(v string) { cfg.QQ.RedirectURI = v },
		"QQCONNECT_QQ_DEFAULT_SCOPE":         func(v string) { cfg.QQ.DefaultScope = v },
		"QQCONNECT_QQ_SEND_REDIRECT_URI":     func(v string) { cfg.QQ.SendRedirectURI = qq.Bool(parseBool(v, cfg.QQ.SendsRedirectURI())) },
		"QQCONNECT_QQ_UID_FIELD":             func(v string) { cfg.QQ.UIDField = v },
		"QQCONNECT_QQ_TIMEOUT":               func(v string) { cfg.QQ.Timeout = parseDuration(v, cfg.QQ.Timeout) },
		"QQCONNECT_STATE_DRIVER":             func(v string) { cfg.State.Driver = strings.ToLower(strings.TrimSpace(v)) },
		"QQCONNECT_STATE_TTL":                func(v string) { cfg.State.TTL = parseDuration(v, cfg.State.TTL) },
		"QQCONNECT_STATE_REDIS_ADDR":         func(v string) { cfg.State.Redis.Addr = v },
		"QQCONNECT_STATE_REDIS_PASSWORD":     func(v string) { cfg.State.Redis.Password = v },
		"QQCONNECT_STATE_REDIS_DB":           func(v string) { cfg.State.Redis.DB = parseInt(v, cfg.State.Redis.DB) },
		"QQCONNECT_SESSION_TTL":              func(v string) { cfg.Session.TTL = parseDuration(v, cfg.Session.TTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config and logs the first problem found.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if err := c.QQ.Validate(); err != nil {
		var cerr *qq.ConfigError
		if errors.As(err, &cerr) {
			slog.Error("Missing required configuration", "field", "qq."+cerr.Field)
		}
		return err
	}

	if c.QQ.RedirectURI != "" && !strings.HasPrefix(c.QQ.RedirectURI, "http://") && !strings.HasPrefix(c.QQ.RedirectURI, "https://") {
		slog.Error("Invalid configuration value", "field", "qq.redirect_uri", "value", c.QQ.RedirectURI, "reason", "must start with http:// or https://")
		return fmt.Errorf("qq.redirect_uri must start with http:// or https://, got: %s", c.QQ.RedirectURI)
	}

	switch c.State.Driver {
	case StateDriverMemory:
	case StateDriverRedis:
		if c.State.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "state.redis.addr")
			return errors.New("state.redis.addr is required when state.driver is redis")
		}
	default:
		slog.Error("Invalid state driver", "field", "state.driver", "value", c.State.Driver, "valid_values", []string{StateDriverMemory, StateDriverRedis})
		return fmt.Errorf("state.driver must be '%s' or '%s', got: %s", StateDriverMemory, StateDriverRedis, c.State.Driver)
	}

	if c.State.TTL < 0 || c.Session.TTL < 0 {
		slog.Error("Invalid configuration value", "field", "ttl", "reason", "durations must not be negative")
		return errors.New("state.ttl and session.ttl must not be negative")
	}

	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
