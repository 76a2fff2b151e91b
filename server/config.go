package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"studymate/gate"
	"studymate/telemetry"
)

const (
	// GoogleKeysURL serves the x509 certificates that sign Firebase ID tokens.
	GoogleKeysURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	// GoogleIssuerPrefix is followed by the project id to form the token issuer.
	GoogleIssuerPrefix = "https://securetoken.google.com/"
)

// Config represents the service configuration loaded from YAML or TOML.
type Config struct {
	Server   ServerConfig        `yaml:"server" toml:"server"`
	Identity IdentityConfig      `yaml:"identity" toml:"identity"`
	Session  SessionConfig       `yaml:"session" toml:"session"`
	Routes   gate.Policy         `yaml:"routes" toml:"routes"`
	Profiles ProfilesConfig      `yaml:"profiles" toml:"profiles"`
	Upstream UpstreamConfig      `yaml:"upstream" toml:"upstream"`
	Logging  telemetry.LogConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig captures listener and TLS settings.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url" toml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr" toml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr" toml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr" toml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode" toml:"dev_mode"`
	TLS             TLSConfig  `yaml:"tls" toml:"tls"`
	CORS            CORSConfig `yaml:"cors" toml:"cors"`
}

// TLSConfig holds autocert settings used outside dev mode.
type TLSConfig struct {
	Domains    []string `yaml:"domains" toml:"domains"`
	Email      string   `yaml:"email" toml:"email"`
	CacheDir   string   `yaml:"cache_dir" toml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age" toml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the JSON endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" toml:"allowed_headers"`
}

// IdentityConfig describes the token issuer and the identity provider REST API.
type IdentityConfig struct {
	ProjectID string `yaml:"project_id" toml:"project_id"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	// Issuer defaults to GoogleIssuerPrefix + ProjectID.
	Issuer string `yaml:"issuer" toml:"issuer"`
	// KeysURL defaults to the Google certificate endpoint, or /dev/keys in dev mode.
	KeysURL string `yaml:"keys_url" toml:"keys_url"`
	// Discover resolves KeysURL through the issuer's OIDC discovery document.
	Discover           bool   `yaml:"discover" toml:"discover"`
	DefaultKeyTTL      string `yaml:"default_key_ttl" toml:"default_key_ttl"`
	FetchTimeout       string `yaml:"fetch_timeout" toml:"fetch_timeout"`
	ClockSkew          string `yaml:"clock_skew" toml:"clock_skew"`
	EmulatorHost       string `yaml:"emulator_host" toml:"emulator_host"`
	IdentityToolkitURL string `yaml:"identity_toolkit_url" toml:"identity_toolkit_url"`
	SecureTokenURL     string `yaml:"secure_token_url" toml:"secure_token_url"`
	// DevKeysPath persists the dev issuer's signing keys across restarts.
	DevKeysPath  string `yaml:"dev_keys_path" toml:"dev_keys_path"`
	DevKeyRotate string `yaml:"dev_key_rotate" toml:"dev_key_rotate"`
	// MinKeyRefresh bounds how often an unknown kid may force a key fetch.
	MinKeyRefresh string `yaml:"min_key_refresh" toml:"min_key_refresh"`
}

// SessionConfig shapes the session cookie.
type SessionConfig struct {
	CookieName   string `yaml:"cookie_name" toml:"cookie_name"`
	CookieDomain string `yaml:"cookie_domain" toml:"cookie_domain"`
	MaxAge       string `yaml:"max_age" toml:"max_age"`
}

// ProfilesConfig selects the profile store. An empty DSN keeps profiles in memory.
type ProfilesConfig struct {
	DSN       string `yaml:"dsn" toml:"dsn"`
	CacheSize int    `yaml:"cache_size" toml:"cache_size"`
	CacheTTL  string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// UpstreamConfig points at the frontend that serves pages behind the gate.
type UpstreamConfig struct {
	Target             string `yaml:"target" toml:"target"`
	Timeout            string `yaml:"timeout" toml:"timeout"`
	PreserveHost       bool   `yaml:"preserve_host" toml:"preserve_host"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// LoadConfig reads configuration from disk, applying defaults and environment overrides.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if isTOML(path) {
			if err := decodeTOML(data, &cfg); err != nil {
				var strict *toml.StrictMissingError
				if errors.As(err, &strict) {
					slog.Error("configuration contains unknown fields", "path", path, "error", strict.String())
					return Config{}, fmt.Errorf("parse config: unknown fields in %s", path)
				}
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		} else {
			dec := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(data)))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
					slog.Error("configuration contains unknown fields", "path", path, "error", err)
				}
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WriteConfig marshals cfg to path, as TOML or YAML by extension.
func WriteConfig(path string, cfg Config) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// decodeTOML decodes over cfg. List defaults are cleared first and restored
// when the document leaves them out, so array tables never extend them.
func decodeTOML(data []byte, cfg *Config) error {
	defaults := *cfg
	cfg.Server.TLS.Domains = nil
	cfg.Server.CORS = CORSConfig{}
	cfg.Routes.CallbackPaths = nil
	cfg.Routes.Rules = nil

	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(cfg); err != nil {
		return err
	}

	if cfg.Server.TLS.Domains == nil {
		cfg.Server.TLS.Domains = defaults.Server.TLS.Domains
	}
	if cfg.Server.CORS.AllowedOrigins == nil {
		cfg.Server.CORS.AllowedOrigins = defaults.Server.CORS.AllowedOrigins
	}
	if cfg.Server.CORS.AllowedMethods == nil {
		cfg.Server.CORS.AllowedMethods = defaults.Server.CORS.AllowedMethods
	}
	if cfg.Server.CORS.AllowedHeaders == nil {
		cfg.Server.CORS.AllowedHeaders = defaults.Server.CORS.AllowedHeaders
	}
	if cfg.Routes.CallbackPaths == nil {
		cfg.Routes.CallbackPaths = defaults.Routes.CallbackPaths
	}
	if cfg.Routes.Rules == nil {
		cfg.Routes.Rules = defaults.Routes.Rules
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func stripYAMLComments(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			lines[i] = ""
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// DefaultConfig returns a development-friendly configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8080",
			DevListenAddr:   ":8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".studymate/tls",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
			},
		},
		Identity: IdentityConfig{
			ProjectID:     "studymate-dev",
			DefaultKeyTTL: "1h",
			FetchTimeout:  "10s",
			ClockSkew:     "0s",
			MinKeyRefresh: "30s",
			DevKeysPath:   ".studymate/dev-keys.json",
			DevKeyRotate:  "24h",
		},
		Session: SessionConfig{
			CookieName: gate.DefaultCookieName,
			MaxAge:     "120h",
		},
		Routes: gate.DefaultPolicy(),
		Profiles: ProfilesConfig{
			CacheSize: 4096,
			CacheTTL:  "1m",
		},
		Upstream: UpstreamConfig{
			Timeout: "30s",
		},
		Logging: telemetry.LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"STUDYMATE_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"STUDYMATE_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"STUDYMATE_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"STUDYMATE_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"STUDYMATE_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"STUDYMATE_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"STUDYMATE_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"STUDYMATE_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"STUDYMATE_PROJECT_ID":        func(v string) { cfg.Identity.ProjectID = v },
		"STUDYMATE_API_KEY":           func(v string) { cfg.Identity.APIKey = v },
		"STUDYMATE_ISSUER":            func(v string) { cfg.Identity.Issuer = v },
		"STUDYMATE_KEYS_URL":          func(v string) { cfg.Identity.KeysURL = v },
		"FIREBASE_AUTH_EMULATOR_HOST": func(v string) { cfg.Identity.EmulatorHost = v },
		"STUDYMATE_COOKIE_DOMAIN":     func(v string) { cfg.Session.CookieDomain = v },
		"STUDYMATE_PROFILES_DSN":      func(v string) { cfg.Profiles.DSN = v },
		"STUDYMATE_UPSTREAM":          func(v string) { cfg.Upstream.Target = v },
		"STUDYMATE_LOG_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"STUDYMATE_LOG_FILE":          func(v string) { cfg.Logging.File = v },
		"STUDYMATE_REQUIRE_PROFILE_FOR_DASHBOARD": func(v string) {
			cfg.Routes.RequireProfileForDashboard = parseBool(v, cfg.Routes.RequireProfileForDashboard)
		},
	}

	for key, apply := range overrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			apply(v)
		}
	}
}

func (c *Config) normalize() {
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")
	c.Upstream.Target = strings.TrimSuffix(c.Upstream.Target, "/")
	if c.Session.CookieName == "" {
		c.Session.CookieName = gate.DefaultCookieName
	}
}

func parseBool(value string, def bool) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return b
}

func splitAndTrim(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}

// IssuerURL returns the expected token issuer.
func (c Config) IssuerURL() string {
	if c.Identity.Issuer != "" {
		return c.Identity.Issuer
	}
	return GoogleIssuerPrefix + c.Identity.ProjectID
}

// KeysURL returns the configured key document endpoint, falling back to the
// dev issuer in dev mode and to Google otherwise.
func (c Config) KeysURL() string {
	switch {
	case c.Identity.KeysURL != "":
		return c.Identity.KeysURL
	case c.Server.DevMode:
		return c.Server.PublicURL + "/dev/keys"
	default:
		return GoogleKeysURL
	}
}

// Durations holds the parsed duration fields of a validated Config.
type Durations struct {
	DefaultKeyTTL   time.Duration
	FetchTimeout    time.Duration
	ClockSkew       time.Duration
	MinKeyRefresh   time.Duration
	DevKeyRotate    time.Duration
	SessionMaxAge   time.Duration
	ProfileCacheTTL time.Duration
	UpstreamTimeout time.Duration
}

// Durations parses every duration field, reporting the first invalid one.
func (c Config) Durations() (Durations, error) {
	var d Durations
	fields := []struct {
		name  string
		value string
		def   time.Duration
		dst   *time.Duration
	}{
		{"identity.default_key_ttl", c.Identity.DefaultKeyTTL, time.Hour, &d.DefaultKeyTTL},
		{"identity.fetch_timeout", c.Identity.FetchTimeout, 10 * time.Second, &d.FetchTimeout},
		{"identity.clock_skew", c.Identity.ClockSkew, 0, &d.ClockSkew},
		{"identity.min_key_refresh", c.Identity.MinKeyRefresh, 30 * time.Second, &d.MinKeyRefresh},
		{"identity.dev_key_rotate", c.Identity.DevKeyRotate, 24 * time.Hour, &d.DevKeyRotate},
		{"session.max_age", c.Session.MaxAge, gate.DefaultCookieMaxAge, &d.SessionMaxAge},
		{"profiles.cache_ttl", c.Profiles.CacheTTL, time.Minute, &d.ProfileCacheTTL},
		{"upstream.timeout", c.Upstream.Timeout, 30 * time.Second, &d.UpstreamTimeout},
	}
	for _, f := range fields {
		v, err := parseDuration(f.value, f.def)
		if err != nil {
			return Durations{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if v < 0 {
			return Durations{}, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = v
	}
	return d, nil
}

// Validate ensures required configuration is present and consistent.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("configuration validation failed: server.public_url is required", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
		slog.Error("configuration validation failed: invalid server.public_url", "field", "server.public_url", "value", c.Server.PublicURL, "error", err)
		return fmt.Errorf("server.public_url invalid: %w", err)
	}
	if c.Server.DevMode && c.Server.DevListenAddr == "" {
		slog.Error("configuration validation failed: server.dev_listen_addr is required in dev mode", "field", "server.dev_listen_addr")
		return errors.New("server.dev_listen_addr is required in dev mode")
	}
	if !c.Server.DevMode {
		if c.Server.HTTPListenAddr == "" || c.Server.HTTPSListenAddr == "" {
			slog.Error("configuration validation failed: listen addresses required when dev_mode=false", "http_addr", c.Server.HTTPListenAddr, "https_addr", c.Server.HTTPSListenAddr)
			return errors.New("server.http_listen_addr and server.https_listen_addr are required when dev_mode=false")
		}
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("configuration validation failed: tls.domains required when dev_mode=false", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided when dev_mode=false")
		}
		if c.Identity.APIKey == "" && c.Identity.EmulatorHost == "" {
			slog.Error("configuration validation failed: identity.api_key required when dev_mode=false", "field", "identity.api_key")
			return errors.New("identity.api_key is required when dev_mode=false")
		}
	}
	if c.Identity.ProjectID == "" {
		slog.Error("configuration validation failed: identity.project_id is required", "field", "identity.project_id")
		return errors.New("identity.project_id is required")
	}
	if c.Identity.KeysURL != "" {
		if _, err := url.ParseRequestURI(c.Identity.KeysURL); err != nil {
			slog.Error("configuration validation failed: invalid identity.keys_url", "field", "identity.keys_url", "value", c.Identity.KeysURL, "error", err)
			return fmt.Errorf("identity.keys_url invalid: %w", err)
		}
	}
	if _, err := c.Durations(); err != nil {
		slog.Error("configuration validation failed: invalid duration", "error", err)
		return err
	}
	if domain := strings.TrimPrefix(c.Session.CookieDomain, "."); domain != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err == nil && !strings.HasSuffix(u.Hostname(), domain) {
			slog.Error("configuration validation failed: cookie_domain must be a suffix of public_url host", "field", "session.cookie_domain", "cookie_domain", c.Session.CookieDomain, "host", u.Hostname())
			return fmt.Errorf("session.cookie_domain %q does not match public_url host %q", c.Session.CookieDomain, u.Hostname())
		}
	}
	if err := c.Routes.Validate(); err != nil {
		slog.Error("configuration validation failed: invalid routes", "field", "routes", "error", err)
		return err
	}
	if c.Profiles.CacheSize < 0 {
		slog.Error("configuration validation failed: profiles.cache_size must not be negative", "field", "profiles.cache_size")
		return errors.New("profiles.cache_size must not be negative")
	}
	if c.Upstream.Target != "" {
		u, err := url.Parse(c.Upstream.Target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			slog.Error("configuration validation failed: invalid upstream.target", "field", "upstream.target", "value", c.Upstream.Target)
			return fmt.Errorf("upstream.target %q must be an absolute URL", c.Upstream.Target)
		}
	}
	if _, err := telemetry.ParseLevel(c.Logging.Level); err != nil {
		slog.Error("configuration validation failed: invalid logging.level", "field", "logging.level", "value", c.Logging.Level)
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
