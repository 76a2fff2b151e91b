package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"studymate/gate"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `# local development
server:
  public_url: http://localhost:8080/
  dev_mode: true
identity:
  project_id: studymate-yaml
`)

	t.Setenv("STUDYMATE_PUBLIC_URL", "https://studymate.example.jp")
	t.Setenv("STUDYMATE_REQUIRE_PROFILE_FOR_DASHBOARD", "true")
	t.Setenv("STUDYMATE_CORS_ORIGINS", " https://a.example.jp , ,https://b.example.jp")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "https://studymate.example.jp" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Identity.ProjectID != "studymate-yaml" {
		t.Fatalf("ProjectID mismatch, got %q", cfg.Identity.ProjectID)
	}
	if !cfg.Routes.RequireProfileForDashboard {
		t.Fatalf("RequireProfileForDashboard override not applied")
	}
	if got := strings.Join(cfg.Server.CORS.AllowedOrigins, ","); got != "https://a.example.jp,https://b.example.jp" {
		t.Fatalf("CORS override mismatch, got %q", got)
	}
	if len(cfg.Routes.Rules) != len(gate.DefaultPolicy().Rules) {
		t.Fatalf("default rules should survive a file without routes")
	}
}

func TestLoadConfigRoutesAreData(t *testing.T) {
	path := writeFile(t, "config.yaml", `routes:
  login_path: /signin
  rules:
    - pattern: /members/**
      class: protected
      require_verified_email: true
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Routes.LoginPath != "/signin" {
		t.Fatalf("login path mismatch, got %q", cfg.Routes.LoginPath)
	}
	if cfg.Routes.DashboardPath != "/my" {
		t.Fatalf("unset route fields should keep defaults, got %q", cfg.Routes.DashboardPath)
	}
	if len(cfg.Routes.Rules) != 1 || cfg.Routes.Rules[0].Class != gate.ClassProtected {
		t.Fatalf("rules should be replaced, got %+v", cfg.Routes.Rules)
	}
	if got := cfg.Routes.Classify("/members/area").Class; got != gate.ClassProtected {
		t.Fatalf("configured rule not applied, got %q", got)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeFile(t, "studymate.toml", `
[server]
public_url = "http://localhost:9090"
dev_listen_addr = ":9090"

[identity]
project_id = "studymate-toml"
default_key_ttl = "30m"
min_key_refresh = "1m"

[session]
max_age = "48h"

[routes]
require_profile_for_dashboard = true

[[routes.rules]]
pattern = "/members/**"
class = "protected"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.DevListenAddr != ":9090" || cfg.Identity.ProjectID != "studymate-toml" {
		t.Fatalf("unexpected config %+v", cfg.Server)
	}
	if !cfg.Routes.RequireProfileForDashboard {
		t.Fatalf("dashboard flag not decoded")
	}
	if len(cfg.Routes.Rules) != 1 {
		t.Fatalf("array tables should replace the default rules, got %d", len(cfg.Routes.Rules))
	}
	if len(cfg.Routes.CallbackPaths) != 2 {
		t.Fatalf("callback paths default lost: %v", cfg.Routes.CallbackPaths)
	}
	d, err := cfg.Durations()
	if err != nil {
		t.Fatalf("Durations: %v", err)
	}
	if d.DefaultKeyTTL != 30*time.Minute || d.SessionMaxAge != 48*time.Hour || d.MinKeyRefresh != time.Minute {
		t.Fatalf("unexpected durations %+v", d)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	for name, content := range map[string]string{
		"config.yaml": "server:\n  public_url: http://localhost:8080\n  unexpected: true\n",
		"config.toml": "[server]\npublic_url = \"http://localhost:8080\"\nunexpected = true\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeFile(t, name, content)); err == nil {
				t.Fatalf("expected unknown field to be rejected")
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing public url", func(c *Config) { c.Server.PublicURL = "" }},
		{"bad public url", func(c *Config) { c.Server.PublicURL = "not a url" }},
		{"missing project", func(c *Config) { c.Identity.ProjectID = "" }},
		{"bad duration", func(c *Config) { c.Session.MaxAge = "five days" }},
		{"negative duration", func(c *Config) { c.Profiles.CacheTTL = "-1m" }},
		{"cookie domain mismatch", func(c *Config) { c.Session.CookieDomain = ".example.com" }},
		{"relative upstream", func(c *Config) { c.Upstream.Target = "frontend:3000" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad rule class", func(c *Config) {
			c.Routes.Rules = []gate.Rule{{Pattern: "/x", Class: "secret"}}
		}},
		{"prod without domains", func(c *Config) {
			c.Server.DevMode = false
			c.Identity.APIKey = "key"
		}},
		{"prod without api key", func(c *Config) {
			c.Server.DevMode = false
			c.Server.TLS.Domains = []string{"studymate.example.jp"}
		}},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestConfigResolvedEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.IssuerURL(); got != "https://securetoken.google.com/studymate-dev" {
		t.Fatalf("unexpected issuer %q", got)
	}
	if got := cfg.KeysURL(); got != "http://localhost:8080/dev/keys" {
		t.Fatalf("dev mode should use the dev issuer keys, got %q", got)
	}

	cfg.Server.DevMode = false
	if got := cfg.KeysURL(); got != GoogleKeysURL {
		t.Fatalf("unexpected production keys url %q", got)
	}

	cfg.Identity.KeysURL = "https://keys.example.jp/certs"
	cfg.Identity.Issuer = "https://issuer.example.jp"
	if cfg.KeysURL() != "https://keys.example.jp/certs" || cfg.IssuerURL() != "https://issuer.example.jp" {
		t.Fatalf("explicit endpoints should win")
	}
}

func TestWriteConfigLoadsBack(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Identity.ProjectID = "written"
			if err := WriteConfig(path, cfg); err != nil {
				t.Fatalf("WriteConfig: %v", err)
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			if loaded.Identity.ProjectID != "written" || len(loaded.Routes.Rules) != len(cfg.Routes.Rules) {
				t.Fatalf("config did not survive a write: %+v", loaded.Identity)
			}
		})
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
