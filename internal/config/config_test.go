package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prjevent.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Session.ChallengeLength != 4 || cfg.Audit.Mode != "strict" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadTOMLThenEnv(t *testing.T) {
	path := writeFile(t, `
[http]
addr = ":9000"
cookie_secure = false

[session]
ttl = "2h"
idle_timeout = "15m"

[redis]
addr = "localhost:6379"

[audit]
mode = "best_effort"
`)
	t.Setenv("PRJEVENT_HTTP_ADDR", ":9100")
	t.Setenv("PRJEVENT_CHALLENGE_TTL", "90s")
	t.Setenv("PRJEVENT_LOGIN_BURST", "7")
	t.Setenv("PRJEVENT_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("env should override file, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.CookieSecure {
		t.Fatalf("expected cookie_secure from file")
	}
	if cfg.Session.TTL != 2*time.Hour || cfg.Session.IdleTimeout != 15*time.Minute {
		t.Fatalf("unexpected session durations %+v", cfg.Session)
	}
	if cfg.Session.ChallengeTTL != 90*time.Second || cfg.RateLimit.LoginBurst != 7 {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Session, cfg.RateLimit)
	}
	if got := cfg.RateLimit.TrustedProxies; len(got) != 2 || got[0] != "10.0.0.0/8" || got[1] != "192.168.1.1" {
		t.Fatalf("unexpected trusted proxies %v", got)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Audit.Mode != "best_effort" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "[http]\nadress = \":1\"\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "http.adress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("PRJEVENT_SESSION_TTL", "forever")
	t.Setenv("PRJEVENT_REDIS_DB", "x")
	_, err := Load("")
	var verrs ValidateErrors
	if !errors.As(err, &verrs) || len(verrs) != 2 {
		t.Fatalf("expected two env errors, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"idle exceeds ttl":   func(c *Config) { c.Session.IdleTimeout = 24 * time.Hour },
		"short challenge":    func(c *Config) { c.Session.ChallengeLength = 2 },
		"bad audit mode":     func(c *Config) { c.Audit.Mode = "loud" },
		"bad log level":      func(c *Config) { c.Log.Level = "trace" },
		"public without key": func(c *Config) { c.Keys.PublicKeyFile = "pub.pem" },
		"no keys at all":     func(c *Config) { c.Keys.AllowEphemeral = false },
		"bad proxy":          func(c *Config) { c.RateLimit.TrustedProxies = []string{"10.0.0.0/33"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	cfg := Default()
	cfg.RateLimit.TrustedProxies = []string{"10.0.0.0/8", "::1"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("trusted proxies should validate: %v", err)
	}
}
