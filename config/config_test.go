package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8000",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"realm": "broker-test",
			"enable_fallback": true,
			"fallback_tokens": [
				{"username": "admin", "token": "user:admin:test123hash"}
			],
			"admin_users": ["admin"],
			"default_token_ttl": "72h",
			"test_token_user": "qa"
		},
		"session": {
			"idle_timeout": "10m",
			"keepalive_interval": "5s"
		},
		"redis": {
			"addr": "localhost:6379"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8000" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8000")
	}
	if cfg.Auth.Realm != "broker-test" {
		t.Errorf("Auth.Realm: got %q", cfg.Auth.Realm)
	}
	if !cfg.Auth.EnableFallback {
		t.Error("Auth.EnableFallback: got false, want true")
	}
	if got := cfg.FallbackTable()["admin"]; got != "user:admin:test123hash" {
		t.Errorf("FallbackTable[admin]: got %q", got)
	}
	if cfg.Auth.DefaultTokenTTL.Duration != 72*time.Hour {
		t.Errorf("Auth.DefaultTokenTTL: got %v", cfg.Auth.DefaultTokenTTL.Duration)
	}
	if cfg.Auth.TestTokenUser != "qa" {
		t.Errorf("Auth.TestTokenUser: got %q", cfg.Auth.TestTokenUser)
	}
	if cfg.Session.IdleTimeout.Duration != 10*time.Minute {
		t.Errorf("Session.IdleTimeout: got %v", cfg.Session.IdleTimeout.Duration)
	}
	if cfg.Session.KeepaliveInterval.Duration != 5*time.Second {
		t.Errorf("Session.KeepaliveInterval: got %v", cfg.Session.KeepaliveInterval.Duration)
	}
	if !cfg.UseRedis() {
		t.Error("UseRedis: got false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
	if !cfg.IsAdmin("admin") || cfg.IsAdmin("alice") {
		t.Error("IsAdmin misclassified a user")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"server": {"addr": ":8000"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.Realm != "mcp-relay" {
		t.Errorf("default realm: got %q", cfg.Auth.Realm)
	}
	if cfg.Auth.TestTokenTTL.Duration != 24*time.Hour {
		t.Errorf("default test token TTL: got %v", cfg.Auth.TestTokenTTL.Duration)
	}
	if cfg.Auth.TestTokenUser != "admin" {
		t.Errorf("default test token user: got %q", cfg.Auth.TestTokenUser)
	}
	if cfg.Session.IdleTimeout.Duration != 0 {
		t.Errorf("idle timeout should default to disabled, got %v", cfg.Session.IdleTimeout.Duration)
	}
	if cfg.Session.KeepaliveInterval.Duration != 15*time.Second {
		t.Errorf("default keepalive: got %v", cfg.Session.KeepaliveInterval.Duration)
	}
	if cfg.Session.SendTimeout.Duration != 5*time.Second {
		t.Errorf("default send timeout: got %v", cfg.Session.SendTimeout.Duration)
	}
	if cfg.UseRedis() {
		t.Error("redis should be disabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 || cfg.RateLimit.Burst != 20 {
		t.Errorf("default rate limit: got %+v", cfg.RateLimit)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default max body: got %d", cfg.Server.MaxBodyBytes)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"MissingAddr", `{"server": {}}`},
		{"BadAuthServerURL", `{"server": {"addr": ":8000"}, "auth": {"auth_server_url": "not a url"}}`},
		{"EmptyFallbackEntry", `{"server": {"addr": ":8000"}, "auth": {"fallback_tokens": [{"username": "", "token": "x"}]}}`},
		{"DuplicateFallbackUser", `{"server": {"addr": ":8000"}, "auth": {"fallback_tokens": [
			{"username": "admin", "token": "a"}, {"username": "admin", "token": "b"}]}}`},
		{"NegativeRateLimit", `{"server": {"addr": ":8000"}, "rate_limit": {"requests_per_second": -1}}`},
		{"NegativeIdleTimeout", `{"server": {"addr": ":8000"}, "session": {"idle_timeout": "-5m"}}`},
		{"BadJSON", `{"server": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.json)
			if _, err := Load(path); err == nil {
				t.Error("Load accepted an invalid config")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Load accepted a missing file")
	}
}

func TestDurationUnits(t *testing.T) {
	// Bare numbers are seconds; strings use Go duration syntax.
	path := writeTempConfig(t, `{"server": {"addr": ":8000"}, "session": {"idle_timeout": 90}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.IdleTimeout.Duration != 90*time.Second {
		t.Errorf("numeric duration: got %v, want 90s", cfg.Session.IdleTimeout.Duration)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8000" {
		t.Errorf("Default addr: got %q", cfg.Server.Addr)
	}
	if cfg.Auth.Realm == "" || cfg.Session.KeepaliveInterval.Duration == 0 {
		t.Error("Default must carry applied defaults")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("Default origins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
}

func TestFallbackTableCopies(t *testing.T) {
	cfg := Default()
	cfg.Auth.FallbackTokens = []FallbackTokenEntry{{Username: "admin", Token: "user:admin:test123hash"}}

	table := cfg.FallbackTable()
	table["admin"] = "tampered"

	if got := cfg.FallbackTable()["admin"]; got != "user:admin:test123hash" {
		t.Errorf("FallbackTable must return a fresh copy, got %q", got)
	}
}
