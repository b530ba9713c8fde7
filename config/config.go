// Package config handles broker configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// Config is the top-level broker configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Session   SessionConfig   `json:"session"`
	Redis     RedisConfig     `json:"redis,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

// ServerConfig defines the broker's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8000"
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS / WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines token validation and issuance settings.
type AuthConfig struct {
	// Realm names this broker in WWW-Authenticate challenges.
	Realm string `json:"realm,omitempty"`
	// AuthServerURL delegates token validation to another broker's
	// /auth/validate endpoint. When set, this node runs relay-only: it
	// issues no tokens and serves no token management endpoints.
	AuthServerURL string `json:"auth_server_url,omitempty"`
	// EnableFallback turns on the static legacy token table.
	EnableFallback bool `json:"enable_fallback,omitempty"`
	// FallbackTokens maps usernames to exact legacy token strings. Only
	// consulted when EnableFallback is true; immutable after load.
	FallbackTokens []FallbackTokenEntry `json:"fallback_tokens,omitempty"`
	// AdminUsers may manage other users' tokens. Empty means any
	// authenticated user manages only their own.
	AdminUsers []string `json:"admin_users,omitempty"`
	// DefaultTokenTTL applies to issued tokens without an explicit TTL.
	// Zero means tokens never expire.
	DefaultTokenTTL Duration `json:"default_token_ttl,omitempty"`
	// TestTokenTTL is the lifetime of tokens minted by /auth/test-token.
	TestTokenTTL Duration `json:"test_token_ttl,omitempty"` // default 24h
	// TestTokenUser is the username test tokens are issued for.
	TestTokenUser string `json:"test_token_user,omitempty"` // default "admin"
	// RequireTokenForMessages gates POST /messages behind bearer auth.
	// Off by default: the session id is the routing capability.
	RequireTokenForMessages bool `json:"require_token_for_messages,omitempty"`
}

// FallbackTokenEntry maps a username to its static legacy token.
type FallbackTokenEntry struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// SessionConfig defines live stream behavior.
type SessionConfig struct {
	// IdleTimeout evicts streams with no traffic for this long. Zero
	// disables idle eviction.
	IdleTimeout Duration `json:"idle_timeout,omitempty"`
	// KeepaliveInterval is the cadence of SSE ping comments and
	// WebSocket pings. Default 15s.
	KeepaliveInterval Duration `json:"keepalive_interval,omitempty"`
	// SendTimeout bounds a single message write to a stream. Default 5s.
	SendTimeout Duration `json:"send_timeout,omitempty"`
}

// RedisConfig enables the Redis-backed token store and relay fabric. An
// empty Addr keeps everything in process memory.
type RedisConfig struct {
	Addr        string   `json:"addr,omitempty"`
	KeyPrefix   string   `json:"key_prefix,omitempty"`   // default "relay:"
	PresenceTTL Duration `json:"presence_ttl,omitempty"` // default 30s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig applies to the /auth/* endpoints.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool `json:"disabled,omitempty"` // /metrics served unless set
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{Addr: ":8000"}}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.AuthServerURL != "" {
		u, err := url.Parse(c.Auth.AuthServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("auth.auth_server_url must be an http(s) URL")
		}
	}
	seen := make(map[string]bool, len(c.Auth.FallbackTokens))
	for i, entry := range c.Auth.FallbackTokens {
		if entry.Username == "" || entry.Token == "" {
			return fmt.Errorf("auth.fallback_tokens[%d]: username and token are required", i)
		}
		if seen[entry.Username] {
			return fmt.Errorf("auth.fallback_tokens: duplicate username %q", entry.Username)
		}
		seen[entry.Username] = true
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Session.IdleTimeout.Duration < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Realm == "" {
		c.Auth.Realm = "mcp-relay"
	}
	if c.Auth.TestTokenTTL.Duration == 0 {
		c.Auth.TestTokenTTL.Duration = 24 * time.Hour
	}
	if c.Auth.TestTokenUser == "" {
		c.Auth.TestTokenUser = "admin"
	}
	if c.Session.KeepaliveInterval.Duration == 0 {
		c.Session.KeepaliveInterval.Duration = 15 * time.Second
	}
	if c.Session.SendTimeout.Duration == 0 {
		c.Session.SendTimeout.Duration = 5 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "relay:"
	}
	if c.Redis.PresenceTTL.Duration == 0 {
		c.Redis.PresenceTTL.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}

// FallbackTable returns the legacy token table as a username -> token map.
func (c *Config) FallbackTable() map[string]string {
	table := make(map[string]string, len(c.Auth.FallbackTokens))
	for _, entry := range c.Auth.FallbackTokens {
		table[entry.Username] = entry.Token
	}
	return table
}

// UseRedis reports whether Redis-backed storage and fabric are configured.
func (c *Config) UseRedis() bool {
	return c.Redis.Addr != ""
}

// IsAdmin reports whether username appears in the admin list.
func (c *Config) IsAdmin(username string) bool {
	for _, u := range c.Auth.AdminUsers {
		if u == username {
			return true
		}
	}
	return false
}
