// Package redisstore provides a Redis-backed implementation of
// tokenstore.Backend for deployments where issued tokens must survive
// process restarts or be shared across broker nodes.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/cellium/mcp-relay/tokenstore"
)

// Config for the Redis-backed token store. Defaults can be loaded via
// envdecode.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from RedisAddr.
	Client redis.UniversalClient
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: TOKENS_KEY_PREFIX
	KeyPrefix string `env:"TOKENS_KEY_PREFIX,default=relay:tokens:"`
}

// Backend is a Redis-backed tokenstore.Backend. Record expiry is enforced
// natively via key TTLs; the per-user index is repaired lazily.
type Backend struct {
	client    redis.UniversalClient
	keyPrefix string
}

func New(cfg Config) (*Backend, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relay:tokens:"
	}
	return &Backend{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (b *Backend) Close() error { return b.client.Close() }

// --- Key helpers ---

func (b *Backend) tokenKey(tok string) string     { return b.keyPrefix + "token:" + tok }
func (b *Backend) userKey(username string) string { return b.keyPrefix + "user:" + username }

// --- Backend operations ---

func (b *Backend) Put(ctx context.Context, rec tokenstore.TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.tokenKey(rec.Token), data, ttl)
	pipe.SAdd(ctx, b.userKey(rec.Username), rec.Token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, tokenString string) (tokenstore.TokenRecord, bool, error) {
	data, err := b.client.Get(ctx, b.tokenKey(tokenString)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return tokenstore.TokenRecord{}, false, nil
		}
		return tokenstore.TokenRecord{}, false, err
	}
	var rec tokenstore.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return tokenstore.TokenRecord{}, false, fmt.Errorf("decode record: %w", err)
	}
	return rec, true, nil
}

func (b *Backend) Delete(ctx context.Context, tokenString string) error {
	rec, found, err := b.Get(ctx, tokenString)
	if err != nil {
		return err
	}

	c := context.WithoutCancel(ctx)
	if _, err := b.client.Del(c, b.tokenKey(tokenString)).Result(); err != nil && err != redis.Nil {
		return err
	}
	if found {
		_, _ = b.client.SRem(c, b.userKey(rec.Username), tokenString).Result()
	}
	return nil
}

func (b *Backend) ListByUsername(ctx context.Context, username string) ([]tokenstore.TokenRecord, error) {
	toks, err := b.client.SMembers(ctx, b.userKey(username)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	recs := make([]tokenstore.TokenRecord, 0, len(toks))
	for _, tok := range toks {
		rec, found, err := b.Get(ctx, tok)
		if err != nil {
			return nil, err
		}
		if !found {
			// Record expired out from under the index; repair lazily.
			_, _ = b.client.SRem(context.WithoutCancel(ctx), b.userKey(username), tok).Result()
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// touchScript rewrites a record in place while preserving its TTL.
var touchScript = redis.NewScript(`
local key = KEYS[1]
local payload = ARGV[1]
if redis.call('EXISTS', key) == 1 then
  local ttl = redis.call('PTTL', key)
  redis.call('SET', key, payload)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

func (b *Backend) TouchLastUsed(ctx context.Context, tokenString string, at time.Time) error {
	rec, found, err := b.Get(ctx, tokenString)
	if err != nil || !found {
		return err
	}
	rec.LastUsedAt = at
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := touchScript.Run(ctx, b.client, []string{b.tokenKey(tokenString)}, data).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Interface compliance
var _ tokenstore.Backend = (*Backend)(nil)
