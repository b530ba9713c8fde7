// Package redisfabric provides a Redis-backed implementation of
// relay.Fabric so a broker cluster can route messages to streams held on
// other nodes. Payloads travel over Redis Streams; presence is kept in
// TTL'd keys refreshed by a per-node heartbeat.
package redisfabric

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/cellium/mcp-relay/relay"
)

// streamMaxLen bounds each username's stream so an absent subscriber does
// not grow it without limit.
const streamMaxLen = 512

// Config for the Redis fabric. Defaults can be loaded via envdecode.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from RedisAddr.
	Client redis.UniversalClient
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: RELAY_KEY_PREFIX
	KeyPrefix string `env:"RELAY_KEY_PREFIX,default=relay:fabric:"`
	// PresenceTTL is how long a presence record outlives its last heartbeat.
	// ENV: RELAY_PRESENCE_TTL
	PresenceTTL time.Duration `env:"RELAY_PRESENCE_TTL,default=30s"`
}

type Fabric struct {
	client      redis.UniversalClient
	keyPrefix   string
	presenceTTL time.Duration

	mu        sync.Mutex
	announced map[string]string // username -> connID announced by this node

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) (*Fabric, error) {
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
		prefix = "relay:fabric:"
	}
	ttl := cfg.PresenceTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	f := &Fabric{
		client:      client,
		keyPrefix:   prefix,
		presenceTTL: ttl,
		announced:   make(map[string]string),
		stop:        make(chan struct{}),
	}
	go f.heartbeat()
	return f, nil
}

// NewFromEnv builds a Fabric using envdecode to populate Config.
func NewFromEnv() (*Fabric, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close stops the heartbeat and closes the Redis client.
func (f *Fabric) Close() error {
	f.stopOnce.Do(func() { close(f.stop) })
	return f.client.Close()
}

// --- Key helpers ---

func (f *Fabric) streamKey(username string) string   { return f.keyPrefix + "stream:" + username }
func (f *Fabric) presenceKey(username string) string { return f.keyPrefix + "presence:" + username }
func (f *Fabric) connKey(connID string) string       { return f.keyPrefix + "conn:" + connID }

// --- Messaging via Redis Streams ---

func (f *Fabric) Publish(ctx context.Context, username string, payload []byte) (string, error) {
	id, err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.streamKey(username),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"d": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", username, err)
	}
	return id, nil
}

func (f *Fabric) Subscribe(ctx context.Context, username string) (relay.Stream, error) {
	key := f.streamKey(username)

	// Resolve the starting position now so everything published after
	// Subscribe returns is delivered, even if Next is called late. "$"
	// would anchor at the first XRead instead and drop the gap.
	lastID := "0"
	entries, err := f.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("subscribe to %s: %w", username, err)
	}
	if len(entries) > 0 {
		lastID = entries[0].ID
	}
	return &stream{fabric: f, key: key, lastID: lastID}, nil
}

type stream struct {
	fabric *Fabric
	key    string
	lastID string
	closed atomic.Bool
}

func (s *stream) Next(ctx context.Context) (relay.Envelope, error) {
	for {
		if s.closed.Load() {
			return relay.Envelope{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return relay.Envelope{}, ctx.Err()
		case <-s.fabric.stop:
			return relay.Envelope{}, io.EOF
		default:
		}

		res, err := s.fabric.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   1,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return relay.Envelope{}, ctx.Err()
			}
			return relay.Envelope{}, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}

		m := res[0].Messages[0]
		s.lastID = m.ID
		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			continue
		}
		return relay.Envelope{ID: m.ID, Payload: payload}, nil
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

// --- Presence ---

func (f *Fabric) Announce(ctx context.Context, username, connID string) error {
	pipe := f.client.TxPipeline()
	pipe.Set(ctx, f.presenceKey(username), connID, f.presenceTTL)
	pipe.Set(ctx, f.connKey(connID), username, f.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("announce %s: %w", username, err)
	}

	f.mu.Lock()
	f.announced[username] = connID
	f.mu.Unlock()
	return nil
}

// retractScript removes the presence record only while connID still owns
// it, and drops the username's stream alongside.
var retractScript = redis.NewScript(`
local presence = KEYS[1]
local stream = KEYS[2]
local conn_id = ARGV[1]
if redis.call('GET', presence) == conn_id then
  redis.call('DEL', presence)
  redis.call('DEL', stream)
  return 1
end
return 0
`)

func (f *Fabric) Retract(ctx context.Context, username, connID string) error {
	f.mu.Lock()
	if cur, ok := f.announced[username]; ok && cur == connID {
		delete(f.announced, username)
	}
	f.mu.Unlock()

	c := context.WithoutCancel(ctx)
	keys := []string{f.presenceKey(username), f.streamKey(username)}
	if err := retractScript.Run(c, f.client, keys, connID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("retract %s: %w", username, err)
	}
	if _, err := f.client.Del(c, f.connKey(connID)).Result(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func (f *Fabric) Presence(ctx context.Context, username string) (bool, error) {
	n, err := f.client.Exists(ctx, f.presenceKey(username)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (f *Fabric) ResolveConn(ctx context.Context, connID string) (string, bool, error) {
	username, err := f.client.Get(ctx, f.connKey(connID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	return username, true, nil
}

// heartbeat refreshes the TTL of every presence record this node announced
// so records vanish only when the node itself does.
func (f *Fabric) heartbeat() {
	interval := f.presenceTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}

		f.mu.Lock()
		pairs := make(map[string]string, len(f.announced))
		for username, connID := range f.announced {
			pairs[username] = connID
		}
		f.mu.Unlock()

		if len(pairs) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		pipe := f.client.Pipeline()
		for username, connID := range pairs {
			pipe.Expire(ctx, f.presenceKey(username), f.presenceTTL)
			pipe.Expire(ctx, f.connKey(connID), f.presenceTTL)
		}
		_, _ = pipe.Exec(ctx)
		cancel()
	}
}

// Compile-time interface checks
var (
	_ relay.Fabric = (*Fabric)(nil)
	_ relay.Stream = (*stream)(nil)
)
