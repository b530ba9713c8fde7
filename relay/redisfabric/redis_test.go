package redisfabric

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cellium/mcp-relay/relay"
	"github.com/cellium/mcp-relay/relay/fabrictest"
)

func TestRedisFabric(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	_ = probe.Close()

	fabrictest.RunFabricTests(t, func(t *testing.T) relay.Fabric {
		f, err := New(Config{
			RedisAddr: "localhost:6379",
			// Unique prefix per test so runs never observe each other's keys.
			KeyPrefix:   fmt.Sprintf("test:fabric:%d:", time.Now().UnixNano()),
			PresenceTTL: 30 * time.Second,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = f.Close() })
		return f
	})
}
