package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cellium/mcp-relay/sessions"
)

// captureConn is a Conn that records the payloads sent to it.
type captureConn struct {
	id       string
	username string

	mu       sync.Mutex
	received [][]byte
	closed   bool
	sendErr  error
	reason   string
	last     time.Time
	est      time.Time
}

func newCaptureConn(id, username string) *captureConn {
	now := time.Now()
	return &captureConn{id: id, username: username, last: now, est: now}
}

func (c *captureConn) ID() string       { return c.id }
func (c *captureConn) Username() string { return c.username }

func (c *captureConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return sessions.ErrConnClosed
	}
	c.received = append(c.received, append([]byte(nil), payload...))
	return nil
}

func (c *captureConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	return nil
}

func (c *captureConn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *captureConn) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Now()
}

func (c *captureConn) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *captureConn) EstablishedAt() time.Time { return c.est }
func (c *captureConn) Transport() string        { return "sse" }

func (c *captureConn) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	for i, p := range c.received {
		out[i] = string(p)
	}
	return out
}

// fakeFabric is an in-test Fabric with injectable behavior. The zero value
// reports no presence and fails Publish, which matches a single-node
// deployment with no peers.
type fakeFabric struct {
	mu        sync.Mutex
	presence  map[string]string // username -> connID
	published map[string][][]byte

	presenceErr error
	publishErr  error
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{
		presence:  make(map[string]string),
		published: make(map[string][][]byte),
	}
}

func (f *fakeFabric) Publish(ctx context.Context, username string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "", f.publishErr
	}
	f.published[username] = append(f.published[username], append([]byte(nil), payload...))
	return "evt-1", nil
}

func (f *fakeFabric) Subscribe(ctx context.Context, username string) (Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFabric) Announce(ctx context.Context, username, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[username] = connID
	return nil
}

func (f *fakeFabric) Retract(ctx context.Context, username, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presence[username] == connID {
		delete(f.presence, username)
	}
	return nil
}

func (f *fakeFabric) Presence(ctx context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presenceErr != nil {
		return false, f.presenceErr
	}
	_, ok := f.presence[username]
	return ok, nil
}

func (f *fakeFabric) ResolveConn(ctx context.Context, connID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for username, id := range f.presence {
		if id == connID {
			return username, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeFabric) Close() error { return nil }

func (f *fakeFabric) publishedFor(username string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[username]
}

func TestRouteWithoutSession(t *testing.T) {
	router := NewRouter(sessions.NewRegistry(), newFakeFabric())

	err := router.Route(context.Background(), "alice", []byte("hello"))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Route error = %v, want ErrNoActiveSession", err)
	}
	if !strings.Contains(err.Error(), "alice") {
		t.Errorf("error %q should name the target user", err)
	}
}

func TestRouteDeliversLocally(t *testing.T) {
	registry := sessions.NewRegistry()
	router := NewRouter(registry, newFakeFabric())

	conn := newCaptureConn("c1", "alice")
	registry.Register(conn)

	if err := router.Route(context.Background(), "alice", []byte(`{"op":"ping"}`)); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	got := conn.payloads()
	if len(got) != 1 || got[0] != `{"op":"ping"}` {
		t.Errorf("conn received %v, want one ping payload", got)
	}
}

func TestRouteAfterDeregister(t *testing.T) {
	registry := sessions.NewRegistry()
	router := NewRouter(registry, newFakeFabric())

	conn := newCaptureConn("c1", "alice")
	registry.Register(conn)
	registry.Deregister(conn)

	err := router.Route(context.Background(), "alice", []byte("late"))
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Route error = %v, want ErrNoActiveSession", err)
	}
	if got := conn.payloads(); len(got) != 0 {
		t.Errorf("deregistered conn received %v", got)
	}
}

func TestRouteClosedConnReportsDeliveryFailed(t *testing.T) {
	registry := sessions.NewRegistry()
	router := NewRouter(registry, newFakeFabric())

	// The conn closes after registration but before the registry notices,
	// the narrow window where delivery fails on a session that exists.
	conn := newCaptureConn("c1", "alice")
	registry.Register(conn)
	conn.Close("network error")

	err := router.Route(context.Background(), "alice", []byte("doomed"))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Route error = %v, want ErrDeliveryFailed", err)
	}
	if errors.Is(err, ErrNoActiveSession) {
		t.Error("delivery failure must not look like a missing session")
	}
}

func TestRouteSendErrorPreserved(t *testing.T) {
	registry := sessions.NewRegistry()
	router := NewRouter(registry, newFakeFabric())

	conn := newCaptureConn("c1", "alice")
	conn.sendErr = errors.New("write: broken pipe")
	registry.Register(conn)

	err := router.Route(context.Background(), "alice", []byte("x"))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Route error = %v, want ErrDeliveryFailed", err)
	}
	if !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("error %q should carry the underlying cause", err)
	}
}

func TestRoutePublishesForRemoteSession(t *testing.T) {
	registry := sessions.NewRegistry()
	fabric := newFakeFabric()
	router := NewRouter(registry, fabric)

	// alice's stream lives on another node; only its presence record is
	// visible here.
	if err := fabric.Announce(context.Background(), "alice", "remote-conn"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if err := router.Route(context.Background(), "alice", []byte("cross-node")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	published := fabric.publishedFor("alice")
	if len(published) != 1 || string(published[0]) != "cross-node" {
		t.Errorf("fabric published %v, want the routed payload", published)
	}
}

func TestRoutePublishFailure(t *testing.T) {
	registry := sessions.NewRegistry()
	fabric := newFakeFabric()
	fabric.publishErr = errors.New("stream full")
	router := NewRouter(registry, fabric)

	fabric.presence["alice"] = "remote-conn"

	err := router.Route(context.Background(), "alice", []byte("x"))
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Route error = %v, want ErrDeliveryFailed", err)
	}
}

func TestRoutePresenceError(t *testing.T) {
	registry := sessions.NewRegistry()
	fabric := newFakeFabric()
	fabric.presenceErr = errors.New("redis down")
	router := NewRouter(registry, fabric)

	err := router.Route(context.Background(), "alice", []byte("x"))
	if err == nil {
		t.Fatal("Route should fail when presence cannot be checked")
	}
	if errors.Is(err, ErrNoActiveSession) {
		t.Error("an infrastructure error must not report the session as missing")
	}
}

func TestRouteLocalWinsOverFabric(t *testing.T) {
	registry := sessions.NewRegistry()
	fabric := newFakeFabric()
	router := NewRouter(registry, fabric)

	conn := newCaptureConn("c1", "alice")
	registry.Register(conn)
	// A stale remote presence record must not shadow the local stream.
	fabric.presence["alice"] = "stale-conn"

	if err := router.Route(context.Background(), "alice", []byte("direct")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if got := conn.payloads(); len(got) != 1 || got[0] != "direct" {
		t.Errorf("local conn received %v, want the payload", got)
	}
	if published := fabric.publishedFor("alice"); len(published) != 0 {
		t.Errorf("fabric received %v, want local-only delivery", published)
	}
}

func TestResolveSession(t *testing.T) {
	fabric := newFakeFabric()
	router := NewRouter(sessions.NewRegistry(), fabric)
	ctx := context.Background()

	if _, found, err := router.ResolveSession(ctx, "nope"); err != nil || found {
		t.Fatalf("ResolveSession = found=%v err=%v, want miss", found, err)
	}

	fabric.Announce(ctx, "alice", "conn-7")
	username, found, err := router.ResolveSession(ctx, "conn-7")
	if err != nil || !found || username != "alice" {
		t.Fatalf("ResolveSession = %q, %v, %v; want alice", username, found, err)
	}
}
