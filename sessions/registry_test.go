package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a minimal Conn for registry tests.
type fakeConn struct {
	id       string
	username string
	closed   atomic.Bool
	reason   atomic.Value
	last     atomic.Value
	est      time.Time
}

func newFakeConn(id, username string) *fakeConn {
	c := &fakeConn{id: id, username: username, est: time.Now()}
	c.last.Store(time.Now())
	return c
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) Username() string { return c.username }

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return nil
}

func (c *fakeConn) Close(reason string) error {
	if c.closed.CompareAndSwap(false, true) {
		c.reason.Store(reason)
	}
	return nil
}

func (c *fakeConn) CloseReason() string {
	if v := c.reason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (c *fakeConn) Touch()                   { c.last.Store(time.Now()) }
func (c *fakeConn) LastActive() time.Time    { return c.last.Load().(time.Time) }
func (c *fakeConn) EstablishedAt() time.Time { return c.est }
func (c *fakeConn) Transport() string        { return "sse" }

func TestRegisterThenLookup(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("c1", "alice")

	if evicted := r.Register(conn); evicted {
		t.Fatal("first registration reported eviction")
	}
	got, ok := r.Lookup("alice")
	if !ok || got != Conn(conn) {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestLastConnectionWins(t *testing.T) {
	r := NewRegistry()
	h1 := newFakeConn("c1", "alice")
	h2 := newFakeConn("c2", "alice")

	r.Register(h1)
	if evicted := r.Register(h2); !evicted {
		t.Fatal("replacement did not report eviction")
	}

	got, ok := r.Lookup("alice")
	if !ok || got.ID() != "c2" {
		t.Fatalf("Lookup after replacement = %v, %v", got, ok)
	}
	if !h1.closed.Load() {
		t.Error("prior connection not closed on eviction")
	}
	if h1.CloseReason() != CloseReasonSuperseded {
		t.Errorf("close reason = %q, want %q", h1.CloseReason(), CloseReasonSuperseded)
	}
	if h2.closed.Load() {
		t.Error("replacement connection was closed")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestEvictAbsentIsNoop(t *testing.T) {
	r := NewRegistry()
	if r.Evict("nobody", "test") {
		t.Fatal("Evict of absent username reported true")
	}
}

func TestEvictClosesConn(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn("c1", "alice")
	r.Register(conn)

	if !r.Evict("alice", "admin") {
		t.Fatal("Evict reported false for live session")
	}
	if !conn.closed.Load() {
		t.Error("evicted connection not closed")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Error("session still present after eviction")
	}
}

func TestDeregisterOnlyRemovesCurrent(t *testing.T) {
	r := NewRegistry()
	h1 := newFakeConn("c1", "alice")
	h2 := newFakeConn("c2", "alice")

	r.Register(h1)
	r.Register(h2)

	// The superseded connection's cleanup must not remove its replacement.
	if r.Deregister(h1) {
		t.Fatal("stale connection deregistered its replacement")
	}
	if got, ok := r.Lookup("alice"); !ok || got.ID() != "c2" {
		t.Fatalf("replacement lost: %v, %v", got, ok)
	}

	if !r.Deregister(h2) {
		t.Fatal("current connection failed to deregister")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Error("session present after deregister")
	}
}

func TestConcurrentRegistrationDistinctUsers(t *testing.T) {
	r := NewRegistry()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			username := fmt.Sprintf("user%d", i)
			r.Register(newFakeConn(fmt.Sprintf("c%d", i), username))
		}(i)
	}
	wg.Wait()

	if r.Len() != n {
		t.Fatalf("Len = %d, want %d", r.Len(), n)
	}
	for i := 0; i < n; i++ {
		username := fmt.Sprintf("user%d", i)
		if _, ok := r.Lookup(username); !ok {
			t.Errorf("lost registration for %s", username)
		}
	}
}

func TestConcurrentRegistrationSameUser(t *testing.T) {
	r := NewRegistry()

	const n = 32
	conns := make([]*fakeConn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i), "alice")
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Register(c)
		}(conns[i])
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	winner, ok := r.Lookup("alice")
	if !ok {
		t.Fatal("no session after concurrent registration")
	}
	openCount := 0
	for _, c := range conns {
		if !c.closed.Load() {
			openCount++
			if c.ID() != winner.ID() {
				t.Errorf("open connection %s is not the registered winner %s", c.ID(), winner.ID())
			}
		}
	}
	if openCount != 1 {
		t.Errorf("%d connections left open, want 1", openCount)
	}
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	conns := []*fakeConn{
		newFakeConn("c1", "alice"),
		newFakeConn("c2", "bob"),
	}
	for _, c := range conns {
		r.Register(c)
	}

	r.CloseAll("shutting down")

	if r.Len() != 0 {
		t.Errorf("Len = %d after CloseAll", r.Len())
	}
	for _, c := range conns {
		if !c.closed.Load() {
			t.Errorf("conn %s not closed", c.id)
		}
		if c.CloseReason() != "shutting down" {
			t.Errorf("close reason = %q", c.CloseReason())
		}
	}
}

func TestIdleReaper(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idle := newFakeConn("c1", "alice")
	idle.last.Store(time.Now().Add(-time.Hour))
	busy := newFakeConn("c2", "bob")
	r.Register(idle)
	r.Register(busy)

	r.StartIdleReaper(ctx, 2*time.Second)

	deadline := time.After(3 * time.Second)
	for !idle.closed.Load() {
		busy.Touch()
		select {
		case <-deadline:
			t.Fatal("idle connection not reaped")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if idle.CloseReason() != CloseReasonIdle {
		t.Errorf("close reason = %q, want %q", idle.CloseReason(), CloseReasonIdle)
	}
	if busy.closed.Load() {
		t.Error("active connection reaped")
	}
}
