// Package fabrictest provides a conformance test suite for relay.Fabric
// implementations. Both the in-memory and Redis fabrics run the same suite
// so routing behaves identically regardless of deployment.
package fabrictest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cellium/mcp-relay/relay"
)

// FabricFactory creates a fresh, isolated Fabric for one test. The factory
// registers its own cleanup via t.Cleanup.
type FabricFactory func(t *testing.T) relay.Fabric

// RunFabricTests runs the conformance suite against the given factory.
func RunFabricTests(t *testing.T, factory FabricFactory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		testPublishReachesSubscriber(t, factory)
	})
	t.Run("SubscribeIsolatedPerUsername", func(t *testing.T) {
		testSubscribeIsolatedPerUsername(t, factory)
	})
	t.Run("EnvelopeIDsAdvance", func(t *testing.T) {
		testEnvelopeIDsAdvance(t, factory)
	})
	t.Run("PresenceLifecycle", func(t *testing.T) {
		testPresenceLifecycle(t, factory)
	})
	t.Run("RetractRequiresMatchingConn", func(t *testing.T) {
		testRetractRequiresMatchingConn(t, factory)
	})
	t.Run("ResolveConn", func(t *testing.T) {
		testResolveConn(t, factory)
	})
	t.Run("NextHonorsContext", func(t *testing.T) {
		testNextHonorsContext(t, factory)
	})
	t.Run("ClosedStreamReturnsEOF", func(t *testing.T) {
		testClosedStreamReturnsEOF(t, factory)
	})
	t.Run("PublishAfterStreamClose", func(t *testing.T) {
		testPublishAfterStreamClose(t, factory)
	})
}

// nextEnvelope reads one envelope with a deadline so a broken fabric fails
// the test instead of hanging it.
func nextEnvelope(t *testing.T, stream relay.Stream) (relay.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return stream.Next(ctx)
}

func testPublishReachesSubscriber(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	stream, err := fabric.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	if _, err := fabric.Publish(ctx, "alice", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	env, err := nextEnvelope(t, stream)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(env.Payload) != `{"n":1}` {
		t.Errorf("payload = %q, want %q", env.Payload, `{"n":1}`)
	}
	if env.ID == "" {
		t.Error("envelope ID should not be empty")
	}
}

func testSubscribeIsolatedPerUsername(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	aliceStream, err := fabric.Subscribe(ctx, "alice")
	if err != nil {
		t.Fatalf("Subscribe(alice) failed: %v", err)
	}
	defer aliceStream.Close()
	bobStream, err := fabric.Subscribe(ctx, "bob")
	if err != nil {
		t.Fatalf("Subscribe(bob) failed: %v", err)
	}
	defer bobStream.Close()

	if _, err := fabric.Publish(ctx, "bob", []byte("for bob")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	env, err := nextEnvelope(t, bobStream)
	if err != nil {
		t.Fatalf("bob's Next failed: %v", err)
	}
	if string(env.Payload) != "for bob" {
		t.Errorf("bob got %q, want %q", env.Payload, "for bob")
	}

	// Alice must see nothing.
	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if env, err := aliceStream.Next(shortCtx); err == nil {
		t.Errorf("alice received %q, want no message", env.Payload)
	} else if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, io.EOF) {
		t.Errorf("alice's Next error = %v, want deadline or EOF", err)
	}
}

func testEnvelopeIDsAdvance(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	stream, err := fabric.Subscribe(ctx, "carol")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	const count = 5
	for i := 0; i < count; i++ {
		if _, err := fabric.Publish(ctx, "carol", []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	var lastID string
	for i := 0; i < count; i++ {
		env, err := nextEnvelope(t, stream)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if want := fmt.Sprintf("msg-%d", i); string(env.Payload) != want {
			t.Errorf("message %d = %q, want %q", i, env.Payload, want)
		}
		if env.ID == lastID {
			t.Errorf("envelope %d reused ID %q", i, env.ID)
		}
		lastID = env.ID
	}
}

func testPresenceLifecycle(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	present, err := fabric.Presence(ctx, "dave")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if present {
		t.Error("dave should not be present before Announce")
	}

	if err := fabric.Announce(ctx, "dave", "conn-1"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	present, err = fabric.Presence(ctx, "dave")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if !present {
		t.Error("dave should be present after Announce")
	}

	if err := fabric.Retract(ctx, "dave", "conn-1"); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}

	present, err = fabric.Presence(ctx, "dave")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if present {
		t.Error("dave should not be present after Retract")
	}
}

func testRetractRequiresMatchingConn(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	// conn-old announces, then conn-new replaces it. A late retract from
	// conn-old must not clear conn-new's presence.
	if err := fabric.Announce(ctx, "erin", "conn-old"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := fabric.Announce(ctx, "erin", "conn-new"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if err := fabric.Retract(ctx, "erin", "conn-old"); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}

	present, err := fabric.Presence(ctx, "erin")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if !present {
		t.Error("stale retract cleared the current connection's presence")
	}

	if err := fabric.Retract(ctx, "erin", "conn-new"); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	present, err = fabric.Presence(ctx, "erin")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if present {
		t.Error("erin should not be present after the owning conn retracts")
	}
}

func testResolveConn(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	if _, found, err := fabric.ResolveConn(ctx, "missing-conn"); err != nil {
		t.Fatalf("ResolveConn failed: %v", err)
	} else if found {
		t.Error("ResolveConn found a connection that was never announced")
	}

	if err := fabric.Announce(ctx, "frank", "conn-42"); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	username, found, err := fabric.ResolveConn(ctx, "conn-42")
	if err != nil {
		t.Fatalf("ResolveConn failed: %v", err)
	}
	if !found {
		t.Fatal("ResolveConn should find conn-42")
	}
	if username != "frank" {
		t.Errorf("username = %q, want %q", username, "frank")
	}

	if err := fabric.Retract(ctx, "frank", "conn-42"); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	if _, found, err := fabric.ResolveConn(ctx, "conn-42"); err != nil {
		t.Fatalf("ResolveConn failed: %v", err)
	} else if found {
		t.Error("ResolveConn should not find a retracted connection")
	}
}

func testNextHonorsContext(t *testing.T, factory FabricFactory) {
	fabric := factory(t)

	stream, err := fabric.Subscribe(context.Background(), "grace")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = stream.Next(ctx)
	if err == nil {
		t.Fatal("Next returned without a message or an error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Next took %v to honor a 200ms deadline", elapsed)
	}
}

func testClosedStreamReturnsEOF(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	stream, err := fabric.Subscribe(ctx, "heidi")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := stream.Next(readCtx); !errors.Is(err, io.EOF) {
		t.Errorf("Next on closed stream = %v, want io.EOF", err)
	}
}

func testPublishAfterStreamClose(t *testing.T, factory FabricFactory) {
	fabric := factory(t)
	ctx := context.Background()

	stream, err := fabric.Subscribe(ctx, "ivan")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Publishing into a username whose stream just went away must not
	// panic or error; the message is simply not received anywhere.
	if _, err := fabric.Publish(ctx, "ivan", []byte(`{"late":true}`)); err != nil {
		t.Fatalf("Publish after stream close failed: %v", err)
	}
}
