// Package storetest provides a conformance suite for tokenstore.Backend
// implementations. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cellium/mcp-relay/token"
	"github.com/cellium/mcp-relay/tokenstore"
)

// BackendFactory creates a fresh Backend for a single test. Implementations
// should register cleanup via t.Cleanup.
type BackendFactory func(t *testing.T) tokenstore.Backend

// RunBackendTests runs the complete Backend conformance suite, exercising
// each backend through a tokenstore.Store.
func RunBackendTests(t *testing.T, factory BackendFactory) {
	t.Run("IssueThenValidate", func(t *testing.T) { testIssueThenValidate(t, factory) })
	t.Run("ValidateUnknownToken", func(t *testing.T) { testValidateUnknown(t, factory) })
	t.Run("ValidateMalformedToken", func(t *testing.T) { testValidateMalformed(t, factory) })
	t.Run("RevokeInvalidatesToken", func(t *testing.T) { testRevoke(t, factory) })
	t.Run("RevokeAbsentTokenIsNoop", func(t *testing.T) { testRevokeAbsent(t, factory) })
	t.Run("ExpiredTokenRejected", func(t *testing.T) { testExpiry(t, factory) })
	t.Run("ListByUsername", func(t *testing.T) { testList(t, factory) })
	t.Run("LastUsedBumpedOnValidate", func(t *testing.T) { testLastUsed(t, factory) })
	t.Run("FallbackConsultedOnMiss", func(t *testing.T) { testFallback(t, factory) })
	t.Run("ConcurrentIssue", func(t *testing.T) { testConcurrentIssue(t, factory) })
}

func newStore(t *testing.T, factory BackendFactory, opts ...tokenstore.Option) *tokenstore.Store {
	t.Helper()
	return tokenstore.New(factory(t), opts...)
}

func testIssueThenValidate(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	rec, err := s.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := token.Decode(rec.Token); err != nil {
		t.Fatalf("issued token %q does not decode: %v", rec.Token, err)
	}

	res, err := s.Validate(ctx, rec.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("issued token not valid: %+v", res)
	}
	if res.Username != "alice" {
		t.Errorf("Username = %q, want alice", res.Username)
	}
	if res.Source != tokenstore.SourceAuthoritative {
		t.Errorf("Source = %q, want authoritative", res.Source)
	}
}

func testValidateUnknown(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)

	res, err := s.Validate(context.Background(), "user:alice:0123456789abcdef")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("unknown token validated")
	}
	if res.Reason != tokenstore.ReasonUnknown {
		t.Errorf("Reason = %q, want %q", res.Reason, tokenstore.ReasonUnknown)
	}
	if res.Username != "" {
		t.Errorf("invalid result carries username %q", res.Username)
	}
}

func testValidateMalformed(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)

	for _, bad := range []string{"", "garbage", "user:alice", "token:alice:abc", "user:alice:a:b"} {
		res, err := s.Validate(context.Background(), bad)
		if err != nil {
			t.Fatalf("Validate(%q): %v", bad, err)
		}
		if res.Valid {
			t.Errorf("malformed token %q validated", bad)
		}
		if res.Reason != tokenstore.ReasonMalformed {
			t.Errorf("Validate(%q) reason = %q, want %q", bad, res.Reason, tokenstore.ReasonMalformed)
		}
	}
}

func testRevoke(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	rec, err := s.Issue(ctx, "bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Revoke(ctx, rec.Token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	res, err := s.Validate(ctx, rec.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("revoked token still valid")
	}
}

func testRevokeAbsent(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)

	if err := s.Revoke(context.Background(), "user:nobody:ffffffffffffffff"); err != nil {
		t.Fatalf("Revoke of absent token: %v", err)
	}
}

func testExpiry(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	rec, err := s.Issue(ctx, "carol", tokenstore.WithTTL(30*time.Millisecond))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.ExpiresAt.IsZero() {
		t.Fatal("WithTTL produced no expiry")
	}

	res, err := s.Validate(ctx, rec.Token)
	if err != nil {
		t.Fatalf("Validate before expiry: %v", err)
	}
	if !res.Valid {
		t.Fatalf("token invalid before expiry: %+v", res)
	}

	time.Sleep(60 * time.Millisecond)

	res, err = s.Validate(ctx, rec.Token)
	if err != nil {
		t.Fatalf("Validate after expiry: %v", err)
	}
	if res.Valid {
		t.Fatal("expired token still valid")
	}
	// Backends that expire keys natively report invalid_token; ones that keep
	// the record report token_expired. Both are rejections.
	if res.Reason != tokenstore.ReasonExpired && res.Reason != tokenstore.ReasonUnknown {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func testList(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	var issued []string
	for i := 0; i < 3; i++ {
		rec, err := s.Issue(ctx, "dave", tokenstore.WithName(fmt.Sprintf("key-%d", i)))
		if err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
		issued = append(issued, rec.Token)
	}
	if _, err := s.Issue(ctx, "erin"); err != nil {
		t.Fatalf("Issue for erin: %v", err)
	}

	recs, err := s.List(ctx, "dave")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("List returned %d records, want 3", len(recs))
	}
	got := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if rec.Username != "dave" {
			t.Errorf("record for %q in dave's list", rec.Username)
		}
		got[rec.Token] = true
	}
	for _, tok := range issued {
		if !got[tok] {
			t.Errorf("issued token missing from list")
		}
	}

	if err := s.Revoke(ctx, issued[0]); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	recs, err = s.List(ctx, "dave")
	if err != nil {
		t.Fatalf("List after revoke: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("List after revoke returned %d records, want 2", len(recs))
	}
}

func testLastUsed(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	rec, err := s.Issue(ctx, "frank")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := s.Validate(ctx, rec.Token); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	recs, err := s.List(ctx, "frank")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("List returned %d records, want 1", len(recs))
	}
	if recs[0].LastUsedAt.IsZero() {
		t.Error("LastUsedAt not bumped by validation")
	}
}

func testFallback(t *testing.T, factory BackendFactory) {
	const legacy = "user:admin:test123hash"
	table := map[string]string{"admin": legacy}
	ctx := context.Background()

	s := newStore(t, factory, tokenstore.WithLegacyFallback(true, table))
	res, err := s.Validate(ctx, legacy)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid || res.Username != "admin" {
		t.Fatalf("fallback token rejected: %+v", res)
	}
	if res.Source != tokenstore.SourceFallback {
		t.Errorf("Source = %q, want fallback", res.Source)
	}

	// A different token for the same user must not match.
	res, err = s.Validate(ctx, "user:admin:othersuffix")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("non-matching token validated via fallback")
	}

	disabled := newStore(t, factory, tokenstore.WithLegacyFallback(false, table))
	res, err = disabled.Validate(ctx, legacy)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("fallback token validated with fallback disabled")
	}
}

func testConcurrentIssue(t *testing.T, factory BackendFactory) {
	s := newStore(t, factory)
	ctx := context.Background()

	const n = 32
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the goroutines share a username to contend on one key.
			username := fmt.Sprintf("user%d", i%16)
			rec, err := s.Issue(ctx, username)
			if err != nil {
				t.Errorf("Issue %d: %v", i, err)
				return
			}
			tokens[i] = rec.Token
		}(i)
	}
	wg.Wait()

	for i, tok := range tokens {
		if tok == "" {
			continue
		}
		res, err := s.Validate(ctx, tok)
		if err != nil {
			t.Fatalf("Validate %d: %v", i, err)
		}
		if !res.Valid {
			t.Errorf("concurrently issued token %d lost", i)
		}
	}
}
