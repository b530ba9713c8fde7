package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeBackend is a minimal map-backed Backend with injectable failures.
type fakeBackend struct {
	recs   map[string]TokenRecord
	getErr error
	putErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{recs: make(map[string]TokenRecord)}
}

func (f *fakeBackend) Put(ctx context.Context, rec TokenRecord) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.recs[rec.Token] = rec
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, tok string) (TokenRecord, bool, error) {
	if f.getErr != nil {
		return TokenRecord{}, false, f.getErr
	}
	rec, ok := f.recs[tok]
	return rec, ok, nil
}

func (f *fakeBackend) Delete(ctx context.Context, tok string) error {
	delete(f.recs, tok)
	return nil
}

func (f *fakeBackend) ListByUsername(ctx context.Context, username string) ([]TokenRecord, error) {
	var out []TokenRecord
	for _, rec := range f.recs {
		if rec.Username == username {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeBackend) TouchLastUsed(ctx context.Context, tok string, at time.Time) error {
	if rec, ok := f.recs[tok]; ok {
		rec.LastUsedAt = at
		f.recs[tok] = rec
	}
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func TestValidatePropagatesBackendError(t *testing.T) {
	fb := newFakeBackend()
	fb.getErr = errors.New("redis gone")
	s := New(fb)

	_, err := s.Validate(context.Background(), "user:alice:abcdef0123456789")
	if err == nil {
		t.Fatal("backend failure swallowed")
	}
	if !errors.Is(err, fb.getErr) {
		t.Errorf("error %v does not wrap backend error", err)
	}
}

func TestIssuePropagatesBackendError(t *testing.T) {
	fb := newFakeBackend()
	fb.putErr = errors.New("write refused")
	s := New(fb)

	if _, err := s.Issue(context.Background(), "alice"); !errors.Is(err, fb.putErr) {
		t.Fatalf("Issue error = %v, want wrapped put error", err)
	}
}

func TestIssueAppliesDefaultTTL(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb, WithDefaultTTL(time.Hour))

	rec, err := s.Issue(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.ExpiresAt.IsZero() {
		t.Fatal("default TTL not applied")
	}
	want := rec.CreatedAt.Add(time.Hour)
	if !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, want)
	}
}

func TestIssueWithNonPositiveTTLNeverExpires(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb, WithDefaultTTL(time.Hour))

	rec, err := s.Issue(context.Background(), "alice", WithTTL(0))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !rec.ExpiresAt.IsZero() {
		t.Errorf("WithTTL(0) still set expiry %v", rec.ExpiresAt)
	}
}

func TestIssueRecordMetadata(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb)

	rec, err := s.Issue(context.Background(), "alice",
		WithName("ci"), WithDescription("pipeline token"))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if rec.Name != "ci" || rec.Description != "pipeline token" {
		t.Errorf("metadata not carried: %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt unset")
	}
}

func TestFallbackTableIsCopied(t *testing.T) {
	table := map[string]string{"admin": "user:admin:test123hash"}
	s := New(newFakeBackend(), WithLegacyFallback(true, table))

	// Mutating the caller's map must not affect the store.
	table["admin"] = "user:admin:changed"

	res, err := s.Validate(context.Background(), "user:admin:test123hash")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatal("fallback table observed caller mutation")
	}
}

func TestExpiredRecordReportsExpiredReason(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb)

	rec, err := s.Issue(context.Background(), "alice", WithTTL(time.Nanosecond))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(time.Millisecond)

	res, err := s.Validate(context.Background(), rec.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("expired token valid")
	}
	if res.Reason != ReasonExpired {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonExpired)
	}
}

func TestValidateReportsTrustSource(t *testing.T) {
	fb := newFakeBackend()
	s := New(fb, WithLegacyFallback(true, map[string]string{"admin": "user:admin:test123hash"}))

	issued, err := s.Issue(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	res, err := s.Validate(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("Validate issued: %v", err)
	}
	if !res.Valid || res.Source != SourceAuthoritative {
		t.Errorf("issued token: valid=%v source=%q, want authoritative", res.Valid, res.Source)
	}

	res, err = s.Validate(context.Background(), "user:admin:test123hash")
	if err != nil {
		t.Fatalf("Validate fallback: %v", err)
	}
	if !res.Valid || res.Source != SourceFallback {
		t.Errorf("fallback token: valid=%v source=%q, want fallback", res.Valid, res.Source)
	}
	if res.Username != "admin" {
		t.Errorf("fallback username = %q, want admin", res.Username)
	}
}

func TestFallbackDisabledRejectsTableToken(t *testing.T) {
	s := New(newFakeBackend(), WithLegacyFallback(false, map[string]string{"admin": "user:admin:test123hash"}))

	res, err := s.Validate(context.Background(), "user:admin:test123hash")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("fallback token accepted while fallback disabled")
	}
	if res.Reason != ReasonUnknown {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonUnknown)
	}
}
