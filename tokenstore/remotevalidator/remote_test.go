package remotevalidator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cellium/mcp-relay/tokenstore"
)

func newValidatorServer(t *testing.T, handler http.HandlerFunc) *Validator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	v, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestValidateValidToken(t *testing.T) {
	v := newValidatorServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/validate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Token != "user:alice:abc123" {
			t.Errorf("token = %q", req.Token)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"valid":    true,
			"username": "alice",
			"source":   "authoritative",
		})
	})

	res, err := v.Validate(context.Background(), "user:alice:abc123")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid || res.Username != "alice" {
		t.Fatalf("result = %+v", res)
	}
	if res.Source != tokenstore.SourceAuthoritative {
		t.Errorf("Source = %q", res.Source)
	}
}

func TestValidateInvalidToken(t *testing.T) {
	v := newValidatorServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"valid": false,
			"error": "invalid_token",
		})
	})

	res, err := v.Validate(context.Background(), "user:alice:unknown")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("invalid token reported valid")
	}
	if res.Reason != tokenstore.ReasonUnknown {
		t.Errorf("Reason = %q", res.Reason)
	}
}

func TestValidateServerError(t *testing.T) {
	v := newValidatorServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if _, err := v.Validate(context.Background(), "user:alice:abc123"); err == nil {
		t.Fatal("5xx from validator did not surface as error")
	}
}

func TestValidateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v, err := New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := v.Validate(context.Background(), "user:alice:abc123"); err == nil {
		t.Fatal("unreachable validator did not surface as error")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("redis://not-http"); err == nil {
		t.Fatal("non-http scheme accepted")
	}
}
