package token

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		username string
		suffix   string
	}{
		{"alice", "deadbeefdeadbeefdeadbeef"},
		{"admin", "test123hash"},
		{"user-with-dash", "a"},
		{"u", "0123456789abcdef0123456789abcdef"},
	}

	for _, tc := range cases {
		enc, err := Encode(tc.username, tc.suffix)
		if err != nil {
			t.Fatalf("Encode(%q, %q): %v", tc.username, tc.suffix, err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%q): %v", enc, err)
		}
		if dec.Username != tc.username || dec.Suffix != tc.suffix {
			t.Errorf("round trip of (%q, %q) gave (%q, %q)", tc.username, tc.suffix, dec.Username, dec.Suffix)
		}
		if dec.String() != enc {
			t.Errorf("String() = %q, want %q", dec.String(), enc)
		}
	}
}

func TestEncodeRejectsBadParts(t *testing.T) {
	if _, err := Encode("", "abc"); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("empty username: got %v, want ErrInvalidUsername", err)
	}
	if _, err := Encode("a:b", "abc"); !errors.Is(err, ErrInvalidUsername) {
		t.Errorf("username with colon: got %v, want ErrInvalidUsername", err)
	}
	if _, err := Encode("alice", ""); !errors.Is(err, ErrInvalidSuffix) {
		t.Errorf("empty suffix: got %v, want ErrInvalidSuffix", err)
	}
	if _, err := Encode("alice", "a:b"); !errors.Is(err, ErrInvalidSuffix) {
		t.Errorf("suffix with colon: got %v, want ErrInvalidSuffix", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"user",
		"user:alice",
		"user:alice:suffix:extra",
		"token:alice:suffix",
		"USER:alice:suffix",
		"user::suffix",
		"user:alice:",
		"::",
		"just some text",
	}

	for _, tc := range cases {
		if _, err := Decode(tc); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("Decode(%q): got %v, want ErrMalformedToken", tc, err)
		}
	}
}

func TestNewSuffix(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		s, err := NewSuffix()
		if err != nil {
			t.Fatalf("NewSuffix: %v", err)
		}
		if len(s) != suffixBytes*2 {
			t.Fatalf("suffix length = %d, want %d", len(s), suffixBytes*2)
		}
		if seen[s] {
			t.Fatalf("duplicate suffix %q", s)
		}
		seen[s] = true

		enc, err := Encode("alice", s)
		if err != nil {
			t.Fatalf("Encode with generated suffix: %v", err)
		}
		if _, err := Decode(enc); err != nil {
			t.Fatalf("Decode of generated token: %v", err)
		}
	}
}

func TestMask(t *testing.T) {
	masked := Mask("user:alice:deadbeefdeadbeef")
	if strings.Contains(masked, "deadbeefdeadbeef") {
		t.Errorf("Mask leaked full suffix: %q", masked)
	}
	if !strings.Contains(masked, "alice") {
		t.Errorf("Mask dropped username: %q", masked)
	}

	if got := Mask("short"); got != "********" {
		t.Errorf("Mask of short garbage = %q", got)
	}
	if got := Mask("not a token but quite long"); strings.Contains(got, "quite long") {
		t.Errorf("Mask of long garbage leaked tail: %q", got)
	}
}
