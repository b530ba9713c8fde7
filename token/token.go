// Package token implements the opaque bearer credential format used by the
// broker: user:<username>:<suffix>. Encoding and decoding are pure functions
// and safe for concurrent use without synchronization.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Scheme is the fixed leading field of every token.
const Scheme = "user"

// suffixBytes is the entropy carried by generated suffixes, hex-encoded to
// 32 characters on the wire.
const suffixBytes = 16

var (
	// ErrMalformedToken indicates a token string that does not have the
	// exact three-field user:<username>:<suffix> shape.
	ErrMalformedToken = errors.New("malformed token")

	// ErrInvalidUsername indicates a username that is empty or contains a colon.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrInvalidSuffix indicates a suffix that is empty or contains a colon.
	ErrInvalidSuffix = errors.New("invalid suffix")
)

// Token is the decoded form of a bearer credential.
type Token struct {
	Username string
	Suffix   string
}

// String re-encodes the token. The receiver must have come from a
// successful Decode or Encode; the zero value is not a valid token.
func (t Token) String() string {
	return Scheme + ":" + t.Username + ":" + t.Suffix
}

// Encode builds the wire form of a token from its parts.
func Encode(username, suffix string) (string, error) {
	if username == "" || strings.Contains(username, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if suffix == "" || strings.Contains(suffix, ":") {
		return "", ErrInvalidSuffix
	}
	return Scheme + ":" + username + ":" + suffix, nil
}

// Decode parses a token string. It never partially parses: any deviation
// from the three-field shape with the "user" scheme and non-empty fields
// yields ErrMalformedToken.
func Decode(s string) (Token, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != Scheme || parts[1] == "" || parts[2] == "" {
		return Token{}, ErrMalformedToken
	}
	return Token{Username: parts[1], Suffix: parts[2]}, nil
}

// NewSuffix returns a fresh cryptographically random suffix, hex encoded.
func NewSuffix() (string, error) {
	buf := make([]byte, suffixBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Mask returns a log-safe rendering of a token string. The username stays
// visible; the suffix is truncated so logs never leak a usable credential.
func Mask(s string) string {
	t, err := Decode(s)
	if err != nil {
		if len(s) <= 8 {
			return "********"
		}
		return s[:8] + "..."
	}
	suffix := t.Suffix
	if len(suffix) > 4 {
		suffix = suffix[:4] + "..."
	}
	return Scheme + ":" + t.Username + ":" + suffix
}
