package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cellium/mcp-relay/token"
)

// Validation failure reasons carried in ValidationResult.Reason.
const (
	ReasonMalformed = "malformed_token"
	ReasonUnknown   = "invalid_token"
	ReasonExpired   = "token_expired"
)

// Source identifies which trust source satisfied a validation.
type Source string

const (
	// SourceAuthoritative means the token was found in the issued set.
	SourceAuthoritative Source = "authoritative"
	// SourceFallback means the token matched the static legacy table. A
	// development escape hatch, never a production trust boundary.
	SourceFallback Source = "fallback"
)

// TokenRecord is the stored metadata for an issued token.
type TokenRecord struct {
	Token       string    `json:"token"`
	Username    string    `json:"username"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`
}

// Expired reports whether the record has an expiry in the past.
func (r TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// ValidationResult is the outcome of validating a token string. It is never
// partially valid: Username and Source are set only when Valid is true, and
// Reason only when it is false.
type ValidationResult struct {
	Valid    bool
	Username string
	Source   Source
	Reason   string
}

// Validator checks a bearer token string. Implementations return an error
// only for infrastructure failures; an invalid token is a result, not an
// error.
type Validator interface {
	Validate(ctx context.Context, tokenString string) (ValidationResult, error)
}

// Backend is the authoritative persistence for issued tokens. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Put stores a record keyed by its token string.
	Put(ctx context.Context, rec TokenRecord) error
	// Get returns the record for a token string, reporting presence.
	Get(ctx context.Context, tokenString string) (TokenRecord, bool, error)
	// Delete removes a record. Deleting an absent token is a no-op.
	Delete(ctx context.Context, tokenString string) error
	// ListByUsername returns all records held for a username.
	ListByUsername(ctx context.Context, username string) ([]TokenRecord, error)
	// TouchLastUsed updates a record's LastUsedAt. Best effort.
	TouchLastUsed(ctx context.Context, tokenString string, at time.Time) error
	Close() error
}

// Store issues, validates, and revokes opaque bearer tokens against a
// Backend, with an optional immutable legacy fallback table consulted when
// the authoritative set misses.
type Store struct {
	backend Backend
	log     *slog.Logger

	fallbackEnabled bool
	fallback        map[string]string

	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLegacyFallback installs the static username -> expected token table.
// The table is copied; it cannot change after construction.
func WithLegacyFallback(enabled bool, table map[string]string) Option {
	return func(s *Store) {
		s.fallbackEnabled = enabled
		s.fallback = make(map[string]string, len(table))
		for u, t := range table {
			s.fallback[u] = t
		}
	}
}

// WithDefaultTTL sets the expiry applied to issued tokens that do not carry
// an explicit TTL. Zero means issued tokens never expire by default.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) { s.defaultTTL = ttl }
}

// WithLogger sets the logger used for validation and lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store over the given backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssueOption configures a single issuance.
type IssueOption func(*issueOptions)

type issueOptions struct {
	name        string
	description string
	ttl         *time.Duration
}

// WithName attaches a human-readable label to the issued token.
func WithName(name string) IssueOption {
	return func(o *issueOptions) { o.name = name }
}

// WithDescription attaches a description to the issued token.
func WithDescription(desc string) IssueOption {
	return func(o *issueOptions) { o.description = desc }
}

// WithTTL overrides the store's default expiry for this token. A
// non-positive value issues a token that never expires.
func WithTTL(ttl time.Duration) IssueOption {
	return func(o *issueOptions) { o.ttl = &ttl }
}

// Issue mints a token for username with a fresh crypto-random suffix and
// records it in the authoritative set. Concurrent issuance is safe.
func (s *Store) Issue(ctx context.Context, username string, opts ...IssueOption) (TokenRecord, error) {
	var io issueOptions
	for _, opt := range opts {
		opt(&io)
	}

	suffix, err := token.NewSuffix()
	if err != nil {
		return TokenRecord{}, err
	}
	tok, err := token.Encode(username, suffix)
	if err != nil {
		return TokenRecord{}, err
	}

	now := s.now()
	rec := TokenRecord{
		Token:       tok,
		Username:    username,
		Name:        io.name,
		Description: io.description,
		CreatedAt:   now,
	}
	ttl := s.defaultTTL
	if io.ttl != nil {
		ttl = *io.ttl
	}
	if ttl > 0 {
		rec.ExpiresAt = now.Add(ttl)
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return TokenRecord{}, fmt.Errorf("store token: %w", err)
	}

	s.log.LogAttrs(ctx, slog.LevelDebug, "tokens.issue",
		slog.String("username", username),
		slog.String("token", token.Mask(tok)),
		slog.Bool("expires", !rec.ExpiresAt.IsZero()),
	)
	return rec, nil
}

// Validate decodes and checks a token string. Malformed and unknown tokens
// produce an invalid result; the error return is reserved for backend
// failures.
func (s *Store) Validate(ctx context.Context, tokenString string) (ValidationResult, error) {
	decoded, err := token.Decode(tokenString)
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "auth.validate.malformed",
			slog.String("token", token.Mask(tokenString)),
		)
		return ValidationResult{Valid: false, Reason: ReasonMalformed}, nil
	}

	rec, found, err := s.backend.Get(ctx, tokenString)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("token lookup: %w", err)
	}

	now := s.now()
	if found && !rec.Expired(now) {
		if err := s.backend.TouchLastUsed(context.WithoutCancel(ctx), tokenString, now); err != nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "tokens.touch.fail", slog.String("err", err.Error()))
		}
		s.log.LogAttrs(ctx, slog.LevelDebug, "auth.validate.ok",
			slog.String("username", rec.Username),
			slog.String("source", string(SourceAuthoritative)),
		)
		return ValidationResult{Valid: true, Username: rec.Username, Source: SourceAuthoritative}, nil
	}

	if s.fallbackEnabled {
		if expected, ok := s.fallback[decoded.Username]; ok && expected == tokenString {
			s.log.LogAttrs(ctx, slog.LevelWarn, "auth.validate.fallback",
				slog.String("username", decoded.Username),
				slog.String("token", token.Mask(tokenString)),
			)
			return ValidationResult{Valid: true, Username: decoded.Username, Source: SourceFallback}, nil
		}
	}

	reason := ReasonUnknown
	if found {
		reason = ReasonExpired
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "auth.validate.miss",
		slog.String("username", decoded.Username),
		slog.String("reason", reason),
	)
	return ValidationResult{Valid: false, Reason: reason}, nil
}

// Revoke removes a token from the authoritative set. Revoking an absent
// token is a no-op, not an error.
func (s *Store) Revoke(ctx context.Context, tokenString string) error {
	if err := s.backend.Delete(ctx, tokenString); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.log.LogAttrs(ctx, slog.LevelDebug, "tokens.revoke",
		slog.String("token", token.Mask(tokenString)),
	)
	return nil
}

// List returns the unexpired records issued for a username.
func (s *Store) List(ctx context.Context, username string) ([]TokenRecord, error) {
	recs, err := s.backend.ListByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	now := s.now()
	out := recs[:0]
	for _, rec := range recs {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close releases the underlying backend.
func (s *Store) Close() error { return s.backend.Close() }

var _ Validator = (*Store)(nil)
