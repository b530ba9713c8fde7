package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cellium/mcp-relay/tokenstore"
)

// TokenClaims is the claim set surfaced for opaque bearer tokens. Source
// distinguishes store-issued tokens from legacy fallback entries.
type TokenClaims struct {
	Username string `json:"username"`
	Source   string `json:"source"`
}

// TokenAuthenticator validates opaque bearer tokens against a token store.
// Invalid tokens map to ErrUnauthorized; store failures surface as-is so
// callers can distinguish a bad credential from a broken backend.
type TokenAuthenticator struct {
	validator tokenstore.Validator
}

// NewTokenAuthenticator wraps the given validator as an Authenticator.
func NewTokenAuthenticator(validator tokenstore.Validator) *TokenAuthenticator {
	return &TokenAuthenticator{validator: validator}
}

func (a *TokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	res, err := a.validator.Validate(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if !res.Valid {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, res.Reason)
	}
	return &tokenUserInfo{claims: TokenClaims{
		Username: res.Username,
		Source:   string(res.Source),
	}}, nil
}

type tokenUserInfo struct {
	claims TokenClaims
}

func (u *tokenUserInfo) UserID() string { return u.claims.Username }

func (u *tokenUserInfo) Claims(ref any) error {
	raw, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, ref)
}

var _ Authenticator = (*TokenAuthenticator)(nil)
