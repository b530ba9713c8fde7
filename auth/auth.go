package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized means the presented credential is invalid: malformed,
// unknown, expired, or revoked. Implementations wrap it so callers can
// distinguish a bad credential from a failing backend with errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo is the identity attached to a request once its bearer token has
// validated. Implementations must be safe for concurrent use.
type UserInfo interface {
	// UserID returns the username the credential is bound to.
	UserID() string
	// Claims unmarshals the credential's claim set into ref. Identities
	// without claims leave ref untouched and return nil.
	Claims(ref any) error
}

// Authenticator checks an opaque bearer token string. A rejection wraps
// ErrUnauthorized; any other error means the trust backend itself failed
// and the caller must not blame the credential.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
