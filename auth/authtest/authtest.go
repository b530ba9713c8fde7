// Package authtest provides Authenticator fakes for transport tests.
package authtest

import (
	"context"
	"fmt"

	"github.com/cellium/mcp-relay/auth"
)

// Static authenticates against a fixed token -> username table. It gives a
// test real accept/reject behavior without standing up a token store.
type Static struct {
	users map[string]string
}

// NewStatic builds a Static from a token -> username table. The table is
// copied.
func NewStatic(tokens map[string]string) *Static {
	users := make(map[string]string, len(tokens))
	for tok, username := range tokens {
		users[tok] = username
	}
	return &Static{users: users}
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	username, ok := s.users[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &staticUserInfo{username: username}, nil
}

// Failing reports every check as an infrastructure failure, driving the
// backend-unavailable paths a healthy store never reaches.
type Failing struct {
	err error
}

// NewFailing builds a Failing that returns err from every check.
func NewFailing(err error) *Failing {
	return &Failing{err: err}
}

func (f *Failing) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return nil, f.err
}

type staticUserInfo struct {
	username string
}

func (u *staticUserInfo) UserID() string { return u.username }

// Claims leaves ref untouched; static identities carry no claim set.
func (u *staticUserInfo) Claims(ref any) error { return nil }

var (
	_ auth.Authenticator = (*Static)(nil)
	_ auth.Authenticator = (*Failing)(nil)
)
