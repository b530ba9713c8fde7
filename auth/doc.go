// Package auth provides pluggable authentication primitives used by the
// streaming transports. It validates opaque bearer tokens of the form
// user:<username>:<suffix> against a token store and maps failures into
// RFC 6750 bearer challenges.
//
// The public surface intentionally stays small: an Authenticator validates an
// incoming bearer token string and returns a UserInfo (or an error). The
// transport is responsible for extracting the token from the HTTP request and
// mapping sentinel errors into protocol-specific challenges.
//
// NewTokenAuthenticator adapts any tokenstore.Validator, so the same code
// path serves a local store, a store with a legacy fallback table, or a
// remote broker queried over HTTP.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (malformed, unknown, expired,
// or revoked). Any other error means the store itself failed and the request
// should be rejected without blaming the credential.
package auth
