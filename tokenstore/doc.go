// Package tokenstore is the authoritative source of truth for which bearer
// tokens are currently valid.
//
// A Store wraps a Backend (see memorystore and redisstore for the provided
// implementations) and layers issuance, validation, revocation, and listing
// on top of it. Validation first decodes the token via the token package,
// then consults the authoritative issued set, and only on a miss consults an
// optional legacy fallback table supplied at construction. The fallback
// table is a static username -> expected-token mapping intended for local
// development; it is copied once and never re-read, and fallback hits are
// surfaced distinctly (ValidationResult.Source, warn-level logs) so they can
// be told apart from authoritative validation in logs and metrics.
//
// Invalid tokens are results, not errors: Validate returns an error only
// when the backend itself fails. This keeps callers' error paths reserved
// for infrastructure problems.
package tokenstore
