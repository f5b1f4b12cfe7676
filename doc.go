// Package authgate runs the browser session lifecycle in front of an external
// identity provider: login, refresh-token rotation with reuse detection,
// logout and expiry sweeps.
//
// Refresh tokens are stored only as Argon2 hashes. Every rotation inserts a
// new session record chained to the one it replaces and revokes the old one
// in the same atomic step, so a lineage is an append-only list in which at
// most one record is live. Presenting a token whose record is already revoked
// is treated as theft: every session of the user is revoked.
//
// # Architecture boundaries
//
// authgate exposes [Engine], [Builder], [Config] and value types. Persistence
// sits behind [session.Store], the upstream provider behind [idp.Provider],
// and request gating lives in the middleware package, which depends on this
// one and never the reverse.
//
// # What this package must NOT do
//
//   - Trust claims decoded from a refresh token beyond routing the lookup.
//   - Log or audit raw tokens, CSRF values or hashes.
//   - Delete session records. Revocation is the only terminal transition.
//
// Engine methods are safe for concurrent use after [Builder.Build].
package authgate
