// Package session persists refresh-token session records.
//
// # Record lifecycle
//
// A [Record] is inserted on login or on a successful rotation. Afterwards the
// only permitted mutation is setting RevokedAt, and it is set at most once.
// Records are never deleted by the store operations; they remain for lineage
// and audit. The RedisStore can be given a retention period after expiry.
//
// # Rotation
//
// [Store.Rotate] revokes the presented record and inserts its successor in
// one atomic step: a transaction in [PostgresStore], a Lua script in
// [RedisStore]. The revoke is a compare-and-swap on revoked_at being unset, so
// of two concurrent rotations of the same record exactly one wins and the
// other receives [ErrAlreadyRevoked].
//
// # What this package must NOT do
//
//   - Interpret tokens or compare hashes. Matching a presented token against
//     RTHash is the caller's job.
//   - Update rt_hash in place.
//   - Store raw refresh tokens.
package session
