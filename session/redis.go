package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scriptNotFound int64 = 0
	scriptApplied  int64 = 1
	scriptRevoked  int64 = 2
)

// KEYS: session, expiry index. ARGV: user id, revoked_at ms.
const revokeScript = `
local owner = redis.call("HGET", KEYS[1], "user_id")
if not owner or owner ~= ARGV[1] then
  return 0
end
if redis.call("HEXISTS", KEYS[1], "revoked_at") == 1 then
  return 2
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
return 1
`

var revokeLua = redis.NewScript(revokeScript)

// KEYS: user index, expiry index. ARGV: session key prefix, revoked_at ms.
const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("EXISTS", key) == 1 and redis.call("HEXISTS", key, "revoked_at") == 0 then
    redis.call("HSET", key, "revoked_at", ARGV[2])
    redis.call("ZREM", KEYS[2], id)
    revoked = revoked + 1
  end
end
return revoked
`

var revokeAllLua = redis.NewScript(revokeAllScript)

// extendIndex moves the user index expiry to at, never earlier. The index
// must outlive every record it lists, not just the newest one.
const extendIndex = `
local function extend_index(key, at, now)
  local ttl = redis.call("PTTL", key)
  if ttl >= 0 and ttl >= at - now then
    return
  end
  redis.call("PEXPIREAT", key, at)
end
`

// KEYS: session, user index, expiry index.
// ARGV: id, expires ms, retention ms, now ms, live flag, field/value pairs.
const insertScript = extendIndex + `
local fields = {}
for i = 6, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("SADD", KEYS[2], ARGV[1])
if ARGV[5] == "1" then
  redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
end
local retention = tonumber(ARGV[3])
if retention > 0 then
  local at = tonumber(ARGV[2]) + retention
  redis.call("PEXPIREAT", KEYS[1], at)
  extend_index(KEYS[2], at, tonumber(ARGV[4]))
end
return 1
`

var insertLua = redis.NewScript(insertScript)

// KEYS: old session, new session, user index, expiry index.
// ARGV: user id, revoked_at ms, old id, new id, rt hash, issued ms,
// expires ms, ip, ua, retention ms, now ms.
const rotateScript = extendIndex + `
local owner = redis.call("HGET", KEYS[1], "user_id")
if not owner or owner ~= ARGV[1] then
  return 0
end
if redis.call("HEXISTS", KEYS[1], "revoked_at") == 1 then
  return 2
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[2])
redis.call("ZREM", KEYS[4], ARGV[3])
redis.call("HSET", KEYS[2],
  "user_id", ARGV[1],
  "rt_hash", ARGV[5],
  "issued_at", ARGV[6],
  "expires_at", ARGV[7],
  "rotated_from", ARGV[3],
  "ip", ARGV[8],
  "ua", ARGV[9])
redis.call("SADD", KEYS[3], ARGV[4])
redis.call("ZADD", KEYS[4], ARGV[7], ARGV[4])
local retention = tonumber(ARGV[10])
if retention > 0 then
  local at = tonumber(ARGV[7]) + retention
  redis.call("PEXPIREAT", KEYS[2], at)
  extend_index(KEYS[3], at, tonumber(ARGV[11]))
end
return 1
`

var rotateLua = redis.NewScript(rotateScript)

// KEYS: expiry index. ARGV: now ms, limit, session key prefix.
// Returns {index entries consumed, records revoked}; entries whose record was
// already dropped by retention are consumed without a revoke.
const sweepScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local revoked = 0
for _, id in ipairs(ids) do
  local key = ARGV[3] .. id
  if redis.call("EXISTS", key) == 1 and redis.call("HEXISTS", key, "revoked_at") == 0 then
    redis.call("HSET", key, "revoked_at", ARGV[1])
    revoked = revoked + 1
  end
  redis.call("ZREM", KEYS[1], id)
end
return {#ids, revoked}
`

var sweepLua = redis.NewScript(sweepScript)

// RedisStore keeps each record in a hash, with a per-user id set and a
// global expiry index used by the sweeper. Multi-key mutations run as Lua
// scripts so they are atomic on the server.
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store under the given key prefix. A positive
// retention lets Redis drop records that long after their expiry; zero keeps
// them forever.
func NewRedisStore(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "authgate"
	}
	return &RedisStore{redis: rdb, prefix: prefix, retention: retention}
}

func (s *RedisStore) sessionPrefix() string { return s.prefix + ":s:" }

func (s *RedisStore) key(id string) string { return s.sessionPrefix() + id }

func (s *RedisStore) userKey(userID string) string { return s.prefix + ":u:" + userID }

func (s *RedisStore) expiryKey() string { return s.prefix + ":exp" }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) FindByUser(ctx context.Context, userID string) ([]Record, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}

	records := make([]Record, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// dropped by retention
			continue
		}
		rec, err := decodeRecord(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if rec.UserID != userID {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) Insert(ctx context.Context, rec Record) (string, error) {
	rec, err := prepareInsert(rec)
	if err != nil {
		return "", err
	}

	live := "1"
	if rec.RevokedAt != nil {
		live = "0"
	}
	args := append([]any{
		rec.ID,
		rec.ExpiresAt.UnixMilli(),
		s.retention.Milliseconds(),
		time.Now().UnixMilli(),
		live,
	}, encodeRecord(rec)...)

	err = insertLua.Run(ctx, s.redis,
		[]string{s.key(rec.ID), s.userKey(rec.UserID), s.expiryKey()},
		args...,
	).Err()
	if err != nil {
		return "", unavailable(err)
	}
	return rec.ID, nil
}

func (s *RedisStore) Revoke(ctx context.Context, userID, id string, at time.Time) error {
	status, err := revokeLua.Run(ctx, s.redis,
		[]string{s.key(id), s.expiryKey()},
		userID, at.UnixMilli(), id,
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if status == scriptNotFound {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	n, err := revokeAllLua.Run(ctx, s.redis,
		[]string{s.userKey(userID), s.expiryKey()},
		s.sessionPrefix(), at.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *RedisStore) Rotate(ctx context.Context, old Record, at time.Time, next Record) (string, error) {
	next.UserID = old.UserID
	next.RevokedAt = nil
	next, err := prepareInsert(next)
	if err != nil {
		return "", err
	}

	status, err := rotateLua.Run(ctx, s.redis,
		[]string{s.key(old.ID), s.key(next.ID), s.userKey(old.UserID), s.expiryKey()},
		old.UserID,
		at.UnixMilli(),
		old.ID,
		next.ID,
		next.RTHash,
		next.IssuedAt.UnixMilli(),
		next.ExpiresAt.UnixMilli(),
		next.IP,
		next.UserAgent,
		s.retention.Milliseconds(),
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return "", unavailable(err)
	}

	switch status {
	case scriptApplied:
		return next.ID, nil
	case scriptRevoked:
		return "", ErrAlreadyRevoked
	default:
		return "", ErrNotFound
	}
}

// SweepExpired keeps consuming the expiry index until limit records were
// revoked or the index has nothing left due, so stale entries never make a
// batch look short.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var revoked int64
	for revoked < int64(limit) {
		want := int64(limit) - revoked
		res, err := sweepLua.Run(ctx, s.redis,
			[]string{s.expiryKey()},
			now.UnixMilli(), want, s.sessionPrefix(),
		).Int64Slice()
		if err != nil {
			return revoked, unavailable(err)
		}
		if len(res) != 2 {
			return revoked, fmt.Errorf("session: unexpected sweep reply %v", res)
		}
		revoked += res[1]
		if res[0] < want {
			break
		}
		if err := ctx.Err(); err != nil {
			return revoked, err
		}
	}
	return revoked, nil
}

func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, unavailable(err)
	}
	return time.Since(start), nil
}

// encodeRecord flattens rec into HSET field/value pairs.
func encodeRecord(rec Record) []any {
	fields := []any{
		"user_id", rec.UserID,
		"rt_hash", rec.RTHash,
		"issued_at", rec.IssuedAt.UnixMilli(),
		"expires_at", rec.ExpiresAt.UnixMilli(),
		"ip", rec.IP,
		"ua", rec.UserAgent,
	}
	if rec.RotatedFrom != nil {
		fields = append(fields, "rotated_from", *rec.RotatedFrom)
	}
	if rec.RevokedAt != nil {
		fields = append(fields, "revoked_at", rec.RevokedAt.UnixMilli())
	}
	return fields
}

func decodeRecord(id string, fields map[string]string) (Record, error) {
	rec := Record{
		ID:        id,
		UserID:    fields["user_id"],
		RTHash:    fields["rt_hash"],
		IP:        fields["ip"],
		UserAgent: fields["ua"],
	}

	var err error
	if rec.IssuedAt, err = parseMillis(fields["issued_at"]); err != nil {
		return Record{}, fmt.Errorf("session %s: issued_at: %w", id, err)
	}
	if rec.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return Record{}, fmt.Errorf("session %s: expires_at: %w", id, err)
	}
	if v, ok := fields["rotated_from"]; ok && v != "" {
		rec.RotatedFrom = &v
	}
	if v, ok := fields["revoked_at"]; ok {
		at, err := parseMillis(v)
		if err != nil {
			return Record{}, fmt.Errorf("session %s: revoked_at: %w", id, err)
		}
		rec.RevokedAt = &at
	}
	return rec, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
