package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test", 0), mr
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _ := newRedisStore(t)
		return s
	})
}

func TestRedisStoreRetention(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, "test", time.Hour)

	now := time.Now()
	id, err := s.Insert(context.Background(), Record{
		UserID:    "u1",
		RTHash:    "h",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	ttl := mr.TTL("test:s:" + id)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	_, err := s.FindByUser(context.Background(), "u1")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = s.RevokeAllForUser(context.Background(), "u1", time.Now())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisStoreSkipsDroppedRecords(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	id, err := s.Insert(ctx, Record{UserID: "u1", RTHash: "h", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	mr.Del("test:s:" + id)

	got, err := s.FindByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisStoreUserIndexOutlivesEveryRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb, "test", time.Hour)
	ctx := context.Background()
	now := time.Now()

	longID, err := s.Insert(ctx, Record{UserID: "u1", RTHash: "long", IssuedAt: now, ExpiresAt: now.Add(30 * 24 * time.Hour)})
	require.NoError(t, err)
	shortID, err := s.Insert(ctx, Record{UserID: "u1", RTHash: "short", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	records, err := s.FindByUser(ctx, "u1")
	require.NoError(t, err)
	short, ok := findRecord(records, shortID)
	require.True(t, ok)
	_, err = s.Rotate(ctx, short, now, Record{RTHash: "short-2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	// past the short lineage plus retention, well inside the long one
	mr.FastForward(3 * time.Hour)

	records, err = s.FindByUser(ctx, "u1")
	require.NoError(t, err)
	long, ok := findRecord(records, longID)
	require.True(t, ok, "live remember-me session must stay reachable")
	assert.Nil(t, long.RevokedAt)
	assert.Greater(t, mr.TTL("test:u:u1"), 29*24*time.Hour)
}

func TestRedisStoreSweepSkipsDroppedIndexEntries(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	var ids []string
	for i := 0; i < 5; i++ {
		issued := now.Add(-2 * time.Hour)
		id, err := s.Insert(ctx, Record{
			UserID:    "u1",
			RTHash:    "h",
			IssuedAt:  issued,
			ExpiresAt: issued.Add(time.Duration(i+1) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// the three earliest expiries were already dropped by retention
	for _, id := range ids[:3] {
		mr.Del("test:s:" + id)
	}

	n, err := s.SweepExpired(ctx, now, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	records, err := s.FindByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.NotNil(t, r.RevokedAt)
	}

	n, err = s.SweepExpired(ctx, now, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
}
