package session

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrips is a go-redis hook counting network round trips. A pipeline or
// transaction counts once regardless of how many commands it carries.
type roundTrips struct {
	n atomic.Int64
}

func (h *roundTrips) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *roundTrips) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.n.Add(1)
		return next(ctx, cmd)
	}
}

func (h *roundTrips) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.n.Add(1)
		return next(ctx, cmds)
	}
}

func (h *roundTrips) measure(t *testing.T, fn func()) int64 {
	t.Helper()
	h.n.Store(0)
	fn()
	return h.n.Load()
}

func newCountedStore(t *testing.T) (*RedisStore, *roundTrips) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// connection setup noise happens on first use
	require.NoError(t, rdb.Ping(context.Background()).Err())

	counter := &roundTrips{}
	rdb.AddHook(counter)
	return NewRedisStore(rdb, "budget", 0), counter
}

// Scripts may cost an EVALSHA miss plus an EVAL on first use, hence budgets
// of two for single-script operations.
func TestRedisStoreRoundTripBudget(t *testing.T) {
	s, counter := newCountedStore(t)
	ctx := context.Background()
	now := time.Now()

	var (
		id  string
		err error
	)
	trips := counter.measure(t, func() {
		id, err = s.Insert(ctx, Record{UserID: "u1", RTHash: "h1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, trips, int64(2), "insert is one script")

	_, err = s.Insert(ctx, Record{UserID: "u1", RTHash: "h2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	var records []Record
	trips = counter.measure(t, func() {
		records, err = s.FindByUser(ctx, "u1")
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.EqualValues(t, 2, trips, "SMEMBERS plus one pipelined HGETALL batch")

	old, ok := findRecord(records, id)
	require.True(t, ok)
	trips = counter.measure(t, func() {
		_, err = s.Rotate(ctx, old, now, Record{RTHash: "h3", IssuedAt: now, ExpiresAt: now.Add(time.Hour)})
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, trips, int64(2))

	trips = counter.measure(t, func() {
		_, err = s.RevokeAllForUser(ctx, "u1", now)
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, trips, int64(2))

	trips = counter.measure(t, func() {
		_, err = s.SweepExpired(ctx, now.Add(2*time.Hour), 10)
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, trips, int64(2))
}

func findRecord(records []Record, id string) (Record, bool) {
	for _, r := range records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}
