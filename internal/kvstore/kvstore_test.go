package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb)
}

func TestPutIfAbsentOrExpired_firstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ver, err := s.PutIfAbsentOrExpired(ctx, "lock:a", []byte("holder-1"), time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, ver)

	_, err = s.PutIfAbsentOrExpired(ctx, "lock:a", []byte("holder-2"), time.Minute)
	require.ErrorIs(t, err, ErrNotAbsent)
}

func TestPutIfAbsentOrExpired_expiredKeyCanBeReclaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb)
	ctx := context.Background()

	_, err := s.PutIfAbsentOrExpired(ctx, "lock:a", []byte("holder-1"), 10*time.Millisecond)
	require.NoError(t, err)

	// miniredis ages TTLs only when told to, not with the wall clock.
	mr.FastForward(30 * time.Millisecond)

	ver, err := s.PutIfAbsentOrExpired(ctx, "lock:a", []byte("holder-2"), time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, ver)
}

func TestPutIfMatch_succeedsOnlyWithCurrentVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ver, err := s.PutIfAbsentOrExpired(ctx, "lock:a", []byte("v1"), time.Minute)
	require.NoError(t, err)

	_, err = s.PutIfMatch(ctx, "lock:a", "stale-version", []byte("v2"), time.Minute)
	require.ErrorIs(t, err, ErrVersionMismatch)

	newVer, err := s.PutIfMatch(ctx, "lock:a", ver, []byte("v2"), time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, ver, newVer)

	rec, found, err := s.Get(ctx, "lock:a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", string(rec.Value))
	require.Equal(t, newVer, rec.Version)
}

func TestDeleteIfMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ver, err := s.PutIfAbsentOrExpired(ctx, "lock:a", []byte("v1"), time.Minute)
	require.NoError(t, err)

	err = s.DeleteIfMatch(ctx, "lock:a", "wrong-version")
	require.ErrorIs(t, err, ErrVersionMismatch)

	err = s.DeleteIfMatch(ctx, "lock:a", ver)
	require.NoError(t, err)

	_, found, err := s.Get(ctx, "lock:a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteIfMatch_absentKeyIsNoop(t *testing.T) {
	s := newTestStore(t)
	err := s.DeleteIfMatch(context.Background(), "lock:never-existed", "whatever")
	require.NoError(t, err)
}

func TestGet_missingKey(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get(context.Background(), "lock:nope")
	require.NoError(t, err)
	require.False(t, found)
}
